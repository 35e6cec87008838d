package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	// documentKey is the hash holding one document, one hash field per
	// document field. Format: doc:<collection>:<id>
	documentKey = "doc:%s:%s"

	// indexKey is the set of document ids of a collection.
	// Format: idx:<collection>
	indexKey = "idx:%s"

	// changesChannel is the pub/sub channel carrying JSON encoded Batch values
	// for a collection. Format: changes:<collection>
	changesChannel = "changes:%s"
)

// RedisStore is a DocumentStore backed by Redis hashes, with change feeds
// delivered over Redis pub/sub.
type RedisStore struct {
	client *redis.Client
	// publish sends a payload on a pub/sub channel.
	publish func(ctx context.Context, channel string, payload []byte) error
}

// NewRedisStore parses redisURL (e.g. "redis://localhost:6379/0"), connects
// and pings the server.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	if redisURL == "" {
		return nil, errors.New("redis URL cannot be empty")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse redis URL '%s'", redisURL)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err = client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "failed to ping redis at '%s'", redisURL)
	}

	jww.INFO.Printf("[RedisStore] connected to %s", opts.Addr)
	return &RedisStore{
		client: client,
		publish: func(ctx context.Context, channel string, payload []byte) error {
			return client.Publish(ctx, channel, payload).Err()
		},
	}, nil
}

func (rs *RedisStore) FetchAll(ctx context.Context, collection string) ([]Document, error) {
	ids, err := rs.client.SMembers(ctx, fmt.Sprintf(indexKey, collection)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", collection)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	pipe := rs.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, fmt.Sprintf(documentKey, collection, id))
	}
	if _, err = pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, errors.Wrapf(err, "failed to fetch %s documents", collection)
	}

	docs := make([]Document, 0, len(ids))
	for i, cmd := range cmds {
		hash := cmd.Val()
		if len(hash) == 0 {
			// Index entry left behind by an interrupted delete.
			continue
		}
		docs = append(docs, Document{ID: ids[i], Fields: fieldsFromHash(hash)})
	}
	return docs, nil
}

// Query filters the full collection client side; the store keeps no secondary
// indexes.
func (rs *RedisStore) Query(ctx context.Context, collection, field string, value any) ([]Document, error) {
	all, err := rs.FetchAll(ctx, collection)
	if err != nil {
		return nil, err
	}
	var docs []Document
	for _, d := range all {
		if d.Fields.Equal(field, value) {
			docs = append(docs, d)
		}
	}
	return docs, nil
}

func (rs *RedisStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	hash, err := rs.client.HGetAll(ctx, fmt.Sprintf(documentKey, collection, id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get %s/%s", collection, id)
	}
	if len(hash) == 0 {
		return nil, nil
	}
	return &Document{ID: id, Fields: fieldsFromHash(hash)}, nil
}

func (rs *RedisStore) Merge(ctx context.Context, collection, id string, fields Fields) error {
	if len(fields) == 0 {
		return errors.Errorf("merge into %s/%s has no fields", collection, id)
	}
	key := fmt.Sprintf(documentKey, collection, id)

	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = string(v)
	}

	pipe := rs.client.TxPipeline()
	added := pipe.SAdd(ctx, fmt.Sprintf(indexKey, collection), id)
	pipe.HSet(ctx, key, values)
	current := pipe.HGetAll(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "failed to merge %s/%s", collection, id)
	}

	changeType := Modified
	if added.Val() == 1 {
		changeType = Added
	}
	rs.announce(ctx, collection, Change{
		Type: changeType, Doc: Document{ID: id, Fields: fieldsFromHash(current.Val())}})
	return nil
}

func (rs *RedisStore) Delete(ctx context.Context, collection, id string) error {
	key := fmt.Sprintf(documentKey, collection, id)
	hash, err := rs.client.HGetAll(ctx, key).Result()
	if err != nil {
		return errors.Wrapf(err, "failed to read %s/%s before delete", collection, id)
	}
	if len(hash) == 0 {
		return nil
	}

	pipe := rs.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, fmt.Sprintf(indexKey, collection), id)
	if _, err = pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "failed to delete %s/%s", collection, id)
	}

	rs.announce(ctx, collection, Change{
		Type: Removed, Doc: Document{ID: id, Fields: fieldsFromHash(hash)}})
	return nil
}

func (rs *RedisStore) Subscribe(ctx context.Context, collection string) (<-chan Batch, error) {
	pubsub := rs.client.Subscribe(ctx, fmt.Sprintf(changesChannel, collection))
	// Wait for the subscription to be confirmed so no later publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.Wrapf(err, "failed to subscribe to %s", collection)
	}

	out := make(chan Batch)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var batch Batch
				if err := json.Unmarshal([]byte(msg.Payload), &batch); err != nil {
					jww.ERROR.Printf("[RedisStore] dropping malformed %s batch: %+v",
						collection, err)
					continue
				}
				select {
				case out <- batch:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (rs *RedisStore) Close() error {
	if rs.client != nil {
		return rs.client.Close()
	}
	return nil
}

// announce publishes a committed change. The write already happened, so a
// failed publish is only logged; subscribers catch up on their next full read.
func (rs *RedisStore) announce(ctx context.Context, collection string, change Change) {
	payload, err := json.Marshal(Batch{Collection: collection, Changes: []Change{change}})
	if err == nil {
		err = rs.publish(ctx, fmt.Sprintf(changesChannel, collection), payload)
	}
	if err != nil {
		jww.WARN.Printf("[RedisStore] committed %s %s/%s without notifying "+
			"subscribers: %+v", change.Type, collection, change.Doc.ID, err)
		return
	}
	jww.TRACE.Printf("[RedisStore] published %s %s/%s", change.Type, collection, change.Doc.ID)
}

func fieldsFromHash(hash map[string]string) Fields {
	fields := make(Fields, len(hash))
	for k, v := range hash {
		fields[k] = json.RawMessage(v)
	}
	return fields
}
