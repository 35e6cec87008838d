package remote

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// newTestRedisStore connects to REDIS_TEST_URL or skips the test.
func newTestRedisStore(t *testing.T) *RedisStore {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	rs, err := NewRedisStore(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })
	return rs
}

// Tests that RedisStore merges partial updates, publishes them and removes
// documents from both the hash and the index.
func TestRedisStore_MergeSubscribeDelete(t *testing.T) {
	rs := newTestRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collection := "test-" + uuid.NewString()
	feed, err := rs.Subscribe(ctx, collection)
	require.NoError(t, err)

	f1, _ := NewFields(map[string]any{"username": "neo", "online": true})
	require.NoError(t, rs.Merge(ctx, collection, "u1", f1))
	f2, _ := NewFields(map[string]any{"online": false})
	require.NoError(t, rs.Merge(ctx, collection, "u1", f2))

	require.Equal(t, Added, receive(t, feed).Changes[0].Type)
	modified := receive(t, feed).Changes[0]
	require.Equal(t, Modified, modified.Type)
	require.True(t, modified.Doc.Fields.Equal("username", "neo"))

	docs, err := rs.Query(ctx, collection, "online", false)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	require.NoError(t, rs.Delete(ctx, collection, "u1"))
	require.Equal(t, Removed, receive(t, feed).Changes[0].Type)

	doc, err := rs.Get(ctx, collection, "u1")
	require.NoError(t, err)
	require.Nil(t, doc)
	all, err := rs.FetchAll(ctx, collection)
	require.NoError(t, err)
	require.Empty(t, all)
}

// Tests that a write is reported as committed when only the change
// notification fails.
func TestRedisStore_PublishFailure(t *testing.T) {
	rs := newTestRedisStore(t)
	ctx := context.Background()
	rs.publish = func(context.Context, string, []byte) error {
		return errors.New("connection reset by peer")
	}

	collection := "test-" + uuid.NewString()
	fields, err := NewFields(map[string]any{"text": "hi"})
	require.NoError(t, err)
	require.NoError(t, rs.Merge(ctx, collection, "m1", fields))

	doc, err := rs.Get(ctx, collection, "m1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.True(t, doc.Fields.Equal("text", "hi"))

	require.NoError(t, rs.Delete(ctx, collection, "m1"))
	doc, err = rs.Get(ctx, collection, "m1")
	require.NoError(t, err)
	require.Nil(t, doc)
}

func TestNewRedisStore_EmptyURL(t *testing.T) {
	_, err := NewRedisStore("")
	require.Error(t, err)
}
