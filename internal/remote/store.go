// Package remote is the authoritative document store shared by every client:
// collections of JSON documents with merge writes and live change feeds.
package remote

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Collection names.
const (
	Users          = "users"
	Messages       = "messages"
	Chats          = "chats"
	PinnedMessages = "pinnedMessages"
	Calls          = "calls"
	ChatWallpapers = "chatWallpapers"
	Accounts       = "accounts"
)

// ErrOffline is returned by stores that cannot currently reach their backend.
var ErrOffline = errors.New("remote store is offline")

// Fields holds the JSON encoded top level fields of a document. A field set to
// JSON null is stored as null; it is not removed.
type Fields map[string]json.RawMessage

// NewFields encodes each value of values as a document field.
func NewFields(values map[string]any) (Fields, error) {
	fields := make(Fields, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to marshal field %q", k)
		}
		fields[k] = raw
	}
	return fields, nil
}

// FieldsOf encodes a struct through its JSON form.
func FieldsOf(v any) (Fields, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to marshal document")
	}
	var fields Fields
	if err = json.Unmarshal(data, &fields); err != nil {
		return nil, errors.WithMessage(err, "document is not a JSON object")
	}
	return fields, nil
}

// Equal reports whether field k of f holds exactly the JSON encoding of v.
func (f Fields) Equal(k string, v any) bool {
	raw, ok := f[k]
	if !ok {
		return false
	}
	want, err := json.Marshal(v)
	if err != nil {
		return false
	}
	var a, b any
	if json.Unmarshal(raw, &a) != nil || json.Unmarshal(want, &b) != nil {
		return false
	}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return string(ja) == string(jb)
}

// merge writes update over f without touching fields update does not name.
func (f Fields) merge(update Fields) Fields {
	out := make(Fields, len(f)+len(update))
	for k, v := range f {
		out[k] = v
	}
	for k, v := range update {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

type Document struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

// Decode unmarshals the document fields into v.
func (d Document) Decode(v any) error {
	data, err := json.Marshal(d.Fields)
	if err != nil {
		return errors.WithMessagef(err, "failed to encode document %s", d.ID)
	}
	if err = json.Unmarshal(data, v); err != nil {
		return errors.WithMessagef(err, "failed to decode document %s", d.ID)
	}
	return nil
}

type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

// Change is one document change in a feed. Removed changes carry the last
// known fields when the store has them.
type Change struct {
	Type ChangeType `json:"type"`
	Doc  Document   `json:"doc"`
}

// Batch is a group of changes to one collection delivered together.
type Batch struct {
	Collection string   `json:"collection"`
	Changes    []Change `json:"changes"`
}

// DocumentStore is the remote, authoritative store.
type DocumentStore interface {
	// FetchAll returns every document of a collection.
	FetchAll(ctx context.Context, collection string) ([]Document, error)
	// Query returns the documents whose field equals value.
	Query(ctx context.Context, collection, field string, value any) ([]Document, error)
	// Get returns a single document or nil when it does not exist.
	Get(ctx context.Context, collection, id string) (*Document, error)
	// Merge upserts a document; fields not named in fields are kept.
	Merge(ctx context.Context, collection, id string, fields Fields) error
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
	// Subscribe delivers the change batches of a collection, in commit order,
	// until ctx is done.
	Subscribe(ctx context.Context, collection string) (<-chan Batch, error)
	Close() error
}
