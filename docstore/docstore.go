package docstore

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
)

// a partitioned document store with live query subscriptions
// global collections are writable by any authenticated caller under the
// rules in rules.go; the `users/{uid}` partition is writable only by uid

var (
	ErrNotFound         = errors.New("document not found")
	ErrConflict         = errors.New("transaction conflict")
	ErrPermissionDenied = errors.New("permission denied")
	ErrClosed           = errors.New("store closed")
)

// document fields are flat: string or bool values only
// timestamps are stored as RFC 3339 strings
type Doc map[string]any

func (self Doc) Clone() Doc {
	out := Doc{}
	for k, v := range self {
		out[k] = v
	}
	return out
}

func (self Doc) String(field string) string {
	if v, ok := self[field].(string); ok {
		return v
	}
	return ""
}

func (self Doc) Bool(field string) bool {
	if v, ok := self[field].(bool); ok {
		return v
	}
	return false
}

// equality predicate for queries and subscriptions
type Where struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

func Eq(field string, value any) Where {
	return Where{Field: field, Value: value}
}

type Snapshot struct {
	Key string `json:"key"`
	Doc Doc    `json:"doc"`
}

// Store is the contract the social core is written against.
// `Memory` handles and `Remote` both implement it.
type Store interface {
	// Get returns the document or ErrNotFound
	Get(ctx context.Context, collection string, key string) (Doc, error)

	// Set writes the document. With merge, absent documents are created and
	// present documents are patched field by field; without, the write is a
	// full replace.
	Set(ctx context.Context, collection string, key string, fields Doc, merge bool) error

	// Update merges fields into an existing document, ErrNotFound if absent
	Update(ctx context.Context, collection string, key string, fields Doc) error

	// Delete removes the document. Absence is success, not an error.
	Delete(ctx context.Context, collection string, key string) error

	// Insert writes a new document under a generated key.
	// Keys are ulids, so keys from one writer order by creation time.
	Insert(ctx context.Context, collection string, fields Doc) (string, error)

	// Query returns a point-in-time snapshot of matching documents,
	// ordered by key
	Query(ctx context.Context, collection string, wheres ...Where) ([]Snapshot, error)

	// Subscribe streams a fresh full snapshot on every matching change
	// until unsubscribed. Delivery coalesces: a slow consumer sees the
	// latest snapshot, never a stale backlog.
	Subscribe(ctx context.Context, collection string, wheres ...Where) (*Subscription, error)

	// RunTransaction runs body with optimistic reads and staged writes and
	// commits atomically, failing with ErrConflict if any document read by
	// body changed before commit. Writes may touch at most the caller's own
	// partition plus global collections.
	RunTransaction(ctx context.Context, body func(tx *Tx) error) error
}

func newKey() string {
	return ulid.Make().String()
}

func matches(doc Doc, wheres []Where) bool {
	for _, where := range wheres {
		if doc[where.Field] != where.Value {
			return false
		}
	}
	return true
}
