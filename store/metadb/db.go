// Package metadb stores entity records in bbolt, scoped by site and kind.
package metadb

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("metadb: not found")

// Record is a stored entity. Payload is opaque to metadb; the typed
// stores encode entities into it.
type Record struct {
	Site      string
	Kind      string
	Key       string
	Payload   []byte
	ReadTime  time.Time
	UpdatedAt time.Time
}

// MetaDB is the persistent entity store.
//
// Put is an idempotent upsert: writing the same record twice leaves the
// store unchanged apart from UpdatedAt, and ReadTime never moves
// backwards.
type MetaDB interface {
	Open(path string) error
	Close() error

	Get(ctx context.Context, site, kind, key string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	PutAll(ctx context.Context, recs []*Record) error
	Touch(ctx context.Context, site, kind, key string, at time.Time) error
	Delete(ctx context.Context, site, kind, key string) error
	DeleteKind(ctx context.Context, site, kind string) (int, error)
	Keys(ctx context.Context, site, kind string) ([]string, error)
	RecentlyRead(ctx context.Context, site, kind string, limit int) ([]*Record, error)
}

// New creates a new MetaDB backed by bbolt.
func New() MetaDB {
	return NewBoltDB()
}
