package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	boorucache "github.com/wolfeidau/booru-cache"
	"github.com/wolfeidau/booru-cache/store/metadb"
	"github.com/wolfeidau/booru-cache/telemetry"
)

// entity is the shape shared by Tag and User.
type entity[K comparable, E any] interface {
	Key() K
	ReadTime() time.Time
	WithReadTime(at time.Time) E
}

// Entities is a persistent store for one entity kind on one site.
// Entities are stored as JSON payloads inside metadb records.
type Entities[K comparable, E entity[K, E]] struct {
	db        metadb.MetaDB
	site      boorucache.Site
	kind      string
	formatKey func(K) string
	logger    *slog.Logger
}

// Option configures an Entities store.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newEntities[K comparable, E entity[K, E]](db metadb.MetaDB, site boorucache.Site, kind string, formatKey func(K) string, opts []Option) *Entities[K, E] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Entities[K, E]{
		db:        db,
		site:      site,
		kind:      kind,
		formatKey: formatKey,
		logger:    o.logger.With("site", site, "kind", kind),
	}
}

// Tags returns the tag store for site, keyed by tag name.
func Tags(db metadb.MetaDB, site boorucache.Site, opts ...Option) *Entities[string, boorucache.Tag] {
	return newEntities[string, boorucache.Tag](db, site, boorucache.KindTag, func(name string) string { return name }, opts)
}

// Users returns the user store for site, keyed by remote user id.
func Users(db metadb.MetaDB, site boorucache.Site, opts ...Option) *Entities[int64, boorucache.User] {
	return newEntities[int64, boorucache.User](db, site, boorucache.KindUser, func(id int64) string { return strconv.FormatInt(id, 10) }, opts)
}

// Site returns the site the store is scoped to.
func (s *Entities[K, E]) Site() boorucache.Site { return s.site }

// Lookup returns the stored entity for key with the record's read time
// applied. A missing record is reported as found == false with a nil error.
func (s *Entities[K, E]) Lookup(ctx context.Context, key K) (e E, found bool, err error) {
	start := time.Now()
	defer func() {
		result := "hit"
		switch {
		case err != nil:
			result = "error"
		case !found:
			result = "miss"
		}
		telemetry.RecordStoreOp(ctx, s.kind, opLookup, result, time.Since(start))
	}()

	rec, err := s.db.Get(ctx, string(s.site), s.kind, s.formatKey(key))
	if errors.Is(err, metadb.ErrNotFound) {
		return e, false, nil
	}
	if err != nil {
		return e, false, fmt.Errorf("looking up %s %v: %w", s.kind, key, err)
	}
	if err := json.Unmarshal(rec.Payload, &e); err != nil {
		return e, false, fmt.Errorf("decoding %s %v: %w", s.kind, key, err)
	}
	return e.WithReadTime(rec.ReadTime), true, nil
}

// Upsert writes entities in one transaction. Stored read times never
// move backwards.
func (s *Entities[K, E]) Upsert(ctx context.Context, entities ...E) error {
	if len(entities) == 0 {
		return nil
	}
	start := time.Now()

	recs := make([]*metadb.Record, 0, len(entities))
	for _, e := range entities {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding %s %v: %w", s.kind, e.Key(), err)
		}
		recs = append(recs, &metadb.Record{
			Site:     string(s.site),
			Kind:     s.kind,
			Key:      s.formatKey(e.Key()),
			Payload:  payload,
			ReadTime: e.ReadTime(),
		})
	}

	err := s.db.PutAll(ctx, recs)
	telemetry.RecordStoreOp(ctx, s.kind, opUpsert, outcome(err), time.Since(start))
	if err != nil {
		return fmt.Errorf("upserting %d %s records: %w", len(recs), s.kind, err)
	}
	s.logger.Debug("upserted entities", "count", len(recs))
	return nil
}

// Touch advances the read time of a stored entity without rewriting its
// payload. Touching a missing entity is not an error.
func (s *Entities[K, E]) Touch(ctx context.Context, key K, at time.Time) error {
	start := time.Now()
	err := s.db.Touch(ctx, string(s.site), s.kind, s.formatKey(key), at)
	telemetry.RecordStoreOp(ctx, s.kind, opTouch, outcome(err), time.Since(start))
	if err != nil && !errors.Is(err, metadb.ErrNotFound) {
		return fmt.Errorf("touching %s %v: %w", s.kind, key, err)
	}
	return nil
}

// Delete removes the entity for key.
func (s *Entities[K, E]) Delete(ctx context.Context, key K) error {
	start := time.Now()
	err := s.db.Delete(ctx, string(s.site), s.kind, s.formatKey(key))
	telemetry.RecordStoreOp(ctx, s.kind, opDelete, outcome(err), time.Since(start))
	return err
}

// Recent returns up to limit entities, most recently read first.
func (s *Entities[K, E]) Recent(ctx context.Context, limit int) ([]E, error) {
	recs, err := s.db.RecentlyRead(ctx, string(s.site), s.kind, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent %s records: %w", s.kind, err)
	}
	out := make([]E, 0, len(recs))
	for _, rec := range recs {
		var e E
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			s.logger.Warn("skipping undecodable record", "key", rec.Key, "error", err)
			continue
		}
		out = append(out, e.WithReadTime(rec.ReadTime))
	}
	return out, nil
}

// Clear removes every entity of this kind for the site.
func (s *Entities[K, E]) Clear(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := s.db.DeleteKind(ctx, string(s.site), s.kind)
	telemetry.RecordStoreOp(ctx, s.kind, opDelete, outcome(err), time.Since(start))
	return n, err
}
