package metadb

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements MetaDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	codec  *EnvelopeCodec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewEnvelopeCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating envelope codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketByReadTime, bucketReadTimeOf} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	err := b.db.Close()
	b.db = nil
	return err
}

// Get retrieves a record.
func (b *BoltDB) Get(_ context.Context, site, kind, key string) (*Record, error) {
	var env *envelope
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketRecords).Get(makeRecordKey(site, kind, key))
		if val == nil {
			return ErrNotFound
		}
		var err error
		env, err = unmarshalEnvelope(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return b.toRecord(site, kind, key, env)
}

func (b *BoltDB) toRecord(site, kind, key string, env *envelope) (*Record, error) {
	payload, err := b.codec.decodePayload(env)
	if err != nil {
		return nil, fmt.Errorf("decoding %s/%s/%s: %w", site, kind, key, err)
	}
	return &Record{
		Site:      site,
		Kind:      kind,
		Key:       key,
		Payload:   payload,
		ReadTime:  env.ReadTime,
		UpdatedAt: env.UpdatedAt,
	}, nil
}

// Put upserts a record. The stored read time is the later of the
// existing and the new one.
func (b *BoltDB) Put(_ context.Context, rec *Record) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.putInTx(tx, rec)
	})
}

// PutAll upserts records in a single transaction.
func (b *BoltDB) PutAll(_ context.Context, recs []*Record) error {
	if len(recs) == 0 {
		return nil
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, rec := range recs {
			if err := b.putInTx(tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltDB) putInTx(tx *bbolt.Tx, rec *Record) error {
	records := tx.Bucket(bucketRecords)
	recordKey := makeRecordKey(rec.Site, rec.Kind, rec.Key)

	readTime := rec.ReadTime
	if old := records.Get(recordKey); old != nil {
		if prev, err := unmarshalEnvelope(old); err == nil && prev.ReadTime.After(readTime) {
			readTime = prev.ReadTime
		}
	}

	env, err := b.codec.seal(rec.Payload, readTime, b.now())
	if err != nil {
		return fmt.Errorf("sealing %s/%s/%s: %w", rec.Site, rec.Kind, rec.Key, err)
	}
	if err := records.Put(recordKey, marshalEnvelope(env)); err != nil {
		return fmt.Errorf("putting record: %w", err)
	}
	return b.updateReadTimeIndex(tx, recordKey, readTime)
}

// Touch advances the read time of an existing record without touching
// its payload. Earlier times are ignored.
func (b *BoltDB) Touch(_ context.Context, site, kind, key string, at time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		recordKey := makeRecordKey(site, kind, key)

		val := records.Get(recordKey)
		if val == nil {
			return ErrNotFound
		}
		env, err := unmarshalEnvelope(val)
		if err != nil {
			return err
		}
		if !at.After(env.ReadTime) {
			return nil
		}
		env.ReadTime = at
		if err := records.Put(recordKey, marshalEnvelope(env)); err != nil {
			return fmt.Errorf("putting record: %w", err)
		}
		return b.updateReadTimeIndex(tx, recordKey, at)
	})
}

// updateReadTimeIndex replaces the forward and reverse read-time index
// entries for recordKey. A zero time only removes them.
func (b *BoltDB) updateReadTimeIndex(tx *bbolt.Tx, recordKey []byte, at time.Time) error {
	byTime := tx.Bucket(bucketByReadTime)
	reverse := tx.Bucket(bucketReadTimeOf)

	if ts := reverse.Get(recordKey); ts != nil {
		if err := byTime.Delete(makeReadTimeKey(decodeTimestamp(ts), recordKey)); err != nil {
			return fmt.Errorf("deleting old read time index: %w", err)
		}
		if err := reverse.Delete(recordKey); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}

	if at.IsZero() {
		return nil
	}
	if err := byTime.Put(makeReadTimeKey(at, recordKey), recordKey); err != nil {
		return fmt.Errorf("putting read time index: %w", err)
	}
	if err := reverse.Put(recordKey, encodeTimestamp(at)); err != nil {
		return fmt.Errorf("putting reverse index: %w", err)
	}
	return nil
}

// Delete removes a record. Missing records are not an error.
func (b *BoltDB) Delete(_ context.Context, site, kind, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.deleteInTx(tx, makeRecordKey(site, kind, key))
	})
}

func (b *BoltDB) deleteInTx(tx *bbolt.Tx, recordKey []byte) error {
	if err := b.updateReadTimeIndex(tx, recordKey, time.Time{}); err != nil {
		return err
	}
	return tx.Bucket(bucketRecords).Delete(recordKey)
}

// DeleteKind removes every record of kind for site and returns how many
// were removed.
func (b *BoltDB) DeleteKind(_ context.Context, site, kind string) (int, error) {
	var deleted int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		prefix := makeKindPrefix(site, kind)

		// Collect first: deleting under a live cursor skips entries.
		var keys [][]byte
		cursor := tx.Bucket(bucketRecords).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}

		for _, k := range keys {
			if err := b.deleteInTx(tx, k); err != nil {
				return err
			}
		}
		deleted = len(keys)
		return nil
	})
	if err == nil && deleted > 0 {
		b.logger.Debug("deleted records", "site", site, "kind", kind, "count", deleted)
	}
	return deleted, err
}

// Keys returns every key of kind stored for site, in byte order.
func (b *BoltDB) Keys(_ context.Context, site, kind string) ([]string, error) {
	var keys []string
	prefix := makeKindPrefix(site, kind)

	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketRecords).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			_, _, key := parseRecordKey(k)
			keys = append(keys, key)
		}
		return nil
	})
	return keys, err
}

// RecentlyRead returns up to limit records of kind for site, most
// recently read first. A limit <= 0 returns all of them.
func (b *BoltDB) RecentlyRead(_ context.Context, site, kind string, limit int) ([]*Record, error) {
	type hit struct {
		key string
		env *envelope
	}
	var hits []hit
	prefix := makeKindPrefix(site, kind)

	err := b.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		cursor := tx.Bucket(bucketByReadTime).Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if !bytes.HasPrefix(v, prefix) {
				continue
			}
			val := records.Get(v)
			if val == nil {
				continue
			}
			env, err := unmarshalEnvelope(val)
			if err != nil {
				return err
			}
			_, _, key := parseRecordKey(v)
			hits = append(hits, hit{key: key, env: env})
			if limit > 0 && len(hits) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := make([]*Record, 0, len(hits))
	for _, h := range hits {
		rec, err := b.toRecord(site, kind, h.key, h.env)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, nil
}

var _ MetaDB = (*BoltDB)(nil)
