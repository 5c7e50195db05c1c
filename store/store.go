// Package store adapts the metadb record engine to typed entity stores
// used by the resolution caches and the download history.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	boorucache "github.com/wolfeidau/booru-cache"
	"github.com/wolfeidau/booru-cache/store/metadb"
	"github.com/wolfeidau/booru-cache/telemetry"
)

// Store operation names used in metrics.
const (
	opLookup = "lookup"
	opUpsert = "upsert"
	opTouch  = "touch"
	opDelete = "delete"
)

// Open opens (or creates) the bbolt database at path.
func Open(path string, opts ...metadb.BoltDBOption) (*metadb.BoltDB, error) {
	db := metadb.NewBoltDB(opts...)
	if err := db.Open(path); err != nil {
		return nil, err
	}
	return db, nil
}

// ClearSite removes every tag, user and download record stored for site.
// It returns the number of records removed.
func ClearSite(ctx context.Context, db metadb.MetaDB, site boorucache.Site) (int, error) {
	var total int
	for _, kind := range []string{boorucache.KindTag, boorucache.KindUser, boorucache.KindDownload} {
		start := time.Now()
		n, err := db.DeleteKind(ctx, string(site), kind)
		telemetry.RecordStoreOp(ctx, kind, opDelete, outcome(err), time.Since(start))
		if err != nil {
			return total, fmt.Errorf("clearing %s records for %s: %w", kind, site, err)
		}
		total += n
	}
	slog.Default().Info("cleared site history", "site", site, "records", total)
	return total, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, metadb.ErrNotFound):
		return "miss"
	default:
		return "error"
	}
}
