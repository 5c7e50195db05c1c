package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	boorucache "github.com/wolfeidau/booru-cache"
	"github.com/wolfeidau/booru-cache/store/metadb"
	"github.com/wolfeidau/booru-cache/telemetry"
)

// Downloads records completed downloads keyed by (site, URL).
type Downloads struct {
	db  metadb.MetaDB
	now func() time.Time
}

// NewDownloads creates a download history over db.
func NewDownloads(db metadb.MetaDB) *Downloads {
	return &Downloads{db: db, now: time.Now}
}

// RecordDownload stores f. Recording the same URL again replaces the
// previous entry.
func (d *Downloads) RecordDownload(ctx context.Context, f boorucache.DownloadedFile) error {
	if f.CompletedAt.IsZero() {
		f.CompletedAt = d.now()
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding download %s: %w", f.URL, err)
	}

	start := time.Now()
	err = d.db.Put(ctx, &metadb.Record{
		Site:     string(f.Site),
		Kind:     boorucache.KindDownload,
		Key:      f.URL,
		Payload:  payload,
		ReadTime: f.CompletedAt,
	})
	telemetry.RecordStoreOp(ctx, boorucache.KindDownload, opUpsert, outcome(err), time.Since(start))
	if err != nil {
		return fmt.Errorf("recording download %s: %w", f.URL, err)
	}
	return nil
}

// Lookup returns the recorded download for url.
func (d *Downloads) Lookup(ctx context.Context, site boorucache.Site, url string) (boorucache.DownloadedFile, bool, error) {
	var f boorucache.DownloadedFile
	rec, err := d.db.Get(ctx, string(site), boorucache.KindDownload, url)
	if errors.Is(err, metadb.ErrNotFound) {
		return f, false, nil
	}
	if err != nil {
		return f, false, err
	}
	if err := json.Unmarshal(rec.Payload, &f); err != nil {
		return f, false, fmt.Errorf("decoding download %s: %w", url, err)
	}
	return f, true, nil
}

// Recent returns up to limit downloads for site, newest first.
func (d *Downloads) Recent(ctx context.Context, site boorucache.Site, limit int) ([]boorucache.DownloadedFile, error) {
	recs, err := d.db.RecentlyRead(ctx, string(site), boorucache.KindDownload, limit)
	if err != nil {
		return nil, err
	}
	out := make([]boorucache.DownloadedFile, 0, len(recs))
	for _, rec := range recs {
		var f boorucache.DownloadedFile
		if err := json.Unmarshal(rec.Payload, &f); err != nil {
			return nil, fmt.Errorf("decoding download %s: %w", rec.Key, err)
		}
		out = append(out, f)
	}
	return out, nil
}
