package metadb

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketRecords = []byte("records") // site|kind|key -> envelope

	// Read-time index, newest last when iterated.
	bucketByReadTime = []byte("records_by_read_time") // timestamp|site|kind|key -> site|kind|key
	bucketReadTimeOf = []byte("read_time_by_key")     // site|kind|key -> 8-byte timestamp (reverse index for O(1) delete)
)

// encodeTimestamp converts t to a fixed-width big-endian key that sorts
// in time order, including pre-1970 values.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeRecordKey builds [site] 0 [kind] 0 [key].
func makeRecordKey(site, kind, key string) []byte {
	result := make([]byte, 0, len(site)+1+len(kind)+1+len(key))
	result = append(result, site...)
	result = append(result, 0)
	result = append(result, kind...)
	result = append(result, 0)
	result = append(result, key...)
	return result
}

// makeKindPrefix builds the prefix shared by every key of (site, kind).
func makeKindPrefix(site, kind string) []byte {
	return makeRecordKey(site, kind, "")
}

// parseRecordKey splits a record key. Keys may themselves contain NUL
// bytes, so only the first two separators are significant.
func parseRecordKey(data []byte) (site, kind, key string) {
	first := bytes.IndexByte(data, 0)
	if first < 0 {
		return string(data), "", ""
	}
	rest := data[first+1:]
	second := bytes.IndexByte(rest, 0)
	if second < 0 {
		return string(data[:first]), string(rest), ""
	}
	return string(data[:first]), string(rest[:second]), string(rest[second+1:])
}

// makeReadTimeKey builds [8-byte timestamp][record key].
func makeReadTimeKey(at time.Time, recordKey []byte) []byte {
	result := make([]byte, 0, 8+len(recordKey))
	result = append(result, encodeTimestamp(at)...)
	result = append(result, recordKey...)
	return result
}
