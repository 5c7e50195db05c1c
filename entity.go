// Package boorucache resolves imageboard metadata (tags, users and
// downloaded files) through a memory cache, a persistent store and the
// site's API, coalescing concurrent requests for the same key.
package boorucache

import (
	"fmt"
	"strings"
	"time"
)

// Site identifies an imageboard, e.g. "danbooru" or "yandere".
type Site string

// Entity kinds used to scope keys in the store and in metrics.
const (
	KindTag      = "tag"
	KindUser     = "user"
	KindDownload = "download"
)

// TagCategory classifies a tag the way booru sites do.
type TagCategory int

const (
	CategoryGeneral TagCategory = iota
	CategoryArtist
	CategoryCopyright
	CategoryCharacter
	CategoryMeta
)

var categoryNames = []string{"general", "artist", "copyright", "character", "meta"}

// String returns the lowercase category name.
func (c TagCategory) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return fmt.Sprintf("category(%d)", int(c))
	}
	return categoryNames[c]
}

// ParseTagCategory parses a category name, case-insensitively.
func ParseTagCategory(s string) (TagCategory, error) {
	for i, name := range categoryNames {
		if strings.EqualFold(s, name) {
			return TagCategory(i), nil
		}
	}
	return CategoryGeneral, fmt.Errorf("unknown tag category %q", s)
}

// Tag is a site tag keyed by name.
type Tag struct {
	Name      string      `json:"name"`
	ID        int64       `json:"id"`
	PostCount int         `json:"post_count"`
	Category  TagCategory `json:"category"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	ReadAt    time.Time   `json:"read_at"`
}

// Key returns the tag name.
func (t Tag) Key() string { return t.Name }

// ReadTime returns the last time the tag was resolved.
func (t Tag) ReadTime() time.Time { return t.ReadAt }

// WithReadTime returns a copy with ReadAt advanced to at.
// ReadAt never moves backwards.
func (t Tag) WithReadTime(at time.Time) Tag {
	if at.After(t.ReadAt) {
		t.ReadAt = at
	}
	return t
}

// User is a site account keyed by its remote id.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ReadAt    time.Time `json:"read_at"`
}

// Key returns the user id.
func (u User) Key() int64 { return u.ID }

// ReadTime returns the last time the user was resolved.
func (u User) ReadTime() time.Time { return u.ReadAt }

// WithReadTime returns a copy with ReadAt advanced to at.
func (u User) WithReadTime(at time.Time) User {
	if at.After(u.ReadAt) {
		u.ReadAt = at
	}
	return u
}

// DownloadedFile describes a completed download published at Path.
type DownloadedFile struct {
	URL         string    `json:"url"`
	Site        Site      `json:"site"`
	PostID      int64     `json:"post_id"`
	Quality     string    `json:"quality"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	Checksum    Checksum  `json:"checksum"`
	CompletedAt time.Time `json:"completed_at"`
}
