package boorucache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTagWithReadTimeNeverMovesBackwards(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tag := Tag{Name: "landscape", ReadAt: now}

	later := tag.WithReadTime(now.Add(time.Minute))
	require.Equal(t, now.Add(time.Minute), later.ReadTime())
	require.Equal(t, now, tag.ReadAt, "original value is untouched")

	earlier := later.WithReadTime(now.Add(-time.Hour))
	require.Equal(t, now.Add(time.Minute), earlier.ReadTime())
}

func TestUserWithReadTime(t *testing.T) {
	now := time.Now()
	u := User{ID: 42, Name: "mod"}.WithReadTime(now)
	require.Equal(t, int64(42), u.Key())
	require.Equal(t, now, u.ReadTime())
	require.Equal(t, now, u.WithReadTime(now.Add(-time.Second)).ReadTime())
}

func TestTagCategory(t *testing.T) {
	tests := []struct {
		in   string
		want TagCategory
		err  bool
	}{
		{in: "general", want: CategoryGeneral},
		{in: "Artist", want: CategoryArtist},
		{in: "COPYRIGHT", want: CategoryCopyright},
		{in: "character", want: CategoryCharacter},
		{in: "meta", want: CategoryMeta},
		{in: "species", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTagCategory(tt.in)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, got, must(ParseTagCategory(got.String())))
		})
	}
	require.Equal(t, "category(9)", TagCategory(9).String())
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
