package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type post struct {
	ID    int
	Label string
}

func postID(p post) int { return p.ID }

func labels(items []post) []string {
	out := make([]string, len(items))
	for i, p := range items {
		out[i] = p.Label
	}
	return out
}

func TestList_AppendReplacesInPlace(t *testing.T) {
	l := NewList(postID)
	l.ApplyPage([]post{{1, "a"}, {2, "b"}, {3, "c"}}, Append, false)

	added := l.ApplyPage([]post{{4, "d"}, {2, "b'"}, {5, "e"}}, Append, false)

	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"a", "b'", "c", "d", "e"}, labels(l.Items()))
	assert.False(t, l.HasNoMore())
}

func TestList_AppendIsIdempotent(t *testing.T) {
	l := NewList(postID)
	page := []post{{1, "a"}, {2, "b"}, {3, "c"}}

	l.ApplyPage(page, Append, false)
	added := l.ApplyPage(page, Append, false)

	assert.Equal(t, 0, added)
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, []string{"a", "b", "c"}, labels(l.Items()))
}

func TestList_PrependInsertsBlockAtHead(t *testing.T) {
	l := NewList(postID)
	l.ApplyPage([]post{{3, "c"}, {4, "d"}}, Append, false)

	added := l.ApplyPage([]post{{1, "a"}, {2, "b"}, {3, "c'"}}, Prepend, false)

	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"a", "b", "c'", "d"}, labels(l.Items()))

	// The index follows the shifted positions.
	l.ApplyPage([]post{{4, "d'"}}, Append, false)
	assert.Equal(t, []string{"a", "b", "c'", "d'"}, labels(l.Items()))
}

func TestList_DuplicateWithinPageLastWins(t *testing.T) {
	l := NewList(postID)

	added := l.ApplyPage([]post{{1, "first"}, {2, "x"}, {1, "second"}}, Append, false)

	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"second", "x"}, labels(l.Items()))
}

func TestList_FullReplace(t *testing.T) {
	l := NewList(postID)
	l.ApplyPage([]post{{1, "a"}, {2, "b"}}, Append, false)

	l.ApplyPage([]post{{9, "z"}, {2, "b'"}}, Prepend, true)

	assert.Equal(t, []string{"z", "b'"}, labels(l.Items()))
	assert.False(t, l.Contains(1))
	assert.True(t, l.Contains(9))
}

func TestList_HasNoMoreLifecycle(t *testing.T) {
	l := NewList(postID)
	l.ApplyPage([]post{{1, "a"}}, Append, false)
	require.False(t, l.HasNoMore())

	l.ApplyPage(nil, Append, false)
	assert.True(t, l.HasNoMore(), "empty append page")

	l.ApplyPage([]post{{1, "a"}}, Prepend, true)
	assert.False(t, l.HasNoMore(), "refresh clears")

	l.ApplyPage([]post{{1, "a'"}}, Append, false)
	assert.True(t, l.HasNoMore(), "append with zero new items")

	l.ApplyPage(nil, Prepend, false)
	assert.True(t, l.HasNoMore(), "empty prepend leaves it set")
}

func TestDirection_String(t *testing.T) {
	assert.Equal(t, "append", Append.String())
	assert.Equal(t, "prepend", Prepend.String())
}
