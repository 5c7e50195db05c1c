// Package merge folds fetched pages into an ordered, de-duplicated list
// for paginated views, and drives page loading with cancellation of
// superseded fetches.
package merge

// Direction selects where new items of a page are inserted.
type Direction int

const (
	// Append inserts new items at the tail (load more).
	Append Direction = iota
	// Prepend inserts new items at the head (refresh).
	Prepend
)

func (d Direction) String() string {
	if d == Prepend {
		return "prepend"
	}
	return "append"
}

// List is an ordered collection of items with unique ids. It is not safe
// for concurrent use.
type List[ID comparable, T any] struct {
	idOf      func(T) ID
	items     []T
	index     map[ID]int
	hasNoMore bool
}

// NewList creates an empty list identifying items with idOf.
func NewList[ID comparable, T any](idOf func(T) ID) *List[ID, T] {
	return &List[ID, T]{idOf: idOf, index: make(map[ID]int)}
}

// ApplyPage merges items into the list and returns how many new items
// were inserted.
//
// Items whose id is already present replace the existing entry in place.
// New items are inserted as one block, keeping their page order, at the
// tail for Append or the head for Prepend. A later duplicate within the
// page overwrites the earlier one. fullReplace empties the list first and
// clears HasNoMore. An Append page with no new items sets HasNoMore.
func (l *List[ID, T]) ApplyPage(items []T, dir Direction, fullReplace bool) int {
	if fullReplace {
		l.items = nil
		clear(l.index)
		l.hasNoMore = false
	}

	var staged []T
	stagedAt := make(map[ID]int)
	for _, item := range items {
		id := l.idOf(item)
		if i, ok := l.index[id]; ok {
			l.items[i] = item
			continue
		}
		if i, ok := stagedAt[id]; ok {
			staged[i] = item
			continue
		}
		stagedAt[id] = len(staged)
		staged = append(staged, item)
	}

	if len(staged) > 0 {
		switch dir {
		case Prepend:
			l.items = append(staged, l.items...)
			l.reindex()
		default:
			base := len(l.items)
			l.items = append(l.items, staged...)
			for id, i := range stagedAt {
				l.index[id] = base + i
			}
		}
	}

	if dir == Append && len(staged) == 0 {
		l.hasNoMore = true
	}
	return len(staged)
}

func (l *List[ID, T]) reindex() {
	clear(l.index)
	for i, item := range l.items {
		l.index[l.idOf(item)] = i
	}
}

// Items returns a copy of the current list.
func (l *List[ID, T]) Items() []T {
	out := make([]T, len(l.items))
	copy(out, l.items)
	return out
}

// Len returns the number of items.
func (l *List[ID, T]) Len() int {
	return len(l.items)
}

// Contains reports whether an item with id is present.
func (l *List[ID, T]) Contains(id ID) bool {
	_, ok := l.index[id]
	return ok
}

// HasNoMore reports whether the last append found nothing new.
func (l *List[ID, T]) HasNoMore() bool {
	return l.hasNoMore
}
