package index

import (
	"sync"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/domain"
)

// MemoryIndex holds one user's bookmarks, newest first, at most one entry per ID.
type MemoryIndex struct {
	mu         sync.RWMutex
	items      []domain.Bookmark   // display order
	ids        map[string]struct{} // membership of items
	lastReload time.Time           // timestamp of last wholesale replace
}

// NewMemoryIndex creates an empty index
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		ids: make(map[string]struct{}),
	}
}

// Replace swaps the whole content. Input order is kept; later duplicates of an ID are dropped.
func (idx *MemoryIndex) Replace(bookmarks []domain.Bookmark) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	// Clear and rebuild
	idx.items = make([]domain.Bookmark, 0, len(bookmarks))
	idx.ids = make(map[string]struct{}, len(bookmarks))
	for _, b := range bookmarks {
		if _, dup := idx.ids[b.ID]; dup {
			continue
		}
		idx.ids[b.ID] = struct{}{}
		idx.items = append(idx.items, b)
	}
	idx.lastReload = time.Now()
}

// InsertHead puts b in front. Returns false (and changes nothing) when the ID is already present.
func (idx *MemoryIndex) InsertHead(b domain.Bookmark) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.ids[b.ID]; ok {
		return false
	}

	idx.items = append(idx.items, domain.Bookmark{})
	copy(idx.items[1:], idx.items[:len(idx.items)-1])
	idx.items[0] = b
	idx.ids[b.ID] = struct{}{}
	return true
}

// Update replaces the entry with the same ID in place. Returns false when the ID is absent.
func (idx *MemoryIndex) Update(b domain.Bookmark) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.ids[b.ID]; !ok {
		return false
	}
	for i := range idx.items {
		if idx.items[i].ID == b.ID {
			idx.items[i] = b
			return true
		}
	}
	return false
}

// Delete removes the entry with the given ID. Returns false when the ID is absent.
func (idx *MemoryIndex) Delete(id string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.ids[id]; !ok {
		return false
	}
	for i := range idx.items {
		if idx.items[i].ID == id {
			idx.items = append(idx.items[:i], idx.items[i+1:]...)
			break
		}
	}
	delete(idx.ids, id)
	return true
}

// Get retrieves a bookmark by ID
func (idx *MemoryIndex) Get(id string) (domain.Bookmark, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if _, ok := idx.ids[id]; !ok {
		return domain.Bookmark{}, false
	}
	for _, b := range idx.items {
		if b.ID == id {
			return b, true
		}
	}
	return domain.Bookmark{}, false
}

// Snapshot returns a copy of the content in display order.
func (idx *MemoryIndex) Snapshot() []domain.Bookmark {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]domain.Bookmark, len(idx.items))
	copy(out, idx.items)
	return out
}

// Count returns the number of bookmarks in the index
func (idx *MemoryIndex) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return len(idx.items)
}

// GetLastReload returns the timestamp of the last wholesale replace
func (idx *MemoryIndex) GetLastReload() time.Time {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return idx.lastReload
}
