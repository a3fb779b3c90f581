package homepage

import (
	"fmt"
	"sort"

	"github.com/MrSnakeDoc/shelf/internal/domain"
)

// BookmarkMapper converts Homepage bookmark config to drafts ready to insert
type BookmarkMapper struct{}

// NewBookmarkMapper creates a new bookmark mapper
func NewBookmarkMapper() *BookmarkMapper {
	return &BookmarkMapper{}
}

// Skipped describes an entry that could not be imported
type Skipped struct {
	Category string `json:"category"`
	Name     string `json:"name"`
	Reason   string `json:"reason"`
}

// MapDrafts converts BookmarksConfig to drafts in file order.
// Entries without a usable title or href are skipped, as are repeated URLs.
func (m *BookmarkMapper) MapDrafts(config BookmarksConfig) ([]domain.Draft, []Skipped, error) {
	drafts := make([]domain.Draft, 0)
	skipped := make([]Skipped, 0)
	seen := make(map[string]struct{})

	for _, category := range config {
		for _, categoryName := range sortedKeys(category) {
			for _, bookmarkMap := range category[categoryName] {
				for _, bookmarkName := range sortedKeys(bookmarkMap) {
					entryList := bookmarkMap[bookmarkName]
					// Each bookmark has a list with a single entry
					if len(entryList) == 0 {
						continue
					}
					entry := entryList[0]

					// Use the bookmark name, falling back to Abbr
					title := bookmarkName
					if title == "" {
						title = entry.Abbr
					}

					draft, err := domain.NewDraft(title, entry.Href)
					if err != nil {
						skipped = append(skipped, Skipped{Category: categoryName, Name: bookmarkName, Reason: err.Error()})
						continue
					}
					if _, dup := seen[draft.URL]; dup {
						skipped = append(skipped, Skipped{Category: categoryName, Name: bookmarkName, Reason: "duplicate url"})
						continue
					}
					seen[draft.URL] = struct{}{}

					drafts = append(drafts, draft)
				}
			}
		}
	}

	if len(drafts) == 0 {
		return nil, skipped, fmt.Errorf("no valid bookmarks found in config")
	}

	return drafts, skipped, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
