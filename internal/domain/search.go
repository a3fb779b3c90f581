package domain

import "strings"

// Search returns the bookmarks whose title or url contains query,
// case-insensitively, in their original order.
// A blank query returns the input unchanged.
func Search(bookmarks []Bookmark, query string) []Bookmark {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return bookmarks
	}

	matches := make([]Bookmark, 0, len(bookmarks))
	for _, b := range bookmarks {
		if strings.Contains(strings.ToLower(b.Title), query) ||
			strings.Contains(strings.ToLower(b.URL), query) {
			matches = append(matches, b)
		}
	}
	return matches
}
