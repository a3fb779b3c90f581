package domain

import (
	"sort"
	"strings"
	"time"
)

// Bookmark is one saved link owned by exactly one user.
type Bookmark struct {
	// ─────────────────────────────
	// Identity (server-assigned)
	// ─────────────────────────────

	// ID is the opaque unique identifier assigned by the backend.
	ID string `json:"id"`

	// ─────────────────────────────
	// Content
	// ─────────────────────────────

	// Title is the non-empty display name.
	Title string `json:"title"`

	// URL always carries a scheme (see NormalizeURL).
	URL string `json:"url"`

	// ─────────────────────────────
	// Ownership & metadata
	// ─────────────────────────────

	// UserID is the owning user. A view only ever holds rows of its user.
	UserID string `json:"user_id"`

	// CreatedAt drives the newest-first ordering.
	CreatedAt time.Time `json:"created_at"`
}

// Draft is a validated, normalized bookmark that has not been persisted yet.
type Draft struct {
	Title string
	URL   string
}

// NewDraft trims and validates user input and normalizes the URL.
func NewDraft(title, url string) (Draft, error) {
	title = strings.TrimSpace(title)
	url = strings.TrimSpace(url)

	if title == "" {
		return Draft{}, &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if url == "" {
		return Draft{}, &ValidationError{Field: "url", Reason: "must not be empty"}
	}

	return Draft{Title: title, URL: NormalizeURL(url)}, nil
}

// NormalizeURL prefixes https:// when raw has no http:// or https:// scheme.
// Example: "example.com" -> "https://example.com"
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return raw
	}
	return "https://" + raw
}

// SortNewestFirst orders bookmarks by CreatedAt descending.
// Equal timestamps keep their relative input order.
func SortNewestFirst(bookmarks []Bookmark) {
	sort.SliceStable(bookmarks, func(i, j int) bool {
		return bookmarks[i].CreatedAt.After(bookmarks[j].CreatedAt)
	})
}
