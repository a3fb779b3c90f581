// Package homepage imports the bookmarks.yaml format of the Homepage dashboard.
package homepage

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// MaxFileSize bounds what Parse accepts.
const MaxFileSize = 1 << 20

var templateVar = regexp.MustCompile(`\{\{[^}]+\}\}`)

// BookmarkLoader reads a Homepage bookmarks.yaml from disk
type BookmarkLoader struct {
	filePath string
}

// NewBookmarkLoader creates a new Homepage bookmark loader
func NewBookmarkLoader(filePath string) *BookmarkLoader {
	return &BookmarkLoader{
		filePath: filePath,
	}
}

// Load reads and parses the bookmarks.yaml file
func (l *BookmarkLoader) Load() (BookmarksConfig, error) {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read bookmarks file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a bookmarks.yaml document
func Parse(data []byte) (BookmarksConfig, error) {
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("bookmarks file too large: %d bytes (max %d)", len(data), MaxFileSize)
	}

	// Strip Homepage template variables ({{HOMEPAGE_VAR_...}})
	data = stripTemplateVariables(data)

	var config BookmarksConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse bookmarks yaml: %w", err)
	}

	return config, nil
}

func stripTemplateVariables(data []byte) []byte {
	return templateVar.ReplaceAll(data, nil)
}
