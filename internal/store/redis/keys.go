package redis

import (
	"fmt"
	"strings"
)

const (
	// KeyPrefixBookmark is the prefix for bookmark rows (JSON)
	KeyPrefixBookmark = "shelf:bookmark:"
	// KeyPrefixUser is the prefix for per-user keys
	KeyPrefixUser = "shelf:user:"
	// ChannelPrefixFeed is the prefix for per-user change channels
	ChannelPrefixFeed = "shelf:feed:"
)

// BookmarkKey returns the Redis key for a bookmark row
func BookmarkKey(id string) string {
	return KeyPrefixBookmark + id
}

// UserBookmarksKey returns the sorted set of a user's bookmark IDs, scored by creation time in ms
func UserBookmarksKey(userID string) string {
	return KeyPrefixUser + userID + ":bookmarks"
}

// FeedChannel returns the pub/sub channel carrying a user's change events
func FeedChannel(userID string) string {
	return ChannelPrefixFeed + userID
}

// ExtractUserID extracts the user ID from a feed channel name
func ExtractUserID(channel string) (string, error) {
	if !strings.HasPrefix(channel, ChannelPrefixFeed) || len(channel) == len(ChannelPrefixFeed) {
		return "", fmt.Errorf("invalid feed channel: %s", channel)
	}
	return channel[len(ChannelPrefixFeed):], nil
}
