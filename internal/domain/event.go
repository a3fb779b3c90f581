package domain

import (
	"encoding/json"
	"fmt"
)

// ChangeKind is the row-level operation a feed notification describes.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is one feed notification.
// For deletes only Row.ID is guaranteed; Row.UserID may be empty.
type ChangeEvent struct {
	Kind ChangeKind `json:"kind"`
	Row  Bookmark   `json:"row"`
}

// EncodeEvent serializes an event for a wire feed.
func EncodeEvent(ev ChangeEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change event: %w", err)
	}
	return data, nil
}

// DecodeEvent parses a wire payload and rejects unknown kinds or missing ids.
func DecodeEvent(data []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("failed to unmarshal change event: %w", err)
	}
	switch ev.Kind {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
	default:
		return ChangeEvent{}, fmt.Errorf("unknown change kind %q", ev.Kind)
	}
	if ev.Row.ID == "" {
		return ChangeEvent{}, fmt.Errorf("change event without row id")
	}
	return ev, nil
}
