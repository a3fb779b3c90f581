package reconciler

import (
	"fmt"
	"strings"
)

// State is the lifecycle of a Store.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DeletePolicy decides when a deleted bookmark leaves the view.
// A Store uses exactly one policy for its whole life.
type DeletePolicy int

const (
	// DeleteOptimistic removes the row immediately and resyncs if the backend call fails.
	DeleteOptimistic DeletePolicy = iota
	// DeleteDeferred keeps the row until the feed reports the delete.
	DeleteDeferred
)

func (p DeletePolicy) String() string {
	if p == DeleteDeferred {
		return "deferred"
	}
	return "optimistic"
}

// ParseDeletePolicy accepts "optimistic" or "deferred" (case-insensitive).
func ParseDeletePolicy(s string) (DeletePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "optimistic":
		return DeleteOptimistic, nil
	case "deferred":
		return DeleteDeferred, nil
	default:
		return 0, fmt.Errorf("unknown delete policy %q", s)
	}
}

// InsertPolicy decides which path makes a created bookmark visible.
// Only one of the two paths ever inserts.
type InsertPolicy int

const (
	// InsertOnConfirm inserts the row returned by the gateway and
	// suppresses the matching feed notification.
	InsertOnConfirm InsertPolicy = iota
	// InsertOnNotify leaves the insert to the feed notification.
	InsertOnNotify
)

func (p InsertPolicy) String() string {
	if p == InsertOnNotify {
		return "notify"
	}
	return "confirm"
}

// ParseInsertPolicy accepts "confirm" or "notify" (case-insensitive).
func ParseInsertPolicy(s string) (InsertPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "confirm":
		return InsertOnConfirm, nil
	case "notify":
		return InsertOnNotify, nil
	default:
		return 0, fmt.Errorf("unknown insert policy %q", s)
	}
}
