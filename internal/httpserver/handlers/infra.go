package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/httpserver/deps"
)

var errBackendMissing = errors.New("backend not initialized")

type componentStatus struct {
	OK       bool   `json:"ok"`
	Mode     string `json:"mode,omitempty"`
	Sessions *int   `json:"sessions,omitempty"`
	Impact   string `json:"impact,omitempty"`
	Error    string `json:"error,omitempty"`
}

type sessionStatus struct {
	UserID     string `json:"user_id"`
	State      string `json:"state"`
	Bookmarks  int    `json:"bookmarks"`
	FeedLost   bool   `json:"feed_lost"`
	LastReload string `json:"last_reload"`
	LastSeen   string `json:"last_seen"`
	Error      string `json:"error,omitempty"`
}

type infraResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components"`
	Sessions   []sessionStatus            `json:"sessions"`
}

// Infra reports the backend, the change feeds and every live session.
func Infra(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backend := componentStatus{OK: true, Mode: d.BackendName}
		if err := pingBackend(r.Context(), d); err != nil {
			backend = componentStatus{
				OK:     false,
				Mode:   d.BackendName,
				Impact: "writes-and-loads-failing",
				Error:  err.Error(),
			}
		}

		sessions := make([]sessionStatus, 0)
		lost, failing := 0, 0
		for _, sess := range d.Sessions.Sessions() {
			store := sess.Store()
			st := sessionStatus{
				UserID:     sess.UserID(),
				State:      store.State().String(),
				Bookmarks:  store.Count(),
				FeedLost:   sess.FeedLost(),
				LastReload: formatTime(store.LastReload()),
				LastSeen:   formatTime(sess.LastSeen()),
			}
			if err := store.LastError(); err != nil {
				st.Error = err.Error()
				failing++
			}
			if st.FeedLost {
				lost++
			}
			sessions = append(sessions, st)
		}

		total := len(sessions)
		feed := componentStatus{OK: lost == 0, Mode: "live", Sessions: &total}
		if lost > 0 {
			feed.Mode = "degraded"
			feed.Impact = "views-stale-until-resync"
		}
		views := componentStatus{OK: failing == 0, Sessions: &total}
		if failing > 0 {
			views.Impact = "some-views-failed-to-load"
		}

		components := map[string]componentStatus{
			"backend": backend,
			"feed":    feed,
			"views":   views,
		}

		writeJSON(w, d.Logger, http.StatusOK, infraResponse{
			Status:     determineStatus(components),
			Components: components,
			Sessions:   sessions,
		})
	}
}

func determineStatus(components map[string]componentStatus) string {
	if backend, exists := components["backend"]; exists && !backend.OK {
		return "critical"
	}
	for _, c := range components {
		if !c.OK {
			return "degraded"
		}
	}
	return "ok"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format("2006-01-02 15:04:05")
}
