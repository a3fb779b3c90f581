package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/httpserver/deps"
	"github.com/MrSnakeDoc/shelf/internal/httpserver/mw"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/reconciler"
)

const maxCreateBody = 16 << 10

type viewResponse struct {
	State     string            `json:"state"`
	Error     string            `json:"error,omitempty"`
	Count     int               `json:"count"`
	Bookmarks []domain.Bookmark `json:"bookmarks"`
}

type createRequest struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

func newViewResponse(store *reconciler.Store, query string) viewResponse {
	rows := store.Search(query)
	if rows == nil {
		rows = []domain.Bookmark{}
	}
	resp := viewResponse{
		State:     store.State().String(),
		Count:     len(rows),
		Bookmarks: rows,
	}
	if err := store.LastError(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// ListBookmarks returns the session's view, filtered by ?q= when present.
func ListBookmarks(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := mw.SessionFrom(r.Context())
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		writeJSON(w, d.Logger, http.StatusOK, newViewResponse(sess.Store(), query))
	}
}

// CreateBookmark persists a bookmark and returns it.
func CreateBookmark(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := mw.SessionFrom(r.Context())
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		var req createRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeJSON(w, d.Logger, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
			return
		}

		b, err := sess.Store().Create(r.Context(), req.Title, req.URL)
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}

		d.Logger.Info("bookmark created",
			logger.String("user_id", sess.UserID()),
			logger.String("id", b.ID))
		writeJSON(w, d.Logger, http.StatusCreated, b)
	}
}

// DeleteBookmark removes a bookmark according to the session's delete policy.
func DeleteBookmark(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := mw.SessionFrom(r.Context())
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		id := chi.URLParam(r, "id")
		if err := sess.Store().Delete(r.Context(), id); err != nil {
			writeError(w, d.Logger, err)
			return
		}

		d.Logger.Info("bookmark deleted",
			logger.String("user_id", sess.UserID()),
			logger.String("id", id))
		w.WriteHeader(http.StatusNoContent)
	}
}
