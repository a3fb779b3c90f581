package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/httpserver/deps"
	"github.com/MrSnakeDoc/shelf/internal/httpserver/mw"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/sources/homepage"
)

type importResponse struct {
	Imported int                `json:"imported"`
	Skipped  []homepage.Skipped `json:"skipped"`
}

// ImportBookmarks bulk-inserts a Homepage bookmarks.yaml document for the
// session user, then reloads the view so it reflects the whole batch.
func ImportBookmarks(d deps.Deps) http.HandlerFunc {
	mapper := homepage.NewBookmarkMapper()

	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := mw.SessionFrom(r.Context())
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, homepage.MaxFileSize))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, d.Logger, http.StatusRequestEntityTooLarge, errorResponse{Error: "bookmarks file too large"})
				return
			}
			writeJSON(w, d.Logger, http.StatusBadRequest, errorResponse{Error: "failed to read body"})
			return
		}

		cfg, err := homepage.Parse(data)
		if err != nil {
			writeJSON(w, d.Logger, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		drafts, skipped, err := mapper.MapDrafts(cfg)
		if err != nil {
			writeJSON(w, d.Logger, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		rows, err := d.Backend.InsertMany(r.Context(), sess.UserID(), drafts)
		if err != nil {
			writeError(w, d.Logger, domain.Transient("import", err))
			return
		}

		// The feed delivers each row too; a load keeps the view whole if some were dropped.
		if err := sess.Store().Load(r.Context()); err != nil {
			d.Logger.Warn("reload after import failed",
				logger.String("user_id", sess.UserID()),
				logger.Error(err))
		}

		d.Logger.Info("bookmarks imported",
			logger.String("user_id", sess.UserID()),
			logger.Int("imported", len(rows)),
			logger.Int("skipped", len(skipped)))
		writeJSON(w, d.Logger, http.StatusOK, importResponse{Imported: len(rows), Skipped: skipped})
	}
}
