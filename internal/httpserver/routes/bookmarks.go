package routes

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrSnakeDoc/shelf/internal/httpserver/deps"
	"github.com/MrSnakeDoc/shelf/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/shelf/internal/httpserver/mw"
)

func init() {
	Register(registerBookmarks)
	RegisterStreaming(registerStream)
}

func guarded(r chi.Router, d deps.Deps) chi.Router {
	return r.With(
		mw.EnforceHost(d.AllowedHosts, d.Logger),
		mw.RequireSession(d.Verifier, d.Sessions, d.LoginURL, d.Logger),
	)
}

func registerBookmarks(r chi.Router, d deps.Deps) {
	api := guarded(r, d)
	writes := api.With(mw.RateLimit(mw.RateLimitConfig{
		Name:          "writes",
		Burst:         d.WriteBurst,
		RefillPerMin:  d.WriteRefill,
		MaxEntries:    10000,
		SweepInterval: time.Minute,
		IdleTTL:       15 * time.Minute,
		TrustProxy:    d.TrustProxy,
		Key:           mw.SessionUserKey(d.TrustProxy),
	}))

	// A cookie rides along on cross-site form posts, which can only send
	// form or text/plain bodies.
	jsonBody := middleware.AllowContentType("application/json")
	yamlBody := middleware.AllowContentType("application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml")

	api.Get("/api/bookmarks", handlers.ListBookmarks(d))
	writes.With(jsonBody).Post("/api/bookmarks", handlers.CreateBookmark(d))
	writes.With(yamlBody).Post("/api/bookmarks/import", handlers.ImportBookmarks(d))
	writes.Delete("/api/bookmarks/{id}", handlers.DeleteBookmark(d))
	api.Post("/api/session/signout", handlers.SignOut(d))
}

func registerStream(r chi.Router, d deps.Deps) {
	guarded(r, d).Get("/api/bookmarks/stream", handlers.Stream(d))
}
