package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrSnakeDoc/shelf/internal/httpserver/deps"
)

type (
	Registrar  func(r chi.Router, d deps.Deps)
	Middleware = func(http.Handler) http.Handler
)

// DefaultRequestTimeout applies when deps.RequestTimeout is unset.
const DefaultRequestTimeout = 5 * time.Second

type entry struct {
	reg       Registrar
	mws       []Middleware
	streaming bool
}

var registry []entry

// Register a registrar with optional per-route middlewares.
// Its routes run under the request timeout.
func Register(reg Registrar, mws ...Middleware) {
	registry = append(registry, entry{reg: reg, mws: mws})
}

// RegisterStreaming registers long-lived routes (websockets) that must not
// be cut by the request timeout.
func RegisterStreaming(reg Registrar, mws ...Middleware) {
	registry = append(registry, entry{reg: reg, mws: mws, streaming: true})
}

// Called once from server.New()
func RegisterAll(r chi.Router, d deps.Deps) {
	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	for _, e := range registry {
		mws := e.mws
		if !e.streaming {
			mws = append([]Middleware{middleware.Timeout(timeout)}, mws...)
		}
		e.reg(r.With(mws...), d) // apply per-route middlewares
	}
}
