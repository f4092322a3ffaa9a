package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog"
)

// NewRouter wires the HTTP endpoints. stream may be nil to disable /sensor-stream.
func NewRouter(api *APIHandler, stream *StreamHandler, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(logger))
	r.Use(middleware.Recoverer)

	// WebSocket upgrades need the raw writer, so compression stays off this route
	if stream != nil {
		r.Get("/sensor-stream", stream.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(Compress)

		r.Get("/", api.HandleRoot)
		r.Post("/receive", api.HandleReceive)
		r.Get("/data", api.HandleData)
		r.Get("/stats", api.HandleStats)
		r.Get("/health", api.HandleHealth)
		r.Get("/api/sessions", api.HandleSessions)
		r.Get("/archive/stats", api.HandleArchiveStats)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	return r
}

// Compress gzips responses when the client accepts it
func Compress(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}

// AccessLog logs one structured event per request
func AccessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				event := logger.Info()
				if ww.Status() >= http.StatusInternalServerError {
					event = logger.Error()
				}
				event.
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr).
					Msg("HTTP request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
