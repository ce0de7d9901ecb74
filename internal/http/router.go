package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"healthsync/internal/core"
	"healthsync/internal/observability"
)

// Server bundles together the dependencies required by HTTP handlers.
type Server struct {
	Chat     *core.ChatService
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Model    string
}

// NewServer constructs a Server. gatherer may be nil to serve the default
// Prometheus registry.
func NewServer(chat *core.ChatService, metrics *observability.Metrics, gatherer prometheus.Gatherer, model string) *Server {
	return &Server{
		Chat:     chat,
		Metrics:  metrics,
		Gatherer: gatherer,
		Model:    model,
	}
}

// Router returns the HTTP handler for the whole API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog)
	r.Use(recoverJSON)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", observability.MetricsHandler(s.Gatherer))

	r.Route("/api", func(r chi.Router) {
		r.Get("/agent", s.handleAgentInfo)
		r.Post("/agent", s.handleAgent)

		r.Post("/sessions", s.handleCreateSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleEndSession)
			r.Post("/messages", s.handlePostMessage)
			r.Post("/done", s.handleFinishSession)
		})
	})
	return r
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(started)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// recoverJSON turns a handler panic into the generic 500 body.
func recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal Server Error", Code: "internal_error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
