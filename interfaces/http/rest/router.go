package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"lumina-backend/application/commands/bus"
	querybus "lumina-backend/application/queries/bus"
	"lumina-backend/interfaces/http/rest/handlers"
	"lumina-backend/interfaces/http/rest/middleware"
	pkgerrors "lumina-backend/pkg/errors"
	"lumina-backend/pkg/observability"
)

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// RouterConfig collects what the router mounts. Realtime, Metrics, Tracer and
// Ready may be left nil.
type RouterConfig struct {
	CommandBus  *bus.CommandBus
	QueryBus    *querybus.QueryBus
	Errors      *pkgerrors.ErrorHandler
	Auth        middleware.AuthConfig
	Realtime    http.Handler
	Metrics     *observability.Collector
	Tracer      *observability.Tracer
	CORSOrigins []string
	Ready       ReadinessCheck
}

// Router creates and configures the HTTP router
type Router struct {
	cfg    RouterConfig
	logger *zap.Logger
}

// NewRouter creates a new router instance
func NewRouter(cfg RouterConfig, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Errors == nil {
		cfg.Errors = pkgerrors.NewErrorHandler(logger, false)
	}
	return &Router{cfg: cfg, logger: logger}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(rt.cfg.Tracer.Middleware)
	router.Use(rt.cfg.Errors.Middleware)
	router.Use(middleware.Logger(rt.logger, rt.cfg.Metrics))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   rt.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Guest-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)
	if rt.cfg.Metrics != nil {
		router.Handle("/metrics", rt.cfg.Metrics.Handler())
	}
	if rt.cfg.Realtime != nil {
		// the websocket server authenticates from the query string itself
		router.Handle("/ws", rt.cfg.Realtime)
	}

	boards := handlers.NewBoardHandler(rt.cfg.CommandBus, rt.cfg.QueryBus, rt.cfg.Errors, rt.logger)
	nodes := handlers.NewNodeHandler(rt.cfg.CommandBus, rt.cfg.QueryBus, rt.cfg.Errors, rt.logger)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(rt.cfg.Auth, rt.logger))

		r.Route("/boards", func(r chi.Router) {
			r.Get("/", boards.ListBoards)
			r.Post("/", boards.SaveBoard)

			r.Route("/{boardID}", func(r chi.Router) {
				r.Get("/", boards.GetBoard)
				r.Delete("/", boards.DeleteBoard)
				r.Post("/share", boards.ShareBoard)
				r.Post("/collaborators", boards.AddCollaborator)
				r.Delete("/collaborators/{userID}", boards.RemoveCollaborator)

				r.Get("/nodes/{nodeID}", nodes.GetNode)
				r.Put("/nodes/{nodeID}", nodes.UpdateNode)
				r.Delete("/nodes/{nodeID}", nodes.DeleteNode)
			})
		})
	})

	return router
}

func (rt *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	writeStatus(w, http.StatusOK, "healthy", "")
}

// readinessCheck runs the configured check with a short deadline
func (rt *Router) readinessCheck(w http.ResponseWriter, req *http.Request) {
	if rt.cfg.Ready != nil {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := rt.cfg.Ready(ctx); err != nil {
			rt.logger.Warn("Readiness check failed", zap.Error(err))
			writeStatus(w, http.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
	}
	writeStatus(w, http.StatusOK, "ready", "")
}

func writeStatus(w http.ResponseWriter, code int, status, reason string) {
	body := map[string]string{"status": status}
	if reason != "" {
		body["reason"] = reason
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
