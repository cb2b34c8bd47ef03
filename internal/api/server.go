package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Keyring-Network/keyring-deepsearch/internal/deepsearch"
	"github.com/Keyring-Network/keyring-deepsearch/internal/llm"
	"github.com/Keyring-Network/keyring-deepsearch/internal/store"
)

type Agent interface {
	Run(ctx context.Context, messages []llm.Message, opts deepsearch.RunOptions) (deepsearch.Result, error)
}

type Limiter interface {
	CanMakeRequest(ctx context.Context, userID string) (bool, error)
	CreateUserRequest(ctx context.Context, userID string) error
}

type Authenticator interface {
	Middleware(next http.Handler) http.Handler
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Store   store.Store
	Limiter Limiter
	Agent   Agent
	Auth    Authenticator
	Cache   Pinger
	Logger  *zap.Logger
}

const defaultHeartbeatInterval = 15 * time.Second

type Server struct {
	store     store.Store
	limiter   Limiter
	agent     Agent
	auth      Authenticator
	cache     Pinger
	logger    *zap.Logger
	heartbeat time.Duration
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:     deps.Store,
		limiter:   deps.Limiter,
		agent:     deps.Agent,
		auth:      deps.Auth,
		cache:     deps.Cache,
		logger:    logger,
		heartbeat: defaultHeartbeatInterval,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.quietRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Post("/api/chat", s.chat)
		r.Get("/api/chats", s.listChats)
		r.Get("/api/chats/{id}", s.getChat)
	})

	return r
}

func (s *Server) quietRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(started)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if method == http.MethodGet && (cleanPath == "/health" || cleanPath == "/ready") {
		return true
	}
	return method == http.MethodOptions
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		subsystems["store"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["store"] = subsystemStatus{Status: "ok"}
	}

	if s.cache == nil {
		subsystems["cache"] = subsystemStatus{Status: "skipped"}
	} else if err := s.cache.Ping(ctx); err != nil {
		// Cache failures degrade to misses, so readiness is unaffected.
		subsystems["cache"] = subsystemStatus{Status: "error", Error: err.Error()}
	} else {
		subsystems["cache"] = subsystemStatus{Status: "ok"}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems}, overall)
}

func writeJSON(w http.ResponseWriter, value any) {
	writeJSONStatus(w, value, http.StatusOK)
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	return server.ListenAndServe()
}
