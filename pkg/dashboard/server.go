package dashboard

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sipeed/walink/pkg/bus"
	"github.com/sipeed/walink/pkg/config"
	"github.com/sipeed/walink/pkg/logger"
	"github.com/sipeed/walink/pkg/metrics"
	"github.com/sipeed/walink/pkg/storage"
	"github.com/sipeed/walink/pkg/storage/repository"
	"github.com/sipeed/walink/pkg/wa"
)

// Manager is the read side of a connection manager.
type Manager interface {
	State() wa.ConnectionState
	Generation() uint64
	ReconnectPending() bool
	Options() wa.Options
}

// Sender dispatches outbound requests; *wa.Dispatcher satisfies it.
type Sender interface {
	Dispatch(ctx context.Context, req wa.Request) (wa.Result, error)
}

// StorageFactory is a function that creates a storage instance for testing connections
type StorageFactory func(cfg storage.Config) (storage.Storage, error)

type Server struct {
	cfg            *config.Config
	manager        Manager
	sender         Sender
	messages       repository.MessageRepository
	msgBus         *bus.MessageBus
	hub            *Hub
	httpServer     *http.Server
	startTime      time.Time
	storageFactory StorageFactory
}

func NewServer(
	cfg *config.Config,
	manager Manager,
	sender Sender,
	messages repository.MessageRepository,
	msgBus *bus.MessageBus,
) *Server {
	return &Server{
		cfg:            cfg,
		manager:        manager,
		sender:         sender,
		messages:       messages,
		msgBus:         msgBus,
		hub:            NewHub(msgBus),
		startTime:      time.Now(),
		storageFactory: storage.NewStorage,
	}
}

// Handler builds the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// API routes (require auth)
	mux.HandleFunc("/api/v1/status", s.authMiddleware(s.handleStatus))
	mux.HandleFunc("/api/v1/send", s.authMiddleware(s.handleSend))
	mux.HandleFunc("/api/v1/qr", s.authMiddleware(s.handleQR))
	mux.HandleFunc("/api/v1/config", s.authMiddleware(s.handleConfig))
	mux.HandleFunc("/api/v1/config/storage/test", s.authMiddleware(s.handleTestStorageConnection))

	// WebSocket (auth via query param)
	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	return s.corsMiddleware(s.metricsMiddleware(mux))
}

func (s *Server) Start(ctx context.Context) error {
	metrics.RegisterMetrics()
	go s.hub.Run(ctx)

	addr := s.cfg.DashboardAddr()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		logger.InfoCF("dashboard", "Dashboard server started", map[string]interface{}{
			"address": addr,
		})
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("dashboard", "Dashboard server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

func (s *Server) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
		logger.InfoC("dashboard", "Dashboard server stopped")
	}
}

// authMiddleware wraps a handler with bearer token authentication.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	want := s.cfg.DashboardToken()
	got := s.extractToken(r)
	return want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// extractToken gets the bearer token from Authorization header.
func (s *Server) extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Fallback: query parameter (for WebSocket)
	return r.URL.Query().Get("token")
}

// corsMiddleware adds CORS headers for same-origin requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the upgrade needs the raw writer
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RecordHTTPRequest(r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}
