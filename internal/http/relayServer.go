package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"collabmd/internal/relay"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const Banner = "collabmd relay\n"

type RelayServer struct {
	server *http.Server
	hub    *relay.Hub
	log    *slog.Logger
	wg     sync.WaitGroup
}

func NewRelayServer(hub *relay.Hub, addr string, logger *slog.Logger) *RelayServer {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		addr = ":1234"
	}

	return &RelayServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           NewHandler(hub, logger, time.Now),
			ReadHeaderTimeout: 10 * time.Second,
		},
		hub: hub,
		log: logger,
	}
}

// NewHandler builds the relay HTTP surface: health, CORS preflight, websocket
// upgrade and a plaintext banner for everything else.
func NewHandler(hub *relay.Hub, logger *slog.Logger, now func() time.Time) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	wsServer := relay.NewServer(hub, logger)

	r := mux.NewRouter()
	r.Use(accessLog(logger))
	r.Methods(http.MethodGet).MatcherFunc(isUpgrade).HandlerFunc(wsServer.HandleConnections)
	r.Path("/health").HandlerFunc(healthHandler(now))
	r.PathPrefix("/").HandlerFunc(bannerHandler)

	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError)),
		handlers.PrintRecoveryStack(true),
	)
	return recovery(preflight(r))
}

func (s *RelayServer) Addr() string {
	return s.server.Addr
}

func (s *RelayServer) Start() error {
	s.log.Info("relay started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then closes every room connection.
// Hijacked websocket connections are not tracked by http.Server.
func (s *RelayServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	return s.hub.Close(ctx)
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func healthHandler(now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			bannerHandler(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthResponse{
			Status:    "ok",
			Timestamp: now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
}

// isUpgrade matches websocket handshakes on any path, /health included.
func isUpgrade(r *http.Request, _ *mux.RouteMatch) bool {
	return websocket.IsWebSocketUpgrade(r)
}

func bannerHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(Banner))
}

// preflight answers every OPTIONS request and allows any origin.
func preflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
	})
}

func accessLog(logger *slog.Logger) mux.MiddlewareFunc {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, w, r)
			logger.Debug("handled", "method", r.Method, "url", r.URL, "duration", m.Duration, "status", m.Code)
		})
	}
}
