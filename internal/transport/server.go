// Package transport owns the HTTP surface: the subscriber and admin
// WebSocket endpoints, health, snapshot, metrics, the admin console and
// the map proxy.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prof-chen/esphub/internal/config"
	"github.com/prof-chen/esphub/internal/hub"
	"github.com/prof-chen/esphub/internal/limits"
	"github.com/prof-chen/esphub/internal/metrics"
	"github.com/prof-chen/esphub/internal/monitoring"
	"github.com/prof-chen/esphub/internal/transport/mapproxy"
	"github.com/prof-chen/esphub/webui"
)

// Server wires the hub to its network endpoints.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	hub    *hub.Hub
	gate   *limits.ConnectionGate

	httpServer *http.Server
}

// New builds the server; Start begins listening.
func New(cfg *config.Config, logger zerolog.Logger, h *hub.Hub) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		hub:    h,
		gate:   limits.NewConnectionGate(cfg.MaxConnections),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/playeresp", s.handleClientWS)
	mux.HandleFunc("/adminws", s.handleAdminWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/admin/", http.StripPrefix("/admin/", webui.AdminHandler()))

	proxy := mapproxy.New(cfg.MapProxyOrigin, logger)
	mux.Handle(mapproxy.PathPrefix, proxy)
	mux.HandleFunc("/map", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(mapproxy.EntryPage))
	})
	mux.HandleFunc(mapproxy.OverlayPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Write(webui.OverlayScript())
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start listens until the context is cancelled, then drains with a grace
// period.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// handleClientWS upgrades a subscriber connection and runs its pumps.
// The hub learns the source id from the handshake (or the first legacy
// data frame); transport only moves frames.
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	if !s.gate.TryAcquire() {
		s.logger.Warn().Int("active", s.gate.Current()).Msg("Connection limit reached")
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.gate.Release()
		s.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	limiter := limits.NewMessageLimiter(s.cfg.MsgRatePerSec, s.cfg.MsgRateBurst)
	conn := newConn(uuid.NewString(), raw, s.logger, limiter)
	metrics.ConnectionOpened()
	s.logger.Debug().Str("conn", conn.ID()).Str("remote", r.RemoteAddr).Msg("Subscriber connected")

	go conn.writePump()
	go func() {
		conn.readPump(func(frame []byte) {
			s.hub.HandleClientFrame(conn, frame)
		})
		s.hub.ClientClosed(conn)
		metrics.ConnectionClosed()
		s.gate.Release()
	}()
}

// handleAdminWS upgrades an admin connection. Admin sockets do not count
// against the subscriber gate and are not rate limited.
func (s *Server) handleAdminWS(w http.ResponseWriter, r *http.Request) {
	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Admin WebSocket upgrade failed")
		return
	}

	conn := newConn(uuid.NewString(), raw, s.logger, nil)
	metrics.AdminConnectionOpened()
	s.logger.Info().Str("conn", conn.ID()).Str("remote", r.RemoteAddr).Msg("Admin connected")

	go conn.writePump()
	go func() {
		s.hub.AdminAttach(conn)
		conn.readPump(func(frame []byte) {
			s.hub.AdminFrame(conn, frame)
		})
		s.hub.AdminDetach(conn)
		metrics.AdminConnectionClosed()
		s.logger.Info().Str("conn", conn.ID()).Msg("Admin disconnected")
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.gate.Current(),
		"stats":       monitoring.Collect(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	payload, err := s.hub.HTTPSnapshot(ctx)
	if err != nil || payload == nil {
		http.Error(w, "snapshot unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}
