package web

import (
	"crypto/tls"
	"encoding/json"
	"net/http"

	"github.com/anicolao/mudportal/internal/chatbus"
	"github.com/anicolao/mudportal/internal/config"
	"github.com/anicolao/mudportal/internal/manager"
	"github.com/anicolao/mudportal/internal/portallog"
	"github.com/anicolao/mudportal/internal/session"
)

// Server bundles the shared dependencies every connection's Session needs
// and exposes them over HTTP, or HTTPS when a certificate and key are
// configured.
type Server struct {
	cfg     *config.Config
	manager *manager.Manager
	bus     *chatbus.Bus
	log     *portallog.Logger

	httpServer *http.Server
}

// NewServer builds a Server around the process-wide Manager, Bus, and
// Logger; the caller owns the lifetime of all three.
func NewServer(cfg *config.Config, mgr *manager.Manager, bus *chatbus.Bus, log *portallog.Logger) *Server {
	s := &Server{cfg: cfg, manager: mgr, bus: bus, log: log}

	mux := http.NewServeMux()
	mux.Handle("/ws", &WebSocketHandler{
		Manager: mgr,
		Bus:     bus,
		Log:     log,
		Policy: session.Policy{
			OnlyDefaultHost: cfg.OnlyDefaultHost,
			DefaultHost:     cfg.DefaultHost,
			DefaultPort:     cfg.DefaultPort,
		},
		NegotiateConfig: cfg.Negotiate,
		CompressGlobal:  cfg.Compress,
		TTypeQueue:      cfg.DefaultTTypeQueue,
		IdleTimeout:     cfg.UpstreamIdleTimeout,
	})
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"sessions": s.manager.Count(),
	})
}

// ListenAndServe starts the HTTP(S) server, blocking until it returns an
// error (including the expected http.ErrServerClosed after Close). TLS is
// used when the configuration carries a certificate and key pair.
func (s *Server) ListenAndServe() error {
	if s.cfg.CertFile != "" {
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		return s.httpServer.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Close shuts the HTTP server down without waiting for in-flight requests;
// cmd/mudportal calls it on every exit path once the sessions are torn down.
func (s *Server) Close() error {
	return s.httpServer.Close()
}
