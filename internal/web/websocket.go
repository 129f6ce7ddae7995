// Package web exposes the proxy's single entry point to the browser: a
// WebSocket upgrade endpoint that hands each connection off to its own
// session.Session, plus a small health-check surface.
package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anicolao/mudportal/internal/chatbus"
	"github.com/anicolao/mudportal/internal/manager"
	"github.com/anicolao/mudportal/internal/portallog"
	"github.com/anicolao/mudportal/internal/session"
	"github.com/anicolao/mudportal/internal/telnet"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The proxy has no cookie/session state an origin check would
		// protect; any page embedding the client can open a connection.
		return true
	},
}

// WebSocketHandler upgrades incoming HTTP connections and wires each one
// to a new session.Session registered with the shared Manager and Bus.
type WebSocketHandler struct {
	Manager *manager.Manager
	Bus     *chatbus.Bus
	Log     *portallog.Logger

	Policy          session.Policy
	NegotiateConfig telnet.Config
	CompressGlobal  bool
	TTypeQueue      []string
	IdleTimeout     time.Duration
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.Log != nil {
			h.Log.Server().Warnf("websocket upgrade failed: %v", err)
		}
		return
	}

	remote := r.RemoteAddr
	var log *portallog.SessionLogger
	if h.Log != nil {
		log = h.Log.Session(remote)
	}

	s := session.New(session.Config{
		RemoteAddr:      remote,
		WS:              ws,
		Policy:          h.Policy,
		Manager:         h.Manager,
		Bus:             h.Bus,
		Log:             log,
		NegotiateConfig: h.NegotiateConfig,
		CompressGlobal:  h.CompressGlobal,
		TTypeQueue:      h.TTypeQueue,
		IdleTimeout:     h.IdleTimeout,
	})

	if !h.Manager.Add(s) {
		if log != nil {
			log.Info("rejected new session: not accepting connections")
		}
		_ = ws.Close()
		return
	}
	defer s.Teardown("client disconnected")

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.HandleClientFrame(data)
	}
}
