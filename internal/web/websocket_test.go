package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anicolao/mudportal/internal/chatbus"
	"github.com/anicolao/mudportal/internal/manager"
	"github.com/anicolao/mudportal/internal/portallog"
	"github.com/anicolao/mudportal/internal/telnet"
)

func newTestHandler(t *testing.T, mgr *manager.Manager) *WebSocketHandler {
	t.Helper()
	return &WebSocketHandler{
		Manager:         mgr,
		Bus:             chatbus.New(t.TempDir() + "/chat.json"),
		Log:             portallog.New(testWriter{t}, false),
		NegotiateConfig: telnet.DefaultConfig(),
	}
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func TestWebSocketHandler_AcceptsAndRegistersSession(t *testing.T) {
	mgr := manager.New()
	h := newTestHandler(t, mgr)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if mgr.Count() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session was not registered, Count() = %d", mgr.Count())
}

func TestWebSocketHandler_RejectsWhenNotAccepting(t *testing.T) {
	mgr := manager.New()
	mgr.Shutdown("closing")
	h := newTestHandler(t, mgr)
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	defer conn.Close()

	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the server to close the connection immediately")
	}
	if mgr.Count() != 0 {
		t.Errorf("Count() = %d, want 0 for a rejected session", mgr.Count())
	}
}

func TestWebSocketHandler_ForwardsTextFramesToSession(t *testing.T) {
	mgr := manager.New()
	h := newTestHandler(t, mgr)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"name":"Alice","debug":true}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	// Nothing round-trips for a bare identity frame; this only asserts
	// that sending one doesn't cause the server to drop the connection.
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Skip()
	} else if !isTimeoutOrNoMessage(err) {
		t.Errorf("unexpected read error after sending control frame: %v", err)
	}
}

func isTimeoutOrNoMessage(err error) bool {
	type timeout interface{ Timeout() bool }
	if t, ok := err.(timeout); ok {
		return t.Timeout()
	}
	return false
}

var _ http.Handler = (*WebSocketHandler)(nil)
