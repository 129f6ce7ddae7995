package session

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/anicolao/mudportal/internal/chatbus"
	"github.com/anicolao/mudportal/internal/telnet"
)

type fakeWS struct {
	frames chan []byte
	closed chan struct{}
}

func newFakeWS() *fakeWS {
	return &fakeWS{frames: make(chan []byte, 32), closed: make(chan struct{})}
}

func (f *fakeWS) WriteMessage(messageType int, data []byte) error {
	cp := append([]byte(nil), data...)
	f.frames <- cp
	return nil
}

func (f *fakeWS) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeWS) next(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	select {
	case fr := <-f.frames:
		return fr
	case <-time.After(timeout):
		t.Fatal("timed out waiting for client frame")
		return nil
	}
}

type fakeRemover struct {
	removed chan *Session
}

func newFakeRemover() *fakeRemover {
	return &fakeRemover{removed: make(chan *Session, 1)}
}

func (f *fakeRemover) Remove(s *Session) {
	select {
	case f.removed <- s:
	default:
	}
}

func newTestSession(t *testing.T, policy Policy) (*Session, *fakeWS, *fakeRemover) {
	t.Helper()
	ws := newFakeWS()
	remover := newFakeRemover()
	s := New(Config{
		RemoteAddr:      "198.51.100.5",
		WS:              ws,
		Policy:          policy,
		Manager:         remover,
		Bus:             chatbus.New(t.TempDir() + "/chat.json"),
		NegotiateConfig: telnet.DefaultConfig(),
	})
	return s, ws, remover
}

func TestApplyControlFrame_FalsyValuesIgnored(t *testing.T) {
	s, _, _ := newTestSession(t, Policy{})
	raw := []byte(`{"host":"","port":0,"name":"","client":"","mccp":false,"utf8":false,"debug":false}`)
	if err := applyControlFrame(s, raw); err != nil {
		t.Fatalf("applyControlFrame() error = %v", err)
	}
	if s.host != "" || s.port != 0 || s.displayName != "" || s.clientLabel != "" {
		t.Errorf("falsy fields should not update session state: host=%q port=%d name=%q client=%q",
			s.host, s.port, s.displayName, s.clientLabel)
	}
	if s.negotiator.ClientWantsMCCP || s.negotiator.Flags.UTF8 || s.wantDebug {
		t.Error("falsy booleans should not enable features")
	}
}

func TestApplyControlFrame_TruthyValuesUpdate(t *testing.T) {
	s, _, _ := newTestSession(t, Policy{})
	raw := []byte(`{"host":"mud.example","port":4000,"name":"Alice","client":"webclient","mccp":true,"utf8":true,"debug":true,"ttype":"xterm"}`)
	if err := applyControlFrame(s, raw); err != nil {
		t.Fatalf("applyControlFrame() error = %v", err)
	}
	if s.host != "mud.example" || s.port != 4000 {
		t.Errorf("host/port = %q/%d, want mud.example/4000", s.host, s.port)
	}
	if s.displayName != "Alice" || s.clientLabel != "webclient" {
		t.Errorf("identity = %q/%q, want Alice/webclient", s.displayName, s.clientLabel)
	}
	if !s.negotiator.ClientWantsMCCP || !s.negotiator.Flags.UTF8 || !s.wantDebug {
		t.Error("truthy booleans should enable features")
	}
	if len(s.negotiator.TTypeQueue) != 1 || s.negotiator.TTypeQueue[0] != "xterm" {
		t.Errorf("ttype queue = %v, want [xterm]", s.negotiator.TTypeQueue)
	}
}

func TestSession_HostAllowlistBlocksConnect(t *testing.T) {
	s, ws, remover := newTestSession(t, Policy{
		OnlyDefaultHost: true,
		DefaultHost:     "mud.example",
		DefaultPort:     23,
	})

	s.HandleClientFrame([]byte(`{"host":"evil.example","port":23,"connect":1}`))

	frame := ws.next(t, time.Second)
	decoded, err := base64.StdEncoding.DecodeString(string(frame))
	if err != nil {
		t.Fatalf("frame not base64: %v (%q)", err, frame)
	}
	if !strings.Contains(string(decoded), "does not allow connections") || !strings.Contains(string(decoded), "mud.example") {
		t.Errorf("diagnostic = %q, want mention of disallowed host and default host", decoded)
	}

	select {
	case removed := <-remover.removed:
		if removed != s {
			t.Error("wrong session removed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session was not torn down within allowlist violation window")
	}
	if s.upstream != nil {
		t.Error("upstream should never be opened for a disallowed host")
	}
}

func TestSession_MCCPSplitWithinSingleArrival(t *testing.T) {
	s, ws, _ := newTestSession(t, Policy{})
	s.negotiator.ClientWantsMCCP = true
	s.negotiator.Flags.MCCP2 = true // pretend WILL MCCP2 already negotiated

	compressedWorld, err := telnet.Deflate([]byte("World"))
	if err != nil {
		t.Fatalf("Deflate() error = %v", err)
	}

	input := []byte("Hi")
	input = append(input, telnet.IAC, telnet.SB, telnet.OptMCCP2, telnet.IAC, telnet.SE)
	input = append(input, compressedWorld...)

	s.handleUpstreamBytes(input)

	first := ws.next(t, time.Second)
	if string(first) != base64.StdEncoding.EncodeToString([]byte("Hi")) {
		t.Errorf("first frame = %q, want base64(Hi)", first)
	}

	second := ws.next(t, 2*time.Second)
	if string(second) != base64.StdEncoding.EncodeToString([]byte("World")) {
		t.Errorf("second frame = %q, want base64(World)", second)
	}

	if !s.isCompressed() {
		t.Error("compressed flag should be set after MCCP activation")
	}
}

func TestSession_WillEchoSetsPasswordModeClearedOnForward(t *testing.T) {
	s, _, _ := newTestSession(t, Policy{})

	s.handleUpstreamBytes([]byte{telnet.IAC, telnet.WILL, telnet.OptECHO})
	s.mu.RLock()
	pm := s.passwordMode
	s.mu.RUnlock()
	if !pm {
		t.Fatal("expected passwordMode to be true after WILL ECHO")
	}

	s.HandleClientFrame([]byte("secret"))
	s.mu.RLock()
	pm = s.passwordMode
	s.mu.RUnlock()
	if pm {
		t.Error("expected passwordMode to clear after the next forwarded client byte")
	}
}

func TestSession_BinControlFrameInjectsRawBytes(t *testing.T) {
	s, _, _ := newTestSession(t, Policy{})
	raw := []byte(`{"bin":[72,105]}`)
	if err := applyControlFrame(s, raw); err != nil {
		t.Fatalf("applyControlFrame() error = %v", err)
	}
	select {
	case data := <-s.writeCh:
		if string(data) != "Hi" {
			t.Errorf("bin payload = %q, want Hi", data)
		}
	case <-time.After(time.Second):
		t.Fatal("expected bin payload to be queued for upstream write")
	}
}
