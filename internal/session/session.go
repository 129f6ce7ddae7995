// Package session implements one browser<->MUD proxy connection: the
// client-facing control-frame handling, the upstream Telnet pipeline, and
// the lifecycle (configuring -> open -> teardown) that ties them together.
package session

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anicolao/mudportal/internal/chatbus"
	"github.com/anicolao/mudportal/internal/portallog"
	"github.com/anicolao/mudportal/internal/telnet"
)

// ClientConn is the subset of *websocket.Conn a Session needs, small
// enough to fake in tests without opening a real socket.
type ClientConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// TextMessage mirrors gorilla/websocket.TextMessage without importing the
// package here, so this file has no hard dependency on it.
const TextMessage = 1

// Policy is the connection-allowlist configuration a Session consults on
// connect.
type Policy struct {
	OnlyDefaultHost bool
	DefaultHost     string
	DefaultPort     int
}

// Remover is implemented by the session manager; a Session calls Remove on
// itself exactly once, at teardown.
type Remover interface {
	Remove(s *Session)
}

// Session is one browser<->MUD connection.
type Session struct {
	ID         string
	RemoteAddr string

	ws       ClientConn
	upstream net.Conn

	negotiator *telnet.Negotiator
	scanner    *telnet.Scanner
	inflater   *telnet.Inflater
	transcoder Transcoder

	policy      Policy
	manager     Remover
	bus         *chatbus.Bus
	log         *portallog.SessionLogger
	idleTimeout time.Duration

	writeCh chan []byte
	done    chan struct{}

	// negMu guards every access to negotiator's mutable fields: the
	// client-read goroutine (control frames) and the upstream-read
	// goroutine (Handle) both touch it, and per spec.md's per-session
	// serial invariant neither may do so unsynchronized.
	negMu sync.Mutex

	// wsMu serializes writes to ws: gorilla/websocket forbids concurrent
	// WriteMessage calls, and this session's own upstream pipeline, its
	// teardown path, and other sessions' chat-bus broadcasts can all
	// reach writeClientText concurrently.
	wsMu sync.Mutex

	mu           sync.RWMutex
	host         string
	port         int
	displayName  string
	clientLabel  string
	wantDebug    bool
	passwordMode bool
	onChatBus    bool
	compressed   bool

	closeOnce sync.Once
}

// Config bundles the dependencies a new Session needs from its manager.
type Config struct {
	RemoteAddr string
	WS         ClientConn
	Policy     Policy
	Manager    Remover
	Bus        *chatbus.Bus
	Log        *portallog.SessionLogger

	NegotiateConfig telnet.Config
	CompressGlobal  bool
	TTypeQueue      []string
	IdleTimeout     time.Duration
}

// New creates a Session in the "configuring" state: registered with
// nothing yet, no upstream dialed.
func New(cfg Config) *Session {
	n := telnet.NewNegotiator(cfg.NegotiateConfig, cfg.RemoteAddr)
	n.TTypeQueue = append([]string(nil), cfg.TTypeQueue...)

	sc := telnet.NewScanner()
	sc.HaltAfter[telnet.OptMCCP2] = true

	return &Session{
		ID:         uuid.New().String(),
		RemoteAddr: cfg.RemoteAddr,
		ws:         cfg.WS,
		negotiator: n,
		scanner:    sc,
		transcoder: Transcoder{CompressGlobal: cfg.CompressGlobal},
		policy:      cfg.Policy,
		manager:     cfg.Manager,
		bus:         cfg.Bus,
		log:         cfg.Log,
		idleTimeout: cfg.IdleTimeout,
		writeCh:     make(chan []byte, 64),
		done:        make(chan struct{}),
		port:        cfg.Policy.DefaultPort,
	}
}

// chatbus.Member implementation.

// Send writes one "<kind> <jsonBody>" control frame to the browser.
func (s *Session) Send(kind, body string) {
	s.writeClientText([]byte(kind + " " + body))
}

// DisplayName returns the session's chosen name, empty if none was set.
func (s *Session) DisplayName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayName
}

// Host returns the upstream host if a connection is open, else "".
func (s *Session) Host() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.upstream == nil {
		return ""
	}
	return s.host
}

func (s *Session) writeClientText(data []byte) {
	if s.ws == nil {
		return
	}
	s.wsMu.Lock()
	err := s.ws.WriteMessage(TextMessage, data)
	s.wsMu.Unlock()
	if err != nil && s.log != nil {
		s.log.Warnf("client write failed: %v", err)
	}
}

// sendRaw base64-frames data (per the Transcoder) and sends it to the
// browser as a plain text frame.
func (s *Session) sendRaw(data []byte) {
	mccp := s.isCompressed()
	s.writeClientText([]byte(s.transcoder.EncodeOutbound(data, mccp)))
}

// sendDiagnostic sends a short human-readable notice through the normal
// outbound framer, matching the failure semantics in §4.6/§7.
func (s *Session) sendDiagnostic(msg string) {
	s.sendRaw([]byte(msg))
}

func (s *Session) isCompressed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compressed
}

// HandleClientFrame processes one browser->server text frame per §4.5/§4.6:
// a JSON object (first byte '{') is a control frame; anything else is raw
// user input forwarded upstream after Latin-1 transcoding.
func (s *Session) HandleClientFrame(raw []byte) {
	if len(raw) == 0 {
		return
	}
	if raw[0] == '{' {
		if err := applyControlFrame(s, raw); err != nil && s.log != nil {
			s.log.Warnf("malformed control frame: %v", err)
		}
		return
	}

	encoded := EncodeLatin1(string(raw), s.log)
	s.writeUpstream(encoded)
	s.mu.Lock()
	s.passwordMode = false
	s.mu.Unlock()
}

// connect implements the `connect` control key: resolves the target
// against the allowlist policy and, if permitted, dials the upstream MUD.
func (s *Session) connect() {
	s.mu.RLock()
	host, port := s.host, s.port
	s.mu.RUnlock()
	if host == "" {
		host = s.policy.DefaultHost
	}
	if port == 0 {
		port = s.policy.DefaultPort
	}

	if s.policy.OnlyDefaultHost && host != s.policy.DefaultHost {
		s.sendDiagnostic(fmt.Sprintf(
			"This portal does not allow connections to %s; only %s is permitted.",
			host, s.policy.DefaultHost))
		s.scheduleTeardown(500*time.Millisecond, "host not allowed")
		return
	}

	go s.dialUpstream(host, port)
}

func (s *Session) dialUpstream(host string, port int) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		s.sendDiagnostic(fmt.Sprintf("could not connect to %s: %v", addr, err))
		s.scheduleTeardown(500*time.Millisecond, "dial failed")
		return
	}

	s.mu.Lock()
	s.upstream = conn
	s.host = host
	s.port = port
	s.mu.Unlock()

	go s.runUpstreamWriter()
	go s.runUpstreamReader()
}

// writeUpstream serializes one write through the single upstream-writer
// goroutine, following the one-writer-channel pattern used for the
// teacher's upstream connection.
func (s *Session) writeUpstream(data []byte) {
	if len(data) == 0 {
		return
	}
	select {
	case s.writeCh <- data:
	case <-s.done:
	}
}

func (s *Session) scheduleDelayed(dw telnet.DelayedWrite) {
	time.AfterFunc(dw.Delay, func() {
		s.writeUpstream(dw.Data)
	})
}

func (s *Session) runUpstreamWriter() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.writeCh:
			s.mu.RLock()
			conn := s.upstream
			s.mu.RUnlock()
			if conn == nil {
				continue
			}
			if _, err := conn.Write(data); err != nil {
				s.onUpstreamError(err)
				return
			}
		}
	}
}

func (s *Session) runUpstreamReader() {
	s.mu.RLock()
	conn := s.upstream
	s.mu.RUnlock()

	buf := make([]byte, 4096)
	for {
		if s.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		n, err := conn.Read(buf)
		if err != nil {
			s.onUpstreamError(err)
			return
		}
		if n == 0 {
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		if s.isCompressed() {
			if werr := s.inflater.Write(data); werr != nil {
				s.onInflaterError(werr)
				return
			}
			continue
		}
		s.handleUpstreamBytes(data)
	}
}

// handleUpstreamBytes implements §4.6's upstream->client path: scan for
// Telnet events, dispatch each to the Option State Machine, accumulate
// data bytes, and frame the result to the browser. It is only ever called
// from one goroutine at a time per session: the raw-socket reader before
// MCCP2 activation, the inflater drain loop after.
func (s *Session) handleUpstreamBytes(data []byte) {
	for {
		events, remainder := s.scanner.Scan(data)

		var outBuf []byte
		activatedNow := false
		for _, ev := range events {
			if ev.Kind == telnet.EventData {
				outBuf = append(outBuf, ev.Data...)
				continue
			}
			s.negMu.Lock()
			resp := s.negotiator.Handle(ev)
			s.negMu.Unlock()
			for _, w := range resp.Immediate {
				s.writeUpstream(w)
			}
			for _, dw := range resp.Delayed {
				s.scheduleDelayed(dw)
			}
			if resp.MCCPJustActivated {
				activatedNow = true
			}
			if resp.PasswordModeOn {
				s.mu.Lock()
				s.passwordMode = true
				s.mu.Unlock()
			}
		}

		if len(outBuf) > 0 {
			s.sendRaw(outBuf)
		}

		if activatedNow {
			s.activateInflater(remainder)
			return
		}
		if len(remainder) == 0 {
			return
		}
		data = remainder
	}
}

func (s *Session) activateInflater(remainder []byte) {
	s.mu.Lock()
	s.compressed = true
	s.mu.Unlock()

	s.inflater = telnet.NewInflater()
	go s.drainInflater()

	if err := s.inflater.Write(remainder); err != nil {
		s.onInflaterError(err)
	}
}

func (s *Session) drainInflater() {
	for {
		select {
		case chunk, ok := <-s.inflater.Out:
			if !ok {
				select {
				case err := <-s.inflater.Err:
					s.onInflaterError(err)
				default:
				}
				return
			}
			s.handleUpstreamBytes(chunk)
		case <-s.done:
			return
		}
	}
}

func (s *Session) onUpstreamError(err error) {
	if err.Error() != "EOF" {
		s.sendDiagnostic(fmt.Sprintf("connection lost: %v", err))
	} else {
		s.sendDiagnostic("connection closed by remote host")
	}
	s.scheduleTeardown(500*time.Millisecond, "upstream error")
}

func (s *Session) onInflaterError(err error) {
	s.sendDiagnostic(fmt.Sprintf("compression stream error: %v", err))
	s.Teardown("inflater error")
}

func (s *Session) scheduleTeardown(delay time.Duration, reason string) {
	time.AfterFunc(delay, func() {
		s.Teardown(reason)
	})
}

// Teardown idempotently tears the session down: removes it from the live
// set and chat bus, closes the upstream socket and the client connection.
func (s *Session) Teardown(reason string) {
	s.closeOnce.Do(func() {
		if s.log != nil {
			s.log.Infof("session closing: %s", reason)
		}
		close(s.done)

		if s.manager != nil {
			s.manager.Remove(s)
		}
		if s.bus != nil {
			s.bus.Leave(s)
			s.bus.Update()
		}

		s.mu.RLock()
		conn := s.upstream
		s.mu.RUnlock()
		if conn != nil {
			_ = conn.Close()
		}
		if s.inflater != nil {
			_ = s.inflater.Close()
		}
		if s.ws != nil {
			_ = s.ws.Close()
		}
	})
}
