package telnet

import (
	"bytes"
	"testing"
	"time"
)

func drive(t *testing.T, n *Negotiator, s *Scanner, input []byte) [][]byte {
	t.Helper()
	events, remainder := s.Scan(input)
	if len(remainder) != 0 {
		t.Fatalf("unexpected remainder: %v", remainder)
	}
	var writes [][]byte
	for _, ev := range events {
		r := n.Handle(ev)
		writes = append(writes, r.Immediate...)
		for _, dw := range r.Delayed {
			writes = append(writes, dw.Data)
		}
	}
	return writes
}

func flatten(writes [][]byte) []byte {
	var out []byte
	for _, w := range writes {
		out = append(out, w...)
	}
	return out
}

func TestNegotiator_TTypeHandshake(t *testing.T) {
	n := NewNegotiator(DefaultConfig(), "203.0.113.9")
	n.TTypeQueue = []string{"xterm-256color", "screen-256color", "linux"}
	s := NewScanner()

	writes := drive(t, n, s, []byte{IAC, DO, OptTTYPE})
	writes = append(writes, drive(t, n, s, []byte{IAC, SB, OptTTYPE, REQUEST, IAC, SE})...)

	want := [][]byte{
		Cmd(WILL, OptTTYPE),
		TTypeIS("xterm-256color"),
		TTypeIS("screen-256color"),
	}
	if !bytes.Equal(flatten(writes), flatten(want)) {
		t.Errorf("writes = %v, want %v", flatten(writes), flatten(want))
	}
	if got := n.TTypeQueue; len(got) != 1 || got[0] != "linux" {
		t.Errorf("queue tail = %v, want [linux]", got)
	}
}

func TestNegotiator_TTypeQueueRefillsWithRemoteAddr(t *testing.T) {
	n := NewNegotiator(DefaultConfig(), "203.0.113.9")
	n.TTypeQueue = []string{"xterm"}
	if got := n.popTType(); got != "xterm" {
		t.Fatalf("popTType() = %q, want xterm", got)
	}
	if got := n.popTType(); got != "203.0.113.9" {
		t.Fatalf("popTType() after exhaustion = %q, want remote addr", got)
	}
	if got := n.popTType(); got != "203.0.113.9" {
		t.Fatalf("popTType() keeps returning remote addr, got %q", got)
	}
}

func TestNegotiator_GMCPSingleBuffer(t *testing.T) {
	n := NewNegotiator(Config{
		GMCPPortal: []GMCPPortalTemplate{"client {clientid}", "portalB"},
		MCCPDelay:  6 * time.Second,
	}, "1.2.3.4")
	n.ClientID = "myclient"
	s := NewScanner()

	writes := drive(t, n, s, []byte{IAC, DO, OptGMCP})
	want := [][]byte{
		Cmd(WILL, OptGMCP),
		GMCPMessage("client myclient"),
		GMCPMessage("portalB"),
		GMCPMessage("client_ip 1.2.3.4"),
	}
	if !bytes.Equal(flatten(writes), flatten(want)) {
		t.Errorf("writes = %v, want %v", flatten(writes), flatten(want))
	}
	if !n.Flags.GMCP {
		t.Error("gmcp flag not set")
	}

	again := drive(t, n, s, []byte{IAC, DO, OptGMCP})
	if len(again) != 0 {
		t.Errorf("second DO GMCP produced writes: %v", again)
	}
}

func TestNegotiator_CharsetAccept(t *testing.T) {
	n := NewNegotiator(DefaultConfig(), "10.0.0.1")
	s := NewScanner()

	writes := drive(t, n, s, []byte{IAC, DO, OptCHARSET})
	writes = append(writes, drive(t, n, s, []byte{IAC, SB, OptCHARSET, REQUEST, '"', 'U', 'T', 'F', '-', '8', '"', IAC, SE})...)

	want := [][]byte{
		Cmd(WILL, OptCHARSET),
		AcceptUTF8(),
	}
	if !bytes.Equal(flatten(writes), flatten(want)) {
		t.Errorf("writes = %v, want %v", flatten(writes), flatten(want))
	}
	if !n.Flags.UTF8 {
		t.Error("utf8 flag not set")
	}
}

func TestNegotiator_MCCP2DelayedThenActivates(t *testing.T) {
	n := NewNegotiator(DefaultConfig(), "10.0.0.1")
	n.ClientWantsMCCP = true
	s := NewScanner()
	s.HaltAfter[OptMCCP2] = true

	events, remainder := s.Scan([]byte{IAC, WILL, OptMCCP2})
	if len(remainder) != 0 {
		t.Fatalf("unexpected remainder: %v", remainder)
	}
	var r Response
	for _, ev := range events {
		r = n.Handle(ev)
	}
	if len(r.Delayed) != 1 || !bytes.Equal(r.Delayed[0].Data, Cmd(DO, OptMCCP2)) {
		t.Fatalf("delayed write = %+v, want DO MCCP2", r.Delayed)
	}
	if r.Delayed[0].Delay != 6*time.Second {
		t.Errorf("delay = %v, want 6s", r.Delayed[0].Delay)
	}
	if !n.Flags.MCCP2 || n.Flags.Compressed {
		t.Errorf("flags = %+v, want MCCP2=true Compressed=false", n.Flags)
	}

	events, remainder = s.Scan([]byte{IAC, SB, OptMCCP2, IAC, SE, 'p', 'a', 'y', 'l', 'o', 'a', 'd'})
	if !bytes.Equal(remainder, []byte("payload")) {
		t.Fatalf("remainder = %q, want %q", remainder, "payload")
	}
	var resp Response
	for _, ev := range events {
		resp = n.Handle(ev)
	}
	if !resp.MCCPJustActivated {
		t.Error("expected MCCPJustActivated")
	}
	if !n.Flags.Compressed {
		t.Error("expected Compressed flag set")
	}

	// Idempotent: a second SB MCCP2 IAC SE after activation is a no-op.
	s.HaltAfter[OptMCCP2] = false
	events, _ = s.Scan([]byte{IAC, SB, OptMCCP2, IAC, SE})
	for _, ev := range events {
		resp = n.Handle(ev)
	}
	if resp.MCCPJustActivated {
		t.Error("second activation should be a no-op")
	}
}

func TestNegotiator_EchoSetsPasswordMode(t *testing.T) {
	n := NewNegotiator(DefaultConfig(), "10.0.0.1")
	s := NewScanner()

	events, remainder := s.Scan([]byte{IAC, WILL, OptECHO})
	if len(remainder) != 0 {
		t.Fatalf("unexpected remainder: %v", remainder)
	}
	r := n.Handle(events[0])
	if len(r.Immediate) != 0 || len(r.Delayed) != 0 {
		t.Errorf("WILL ECHO should not write upstream, got %+v", r)
	}
	if !r.PasswordModeOn {
		t.Error("expected PasswordModeOn on first WILL ECHO")
	}
}

func TestNegotiator_MSDPIntroductionPairs(t *testing.T) {
	n := NewNegotiator(DefaultConfig(), "9.9.9.9")
	n.ClientID = "cid"
	n.ClientVersion = "1.0"
	s := NewScanner()

	writes := drive(t, n, s, []byte{IAC, WILL, OptMSDP})
	if len(writes) == 0 {
		t.Fatal("expected writes for WILL MSDP")
	}
	if !bytes.Equal(writes[0], Cmd(DO, OptMSDP)) {
		t.Errorf("first write = %v, want DO MSDP", writes[0])
	}
	if !n.Flags.MSDP {
		t.Error("msdp flag not set")
	}
}

func TestNegotiator_SendMSDPNoopOnMissingArgs(t *testing.T) {
	n := NewNegotiator(DefaultConfig(), "9.9.9.9")
	if got := n.SendMSDP("", "val"); got != nil {
		t.Errorf("expected nil for empty key, got %v", got)
	}
	if got := n.SendMSDP("key", nil); got != nil {
		t.Errorf("expected nil for nil val, got %v", got)
	}
	if got := n.SendMSDP("key", "v"); got == nil {
		t.Errorf("expected non-nil for valid scalar args")
	}
	if got := n.SendMSDP("key", []string{"a", "b"}); got == nil {
		t.Errorf("expected non-nil for valid list args")
	}
}
