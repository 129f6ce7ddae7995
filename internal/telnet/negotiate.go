package telnet

import "time"

// Flags tracks the one-way 0->1 option transitions a session makes over
// its lifetime (§3 invariants: a flag never transitions 1->0).
type Flags struct {
	GMCP            bool
	MSDP            bool
	MCCP2           bool // MCCP2 negotiated (DO MCCP2 scheduled)
	Compressed      bool // compression stream active
	MXP             bool
	NewEnv          bool
	NewEnvHandshake bool
	SGA             bool
	Echo            bool
	NAWS            bool
	UTF8            bool
}

// DelayedWrite is an upstream write the Session should perform after Delay
// has elapsed, used for the MCCP2 DO-response delay described in spec §4.3.
type DelayedWrite struct {
	Delay time.Duration
	Data  []byte
}

// Response is everything the Negotiator wants written upstream (and any
// other side effects) in reaction to a single Scanner event.
type Response struct {
	Immediate        [][]byte
	Delayed          []DelayedWrite
	PasswordModeOn   bool // set when WILL ECHO was just observed
	MCCPJustActivated bool // set on the event that flips Compressed to true
}

// GMCPPortalTemplate is one configured GMCP introduction line. Value may
// contain the literal substrings "{clientid}" and "{remoteaddr}", which are
// substituted with the session's values at send time; lines without a
// placeholder are sent verbatim.
type GMCPPortalTemplate string

func (t GMCPPortalTemplate) render(clientID, remoteAddr string) string {
	out := []byte(t)
	out = replaceAll(out, "{clientid}", clientID)
	out = replaceAll(out, "{remoteaddr}", remoteAddr)
	return string(out)
}

func replaceAll(src []byte, old, new string) []byte {
	s := string(src)
	result := make([]byte, 0, len(s))
	for {
		idx := indexOf(s, old)
		if idx < 0 {
			result = append(result, s...)
			break
		}
		result = append(result, s[:idx]...)
		result = append(result, new...)
		s = s[idx+len(old):]
	}
	return result
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// Config holds the startup-configured, session-independent negotiation
// policy: the GMCP portal line templates, the MCCP2 response delay, and
// the static tail of the MSDP introduction pairs.
type Config struct {
	GMCPPortal []GMCPPortalTemplate
	MCCPDelay  time.Duration

	// MSDPStaticPairs is appended, in order, after the per-session
	// CLIENT_ID/CLIENT_VERSION/CLIENT_IP triple that always leads the MSDP
	// introduction (those three are dynamic and can't be configured away).
	MSDPStaticPairs [][2]string
}

// DefaultConfig returns the built-in portal configuration used when no
// override file is supplied.
func DefaultConfig() Config {
	return Config{
		GMCPPortal: []GMCPPortalTemplate{
			"client {clientid}",
			"client_version 1.0",
		},
		MCCPDelay: 6 * time.Second,
		MSDPStaticPairs: [][2]string{
			{"XTERM_256_COLORS", "1"},
			{"MXP", "1"},
			{"UTF_8", "1"},
		},
	}
}

// Negotiator is the per-session option state machine (spec §4.3/§4.4). It
// owns the session's option Flags, terminal-type queue, and the GMCP/MSDP
// portal rendering policy; Handle is called once per Scanner event and
// returns the upstream writes (immediate and delayed) the event provokes.
type Negotiator struct {
	Flags      Flags
	TTypeQueue []string

	ClientWantsMCCP bool
	ClientID        string
	ClientVersion   string
	RemoteAddr      string

	cfg Config

	charsetOffered bool
}

// NewNegotiator creates a Negotiator bound to one session's remote address
// and the given portal configuration.
func NewNegotiator(cfg Config, remoteAddr string) *Negotiator {
	return &Negotiator{cfg: cfg, RemoteAddr: remoteAddr}
}

// popTType returns the next terminal-type string, refilling the queue with
// the session's remote address once exhausted so further requests yield a
// stable fallback forever (spec §3 Data Model).
func (n *Negotiator) popTType() string {
	if len(n.TTypeQueue) == 0 {
		n.TTypeQueue = append(n.TTypeQueue, n.RemoteAddr)
	}
	v := n.TTypeQueue[0]
	n.TTypeQueue = n.TTypeQueue[1:]
	return v
}

// gmcpPortalMessages renders the configured GMCP lines plus the mandatory
// trailing client_ip line.
func (n *Negotiator) gmcpPortalMessages() []string {
	out := make([]string, 0, len(n.cfg.GMCPPortal)+1)
	for _, t := range n.cfg.GMCPPortal {
		out = append(out, t.render(n.ClientID, n.RemoteAddr))
	}
	out = append(out, "client_ip "+n.RemoteAddr)
	return out
}

// msdpIntroPairs returns the MSDP introduction set (spec §4.3): the
// per-session CLIENT_ID/CLIENT_VERSION/CLIENT_IP triple followed by the
// configured static pairs.
func (n *Negotiator) msdpIntroPairs() [][2]string {
	out := make([][2]string, 0, 3+len(n.cfg.MSDPStaticPairs))
	out = append(out,
		[2]string{"CLIENT_ID", n.ClientID},
		[2]string{"CLIENT_VERSION", n.ClientVersion},
		[2]string{"CLIENT_IP", n.RemoteAddr},
	)
	out = append(out, n.cfg.MSDPStaticPairs...)
	return out
}

// SendMSDP builds the subnegotiation for an ad hoc MSDP var/val request
// (spec §4.3's sendMSDP operation). val may be a string or a []string for
// a multi-value reply. Returns nil if key or val is empty/missing.
func (n *Negotiator) SendMSDP(key string, val interface{}) []byte {
	if key == "" || val == nil {
		return nil
	}
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return MSDPPair(key, v)
	case []string:
		if len(v) == 0 {
			return nil
		}
		return MSDPPairList(key, v)
	default:
		return nil
	}
}

// Handle applies one Scanner event to the negotiation state and returns
// the writes it provokes.
func (n *Negotiator) Handle(ev Event) Response {
	switch ev.Kind {
	case EventCommand:
		return n.handleCommand(ev.Cmd, ev.Opt)
	case EventSubneg:
		return n.handleSubneg(ev.Opt, ev.Data)
	default:
		return Response{}
	}
}

func (n *Negotiator) handleCommand(cmd, opt byte) Response {
	var r Response
	switch {
	case opt == OptTTYPE && cmd == DO:
		r.Immediate = append(r.Immediate, Cmd(WILL, OptTTYPE))
		r.Immediate = append(r.Immediate, TTypeIS(n.popTType()))

	case opt == OptGMCP && (cmd == DO || cmd == WILL):
		if !n.Flags.GMCP {
			n.Flags.GMCP = true
			if cmd == DO {
				r.Immediate = append(r.Immediate, Cmd(WILL, OptGMCP))
			} else {
				r.Immediate = append(r.Immediate, Cmd(DO, OptGMCP))
			}
			for _, msg := range n.gmcpPortalMessages() {
				r.Immediate = append(r.Immediate, GMCPMessage(msg))
			}
		}

	case opt == OptMSDP && cmd == WILL:
		if !n.Flags.MSDP {
			n.Flags.MSDP = true
			r.Immediate = append(r.Immediate, Cmd(DO, OptMSDP))
			for _, pair := range n.msdpIntroPairs() {
				r.Immediate = append(r.Immediate, MSDPPair(pair[0], pair[1]))
			}
		}

	case opt == OptMCCP2 && cmd == WILL:
		if n.ClientWantsMCCP && !n.Flags.MCCP2 && !n.Flags.Compressed {
			n.Flags.MCCP2 = true
			r.Delayed = append(r.Delayed, DelayedWrite{
				Delay: n.cfg.MCCPDelay,
				Data:  Cmd(DO, OptMCCP2),
			})
		}

	case opt == OptMXP && (cmd == DO || cmd == WILL):
		if !n.Flags.MXP {
			n.Flags.MXP = true
			if cmd == DO {
				r.Immediate = append(r.Immediate, Cmd(WILL, OptMXP))
			} else {
				r.Immediate = append(r.Immediate, Cmd(DO, OptMXP))
			}
		}

	case opt == OptNEWENV && cmd == DO:
		if !n.Flags.NewEnv {
			n.Flags.NewEnv = true
			r.Immediate = append(r.Immediate, Cmd(WILL, OptNEWENV))
		}

	case opt == OptCHARSET && cmd == DO:
		if !n.charsetOffered {
			n.charsetOffered = true
			r.Immediate = append(r.Immediate, Cmd(WILL, OptCHARSET))
		}

	case opt == OptSGA && cmd == WILL:
		if !n.Flags.SGA {
			n.Flags.SGA = true
			r.Immediate = append(r.Immediate, Cmd(WONT, OptSGA))
		}

	case opt == OptECHO && cmd == WILL:
		if !n.Flags.Echo {
			n.Flags.Echo = true
			r.PasswordModeOn = true
		}

	case opt == OptNAWS && cmd == WILL:
		if !n.Flags.NAWS {
			n.Flags.NAWS = true
			r.Immediate = append(r.Immediate, Cmd(WONT, OptNAWS))
		}
	}
	return r
}

func (n *Negotiator) handleSubneg(opt byte, payload []byte) Response {
	var r Response
	switch opt {
	case OptTTYPE:
		if len(payload) > 0 && payload[0] == REQUEST {
			r.Immediate = append(r.Immediate, TTypeIS(n.popTType()))
		}

	case OptNEWENV:
		if n.Flags.NewEnv && !n.Flags.NewEnvHandshake && len(payload) > 0 && payload[0] == REQUEST {
			n.Flags.NewEnvHandshake = true
			r.Immediate = append(r.Immediate, NewEnvIPReply(n.RemoteAddr))
		}

	case OptCHARSET:
		if !n.Flags.UTF8 {
			n.Flags.UTF8 = true
			r.Immediate = append(r.Immediate, AcceptUTF8())
		}

	case OptMCCP2:
		if n.ClientWantsMCCP && n.Flags.MCCP2 && !n.Flags.Compressed {
			n.Flags.Compressed = true
			r.MCCPJustActivated = true
		}
	}
	return r
}
