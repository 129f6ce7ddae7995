package telnet

// EventKind identifies the category of a Scanner event.
type EventKind int

const (
	// EventData carries a run of application bytes to forward unchanged.
	EventData EventKind = iota
	// EventCommand carries a WILL/WONT/DO/DONT negotiation.
	EventCommand
	// EventSubneg carries a complete SB...SE block, IAC-escapes already collapsed.
	EventSubneg
)

// Event is one unit of the Scanner's output stream, in arrival order.
type Event struct {
	Kind EventKind
	Cmd  byte   // set for EventCommand
	Opt  byte   // set for EventCommand and EventSubneg
	Data []byte // application bytes (EventData) or subneg payload (EventSubneg)
}

// Scanner walks a byte stream looking for IAC sequences, emitting Data,
// Command and Subneg events. It is restartable: a sequence split across
// two Scan calls is buffered internally and completed on the next call,
// so concatenating scan results over any partition of an input yields the
// same Command and Subneg events and the same data bytes as scanning it in
// one call. Data bytes are not held back across calls: a run of plain data
// split between two calls arrives as two Data events rather than one.
//
// Scan halts immediately after completing a subnegotiation for any option
// listed in HaltAfter, returning the unconsumed remainder of the input
// rather than continuing to scan it. This lets a caller reroute the bytes
// that follow an MCCP2 "start compression" subnegotiation through an
// inflater before they are fed back through the scanner, without the
// scanner needing to know anything about compression itself.
type Scanner struct {
	pending  []byte
	HaltAfter map[byte]bool
}

// NewScanner creates a Scanner with no halt options configured.
func NewScanner() *Scanner {
	return &Scanner{HaltAfter: make(map[byte]bool)}
}

// Scan consumes data (prefixed by any buffered partial sequence from a
// previous call) and returns the events found plus any unconsumed
// remainder left over because of a HaltAfter boundary. Incomplete trailing
// sequences are buffered internally and are not part of remainder.
func (s *Scanner) Scan(data []byte) (events []Event, remainder []byte) {
	buf := data
	if len(s.pending) > 0 {
		buf = append(append([]byte(nil), s.pending...), data...)
		s.pending = nil
	}

	var dataRun []byte
	flushData := func() {
		if len(dataRun) > 0 {
			events = append(events, Event{Kind: EventData, Data: dataRun})
			dataRun = nil
		}
	}

	i := 0
	for i < len(buf) {
		b := buf[i]
		if b != IAC {
			dataRun = append(dataRun, b)
			i++
			continue
		}

		// b == IAC
		if i+1 >= len(buf) {
			s.pending = append(s.pending, buf[i:]...)
			i = len(buf)
			break
		}

		cmd := buf[i+1]
		switch cmd {
		case IAC:
			// Escaped IAC: literal 0xFF in the data stream.
			dataRun = append(dataRun, IAC)
			i += 2

		case WILL, WONT, DO, DONT:
			if i+2 >= len(buf) {
				s.pending = append(s.pending, buf[i:]...)
				i = len(buf)
			} else {
				opt := buf[i+2]
				flushData()
				events = append(events, Event{Kind: EventCommand, Cmd: cmd, Opt: opt})
				i += 3
			}

		case SB:
			start := i
			j := i + 2 // skip IAC SB
			if j >= len(buf) {
				s.pending = append(s.pending, buf[start:]...)
				i = len(buf)
				break
			}
			opt := buf[j]
			j++
			closed := false
			for j < len(buf) {
				if buf[j] == IAC {
					if j+1 >= len(buf) {
						break // incomplete, buffered below
					}
					if buf[j+1] == SE {
						j += 2
						closed = true
						break
					}
					// IAC IAC escape inside subneg payload.
					j += 2
					continue
				}
				j++
			}
			if !closed {
				s.pending = append(s.pending, buf[start:]...)
				i = len(buf)
				break
			}
			flushData()
			payload := unescapeIAC(buf[start+3 : j-2])
			events = append(events, Event{Kind: EventSubneg, Opt: opt, Data: payload})
			i = j
			if s.HaltAfter[opt] {
				flushData()
				remainder = append([]byte(nil), buf[i:]...)
				return events, remainder
			}

		default:
			// Malformed: IAC followed by an unrecognized command byte.
			// Surfaced as data, never dropped.
			dataRun = append(dataRun, IAC, cmd)
			i += 2
		}
	}

	flushData()
	return events, remainder
}
