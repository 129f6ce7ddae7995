// Package chatbus implements the process-wide chat channel shared by every
// session connected to the proxy: a bounded, disk-persisted log plus a
// broadcast to every session currently on the bus.
package chatbus

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/anicolao/mudportal/internal/jsonutil"
)

// MaxEntries is the number of most-recent chat entries retained and
// shown to a session that asks for the log.
const MaxEntries = 300

// Member is what the chat bus needs from a session to add it to a
// broadcast and to describe it in the user listing.
type Member interface {
	// Send delivers one named frame (e.g. "portal.chat") with a JSON body.
	Send(frameType string, body string)
	// DisplayName is the session's chosen name, or "" if none was set.
	DisplayName() string
	// Host is the session's upstream host, or "" if no upstream is open.
	Host() string
}

// Entry is one persisted chat log record.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// Bus is the shared chat channel. All methods are safe for concurrent use.
type Bus struct {
	mu         sync.RWMutex
	entries    []Entry
	members    map[Member]bool
	path       string
	maxEntries int
}

// New creates a Bus backed by path, retaining MaxEntries entries, loading
// any existing log from disk. A missing file, malformed JSON, or JSON that
// isn't an array each yield an empty log rather than an error, matching how
// a freshly deployed server with no prior chat history should behave.
func New(path string) *Bus {
	return NewWithCapacity(path, MaxEntries)
}

// NewWithCapacity is New with an explicit retention size, used when the
// operator configures a different history length than the default.
func NewWithCapacity(path string, capacity int) *Bus {
	if capacity <= 0 {
		capacity = MaxEntries
	}
	b := &Bus{
		members:    make(map[Member]bool),
		path:       path,
		maxEntries: capacity,
	}
	b.load()
	return b
}

func (b *Bus) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}
	b.entries = entries
}

func (b *Bus) persist() error {
	data, err := json.MarshalIndent(b.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chat log: %w", err)
	}
	if err := os.WriteFile(b.path, data, 0600); err != nil {
		return fmt.Errorf("write chat log: %w", err)
	}
	return nil
}

// Join adds a session to the bus's broadcast membership.
func (b *Bus) Join(m Member) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members[m] = true
}

// Leave removes a session from the bus, used when a session tears down.
func (b *Bus) Leave(m Member) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, m)
}

// Post cleans msg, appends the entry, broadcasts it to every member
// (including the poster), and persists the log to disk. The payload's
// "chat" key, if present, is stripped before storage and broadcast — it
// exists only to route the frame to Post in the first place.
func (b *Bus) Post(payload map[string]interface{}) error {
	if msg, ok := payload["msg"].(string); ok {
		payload["msg"] = chatCleanup(msg)
	}
	delete(payload, "chat")

	entry := Entry{Timestamp: time.Now(), Payload: payload}

	b.mu.Lock()
	b.entries = append(b.entries, entry)
	if len(b.entries) > b.maxEntries {
		b.entries = b.entries[len(b.entries)-b.maxEntries:]
	}
	members := make([]Member, 0, len(b.members))
	for m := range b.members {
		members = append(members, m)
	}
	err := b.persist()
	b.mu.Unlock()

	body, encErr := jsonutil.MarshalAcyclic(toInterfaceMap(payload))
	if encErr != nil {
		return encErr
	}
	for _, m := range members {
		m.Send("portal.chat", body)
	}
	return err
}

// Op sends one session the retained log entries (at most the bus's
// capacity, MaxEntries unless set by NewWithCapacity) plus a synthetic
// status entry describing who is currently on the bus. Op never writes to
// disk.
func (b *Bus) Op(m Member) error {
	b.mu.RLock()
	entries := make([]Entry, len(b.entries))
	copy(entries, b.entries)
	listing := b.userListing()
	b.mu.RUnlock()

	status := Entry{
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"channel": "status",
			"name":    "online:",
			"msg":     listing,
		},
	}
	out := append(entries, status)

	body, err := jsonutil.MarshalAcyclic(entriesToInterface(out))
	if err != nil {
		return err
	}
	m.Send("portal.chatlog", body)
	return nil
}

// Update invokes Op on every session currently on the bus; used whenever
// the session set changes so everyone's user listing stays current.
func (b *Bus) Update() error {
	b.mu.RLock()
	members := make([]Member, 0, len(b.members))
	for m := range b.members {
		members = append(members, m)
	}
	b.mu.RUnlock()

	var firstErr error
	for _, m := range members {
		if err := b.Op(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// userListing builds the "name@host, name@host" string described in the
// chat bus spec: a guest label when no name was set, the upstream host
// when connected or else the literal "chat", duplicates collapsed, and
// unnamed sessions with no upstream skipped entirely.
func (b *Bus) userListing() string {
	seen := make(map[string]bool)
	var names []string
	for m := range b.members {
		name := m.DisplayName()
		host := m.Host()
		if name == "" && host == "" {
			continue
		}
		if name == "" {
			name = "Guest"
		}
		where := host
		if where == "" {
			where = "chat"
		}
		label := name + "@" + where
		if seen[label] {
			continue
		}
		seen[label] = true
		names = append(names, label)
	}
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

func toInterfaceMap(m map[string]interface{}) map[string]interface{} {
	return m
}

func entriesToInterface(entries []Entry) map[string]interface{} {
	list := make([]interface{}, len(entries))
	for i, e := range entries {
		list[i] = map[string]interface{}{
			"timestamp": e.Timestamp,
			"payload":   e.Payload,
		}
	}
	return map[string]interface{}{"entries": list}
}

const (
	esc byte = 0x1b
)

// chatCleanup escapes '<' and '>' to their HTML entities, except when a
// byte is immediately preceded by ESC (0x1B), in which case the ESC is
// dropped and the raw bracket is kept. For input with no ESC-bracket pairs,
// applying chatCleanup a second time to its own output is a no-op, since
// already-escaped entities don't match the bare '<' or '>' the first pass
// looks for; a raw bracket kept from an ESC pair is escaped by a second pass.
func chatCleanup(s string) string {
	in := []byte(s)
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		b := in[i]
		if (b == '<' || b == '>') && i > 0 && in[i-1] == esc {
			// Drop the ESC we already copied, keep the raw bracket.
			out = out[:len(out)-1]
			out = append(out, b)
			continue
		}
		switch b {
		case '<':
			out = append(out, []byte("&lt;")...)
		case '>':
			out = append(out, []byte("&gt;")...)
		default:
			out = append(out, b)
		}
	}
	return string(out)
}
