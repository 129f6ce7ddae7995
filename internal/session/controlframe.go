package session

import (
	"encoding/json"
	"fmt"
)

// applyControlFrame parses raw as a JSON control envelope (§4.5) and
// applies whichever recognized, truthy keys it carries to s. Falsy values
// (0, "", false, null) never update the session — the client must send a
// truthy value to enable a feature or change an identity field.
func applyControlFrame(s *Session, raw []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("parse control frame: %w", err)
	}

	if host, ok := truthyString(m["host"]); ok {
		s.mu.Lock()
		s.host = host
		s.mu.Unlock()
	}
	if port, ok := truthyInt(m["port"]); ok {
		s.mu.Lock()
		s.port = port
		s.mu.Unlock()
	}
	if ttype, ok := truthyString(m["ttype"]); ok {
		s.negMu.Lock()
		s.negotiator.TTypeQueue = []string{ttype}
		s.negMu.Unlock()
	}
	if name, ok := truthyString(m["name"]); ok {
		s.mu.Lock()
		s.displayName = name
		s.mu.Unlock()
	}
	if client, ok := truthyString(m["client"]); ok {
		s.mu.Lock()
		s.clientLabel = client
		s.mu.Unlock()
		s.negMu.Lock()
		s.negotiator.ClientID = client
		s.negMu.Unlock()
	}
	if truthyBool(m["mccp"]) {
		s.negMu.Lock()
		s.negotiator.ClientWantsMCCP = true
		s.negMu.Unlock()
	}
	if truthyBool(m["utf8"]) {
		s.negMu.Lock()
		s.negotiator.Flags.UTF8 = true
		s.negMu.Unlock()
	}
	if truthyBool(m["debug"]) {
		s.mu.Lock()
		s.wantDebug = true
		s.mu.Unlock()
	}
	if chat, ok := m["chat"].(map[string]interface{}); ok {
		s.mu.Lock()
		s.onChatBus = true
		s.mu.Unlock()
		if s.bus != nil {
			s.bus.Join(s)
			s.bus.Update()
			if err := s.bus.Post(chat); err != nil && s.log != nil {
				s.log.Warnf("chat post failed: %v", err)
			}
		}
	}
	if truthyBool(m["connect"]) {
		s.connect()
	}
	if bin, ok := m["bin"].([]interface{}); ok {
		s.writeUpstream(decodeBinArray(bin))
	}
	if msdp, ok := m["msdp"].(map[string]interface{}); ok {
		key, _ := msdp["key"].(string)
		s.negMu.Lock()
		data := s.negotiator.SendMSDP(key, msdpVal(msdp["val"]))
		s.negMu.Unlock()
		if data != nil {
			s.writeUpstream(data)
		}
	}

	return nil
}

func decodeBinArray(vals []interface{}) []byte {
	out := make([]byte, 0, len(vals))
	for _, v := range vals {
		if f, ok := v.(float64); ok {
			out = append(out, byte(int(f)&0xFF))
		}
	}
	return out
}

// msdpVal normalizes a decoded JSON value into either a string or a
// []string, the two shapes Negotiator.SendMSDP accepts.
func msdpVal(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, e := range val {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func truthyString(v interface{}) (string, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func truthyInt(v interface{}) (int, bool) {
	f, ok := v.(float64)
	if !ok || f == 0 {
		return 0, false
	}
	return int(f), true
}

func truthyBool(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != ""
	default:
		return false
	}
}
