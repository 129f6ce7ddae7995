package session

import (
	"encoding/base64"

	"github.com/anicolao/mudportal/internal/portallog"
	"github.com/anicolao/mudportal/internal/telnet"
	"golang.org/x/text/encoding/charmap"
)

// Transcoder implements the server<->client byte transformations described
// for the proxy's framing layer: base64 (optionally raw-deflate compressed)
// outbound, Latin-1 inbound.
type Transcoder struct {
	// CompressGlobal enables opportunistic outbound deflate when MCCP
	// itself isn't already compressing the stream end to end.
	CompressGlobal bool
}

// EncodeOutbound returns the base64 text to send to the browser for one
// arrival's worth of accumulated data bytes. When MCCP is active the data
// is already compressed end to end by the upstream MUD server, so the
// deflate step is skipped even if CompressGlobal is set. A deflate failure
// falls back to sending the raw bytes base64-encoded.
func (t Transcoder) EncodeOutbound(data []byte, mccpActive bool) string {
	if mccpActive || !t.CompressGlobal {
		return base64.StdEncoding.EncodeToString(data)
	}
	compressed, err := telnet.Deflate(data)
	if err != nil {
		return base64.StdEncoding.EncodeToString(data)
	}
	return base64.StdEncoding.EncodeToString(compressed)
}

// EncodeLatin1 transcodes a browser-supplied string to the Latin-1 bytes
// the Telnet wire expects, one rune at a time. A rune outside Latin-1's
// range is logged and dropped rather than aborting the whole frame.
func EncodeLatin1(s string, log *portallog.SessionLogger) []byte {
	enc := charmap.ISO8859_1.NewEncoder()
	out := make([]byte, 0, len(s))
	for _, r := range s {
		b, err := enc.Bytes([]byte(string(r)))
		if err != nil {
			if log != nil {
				log.Warnf("dropping non-Latin-1 rune %q: %v", r, err)
			}
			continue
		}
		out = append(out, b...)
	}
	return out
}
