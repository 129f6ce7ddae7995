package telnet

import (
	"compress/flate"
	"io"
)

// Inflater decompresses a raw-deflate (RFC 1951) stream incrementally.
// Bytes are pushed in with Write; decompressed chunks arrive on Out in
// the same order. A background goroutine owns the flate.Reader because
// compress/flate's Read blocks until it can produce output or the
// underlying reader is closed — there is no non-blocking "not enough
// input yet" signal, so the pump must run independently of the writer.
type Inflater struct {
	pr *io.PipeReader
	pw *io.PipeWriter
	fr io.ReadCloser

	Out chan []byte
	Err chan error
}

// NewInflater starts a new inflater and its draining goroutine.
func NewInflater() *Inflater {
	pr, pw := io.Pipe()
	inf := &Inflater{
		pr:  pr,
		pw:  pw,
		fr:  flate.NewReader(pr),
		Out: make(chan []byte, 64),
		Err: make(chan error, 1),
	}
	go inf.pump()
	return inf
}

func (inf *Inflater) pump() {
	defer close(inf.Out)
	buf := make([]byte, 4096)
	for {
		n, err := inf.fr.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			inf.Out <- chunk
		}
		if err != nil {
			if err != io.EOF {
				inf.Err <- err
			}
			return
		}
	}
}

// Write feeds raw compressed bytes to the inflater. It blocks until the
// paired flate reader has consumed them, per io.Pipe semantics.
func (inf *Inflater) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	_, err := inf.pw.Write(p)
	return err
}

// Close tears down the inflater. The pump goroutine exits once it
// observes the resulting EOF or error from the flate reader.
func (inf *Inflater) Close() error {
	werr := inf.pw.CloseWithError(io.EOF)
	_ = inf.fr.Close()
	return werr
}

// Deflate compresses data with raw deflate (RFC 1951), used by the
// outbound Transcoder when MCCP is not itself handling compression.
func Deflate(data []byte) ([]byte, error) {
	var buf pipeBuffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.b, nil
}

// pipeBuffer is a growable byte sink for flate.Writer's output.
type pipeBuffer struct{ b []byte }

func (p *pipeBuffer) Write(d []byte) (int, error) {
	p.b = append(p.b, d...)
	return len(d), nil
}
