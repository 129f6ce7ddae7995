// Package portallog wraps logrus with the line format the proxy uses
// everywhere: an ISO-8601 timestamp, the remote address the log line is
// about, and the message, so that grepping one session's activity out of
// a busy server's output is a matter of grepping its address.
package portallog

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Formatter renders "<timestamp> <remoteAddr>: <message>\n". remoteAddr is
// pulled from the entry's "remote" field and is empty when absent, per the
// "no session given" case.
type Formatter struct{}

func (Formatter) Format(e *logrus.Entry) ([]byte, error) {
	remote := ""
	if v, ok := e.Data["remote"]; ok {
		remote = fmt.Sprintf("%v", v)
	}
	line := fmt.Sprintf("%s %s: %s\n", e.Time.Format(time.RFC3339), remote, e.Message)
	return []byte(line), nil
}

// Logger is a thin façade over *logrus.Logger that carries the
// session-scoped "remote" field through every call.
type Logger struct {
	base *logrus.Logger
}

// New creates a Logger writing to w at the given level.
func New(w io.Writer, debug bool) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(Formatter{})
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return &Logger{base: l}
}

// Session returns a logger scoped to one session's remote address.
func (l *Logger) Session(remoteAddr string) *SessionLogger {
	return &SessionLogger{entry: l.base.WithField("remote", remoteAddr)}
}

// Server returns a logger scoped to no particular session.
func (l *Logger) Server() *SessionLogger {
	return &SessionLogger{entry: logrus.NewEntry(l.base)}
}

// SessionLogger logs lines tagged with one remote address.
type SessionLogger struct {
	entry *logrus.Entry
}

func (s *SessionLogger) Debug(msg string) { s.entry.Debug(msg) }
func (s *SessionLogger) Info(msg string)  { s.entry.Info(msg) }
func (s *SessionLogger) Warn(msg string)  { s.entry.Warn(msg) }
func (s *SessionLogger) Error(msg string) { s.entry.Error(msg) }

func (s *SessionLogger) Debugf(format string, args ...interface{}) { s.entry.Debugf(format, args...) }
func (s *SessionLogger) Infof(format string, args ...interface{})  { s.entry.Infof(format, args...) }
func (s *SessionLogger) Warnf(format string, args ...interface{})  { s.entry.Warnf(format, args...) }
func (s *SessionLogger) Errorf(format string, args ...interface{}) { s.entry.Errorf(format, args...) }
