// Package disposition implements the structured, append-only log of what
// happened to every message the core ever took responsibility for:
// reception, each delivery attempt, and final disposition (delivered,
// bounced, expired). It replaces chasquid's internal/maillog, keeping its
// io.Writer-sink architecture (a timedWriter wrapping a destination that
// can be a file, syslog, or stdout) but switching the payload from
// free-text lines to one JSON object per line, since a disposition record
// now carries enough structured fields (enhanced status codes, egress
// pool/source, num attempts) that grepping formatted text stops being
// practical for an operator or a downstream analytics pipeline.
package disposition

import (
	"encoding/json"
	"fmt"
	"io"
	"log/syslog"
	"os"
	"sync"
	"time"

	"github.com/ivarela/postilion/internal/hooks"
	"blitiri.com.ar/go/log"
)

// Type enumerates what happened to a message or recipient.
type Type string

const (
	Reception   Type = "reception"
	Attempt     Type = "attempt"
	Delivered   Type = "delivered"
	Bounced     Type = "bounced"
	Expiration  Type = "expiration"
	Rejected    Type = "rejected"
	AdminBounce Type = "admin_bounce"
)

// Record is a single structured disposition log line.
type Record struct {
	Time            time.Time `json:"time"`
	SpoolId         string    `json:"spool_id"`
	Type            Type      `json:"type"`
	From            string    `json:"from,omitempty"`
	To              string    `json:"to,omitempty"`
	RemoteAddr      string    `json:"remote_addr,omitempty"`
	Queue           string    `json:"queue,omitempty"`
	EgressPool      string    `json:"egress_pool,omitempty"`
	EgressSource    string    `json:"egress_source,omitempty"`
	Code            int       `json:"code,omitempty"`
	EnhancedCode    string    `json:"enhanced_code,omitempty"`
	Content         string    `json:"content,omitempty"`
	NumAttempts     int       `json:"num_attempts,omitempty"`
	Permanent       bool      `json:"permanent,omitempty"`
}

// timedWriter prepends a microsecond timestamp to every write, matching
// the format chasquid's maillog used for plain-text lines.
type timedWriter struct {
	w io.Writer
}

func (t timedWriter) Write(b []byte) (int, error) {
	fmt.Fprintf(t.w, "%s  ", time.Now().Format("2006-01-02 15:04:05.000000"))
	return t.w.Write(b)
}

// Logger writes disposition records to a backend, optionally filtered
// through a hooks.Table.
type Logger struct {
	mu   sync.Mutex
	w    io.Writer
	once sync.Once
	hk   *hooks.Table

	// reopen, if set, re-opens the underlying file (used for log
	// rotation, triggered on SIGHUP).
	reopen func() (io.Writer, error)
}

// New creates a Logger writing to w.
func New(w io.Writer, hk *hooks.Table) *Logger {
	return &Logger{w: timedWriter{w}, hk: hk}
}

// NewSyslog creates a Logger writing to syslog.
func NewSyslog(hk *hooks.Table) (*Logger, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, "postilion")
	if err != nil {
		return nil, err
	}
	return &Logger{w: w, hk: hk}, nil
}

// NewFile creates a Logger writing to the named file, appending, and
// supports Reopen for log rotation.
func NewFile(path string, hk *hooks.Table) (*Logger, error) {
	l := &Logger{hk: hk}
	open := func() (io.Writer, error) {
		return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	}
	f, err := open()
	if err != nil {
		return nil, err
	}
	l.w = timedWriter{f}
	l.reopen = open
	return l, nil
}

// Reopen closes and reopens the underlying file, for use after log
// rotation (typically triggered by SIGHUP). It is a no-op for
// non-file-backed loggers.
func (l *Logger) Reopen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reopen == nil {
		return nil
	}
	if closer, ok := l.w.(interface{ Close() error }); ok {
		closer.Close()
	} else if tw, ok := l.w.(timedWriter); ok {
		if closer, ok := tw.w.(interface{ Close() error }); ok {
			closer.Close()
		}
	}
	w, err := l.reopen()
	if err != nil {
		return err
	}
	l.w = timedWriter{w}
	return nil
}

func (l *Logger) write(rec Record) {
	l.mu.Lock()
	w := l.w
	l.mu.Unlock()

	b, err := json.Marshal(rec)
	if err != nil {
		log.Errorf("disposition: failed to marshal record: %v", err)
		return
	}
	b = append(b, '\n')

	if _, err := w.Write(b); err != nil {
		l.once.Do(func() {
			log.Errorf("failed to write to disposition log: %v", err)
			log.Errorf("(will not report this again)")
		})
	}
}

// Log records rec, unless a ShouldEnqueueLogRecord hook vetoes it.
func (l *Logger) Log(rec Record) {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	if l.hk != nil {
		summary := hooks.LogRecordSummary{
			SpoolId:         rec.SpoolId,
			From:            rec.From,
			To:              rec.To,
			DispositionType: string(rec.Type),
		}
		if !l.hk.CallShouldEnqueueLogRecord(summary) {
			return
		}
	}
	l.write(rec)
}

// Default is the package-level logger used before a real sink is wired
// up; it discards everything.
var Default = New(io.Discard, nil)
