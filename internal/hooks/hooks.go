// Package hooks implements the core's single extension point: a table of
// typed callback slots that policy (SPF, local recipient checks, queue
// routing, DKIM signing, and so on) attaches to at startup.
//
// The registration discipline is modeled on an existing Rust MTA
// implementation's Lua "kumo.on" event registration: each slot may be
// filled exactly once, and a second attempt fails with an error naming the
// file and line of the first registration, recovered via runtime.Caller in
// the same way chasquid's own logger attributes log lines to their true
// caller.
package hooks

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/ivarela/postilion/internal/message"
	"github.com/ivarela/postilion/internal/rfc5321"
)

// MailFromHook is consulted after a MAIL FROM command is parsed and before
// it is accepted. Returning a non-nil error rejects the command; the error
// message is used as (part of) the SMTP reply text.
type MailFromHook func(ctx context.Context, remoteAddr, ehloDomain string, from rfc5321.ReversePath, params []rfc5321.EsmtpParameter) error

// RcptToHook is consulted after a RCPT TO command is parsed and before it
// is accepted.
type RcptToHook func(ctx context.Context, from rfc5321.ReversePath, rcpt rfc5321.ForwardPath, params []rfc5321.EsmtpParameter) error

// MessageReceivedHook runs once a full message has been read from a
// session, immediately before it is handed to the spool. It may mutate m
// in place (e.g. to add a trace header or attach DKIM signing metadata).
type MessageReceivedHook func(ctx context.Context, m *message.Message) error

// SpoolMessageEnumeratedHook runs once per message recovered from the
// spool at startup, before it is re-inserted into a queue.
type SpoolMessageEnumeratedHook func(ctx context.Context, m *message.Message) error

// GetQueueNameHook resolves which named queue a message belongs to. It
// runs both on first receipt and during spool recovery.
type GetQueueNameHook func(ctx context.Context, m *message.Message) (string, error)

// LogRecordSummary is the minimal view of a disposition record a policy
// hook needs in order to decide whether the record should be persisted.
type LogRecordSummary struct {
	SpoolId         string
	From            string
	To              string
	DispositionType string
}

// ShouldEnqueueLogRecordHook lets policy filter which disposition records
// get written out (e.g. to suppress verbose per-attempt logging for a
// noisy destination).
type ShouldEnqueueLogRecordHook func(rec LogRecordSummary) bool

// Table holds every hook slot. The zero value is usable; unset slots
// behave as documented per-field default (see the Call* methods).
type Table struct {
	mu sync.Mutex

	mailFrom      MailFromHook
	mailFromSite  string
	rcptTo        RcptToHook
	rcptToSite    string
	msgReceived   MessageReceivedHook
	msgRecvSite   string
	spoolEnum     SpoolMessageEnumeratedHook
	spoolEnumSite string
	getQueueName  GetQueueNameHook
	queueNameSite string
	shouldLog     ShouldEnqueueLogRecordHook
	shouldLogSite string
}

func callSite() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// alreadyRegisteredError reports a conflicting registration attempt.
type alreadyRegisteredError struct {
	name string
	site string
}

func (e *alreadyRegisteredError) Error() string {
	return fmt.Sprintf("hooks: %s already has a handler registered at %s", e.name, e.site)
}

// RegisterMailFrom sets the MailFrom hook. It panics if one is already
// registered, naming the file:line of the earlier registration.
func (t *Table) RegisterMailFrom(h MailFromHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mailFrom != nil {
		panic(&alreadyRegisteredError{"MailFrom", t.mailFromSite})
	}
	t.mailFrom = h
	t.mailFromSite = callSite()
}

func (t *Table) RegisterRcptTo(h RcptToHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rcptTo != nil {
		panic(&alreadyRegisteredError{"RcptTo", t.rcptToSite})
	}
	t.rcptTo = h
	t.rcptToSite = callSite()
}

func (t *Table) RegisterMessageReceived(h MessageReceivedHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.msgReceived != nil {
		panic(&alreadyRegisteredError{"MessageReceived", t.msgRecvSite})
	}
	t.msgReceived = h
	t.msgRecvSite = callSite()
}

func (t *Table) RegisterSpoolMessageEnumerated(h SpoolMessageEnumeratedHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.spoolEnum != nil {
		panic(&alreadyRegisteredError{"SpoolMessageEnumerated", t.spoolEnumSite})
	}
	t.spoolEnum = h
	t.spoolEnumSite = callSite()
}

func (t *Table) RegisterGetQueueName(h GetQueueNameHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.getQueueName != nil {
		panic(&alreadyRegisteredError{"GetQueueName", t.queueNameSite})
	}
	t.getQueueName = h
	t.queueNameSite = callSite()
}

func (t *Table) RegisterShouldEnqueueLogRecord(h ShouldEnqueueLogRecordHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shouldLog != nil {
		panic(&alreadyRegisteredError{"ShouldEnqueueLogRecord", t.shouldLogSite})
	}
	t.shouldLog = h
	t.shouldLogSite = callSite()
}

// CallMailFrom invokes the MailFrom hook if one is registered; absent a
// registration, the command is accepted unconditionally.
func (t *Table) CallMailFrom(ctx context.Context, remoteAddr, ehloDomain string, from rfc5321.ReversePath, params []rfc5321.EsmtpParameter) error {
	t.mu.Lock()
	h := t.mailFrom
	t.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(ctx, remoteAddr, ehloDomain, from, params)
}

func (t *Table) CallRcptTo(ctx context.Context, from rfc5321.ReversePath, rcpt rfc5321.ForwardPath, params []rfc5321.EsmtpParameter) error {
	t.mu.Lock()
	h := t.rcptTo
	t.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(ctx, from, rcpt, params)
}

func (t *Table) CallMessageReceived(ctx context.Context, m *message.Message) error {
	t.mu.Lock()
	h := t.msgReceived
	t.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(ctx, m)
}

func (t *Table) CallSpoolMessageEnumerated(ctx context.Context, m *message.Message) error {
	t.mu.Lock()
	h := t.spoolEnum
	t.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(ctx, m)
}

// CallGetQueueName resolves a message's queue name. Absent a registered
// hook, every message routes to the queue named by its recipient domain of
// the first pending recipient, falling back to "default" if there is none.
func (t *Table) CallGetQueueName(ctx context.Context, m *message.Message) (string, error) {
	t.mu.Lock()
	h := t.getQueueName
	t.mu.Unlock()
	if h == nil {
		return defaultQueueName(m), nil
	}
	return h(ctx, m)
}

func defaultQueueName(m *message.Message) string {
	for _, r := range m.Rcpt {
		if r.Status == message.RecipientPending {
			if d := domainOf(r.Address); d != "" {
				return d
			}
		}
	}
	return "default"
}

func domainOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[i+1:]
		}
	}
	return ""
}

// CallShouldEnqueueLogRecord reports whether a disposition record should
// be persisted. Absent a registered hook, every record is kept.
func (t *Table) CallShouldEnqueueLogRecord(rec LogRecordSummary) bool {
	t.mu.Lock()
	h := t.shouldLog
	t.mu.Unlock()
	if h == nil {
		return true
	}
	return h(rec)
}
