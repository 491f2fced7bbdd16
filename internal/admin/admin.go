// Package admin implements the control-plane operations an operator can
// perform against a running core: administratively bouncing mail matching
// a criteria, and cancelling such a bounce. Both are plain Go operations
// against an in-memory, mutex-protected table; the wire transport that
// exposes them to cmd/postilion-util lives in cmd/postilion, not here,
// mirroring how the spec keeps the HTTP surface out of the core's scope.
//
// Grounded on the original kcli::bounce_cancel CLI command's semantics
// (cancellation only prevents future matches, it does not undo mail
// already bounced under the criteria) and on queue.BounceChecker, the seam
// internal/queue exposes for exactly this purpose.
package admin

import (
	"fmt"
	"sync"
	"time"

	"github.com/ivarela/postilion/internal/message"
)

// Criteria selects which queued messages an administrative bounce
// applies to. A zero-value field matches anything.
type Criteria struct {
	Queue string
	From  string
	To    string
}

func (c Criteria) matches(queueName string, m *message.Message) bool {
	if c.Queue != "" && c.Queue != queueName {
		return false
	}
	if c.From != "" && c.From != m.From {
		return false
	}
	if c.To == "" {
		return true
	}
	for _, r := range m.Rcpt {
		if r.Address == c.To {
			return true
		}
	}
	return false
}

type bounceEntry struct {
	criteria Criteria
	reason   string
	expires  time.Time
	canceled bool
}

// Table is the in-memory set of active administrative bounces. The zero
// value is not usable; use NewTable.
type Table struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[string]*bounceEntry
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{byID: map[string]*bounceEntry{}}
}

// SetBounce installs a new administrative bounce: any message matching
// criteria will be rejected with reason on its next delivery attempt,
// until duration elapses. It returns an id BounceCancel can use to
// retract it early.
func (t *Table) SetBounce(criteria Criteria, reason string, duration time.Duration) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := fmt.Sprintf("bounce-%d", t.nextID)
	t.byID[id] = &bounceEntry{
		criteria: criteria,
		reason:   reason,
		expires:  time.Now().Add(duration),
	}
	return id
}

// BounceCancel retracts the bounce identified by id. It only prevents
// future matches; a delivery attempt already bounced under this id before
// cancellation is not retried automatically.
func (t *Table) BounceCancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return fmt.Errorf("admin: no such bounce %q", id)
	}
	e.canceled = true
	return nil
}

// Check reports whether m, about to be attempted on queueName, should be
// bounced, and why. It implements queue.BounceChecker without importing
// internal/queue, avoiding an import cycle between the two packages.
func (t *Table) Check(queueName string, m *message.Message) (reason string, bounce bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for _, e := range t.byID {
		if e.canceled || now.After(e.expires) {
			continue
		}
		if e.criteria.matches(queueName, m) {
			return e.reason, true
		}
	}
	return "", false
}
