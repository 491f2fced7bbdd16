// Package queue implements the per-destination named queue: a scheduled-
// future set ordered by next_due, promoted into delivery attempts by a
// bounded worker pool, backed by a spool.Backend for durability.
//
// This replaces the teacher's flat single-directory queue (one Item per
// envelope, one goroutine per item doing its own sleep/retry loop) with
// the named-queue model: a Manager holds one Queue per queue name, each
// Queue holding a container/heap-ordered scheduled-future structure
// promoted by a single timer, grounded on an existing Rust MTA
// implementation's scheduler shape referenced in the design notes this
// core was distilled from.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/ivarela/postilion/internal/courier"
	"github.com/ivarela/postilion/internal/disposition"
	"github.com/ivarela/postilion/internal/hooks"
	"github.com/ivarela/postilion/internal/message"
	"github.com/ivarela/postilion/internal/metrics"
	"github.com/ivarela/postilion/internal/spool"
)

// BounceChecker is consulted before every delivery attempt, so an
// administrative bounce set via internal/admin takes effect on the next
// attempt rather than requiring a restart. A nil checker accepts
// everything.
type BounceChecker interface {
	Check(queueName string, m *message.Message) (reason string, bounce bool)
}

// Queue holds every message scheduled for one destination (as named by
// the GetQueueName hook), ordered by next_due.
type Queue struct {
	name        string
	cfg         QueueConfig
	metaBackend spool.Backend
	dataBackend spool.Backend
	courier     courier.Courier
	hooks       *hooks.Table
	disp        *disposition.Logger
	bounces     BounceChecker

	mu   sync.Mutex
	heap scheduledHeap
	byID map[string]*Item

	wake chan struct{}
	sem  chan struct{}
}

// New creates an empty Queue. Run must be called (typically by a Manager)
// to start promoting due messages. metaBackend and dataBackend are the
// named spool.Backend instances ("meta" and "data") a message's encoded
// metadata and raw body are persisted to -- independently, since either
// may be a different kind of store.
func New(name string, cfg QueueConfig, metaBackend, dataBackend spool.Backend, c courier.Courier, hk *hooks.Table, disp *disposition.Logger) *Queue {
	maxConcurrent := cfg.MaxConcurrentAttempts
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{
		name:        name,
		cfg:         cfg,
		metaBackend: metaBackend,
		dataBackend: dataBackend,
		courier:     c,
		hooks:       hk,
		disp:        disp,
		byID:        map[string]*Item{},
		wake:        make(chan struct{}, 1),
		sem:         make(chan struct{}, maxConcurrent),
	}
}

// SetBounceChecker installs a bounce checker, consulted before each
// delivery attempt. Safe to call before Run starts.
func (q *Queue) SetBounceChecker(b BounceChecker) {
	q.mu.Lock()
	q.bounces = b
	q.mu.Unlock()
}

// Insert places m in the scheduled-future set, keyed on its current
// NextDue.
func (q *Queue) Insert(m *message.Message) {
	q.mu.Lock()
	it := &Item{Msg: m}
	heap.Push(&q.heap, it)
	q.byID[m.SpoolId] = it
	depth := len(q.heap)
	q.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(depth))

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of messages currently held (scheduled or
// in-flight was already removed from the heap, so this undercounts
// in-flight attempts by design).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Run drives the promotion loop until ctx is done. It is meant to be
// launched in its own goroutine, one per Queue.
func (q *Queue) Run(ctx context.Context) {
	for {
		wait := q.nextWait()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}

		q.promoteDue(ctx)
	}
}

func (q *Queue) nextWait() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return time.Hour
	}
	d := time.Until(q.heap[0].Msg.NextDue)
	if d < 0 {
		return 0
	}
	return d
}

// promoteDue pops every message whose NextDue has elapsed and hands it to
// a worker, blocking when the per-queue concurrency cap is reached.
func (q *Queue) promoteDue(ctx context.Context) {
	now := time.Now()
	for {
		q.mu.Lock()
		if len(q.heap) == 0 || q.heap[0].Msg.NextDue.After(now) {
			q.mu.Unlock()
			return
		}
		it := heap.Pop(&q.heap).(*Item)
		delete(q.byID, it.Msg.SpoolId)
		depth := len(q.heap)
		q.mu.Unlock()

		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(depth))

		select {
		case q.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		go func(it *Item) {
			defer func() { <-q.sem }()
			q.attempt(ctx, it)
		}(it)
	}
}

// attempt delivers to every still-pending recipient, persists the updated
// state, and either removes the message (all recipients settled, or
// bounced, or expired) or reinserts it at its new NextDue.
func (q *Queue) attempt(ctx context.Context, it *Item) {
	m := it.Msg

	q.mu.Lock()
	bounces := q.bounces
	q.mu.Unlock()

	if bounces != nil {
		if reason, bounce := bounces.Check(q.name, m); bounce {
			q.logAdminBounce(m, reason)
			q.removeFromSpool(ctx, m.SpoolId)
			return
		}
	}

	for i := range m.Rcpt {
		r := &m.Rcpt[i]
		if r.Status != message.RecipientPending {
			continue
		}

		err, permanent := q.courier.Deliver(ctx, m.From, r.Address, m.Data)
		now := time.Now().UTC()
		r.LastAttempt = &now
		r.NumAttempts++

		switch {
		case err == nil:
			r.Status = message.RecipientSent
			metrics.DeliveryAttemptsTotal.WithLabelValues(q.name, "delivered").Inc()
			q.disp.Log(disposition.Record{
				Type: disposition.Delivered, SpoolId: m.SpoolId, From: m.From,
				To: r.Address, Queue: q.name, EgressPool: q.cfg.EgressPool,
				EgressSource: q.cfg.EgressSource, NumAttempts: r.NumAttempts,
			})
		case permanent:
			r.Status = message.RecipientFailed
			r.LastError = err.Error()
			metrics.DeliveryAttemptsTotal.WithLabelValues(q.name, "hard_fail").Inc()
			q.disp.Log(disposition.Record{
				Type: disposition.Bounced, SpoolId: m.SpoolId, From: m.From,
				To: r.Address, Queue: q.name, Content: err.Error(),
				NumAttempts: r.NumAttempts, Permanent: true,
			})
		default:
			r.LastError = err.Error()
			metrics.DeliveryAttemptsTotal.WithLabelValues(q.name, "soft_fail").Inc()
			q.disp.Log(disposition.Record{
				Type: disposition.Attempt, SpoolId: m.SpoolId, From: m.From,
				To: r.Address, Queue: q.name, Content: err.Error(),
				NumAttempts: r.NumAttempts,
			})
		}
	}

	if !m.Pending() {
		q.removeFromSpool(ctx, m.SpoolId)
		return
	}

	m.NumAttempts++
	age := m.Age(time.Now())
	delay, ok := q.cfg.ComputeDelayBasedOnAge(m.NumAttempts, age)
	if !ok {
		q.disp.Log(disposition.Record{
			Type: disposition.Expiration, SpoolId: m.SpoolId, From: m.From,
			Queue: q.name, Code: 551, EnhancedCode: "5.4.7",
		})
		q.removeFromSpool(ctx, m.SpoolId)
		return
	}
	m.DelayBy(time.Now(), delay)

	if err := q.persist(ctx, m); err != nil {
		log.Errorf("queue %s: failed to persist %s: %v", q.name, m.SpoolId, err)
	}
	q.Insert(m)
}

// logAdminBounce records a bounce forced by an administrative rule
// (internal/admin), as distinct from a bounce produced by an ordinary
// delivery attempt failing permanently.
func (q *Queue) logAdminBounce(m *message.Message, reason string) {
	q.disp.Log(disposition.Record{
		Type: disposition.AdminBounce, SpoolId: m.SpoolId, From: m.From,
		Queue: q.name, Content: reason, Permanent: true,
	})
}

func (q *Queue) persist(ctx context.Context, m *message.Message) error {
	meta, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("queue: encoding message: %w", err)
	}
	if err := q.metaBackend.Put(ctx, m.SpoolId, meta); err != nil {
		return fmt.Errorf("queue: persisting meta: %w", err)
	}
	if err := q.dataBackend.Put(ctx, m.SpoolId, m.Data); err != nil {
		return fmt.Errorf("queue: persisting data: %w", err)
	}
	return nil
}

// removeFromSpool removes id from both the meta and data backends,
// independently and best-effort: either one failing does not stop the
// other from being attempted, and neither failure is treated as fatal by
// the caller, matching the "remove from every named spool, log don't
// fail" semantics recovery depends on.
func (q *Queue) removeFromSpool(ctx context.Context, id string) {
	if err := q.metaBackend.Remove(ctx, id); err != nil {
		log.Errorf("queue %s: failed to remove %s from meta spool: %v", q.name, id, err)
	}
	if err := q.dataBackend.Remove(ctx, id); err != nil {
		log.Errorf("queue %s: failed to remove %s from data spool: %v", q.name, id, err)
	}
}
