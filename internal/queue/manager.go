package queue

import (
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

// Manager owns every named Queue, creating them lazily as the
// GetQueueName hook names them, and runs the startup spool recovery
// consumer.
type Manager struct {
	metaBackend spool.Backend
	dataBackend spool.Backend
	courier     courier.Courier
	hooks       *hooks.Table
	disp        *disposition.Logger
	cfgFor      func(name string) QueueConfig
	bounces     BounceChecker

	mu     sync.Mutex
	queues map[string]*Queue
	ctx    context.Context

	wg sync.WaitGroup
}

// NewManager creates a Manager backed by sm's "meta" and "data" named
// spools. cfgFor may be nil, in which case every queue uses
// DefaultQueueConfig.
func NewManager(sm *spool.Manager, c courier.Courier, hk *hooks.Table, disp *disposition.Logger, cfgFor func(string) QueueConfig) (*Manager, error) {
	metaBackend, err := sm.Get("meta")
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	dataBackend, err := sm.Get("data")
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	return &Manager{
		metaBackend: metaBackend,
		dataBackend: dataBackend,
		courier:     c,
		hooks:       hk,
		disp:        disp,
		cfgFor:      cfgFor,
		queues:      map[string]*Queue{},
		ctx:         context.Background(),
	}, nil
}

// SetBounceChecker installs a bounce checker applied to every queue,
// existing and future.
func (mgr *Manager) SetBounceChecker(b BounceChecker) {
	mgr.mu.Lock()
	mgr.bounces = b
	for _, q := range mgr.queues {
		q.SetBounceChecker(b)
	}
	mgr.mu.Unlock()
}

// Start records the context queues should run under. Call before Enqueue
// or Recover.
func (mgr *Manager) Start(ctx context.Context) {
	mgr.mu.Lock()
	mgr.ctx = ctx
	mgr.mu.Unlock()
}

// Wait blocks until every queue's Run goroutine has returned (i.e. after
// the context passed to Start is done).
func (mgr *Manager) Wait() {
	mgr.wg.Wait()
}

func (mgr *Manager) resolve(name string) *Queue {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if q, ok := mgr.queues[name]; ok {
		return q
	}

	cfg := DefaultQueueConfig()
	if mgr.cfgFor != nil {
		cfg = mgr.cfgFor(name)
	}
	q := New(name, cfg, mgr.metaBackend, mgr.dataBackend, mgr.courier, mgr.hooks, mgr.disp)
	q.SetBounceChecker(mgr.bounces)
	mgr.queues[name] = q

	ctx := mgr.ctx
	mgr.wg.Add(1)
	go func() {
		defer mgr.wg.Done()
		q.Run(ctx)
	}()

	return q
}

// Enqueue persists a newly received message to the spool and schedules it
// for immediate delivery, after resolving its queue name via the
// GetQueueName hook.
func (mgr *Manager) Enqueue(ctx context.Context, m *message.Message) error {
	name, err := mgr.hooks.CallGetQueueName(ctx, m)
	if err != nil {
		return fmt.Errorf("queue: resolving queue name: %w", err)
	}

	meta, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("queue: encoding message: %w", err)
	}
	if err := mgr.metaBackend.Put(ctx, m.SpoolId, meta); err != nil {
		return fmt.Errorf("queue: persisting meta: %w", err)
	}
	if err := mgr.dataBackend.Put(ctx, m.SpoolId, m.Data); err != nil {
		return fmt.Errorf("queue: persisting data: %w", err)
	}

	mgr.disp.Log(disposition.Record{
		Type: disposition.Reception, SpoolId: m.SpoolId, From: m.From,
		Queue: name, RemoteAddr: m.RemoteAddr,
	})

	mgr.resolve(name).Insert(m)
	return nil
}

// Recover implements the spool recovery consumer: it walks every entry the
// spool enumerates, reconstructs the message, consults the
// SpoolMessageEnumerated and GetQueueName hooks, infers an attempt count
// from the message's age, and either requeues it at its recomputed delay
// or expires it.
func (mgr *Manager) Recover(ctx context.Context) error {
	ch, err := mgr.metaBackend.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("queue: starting spool enumeration: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-ch:
			if !ok {
				return nil
			}
			mgr.recoverOne(ctx, res)
		}
	}
}

// removeFromSpool removes id from both the meta and data backends,
// independently and best-effort, mirroring Queue.removeFromSpool: a
// message recovered corrupt or rejected still needs cleaning out of
// whichever named spool actually has leftover bytes for it.
func (mgr *Manager) removeFromSpool(ctx context.Context, id string) {
	if err := mgr.metaBackend.Remove(ctx, id); err != nil {
		log.Errorf("queue: failed to remove %s from meta spool: %v", id, err)
	}
	if err := mgr.dataBackend.Remove(ctx, id); err != nil {
		log.Errorf("queue: failed to remove %s from data spool: %v", id, err)
	}
}

func (mgr *Manager) recoverOne(ctx context.Context, res spool.EnumResult) {
	if res.Corrupt != nil {
		log.Errorf("queue: corrupt spool entry %s: %v", res.Corrupt.Id, res.Corrupt.Err)
		mgr.removeFromSpool(ctx, res.Corrupt.Id)
		metrics.SpoolRecoveredTotal.WithLabelValues("corrupt").Inc()
		return
	}

	m, err := message.Unmarshal(res.Item.Blob)
	if err != nil {
		log.Errorf("queue: failed to decode recovered message %s: %v", res.Item.Id, err)
		mgr.removeFromSpool(ctx, res.Item.Id)
		metrics.SpoolRecoveredTotal.WithLabelValues("corrupt").Inc()
		return
	}

	data, err := mgr.dataBackend.Get(ctx, m.SpoolId)
	if err != nil {
		log.Errorf("queue: failed to fetch data for recovered message %s: %v", m.SpoolId, err)
		mgr.removeFromSpool(ctx, m.SpoolId)
		metrics.SpoolRecoveredTotal.WithLabelValues("corrupt").Inc()
		return
	}
	m.Data = data

	if err := mgr.hooks.CallSpoolMessageEnumerated(ctx, m); err != nil {
		log.Errorf("queue: spool message enumerated hook rejected %s: %v", m.SpoolId, err)
		mgr.removeFromSpool(ctx, m.SpoolId)
		metrics.SpoolRecoveredTotal.WithLabelValues("rejected").Inc()
		return
	}

	name, err := mgr.hooks.CallGetQueueName(ctx, m)
	if err != nil {
		log.Errorf("queue: failed to resolve queue for recovered message %s: %v", m.SpoolId, err)
		mgr.removeFromSpool(ctx, m.SpoolId)
		metrics.SpoolRecoveredTotal.WithLabelValues("corrupt").Inc()
		return
	}

	q := mgr.resolve(name)

	age := m.Age(time.Now())
	m.NumAttempts = InferNumAttempts(age)

	delay, ok := q.cfg.ComputeDelayBasedOnAge(m.NumAttempts, age)
	if !ok {
		mgr.disp.Log(disposition.Record{
			Type: disposition.Expiration, SpoolId: m.SpoolId, From: m.From,
			Queue: name, Code: 551, EnhancedCode: "5.4.7",
		})
		mgr.removeFromSpool(ctx, m.SpoolId)
		metrics.SpoolRecoveredTotal.WithLabelValues("expired").Inc()
		return
	}
	m.DelayBy(time.Now(), delay)

	q.Insert(m)
	metrics.SpoolRecoveredTotal.WithLabelValues("requeued").Inc()
}
