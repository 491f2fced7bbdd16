package queue

import (
	"context"
	"sync"

	"github.com/ivarela/postilion/internal/spool"
)

// memSpool is a minimal in-memory spool.Backend, for tests that don't
// need to exercise an actual storage backend.
type memSpool struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemSpool() *memSpool {
	return &memSpool{entries: map[string][]byte{}}
}

func (s *memSpool) Put(ctx context.Context, id string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = blob
	return nil
}

func (s *memSpool) Get(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, spool.ErrNotFound
	}
	return e, nil
}

func (s *memSpool) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *memSpool) Enumerate(ctx context.Context) (<-chan spool.EnumResult, error) {
	s.mu.Lock()
	snapshot := make(map[string][]byte, len(s.entries))
	for k, v := range s.entries {
		snapshot[k] = v
	}
	s.mu.Unlock()

	ch := make(chan spool.EnumResult, 32)
	go func() {
		defer close(ch)
		for id, blob := range snapshot {
			select {
			case ch <- spool.EnumResult{Item: spool.Item{Id: id, Blob: blob}}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s *memSpool) Close() error { return nil }

var _ spool.Backend = (*memSpool)(nil)

// newMemSpoolManager returns a *spool.Manager backed by two independent
// memSpool instances registered as "meta" and "data", for tests that
// construct a queue.Manager.
func newMemSpoolManager() (sm *spool.Manager, meta, data *memSpool) {
	meta = newMemSpool()
	data = newMemSpool()
	sm = spool.NewManager()
	sm.Register("meta", meta)
	sm.Register("data", data)
	return sm, meta, data
}
