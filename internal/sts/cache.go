package sts

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ivarela/postilion/internal/spool"
	"github.com/ivarela/postilion/internal/spool/localdisk"
)

// Cache hit/miss counters, exported for observability and used directly by
// tests.
var (
	cacheFetches = expvar.NewInt("postilion/sts/cacheFetches")
	cacheHits    = expvar.NewInt("postilion/sts/cacheHits")
)

const (
	cacheMagic   = "STC1"
	cacheVersion = 1
)

// cacheEntry is what actually gets stored per domain: the policy plus the
// time it was fetched, since freshness is judged against FetchedAt+MaxAge
// rather than a file's mtime once storage is a spool.Backend blob instead
// of a plain file.
type cacheEntry struct {
	FetchedAt time.Time `cbor:"fetched_at"`
	Policy    Policy    `cbor:"policy"`
}

func encodeCacheEntry(e cacheEntry) ([]byte, error) {
	body, err := cbor.Marshal(e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 5+len(body))
	out = append(out, cacheMagic...)
	out = append(out, byte(cacheVersion))
	out = append(out, body...)
	return out, nil
}

func decodeCacheEntry(blob []byte) (cacheEntry, error) {
	if len(blob) < 5 || string(blob[:4]) != cacheMagic {
		return cacheEntry{}, fmt.Errorf("sts: cache entry: bad magic")
	}
	if blob[4] != cacheVersion {
		return cacheEntry{}, fmt.Errorf("sts: cache entry: unsupported version %d", blob[4])
	}
	var e cacheEntry
	if err := cbor.Unmarshal(blob[5:], &e); err != nil {
		return cacheEntry{}, err
	}
	return e, nil
}

// PolicyCache is a cache of MTA-STS policies, one CBOR-encoded entry per
// domain, stored on a spool.Backend (the same durable-blob-store contract
// internal/spool uses for queued messages). A cached policy is considered
// fresh for as long as its own MaxAge says, counted from FetchedAt.
type PolicyCache struct {
	mu      sync.Mutex
	backend spool.Backend
}

// NewCache returns a PolicyCache backed by a localdisk.Spool rooted at
// dir, creating it if needed.
func NewCache(dir string) (*PolicyCache, error) {
	backend, err := localdisk.New(dir)
	if err != nil {
		return nil, err
	}
	return &PolicyCache{backend: backend}, nil
}

// Fetch returns the policy for domain, from cache if still fresh,
// otherwise fetching it over the network and refreshing the cache entry.
func (c *PolicyCache) Fetch(ctx context.Context, domain string) (*Policy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cacheFetches.Add(1)

	if p, ok := c.readFresh(ctx, domain); ok {
		cacheHits.Add(1)
		return p, nil
	}

	p, err := Fetch(ctx, domain)
	if err != nil {
		return nil, err
	}

	c.write(ctx, domain, p)
	return p, nil
}

// readFresh returns the cached policy for domain, if an entry exists,
// decodes and checks out, and is younger than its own MaxAge.
func (c *PolicyCache) readFresh(ctx context.Context, domain string) (*Policy, bool) {
	blob, err := c.backend.Get(ctx, domain)
	if err != nil {
		return nil, false
	}

	e, err := decodeCacheEntry(blob)
	if err != nil {
		return nil, false
	}
	p := e.Policy
	if err := p.Check(); err != nil {
		return nil, false
	}
	if time.Since(e.FetchedAt) >= p.MaxAge {
		return nil, false
	}

	return &p, true
}

func (c *PolicyCache) write(ctx context.Context, domain string, p *Policy) {
	blob, err := encodeCacheEntry(cacheEntry{FetchedAt: time.Now(), Policy: *p})
	if err != nil {
		return
	}
	_ = c.backend.Put(ctx, domain, blob)
}

// refresh re-fetches every domain currently cached, regardless of
// freshness, so long-lived policies stay current without waiting for a
// delivery attempt to notice they expired.
func (c *PolicyCache) refresh(ctx context.Context) {
	ch, err := c.backend.Enumerate(ctx)
	if err != nil {
		return
	}

	for res := range ch {
		if res.Corrupt != nil {
			continue
		}
		domain := res.Item.Id
		p, err := Fetch(ctx, domain)
		if err != nil {
			continue
		}
		c.mu.Lock()
		c.write(ctx, domain, p)
		c.mu.Unlock()
	}
}

// PeriodicallyRefresh calls refresh once a day until ctx is done. Intended
// to run in its own goroutine for the lifetime of the process.
func (c *PolicyCache) PeriodicallyRefresh(ctx context.Context) {
	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.refresh(ctx)
		}
	}
}
