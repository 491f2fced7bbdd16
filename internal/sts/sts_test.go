package sts

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

func policyJSON(mode, maxAge string, mxs ...string) string {
	mxJSON := ""
	for i, mx := range mxs {
		if i > 0 {
			mxJSON += ", "
		}
		mxJSON += fmt.Sprintf("%q", mx)
	}
	return fmt.Sprintf(
		`{"version": "STSv1", "mode": %q, "mx": [%s], "max_age": %s}`,
		mode, mxJSON, maxAge)
}

func TestParsePolicy(t *testing.T) {
	p, err := parsePolicy([]byte(policyJSON("enforce", "123456", "*.mail.example.com")))
	if err != nil {
		t.Fatalf("failed to parse policy: %v", err)
	}
	if p.MaxAge != 123456*time.Second {
		t.Errorf("MaxAge = %v, expected 123456s", p.MaxAge)
	}
	t.Logf("parsed: %+v", p)
}

func TestCheckPolicy(t *testing.T) {
	validPs := []Policy{
		{Version: "STSv1", Mode: "enforce", MaxAge: 1 * time.Hour,
			MXs: []string{"mx1", "mx2"}},
		{Version: "STSv1", Mode: "report", MaxAge: 1 * time.Hour,
			MXs: []string{"mx1"}},
	}
	for i, p := range validPs {
		if err := p.Check(); err != nil {
			t.Errorf("%d policy %v failed check: %v", i, p, err)
		}
	}

	invalid := []struct {
		p        Policy
		expected error
	}{
		{Policy{Version: "STSv2"}, ErrUnknownVersion},
		{Policy{Version: "STSv1"}, ErrInvalidMaxAge},
		{Policy{Version: "STSv1", MaxAge: 1, Mode: "blah"}, ErrInvalidMode},
		{Policy{Version: "STSv1", MaxAge: 1 * time.Hour, Mode: "none",
			MXs: []string{"mx1"}}, ErrInvalidMode},
		{Policy{Version: "STSv1", MaxAge: 1, Mode: "enforce"}, ErrInvalidMX},
		{Policy{Version: "STSv1", MaxAge: 1, Mode: "enforce", MXs: []string{}},
			ErrInvalidMX},
	}
	for i, c := range invalid {
		if err := c.p.Check(); err != c.expected {
			t.Errorf("%d policy %v check: expected %v, got %v", i, c.p,
				c.expected, err)
		}
	}
}

func TestMatchDomain(t *testing.T) {
	cases := []struct {
		domain, pattern string
		expected        bool
	}{
		{"lalala", "lalala", true},
		{"a.b.", "a.b", true},
		{"a.b", "a.b.", true},
		{"abc.com", "*.com", true},

		{"abc.com", "abc.*.com", false},
		{"abc.com", "x.abc.com", false},
		{"x.abc.com", "*.*.com", false},
		{"abc.def.com", "abc.*.com", false},

		{"ñaca.com", "ñaca.com", true},
		{"Ñaca.com", "ñaca.com", true},
		{"ñaca.com", "Ñaca.com", true},
		{"x.ñaca.com", "x.xn--aca-6ma.com", true},
		{"x.naca.com", "x.xn--aca-6ma.com", false},

		// Examples from the RFC.
		{"mail.example.com", "*.example.com", true},
		{"example.com", "*.example.com", false},
		{"foo.bar.example.com", "*.example.com", false},
	}

	for _, c := range cases {
		if r := matchDomain(c.domain, c.pattern); r != c.expected {
			t.Errorf("matchDomain(%q, %q) = %v, expected %v",
				c.domain, c.pattern, r, c.expected)
		}
	}
}

// setFakeContent installs raw as the HTTPS GET response for domain's
// well-known policy URL, for the lifetime of a test.
func setFakeContent(t *testing.T, domain, raw string) {
	t.Helper()
	url := "https://mta-sts." + domain + "/.well-known/mta-sts.json"
	fakeContent[url] = raw
	t.Cleanup(func() { delete(fakeContent, url) })
}

func TestFetch(t *testing.T) {
	setFakeContent(t, "domain.com",
		policyJSON("enforce", "3600", "*.mail.domain.com"))

	p, err := Fetch(context.Background(), "domain.com")
	if err != nil {
		t.Errorf("failed to fetch policy: %v", err)
	}
	t.Logf("domain.com: %+v", p)

	// version99's policy is syntactically valid JSON but carries an
	// unsupported version, so Check (called by Fetch) must reject it.
	setFakeContent(t, "version99",
		`{"version": "STSv99", "mode": "enforce", "mx": ["mx"], "max_age": 999}`)
	_, err = Fetch(context.Background(), "version99")
	if err != ErrUnknownVersion {
		t.Errorf("expected error %v, got %v", ErrUnknownVersion, err)
	}

	// Domain without any configured policy: httpGet returns an error since
	// fakeContent is non-empty and has no matching entry.
	_, err = Fetch(context.Background(), "unknown")
	if err == nil {
		t.Errorf("fetched unknown policy, expected error")
	}
	t.Logf("unknown: got error as expected: %v", err)
}

// Tests for the policy cache.

func mustTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sts_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestCacheBasics(t *testing.T) {
	dir := mustTempDir(t)
	c, err := NewCache(dir)
	if err != nil {
		t.Fatal(err)
	}

	setFakeContent(t, "domain.com",
		policyJSON("enforce", "3600", "*.mail.domain.com"))

	cacheFetches.Set(0)
	cacheHits.Set(0)

	ctx := context.Background()

	p, err := c.Fetch(ctx, "domain.com")
	if err != nil || p.Check() != nil || p.MXs[0] != "*.mail.domain.com" {
		t.Fatalf("unexpected fetch result - policy = %v ; error = %v", p, err)
	}
	if cacheFetches.Value() != 1 || cacheHits.Value() != 0 {
		t.Errorf("fetches=%d hits=%d, expected 1/0", cacheFetches.Value(), cacheHits.Value())
	}

	// Second fetch: should be a cache hit.
	p, err = c.Fetch(ctx, "domain.com")
	if err != nil || p.MXs[0] != "*.mail.domain.com" {
		t.Fatalf("unexpected fetch result - policy = %v ; error = %v", p, err)
	}
	if cacheFetches.Value() != 2 || cacheHits.Value() != 1 {
		t.Errorf("fetches=%d hits=%d, expected 2/1", cacheFetches.Value(), cacheHits.Value())
	}

	// Back-date the cache entry well past its max_age, forcing a miss.
	stale, err := c.backend.Get(ctx, "domain.com")
	if err != nil {
		t.Fatal(err)
	}
	entry, err := decodeCacheEntry(stale)
	if err != nil {
		t.Fatal(err)
	}
	entry.FetchedAt = time.Now().Add(-2 * time.Hour)
	blob, err := encodeCacheEntry(entry)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.backend.Put(ctx, "domain.com", blob); err != nil {
		t.Fatal(err)
	}

	p, err = c.Fetch(ctx, "domain.com")
	if err != nil || p.MXs[0] != "*.mail.domain.com" {
		t.Fatalf("unexpected fetch result - policy = %v ; error = %v", p, err)
	}
	if cacheFetches.Value() != 3 || cacheHits.Value() != 1 {
		t.Errorf("fetches=%d hits=%d, expected 3/1", cacheFetches.Value(), cacheHits.Value())
	}
}

func TestCacheBadData(t *testing.T) {
	dir := mustTempDir(t)
	c, err := NewCache(dir)
	if err != nil {
		t.Fatal(err)
	}

	setFakeContent(t, "domain.com",
		policyJSON("enforce", "3600", "*.mail.domain.com"))

	ctx := context.Background()

	cacheFetches.Set(0)
	cacheHits.Set(0)

	if _, err := c.Fetch(ctx, "domain.com"); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	// Corrupt the cached entry directly; the next Fetch must fall back to
	// the network instead of returning the bad entry.
	if err := c.backend.Put(ctx, "domain.com", []byte("not a valid cache entry")); err != nil {
		t.Fatal(err)
	}

	p, err := c.Fetch(ctx, "domain.com")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if cacheFetches.Value() != 2 || cacheHits.Value() != 0 {
		t.Errorf("fetches=%d hits=%d, expected 2/0", cacheFetches.Value(), cacheHits.Value())
	}
	t.Logf("recovered: %+v", p)

	// And now the repaired file should be a hit.
	if _, err := c.Fetch(ctx, "domain.com"); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if cacheFetches.Value() != 3 || cacheHits.Value() != 1 {
		t.Errorf("fetches=%d hits=%d, expected 3/1", cacheFetches.Value(), cacheHits.Value())
	}
}

func TestCacheRefresh(t *testing.T) {
	dir := mustTempDir(t)
	c, err := NewCache(dir)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()

	setFakeContent(t, "refresh-test", policyJSON("enforce", "100", "mx"))

	p, err := c.Fetch(ctx, "refresh-test")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if p.MaxAge != 100*time.Second {
		t.Fatalf("policy.MaxAge is %v, expected 100s", p.MaxAge)
	}

	// Change the "published" policy; the cached copy should still win
	// until a refresh happens.
	setFakeContent(t, "refresh-test", policyJSON("enforce", "200", "mx"))

	p, err = c.Fetch(ctx, "refresh-test")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if p.MaxAge != 100*time.Second {
		t.Fatalf("policy.MaxAge is %v, expected 100s (cached)", p.MaxAge)
	}

	c.refresh(ctx)

	p, err = c.Fetch(ctx, "refresh-test")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if p.MaxAge != 200*time.Second {
		t.Fatalf("policy.MaxAge is %v, expected 200s (refreshed)", p.MaxAge)
	}
}
