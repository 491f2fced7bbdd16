package message

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	m := New("alice@example.com", []string{"bob@example.org"}, []byte("hello"))
	m.EgressPool = "pool-1"

	blob, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := Unmarshal(blob)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	// Data travels alongside the metadata blob via the spool backend, not
	// inside it; callers reattach it after Unmarshal.
	got.Data = m.Data

	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalRejectsBadMagic(t *testing.T) {
	if _, err := Unmarshal([]byte("XXXX\x01rest")); err != errBadMagic {
		t.Errorf("got %v, want errBadMagic", err)
	}
}

func TestUnmarshalRejectsTooShort(t *testing.T) {
	if _, err := Unmarshal([]byte("PS")); err != errTooShort {
		t.Errorf("got %v, want errTooShort", err)
	}
}

func TestUnmarshalRejectsBadVersion(t *testing.T) {
	blob := []byte("PSM1\x09rest")
	if _, err := Unmarshal(blob); err != errBadVersion {
		t.Errorf("got %v, want errBadVersion", err)
	}
}

func TestPending(t *testing.T) {
	m := New("a@b.com", []string{"c@d.com", "e@f.com"}, nil)
	if !m.Pending() {
		t.Error("new message should be pending")
	}
	m.Rcpt[0].Status = RecipientSent
	if !m.Pending() {
		t.Error("message with one pending recipient should be pending")
	}
	m.Rcpt[1].Status = RecipientFailed
	if m.Pending() {
		t.Error("message with no pending recipients should not be pending")
	}
}

func TestDelayBy(t *testing.T) {
	m := New("a@b.com", []string{"c@d.com"}, nil)
	now := time.Now().UTC()
	m.DelayBy(now, 5*time.Minute)
	want := now.Add(5 * time.Minute)
	if !m.NextDue.Equal(want) {
		t.Errorf("NextDue = %v, want %v", m.NextDue, want)
	}
}
