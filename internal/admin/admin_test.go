package admin

import (
	"testing"
	"time"

	"github.com/ivarela/postilion/internal/message"
)

func TestSetBounceMatchesAndExpires(t *testing.T) {
	tbl := NewTable()
	m := message.New("from@example.com", []string{"to@example.org"}, []byte("hi"))

	if _, bounce := tbl.Check("example.org", m); bounce {
		t.Fatal("message bounced before any SetBounce call")
	}

	id := tbl.SetBounce(Criteria{To: "to@example.org"}, "administratively bounced", time.Hour)

	reason, bounce := tbl.Check("example.org", m)
	if !bounce || reason != "administratively bounced" {
		t.Fatalf("Check = %q, %v, want bounce for matching recipient", reason, bounce)
	}

	if err := tbl.BounceCancel(id); err != nil {
		t.Fatalf("BounceCancel: %v", err)
	}
	if _, bounce := tbl.Check("example.org", m); bounce {
		t.Fatal("message still bounced after BounceCancel")
	}
}

func TestSetBounceCriteriaIsolation(t *testing.T) {
	tbl := NewTable()
	m := message.New("from@example.com", []string{"to@example.org"}, []byte("hi"))

	tbl.SetBounce(Criteria{To: "someone-else@example.org"}, "nope", time.Hour)

	if _, bounce := tbl.Check("example.org", m); bounce {
		t.Fatal("message bounced under a criteria that doesn't match its recipients")
	}
}

func TestBounceCancelUnknownID(t *testing.T) {
	tbl := NewTable()
	if err := tbl.BounceCancel("bounce-404"); err == nil {
		t.Fatal("expected error cancelling an unknown bounce id")
	}
}
