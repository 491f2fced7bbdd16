package disposition

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ivarela/postilion/internal/hooks"
)

func TestLogWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, nil)
	l.Log(Record{SpoolId: "abc", Type: Delivered, From: "a@b.com", To: "c@d.com"})

	line := buf.String()
	// Strip the timestamp prefix ("2006-01-02 15:04:05.000000  ").
	idx := strings.Index(line, "{")
	if idx < 0 {
		t.Fatalf("no JSON object found in output: %q", line)
	}
	var rec Record
	if err := json.Unmarshal([]byte(line[idx:]), &rec); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if rec.SpoolId != "abc" || rec.Type != Delivered {
		t.Errorf("got %+v", rec)
	}
}

func TestLogRespectsShouldEnqueueHook(t *testing.T) {
	var buf bytes.Buffer
	var tbl hooks.Table
	tbl.RegisterShouldEnqueueLogRecord(func(rec hooks.LogRecordSummary) bool {
		return rec.DispositionType != string(Attempt)
	})

	l := New(&buf, &tbl)
	l.Log(Record{SpoolId: "1", Type: Attempt})
	if buf.Len() != 0 {
		t.Errorf("expected attempt record to be suppressed, got %q", buf.String())
	}

	l.Log(Record{SpoolId: "2", Type: Delivered})
	if buf.Len() == 0 {
		t.Error("expected delivered record to be written")
	}
}
