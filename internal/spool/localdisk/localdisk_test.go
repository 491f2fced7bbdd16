package localdisk

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/ivarela/postilion/internal/spool"
	"github.com/ivarela/postilion/internal/testlib"
)

func TestPutGetRemove(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	id := uuid.NewString()
	if err := s.Put(ctx, id, []byte("blob")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	blob, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(blob) != "blob" {
		t.Errorf("Get returned %q", blob)
	}

	if err := s.Remove(ctx, id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get(ctx, id); err != spool.ErrNotFound {
		t.Errorf("Get after Remove = %v, want ErrNotFound", err)
	}

	// Removing an already-absent id must not fail.
	if err := s.Remove(ctx, id); err != nil {
		t.Errorf("Remove of absent id: %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Get(context.Background(), uuid.NewString()); err != spool.ErrNotFound {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestEnumerate(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	ids := map[string]bool{}
	for i := 0; i < 5; i++ {
		id := uuid.NewString()
		ids[id] = true
		if err := s.Put(ctx, id, []byte("b"+id)); err != nil {
			t.Fatal(err)
		}
	}

	ch, err := s.Enumerate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for res := range ch {
		if res.Corrupt != nil {
			t.Errorf("unexpected corrupt entry: %v", res.Corrupt.Err)
			continue
		}
		got[res.Item.Id] = true
		if string(res.Item.Blob) != "b"+res.Item.Id {
			t.Errorf("blob mismatch for %s", res.Item.Id)
		}
	}
	if diff := cmp.Diff(ids, got); diff != "" {
		t.Errorf("enumerated ids mismatch (-want +got):\n%s", diff)
	}
}
