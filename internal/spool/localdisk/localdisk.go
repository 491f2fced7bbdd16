// Package localdisk implements spool.Backend on top of the local
// filesystem, using a two-level hex-shard directory layout so that no
// single directory ends up with an unmanageable number of entries. Each
// instance stores exactly one blob per id; a meta spool and a data spool
// are two separate localdisk.Spool instances rooted at different
// directories, not two files side by side in one.
//
// Writes go through internal/safeio.WriteFileSync, so a Put that returns
// nil has been fsynced to disk before the file was renamed into place:
// the rename is the commit point, and it is atomic on the same
// filesystem.
package localdisk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ivarela/postilion/internal/safeio"
	"github.com/ivarela/postilion/internal/spool"
)

// Spool is a local-disk backed spool.Backend, storing one blob per id.
type Spool struct {
	root string
}

// New returns a Spool rooted at dir, creating it if necessary.
func New(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Spool{root: dir}, nil
}

// shard returns the <root>/<hh>/<hh>/<id> path for an id, using its first
// four hex characters as a two-level shard prefix. UUIDs are already
// uniformly distributed hex, so this spreads entries evenly without any
// extra bookkeeping.
func (s *Spool) shard(id string) string {
	if len(id) < 4 {
		return filepath.Join(s.root, "short", id)
	}
	return filepath.Join(s.root, id[0:2], id[2:4], id)
}

func (s *Spool) path(id string) string { return s.shard(id) + ".blob" }

func (s *Spool) Put(ctx context.Context, id string, blob []byte) error {
	dir := filepath.Dir(s.shard(id))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := safeio.WriteFileSync(s.path(id), blob, 0600); err != nil {
		return fmt.Errorf("localdisk: writing %s: %w", id, err)
	}
	return nil
}

func (s *Spool) Get(ctx context.Context, id string) ([]byte, error) {
	blob, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, spool.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return blob, nil
}

func (s *Spool) Remove(ctx context.Context, id string) error {
	os.Remove(s.path(id))
	return nil
}

func (s *Spool) Enumerate(ctx context.Context) (<-chan spool.EnumResult, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "*", "*", "*.blob"))
	if err != nil {
		return nil, err
	}
	shortMatches, err := filepath.Glob(filepath.Join(s.root, "short", "*.blob"))
	if err != nil {
		return nil, err
	}
	matches = append(matches, shortMatches...)

	ch := make(chan spool.EnumResult, 32)
	go func() {
		defer close(ch)
		for _, blobFile := range matches {
			id := filepath.Base(blobFile[:len(blobFile)-len(".blob")])

			blob, err := os.ReadFile(blobFile)
			if err != nil {
				select {
				case ch <- spool.EnumResult{Corrupt: &spool.Corrupt{Id: id, Err: err}}:
				case <-ctx.Done():
					return
				}
				continue
			}

			select {
			case ch <- spool.EnumResult{Item: spool.Item{Id: id, Blob: blob}}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s *Spool) Close() error { return nil }
