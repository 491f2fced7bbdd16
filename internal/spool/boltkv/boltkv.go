// Package boltkv implements spool.Backend on top of an embedded bbolt
// key/value database: one bucket, one key per message id, one blob per
// value. Like internal/spool/localdisk, an instance stores exactly one
// named spool -- a meta spool and a data spool are two separate boltkv.
// Spool instances (typically two separate database files), not two
// values packed into one.
//
// The "one bucket, load-and-cache" shape of this backend is modeled on
// chasquid's internal/domaininfo, which keeps a protobuf-backed on-disk
// store and reloads it wholesale into an in-memory map; here that same
// load-on-start idiom is generalized into the spool.Backend.Enumerate
// streaming protocol instead of a one-shot Reload method, so recovery can
// happen incrementally rather than requiring the whole spool to fit in
// memory at once.
package boltkv

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/ivarela/postilion/internal/spool"
)

var bucketName = []byte("spool")

// Spool is a bbolt-backed spool.Backend, storing one blob per id.
type Spool struct {
	db *bolt.DB
}

// New opens (creating if needed) a bbolt database at path. Flush controls
// whether bolt fsyncs every commit (NoSync=false, the durable default) or
// batches commits for throughput at the cost of a crash-window of lost
// writes (NoSync=true).
func New(path string, flush bool) (*Spool, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltkv: open: %w", err)
	}
	db.NoSync = !flush

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltkv: init bucket: %w", err)
	}
	return &Spool{db: db}, nil
}

func (s *Spool) Put(ctx context.Context, id string, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(id), blob)
	})
}

func (s *Spool) Get(ctx context.Context, id string) ([]byte, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(id))
		if v == nil {
			return spool.ErrNotFound
		}
		blob = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (s *Spool) Remove(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(id))
	})
}

func (s *Spool) Enumerate(ctx context.Context) (<-chan spool.EnumResult, error) {
	ch := make(chan spool.EnumResult, 32)
	go func() {
		defer close(ch)
		err := s.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketName)
			return b.ForEach(func(k, v []byte) error {
				res := spool.EnumResult{
					Item: spool.Item{
						Id:   string(k),
						Blob: append([]byte(nil), v...),
					},
				}
				select {
				case ch <- res:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		})
		if err != nil && err != context.Canceled {
			// ForEach holds a read transaction open for the duration of
			// the walk; a View error here means the transaction itself
			// failed, not an individual entry, so there's nothing more
			// useful to report than stopping the enumeration.
			return
		}
	}()
	return ch, nil
}

func (s *Spool) Close() error { return s.db.Close() }
