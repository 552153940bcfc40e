package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v3"
)

// WarmTier is the on-disk tier, backed by badger. Entries carry a native
// TTL so expiry needs no sweeper of ours.
type WarmTier struct {
	db *badger.DB
}

// NewWarmTier opens the badger store at dir. An empty dir opens an
// in-memory database, which is what tests use.
func NewWarmTier(dir string) (*WarmTier, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open warm tier: %w", err)
	}
	return &WarmTier{db: db}, nil
}

func (w *WarmTier) Name() string { return "warm" }

func (w *WarmTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	var raw []byte
	err := w.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("warm get %s: %w", key, err)
	}
	return raw, true, nil
}

func (w *WarmTier) Set(_ context.Context, key string, raw []byte, ttl time.Duration) error {
	err := w.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), raw)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("warm set %s: %w", key, err)
	}
	return nil
}

func (w *WarmTier) Delete(_ context.Context, key string) error {
	err := w.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("warm delete %s: %w", key, err)
	}
	return nil
}

func (w *WarmTier) Close() error { return w.db.Close() }
