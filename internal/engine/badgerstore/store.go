// Package badgerstore implements the disk-backed store variant on BadgerDB.
// It carries a space budget: once the on-disk footprint crosses the budget
// the rebalancer stops accepting entries instead of filling the volume.
package badgerstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/akuznetsov-gridgain/ignite/internal/engine"
	gerrors "github.com/akuznetsov-gridgain/ignite/pkg/errors"
)

// Config configures the disk store.
type Config struct {
	// Path is the Badger directory.
	Path string
	// PartitionOf maps a key to its partition id. Required.
	PartitionOf func(key string) int
	// SpaceBudget caps the on-disk footprint in bytes; 0 disables the
	// budget.
	SpaceBudget int64
	// Touch, if set, is called when rebalancing installs an entry.
	Touch engine.TouchFunc
}

// Store is the Badger-backed engine.Store implementation.
type Store struct {
	db          *badger.DB
	partitionOf func(string) int
	budget      int64
	touch       engine.TouchFunc

	ver      atomic.Uint64
	exceeded atomic.Bool
}

// NewStore opens (or creates) the Badger directory.
func NewStore(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", cfg.Path, err)
	}
	return &Store{
		db:          db,
		partitionOf: cfg.PartitionOf,
		budget:      cfg.SpaceBudget,
		touch:       cfg.Touch,
	}, nil
}

// diskKey prefixes the user key with its big-endian partition id so a
// partition is a contiguous key range.
func (s *Store) diskKey(key string) []byte {
	return partKey(s.partitionOf(key), key)
}

func partKey(part int, key string) []byte {
	buf := make([]byte, 4+len(key))
	binary.BigEndian.PutUint32(buf, uint32(part))
	copy(buf[4:], key)
	return buf
}

func partPrefix(part int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(part))
	return buf
}

func encodeEntry(e *engine.Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (*engine.Entry, error) {
	var e engine.Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// BudgetExceeded implements engine.Budgeted.
func (s *Store) BudgetExceeded() bool {
	if s.budget <= 0 {
		return false
	}
	if s.exceeded.Load() {
		return true
	}
	lsm, vlog := s.db.Size()
	if lsm+vlog > s.budget {
		s.exceeded.Store(true)
		return true
	}
	return false
}

// Get implements engine.Store.
func (s *Store) Get(key string) (*engine.Entry, bool) {
	var e *engine.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.diskKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var derr error
			e, derr = decodeEntry(val)
			return derr
		})
	})
	if err != nil || e == nil || e.Expired() {
		return nil, false
	}
	return e, true
}

// Put implements engine.Store.
func (s *Store) Put(e *engine.Entry) (*engine.Entry, error) {
	if e.Version == 0 {
		e.Version = s.ver.Add(1)
	} else {
		s.observeVersion(e.Version)
	}
	data, err := encodeEntry(e)
	if err != nil {
		return nil, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		ent := badger.NewEntry(s.diskKey(e.Key), data)
		if e.TTL > 0 {
			ent = ent.WithTTL(e.TTL)
		}
		return txn.SetEntry(ent)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// InitialValue implements engine.Store. Returns ErrSpaceExceeded once the
// space budget is exhausted; the caller marks the entry obsolete instead of
// storing it.
func (s *Store) InitialValue(e *engine.Entry) (bool, error) {
	if s.BudgetExceeded() {
		return false, gerrors.ErrSpaceExceeded
	}
	s.observeVersion(e.Version)

	installed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		dk := s.diskKey(e.Key)
		item, err := txn.Get(dk)
		if err == nil {
			var cur *engine.Entry
			verr := item.Value(func(val []byte) error {
				var derr error
				cur, derr = decodeEntry(val)
				return derr
			})
			if verr == nil && cur != nil && !cur.Expired() && cur.Version >= e.Version {
				return nil
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := encodeEntry(e)
		if err != nil {
			return err
		}
		ent := badger.NewEntry(dk, data)
		if e.TTL > 0 {
			ent = ent.WithTTL(e.TTL)
		}
		if err := txn.SetEntry(ent); err != nil {
			return err
		}
		installed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if installed && s.touch != nil {
		s.touch(e.Key)
	}
	return installed, nil
}

// Delete implements engine.Store.
func (s *Store) Delete(key string) bool {
	existed := false
	s.db.Update(func(txn *badger.Txn) error {
		dk := s.diskKey(key)
		if _, err := txn.Get(dk); err == nil {
			existed = true
			return txn.Delete(dk)
		}
		return nil
	})
	return existed
}

// PartitionKeys implements engine.Store.
func (s *Store) PartitionKeys(part int) []string {
	var keys []string
	s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = partPrefix(part)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			keys = append(keys, string(k[4:]))
		}
		return nil
	})
	return keys
}

// PartitionSize implements engine.Store.
func (s *Store) PartitionSize(part int) int {
	return len(s.PartitionKeys(part))
}

// ClearPartition implements engine.Store.
func (s *Store) ClearPartition(part int) int {
	keys := s.PartitionKeys(part)
	cnt := 0
	for _, key := range keys {
		if s.Delete(key) {
			cnt++
		}
	}
	return cnt
}

// Len implements engine.Store.
func (s *Store) Len() int {
	cnt := 0
	s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			cnt++
		}
		return nil
	})
	return cnt
}

// Close implements engine.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) observeVersion(v uint64) {
	for {
		cur := s.ver.Load()
		if v <= cur || s.ver.CompareAndSwap(cur, v) {
			return
		}
	}
}
