// Package memory implements the in-memory store variant: sharded maps with
// a partition index maintained on every write.
package memory

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/akuznetsov-gridgain/ignite/internal/engine"
)

const defaultShards = 256

// Config configures the in-memory store.
type Config struct {
	// Shards is the number of lock shards (default: 256).
	Shards int
	// PartitionOf maps a key to its partition id. Required.
	PartitionOf func(key string) int
	// Touch, if set, is called when rebalancing installs an entry.
	Touch engine.TouchFunc
}

// DefaultConfig returns sensible defaults around the given partition
// mapper.
func DefaultConfig(partitionOf func(string) int) Config {
	return Config{Shards: defaultShards, PartitionOf: partitionOf}
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*engine.Entry
}

// Store is the in-memory engine.Store implementation.
type Store struct {
	shards      []*shard
	shardCount  uint64
	partitionOf func(string) int
	touch       engine.TouchFunc

	idxMu   sync.RWMutex
	partIdx map[int]map[string]struct{}

	ver atomic.Uint64
	len atomic.Int64
}

// NewStore creates an empty store.
func NewStore(cfg Config) *Store {
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	s := &Store{
		shards:      make([]*shard, cfg.Shards),
		shardCount:  uint64(cfg.Shards),
		partitionOf: cfg.PartitionOf,
		touch:       cfg.Touch,
		partIdx:     make(map[int]map[string]struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{m: make(map[string]*engine.Entry)}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%s.shardCount]
}

// NextVersion returns the next local entry version. Versions observed via
// InitialValue push the counter forward so local writes always supersede
// preloaded copies.
func (s *Store) NextVersion() uint64 {
	return s.ver.Add(1)
}

func (s *Store) observeVersion(v uint64) {
	for {
		cur := s.ver.Load()
		if v <= cur || s.ver.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Get implements engine.Store.
func (s *Store) Get(key string) (*engine.Entry, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	sh.mu.RUnlock()

	if !ok || e.Expired() {
		return nil, false
	}
	return e, true
}

// Put implements engine.Store.
func (s *Store) Put(e *engine.Entry) (*engine.Entry, error) {
	if e.Version == 0 {
		e.Version = s.NextVersion()
	} else {
		s.observeVersion(e.Version)
	}

	sh := s.shardFor(e.Key)
	sh.mu.Lock()
	_, existed := sh.m[e.Key]
	sh.m[e.Key] = e
	sh.mu.Unlock()

	if !existed {
		s.len.Add(1)
		s.indexAdd(e.Key)
	}
	return e, nil
}

// InitialValue implements engine.Store.
func (s *Store) InitialValue(e *engine.Entry) (bool, error) {
	s.observeVersion(e.Version)

	sh := s.shardFor(e.Key)
	sh.mu.Lock()
	cur, existed := sh.m[e.Key]
	if existed && !cur.Expired() && cur.Version >= e.Version {
		sh.mu.Unlock()
		return false, nil
	}
	sh.m[e.Key] = e
	sh.mu.Unlock()

	if !existed {
		s.len.Add(1)
		s.indexAdd(e.Key)
	}
	if s.touch != nil {
		s.touch(e.Key)
	}
	return true, nil
}

// Delete implements engine.Store.
func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	_, existed := sh.m[key]
	delete(sh.m, key)
	sh.mu.Unlock()

	if existed {
		s.len.Add(-1)
		s.indexRemove(key)
	}
	return existed
}

// PartitionKeys implements engine.Store.
func (s *Store) PartitionKeys(part int) []string {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()

	keys := make([]string, 0, len(s.partIdx[part]))
	for k := range s.partIdx[part] {
		keys = append(keys, k)
	}
	return keys
}

// PartitionSize implements engine.Store.
func (s *Store) PartitionSize(part int) int {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	return len(s.partIdx[part])
}

// ClearPartition implements engine.Store.
func (s *Store) ClearPartition(part int) int {
	cnt := 0
	for _, key := range s.PartitionKeys(part) {
		if s.Delete(key) {
			cnt++
		}
	}
	return cnt
}

// Len implements engine.Store.
func (s *Store) Len() int {
	return int(s.len.Load())
}

// Close implements engine.Store.
func (s *Store) Close() error {
	return nil
}

func (s *Store) indexAdd(key string) {
	p := s.partitionOf(key)
	s.idxMu.Lock()
	set := s.partIdx[p]
	if set == nil {
		set = make(map[string]struct{})
		s.partIdx[p] = set
	}
	set[key] = struct{}{}
	s.idxMu.Unlock()
}

func (s *Store) indexRemove(key string) {
	p := s.partitionOf(key)
	s.idxMu.Lock()
	if set := s.partIdx[p]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(s.partIdx, p)
		}
	}
	s.idxMu.Unlock()
}
