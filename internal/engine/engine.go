// Package engine defines the storage interfaces the grid core depends on.
// The rebalancer consumes these through narrow contracts; the concrete
// variants live in subpackages.
package engine

import (
	"time"
)

// Entry is a versioned key-value pair with expiry metadata.
type Entry struct {
	Key      string
	Value    []byte
	Version  uint64
	TTL      time.Duration
	ExpireAt time.Time
}

// Expired reports whether the entry's expiry time has passed.
func (e *Entry) Expired() bool {
	return !e.ExpireAt.IsZero() && time.Now().After(e.ExpireAt)
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Value = append([]byte(nil), e.Value...)
	return &c
}

// Store is the partition-aware key-value store contract.
type Store interface {
	// Get returns the live entry for a key.
	Get(key string) (*Entry, bool)

	// Put installs or replaces an entry, assigning it the next local
	// version if Entry.Version is zero.
	Put(e *Entry) (*Entry, error)

	// InitialValue installs the entry only if the key is absent or holds a
	// strictly older version. Used by rebalancing so a later local update
	// is never downgraded by a stale remote copy. Reports whether the
	// value was installed.
	InitialValue(e *Entry) (bool, error)

	// Delete removes a key. Reports whether it was present.
	Delete(key string) bool

	// PartitionKeys returns a snapshot of the keys in a partition.
	PartitionKeys(part int) []string

	// PartitionSize returns the number of live entries in a partition.
	PartitionSize(part int) int

	// ClearPartition removes all entries of a partition, returning the
	// count removed.
	ClearPartition(part int) int

	// Len returns the total number of live entries.
	Len() int

	Close() error
}

// Budgeted is implemented by store variants carrying a space budget. When
// the budget is exhausted the rebalancer stops accepting entries for all
// partitions.
type Budgeted interface {
	BudgetExceeded() bool
}

// TouchFunc is the eviction-subsystem hook invoked when rebalancing
// installs an entry, so the evictor starts tracking it.
type TouchFunc func(key string)
