// Package errors defines sentinel errors used across the grid.
package errors

import "errors"

// Sentinel errors for key operations.
var (
	// ErrKeyNotFound indicates that the requested key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExpired indicates the key has expired.
	ErrKeyExpired = errors.New("key expired")
)

// Sentinel errors for cluster operations.
var (
	// ErrNodeLeft indicates the remote node left the cluster mid-operation.
	ErrNodeLeft = errors.New("node left cluster")

	// ErrNodeUnknown indicates the node id is not present in the registry.
	ErrNodeUnknown = errors.New("unknown node")

	// ErrTopologyChanged indicates the cluster topology changed while an
	// operation tagged with an older topology version was in flight.
	ErrTopologyChanged = errors.New("topology changed")

	// ErrInvalidPartition indicates the partition became invalid (evicted
	// or no longer local) while it was being populated.
	ErrInvalidPartition = errors.New("partition invalid")

	// ErrRebalanceDisabled indicates rebalancing is disabled for the cache.
	ErrRebalanceDisabled = errors.New("rebalancing disabled")
)

// Sentinel errors for transport.
var (
	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource is closed")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrSessionOverflow indicates a peer session was closed because its
	// outbound queue exceeded the configured limit.
	ErrSessionOverflow = errors.New("session outbound queue overflow")

	// ErrNoHandler indicates no ordered handler is registered for a topic.
	ErrNoHandler = errors.New("no handler for topic")
)

// Sentinel errors for storage.
var (
	// ErrSpaceExceeded indicates the configured space budget of a store
	// variant has been exhausted.
	ErrSpaceExceeded = errors.New("store space budget exceeded")

	// ErrCancelled indicates the operation was cancelled cooperatively.
	ErrCancelled = errors.New("operation cancelled")
)
