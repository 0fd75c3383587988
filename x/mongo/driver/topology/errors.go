package topology

import (
	"errors"
	"fmt"

	"github.com/meridiandb/go-driver-core/address"
)

// ErrServerClosed is returned by Server methods once the server has been
// disconnected.
var ErrServerClosed = errors.New("server is closed")

// ErrServerConnected is returned by Connect when called on an
// already-connected Server.
var ErrServerConnected = errors.New("server is connected")

// ErrTopologyClosed is returned by Topology methods once it has been
// disconnected.
var ErrTopologyClosed = errors.New("topology is closed")

// ErrServerSelectionTimeout is returned when no server satisfying a
// selector becomes available before the selection timeout elapses.
var ErrServerSelectionTimeout = errors.New("server selection timeout")

// ConnectionError wraps a dial, TLS, or handshake failure with the
// address it occurred against.
type ConnectionError struct {
	Address address.Address
	Wrapped error
	init    bool
}

func (e ConnectionError) Error() string {
	if e.init {
		return fmt.Sprintf("error occurred during connection handshake with %s: %v", e.Address, e.Wrapped)
	}
	return fmt.Sprintf("connection to %s failed: %v", e.Address, e.Wrapped)
}

// Unwrap supports errors.Is/As against the underlying transport error.
func (e ConnectionError) Unwrap() error { return e.Wrapped }

// PoolError is a sentinel returned by pool operations against a pool that
// is not ready to serve checkouts.
type PoolError string

func (pe PoolError) Error() string { return string(pe) }

// Pool-state sentinels.
const (
	ErrPoolNotPaused      PoolError = "attempted to check in a connection to a pool that is not paused"
	ErrPoolClosed         PoolError = "attempted to check out a connection from closed connection pool"
	ErrConnectionNotFound PoolError = "connection is not part of the pool"
	ErrWrongPool          PoolError = "connection does not belong to this pool"
)

// WaitQueueTimeoutError is returned when Checkout blocks past the
// context's deadline waiting for an available or newly-dialed connection.
type WaitQueueTimeoutError struct {
	Wrapped error
	Address address.Address
}

func (w WaitQueueTimeoutError) Error() string {
	return fmt.Sprintf("timed out while checking out a connection from connection pool: %v", w.Wrapped)
}

// Unwrap supports errors.Is/As against the context error that caused the
// timeout.
func (w WaitQueueTimeoutError) Unwrap() error { return w.Wrapped }
