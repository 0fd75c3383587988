// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridiandb/go-driver-core/address"
	"github.com/meridiandb/go-driver-core/auth"
	"github.com/meridiandb/go-driver-core/description"
	"github.com/meridiandb/go-driver-core/driver"
	"github.com/meridiandb/go-driver-core/internal/cancel"
	"github.com/meridiandb/go-driver-core/x/wiremessage"
)

const defaultMaxMessageSize = 48000000

type connState int64

const (
	connInitialized connState = iota
	connConnected
	connDisconnected
)

// connection is one dialed, handshaken wire connection. It is owned by
// exactly one pool and is never shared outside of the *Connection wrapper
// handed to callers by Pool.Checkout.
type connection struct {
	id         string
	numericID  uint64
	nc         net.Conn
	addr       address.Address
	state      int64 // connState, accessed atomically
	generation uint64
	desc       description.Server

	idleTimeout time.Duration
	idleStart   atomic.Value // time.Time

	lifetimeDeadline time.Time

	compressor   wiremessage.CompressorID
	zlibLevel    int

	cfg *connectionConfig

	cancellationListener *cancel.Listener

	pool *pool

	pinnedCursor     bool
	pinnedTransaction bool

	streaming bool

	mu sync.Mutex
}

func newConnection(addr address.Address, generation uint64, p *pool, cfg *connectionConfig) *connection {
	c := &connection{
		id:                    fmt.Sprintf("%s[-%d]", addr, generation),
		addr:                  addr,
		generation:            generation,
		cfg:                   cfg,
		pool:                  p,
		idleTimeout:           cfg.idleTimeout,
		cancellationListener:  cancel.NewListener(),
	}
	c.idleStart.Store(time.Time{})
	return c
}

// connect dials, optionally wraps in TLS, and runs the handshake. It is
// called by the pool's populator before a connection is ever exposed to a
// caller.
func (c *connection) connect(ctx context.Context) (err error) {
	if !atomic.CompareAndSwapInt64(&c.state, int64(connInitialized), int64(connConnected)) {
		return nil
	}
	defer func() {
		if err != nil {
			atomic.StoreInt64(&c.state, int64(connDisconnected))
		}
	}()

	if c.cfg.tlsCertErr != nil {
		return ConnectionError{Address: c.addr, Wrapped: c.cfg.tlsCertErr}
	}

	if c.cfg.connectTimeout != 0 {
		var cancelFn context.CancelFunc
		ctx, cancelFn = context.WithTimeout(ctx, c.cfg.connectTimeout)
		defer cancelFn()
	}

	var dialer net.Dialer
	nc, err := dialer.DialContext(ctx, c.addr.Network(), c.addr.String())
	if err != nil {
		return ConnectionError{Address: c.addr, Wrapped: err}
	}
	if c.cfg.tlsConfig != nil {
		nc = tls.Client(nc, c.cfg.tlsConfig)
	}
	c.nc = nc
	c.bumpIdleStart()

	if c.cfg.lifeTimeout != 0 {
		c.lifetimeDeadline = time.Now().Add(c.cfg.lifeTimeout)
	}

	if c.cfg.handshaker == nil {
		return nil
	}

	info, err := c.cfg.handshaker.GetHandshakeInformation(ctx, c.addr, (*initConnection)(c))
	if err != nil {
		_ = c.close()
		return ConnectionError{Address: c.addr, Wrapped: err, init: true}
	}
	c.desc = info.Description

	if len(info.Description.Compression) > 0 {
		for _, want := range c.cfg.compressors {
			if id, ok := wiremessage.CompressorIDFromString(want); ok {
				for _, have := range info.Description.Compression {
					if have == want {
						c.compressor = id
						break
					}
				}
			}
			if c.compressor != 0 {
				break
			}
		}
	}

	if err := c.cfg.handshaker.FinishHandshake(ctx, (*initConnection)(c)); err != nil {
		_ = c.close()
		return ConnectionError{Address: c.addr, Wrapped: err, init: true}
	}

	if c.cfg.cred != nil {
		if err := c.authenticate(ctx, info); err != nil {
			_ = c.close()
			return ConnectionError{Address: c.addr, Wrapped: err, init: true}
		}
	}

	return nil
}

func (c *connection) authenticate(ctx context.Context, info driver.HandshakeInformation) error {
	mechanism, err := auth.NegotiatedMechanism(info.SaslSupportedMechs)
	if err != nil {
		return err
	}
	authenticator, err := auth.CreateAuthenticator(mechanism, c.cfg.cred)
	if err != nil {
		return err
	}
	return authenticator.Auth(ctx, &auth.Config{
		Connection:    (*initConnection)(c),
		HandshakeInfo: info,
	})
}

func (c *connection) connected() bool {
	return atomic.LoadInt64(&c.state) == int64(connConnected)
}

func (c *connection) bumpIdleStart() {
	if c.idleTimeout != 0 {
		c.idleStart.Store(time.Now())
	}
}

func (c *connection) idleTimeoutExpired() bool {
	if c.idleTimeout == 0 {
		return false
	}
	start, _ := c.idleStart.Load().(time.Time)
	if start.IsZero() {
		return false
	}
	return time.Since(start) > c.idleTimeout
}

func (c *connection) pinned() bool {
	return c.pinnedCursor || c.pinnedTransaction
}

func (c *connection) expired() bool {
	if atomic.LoadInt64(&c.state) != int64(connConnected) {
		return true
	}
	if c.pool != nil && !c.pinned() && c.pool.stale(c) {
		return true
	}
	if c.idleTimeoutExpired() {
		return true
	}
	if !c.lifetimeDeadline.IsZero() && time.Now().After(c.lifetimeDeadline) {
		return true
	}
	return false
}

func (c *connection) writeWireMessage(ctx context.Context, wm []byte) error {
	if !c.connected() {
		return driver.ErrConnectionClosed
	}
	deadline := time.Now().Add(10 * time.Second)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}

	var err error
	abort := func() { _ = c.close() }
	go func() {
		c.cancellationListener.Listen(ctx, abort)
	}()
	defer c.cancellationListener.StopListening()

	_ = c.nc.SetWriteDeadline(deadline)
	_, err = c.nc.Write(wm)
	if err != nil {
		_ = c.close()
		return ConnectionError{Address: c.addr, Wrapped: err}
	}
	c.bumpIdleStart()
	return nil
}

func (c *connection) readWireMessage(ctx context.Context) ([]byte, error) {
	if !c.connected() {
		return nil, driver.ErrConnectionClosed
	}
	deadline := time.Now().Add(10 * time.Second)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}

	var (
		header [16]byte
		err    error
	)

	go func() {
		c.cancellationListener.Listen(ctx, func() { _ = c.close() })
	}()
	defer c.cancellationListener.StopListening()

	_ = c.nc.SetReadDeadline(deadline)
	if _, err = io.ReadFull(c.nc, header[:]); err != nil {
		_ = c.close()
		return nil, ConnectionError{Address: c.addr, Wrapped: err}
	}

	hdr, _, ok := wiremessage.ReadHeader(header[:])
	if !ok {
		_ = c.close()
		return nil, fmt.Errorf("malformed wire message header")
	}
	if hdr.Length < 16 || int(hdr.Length) > defaultMaxMessageSize {
		_ = c.close()
		return nil, fmt.Errorf("%w: message length %d out of bounds", driver.UnexpectedResponse, hdr.Length)
	}

	body := make([]byte, hdr.Length)
	copy(body, header[:])
	if _, err = io.ReadFull(c.nc, body[16:]); err != nil {
		_ = c.close()
		return nil, ConnectionError{Address: c.addr, Wrapped: err}
	}
	c.bumpIdleStart()

	if hdr.OpCode == wiremessage.OpCompressed {
		return c.decompress(body)
	}
	return body, nil
}

func (c *connection) decompress(wm []byte) ([]byte, error) {
	_, rest, _ := wiremessage.ReadHeader(wm)
	originalOpCode, uncompressedSize, id, rem, ok := wiremessage.ReadCompressedHeader(rest)
	if !ok {
		return nil, fmt.Errorf("%w: malformed OP_COMPRESSED header", driver.UnexpectedResponse)
	}
	payload, err := wiremessage.DecompressMessage(rem, id, uncompressedSize)
	if err != nil {
		return nil, err
	}

	var dst []byte
	idx, dst := wiremessage.AppendHeaderStart(dst, 0, 0, originalOpCode)
	dst = append(dst, payload...)
	dst = wiremessage.UpdateLength(dst, idx)
	return dst, nil
}

func (c *connection) close() error {
	if !atomic.CompareAndSwapInt64(&c.state, int64(connConnected), int64(connDisconnected)) {
		atomic.StoreInt64(&c.state, int64(connDisconnected))
	}
	if c.nc == nil {
		return nil
	}
	return c.nc.Close()
}

// initConnection adapts a not-yet-fully-connected *connection to
// driver.Connection, used only while GetHandshakeInformation/
// FinishHandshake run (before the connection is handed to any pool
// caller).
type initConnection connection

func (c *initConnection) WriteWireMessage(ctx context.Context, wm []byte) error {
	return (*connection)(c).writeWireMessage(ctx, wm)
}

func (c *initConnection) ReadWireMessage(ctx context.Context) ([]byte, error) {
	return (*connection)(c).readWireMessage(ctx)
}

func (c *initConnection) Description() description.Server { return (*connection)(c).desc }
func (c *initConnection) ID() string                       { return (*connection)(c).id }
func (c *initConnection) Address() address.Address         { return (*connection)(c).addr }
func (c *initConnection) Stale() bool                      { return false }
func (c *initConnection) Close() error                     { return nil }

// Connection is the handle callers of Pool.Checkout receive. Multiple
// Connection wrappers may reference the same underlying connection when
// pinned (to a cursor or transaction); the underlying socket is only
// returned to the pool once the last reference releases it.
type Connection struct {
	connection *connection

	mu             sync.Mutex
	refCount       int
	cleanupPoolFn  func()
}

func newConnectionHandle(conn *connection, cleanup func()) *Connection {
	return &Connection{connection: conn, refCount: 1, cleanupPoolFn: cleanup}
}

// WriteWireMessage implements driver.Connection.
func (c *Connection) WriteWireMessage(ctx context.Context, wm []byte) error {
	return c.connection.writeWireMessage(ctx, wm)
}

// ReadWireMessage implements driver.Connection.
func (c *Connection) ReadWireMessage(ctx context.Context) ([]byte, error) {
	return c.connection.readWireMessage(ctx)
}

// Description implements driver.Connection.
func (c *Connection) Description() description.Server {
	return c.connection.desc
}

// ID implements driver.Connection.
func (c *Connection) ID() string {
	return c.connection.id
}

// Address implements driver.Connection.
func (c *Connection) Address() address.Address {
	return c.connection.addr
}

// Stale implements driver.Connection: true once the pool has cleared past
// this connection's generation.
func (c *Connection) Stale() bool {
	return c.connection.pool.stale(c.connection)
}

// CurrentlyStreaming implements driver.StreamerConnection.
func (c *Connection) CurrentlyStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connection.streaming
}

// SetStreaming implements driver.StreamerConnection.
func (c *Connection) SetStreaming(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connection.streaming = v
}

// Close implements driver.Connection: decrements the reference count and,
// once it reaches zero (accounting for pins), checks the connection back
// in to the pool.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refCount--
	if c.refCount > 0 {
		return nil
	}
	if c.cleanupPoolFn != nil {
		c.cleanupPoolFn()
	}
	return c.connection.pool.checkIn(c.connection)
}

// Expire force-closes the underlying socket regardless of pinning,
// used when a connection is known to be unusable (e.g. after a network
// error mid-operation).
func (c *Connection) Expire() error {
	return c.connection.close()
}

// PinToCursor marks this handle as referenced by a live cursor, deferring
// its return to the pool until UnpinFromCursor (or the last other
// reference) releases it.
func (c *Connection) PinToCursor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connection.pinnedCursor {
		c.connection.pinnedCursor = true
		c.refCount++
	}
}

// UnpinFromCursor releases a cursor pin taken by PinToCursor.
func (c *Connection) UnpinFromCursor() error {
	c.mu.Lock()
	pinned := c.connection.pinnedCursor
	c.connection.pinnedCursor = false
	c.mu.Unlock()
	if pinned {
		return c.Close()
	}
	return nil
}

// PinToTransaction marks this handle as referenced by an in-progress
// transaction.
func (c *Connection) PinToTransaction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connection.pinnedTransaction {
		c.connection.pinnedTransaction = true
		c.refCount++
	}
}

// UnpinFromTransaction releases a transaction pin taken by
// PinToTransaction.
func (c *Connection) UnpinFromTransaction() error {
	c.mu.Lock()
	pinned := c.connection.pinnedTransaction
	c.connection.pinnedTransaction = false
	c.mu.Unlock()
	if pinned {
		return c.Close()
	}
	return nil
}

var _ driver.Connection = (*Connection)(nil)
var _ driver.StreamerConnection = (*Connection)(nil)
var _ driver.Connection = (*initConnection)(nil)
