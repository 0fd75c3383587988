// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/meridiandb/go-driver-core/address"
)

type poolState int32

const (
	poolPaused poolState = iota
	poolReady
	poolClosed
)

// ErrPoolPaused is returned by Checkout when the pool has not (yet, or
// any longer) been marked ready.
const ErrPoolPaused PoolError = "connection pool is paused"

// pool owns the set of connections dialed to a single server address. It
// hands out connections LIFO (the most recently used idle connection is
// reused first, so idle sockets at the tail age out under low load) and
// queues excess demand FIFO behind a maxConnecting-bounded dialer.
type pool struct {
	address address.Address
	connCfg *connectionConfig
	cfg     *poolConfig

	mu         sync.Mutex
	generation uint64
	state      poolState
	idle       *list.List // front = most recently checked in
	total      uint64
	waiters    *list.List // of chan checkoutResult

	dialSem *semaphore.Weighted

	monitor *PoolMonitor

	maintainCancel context.CancelFunc
	maintainDone   chan struct{}

	connIDCounter uint64
}

type checkoutResult struct {
	conn *connection
	err  error
}

func newPool(addr address.Address, cfg *poolConfig, connCfg *connectionConfig) *pool {
	maxConnecting := cfg.maxConnecting
	if maxConnecting == 0 {
		maxConnecting = 2
	}
	p := &pool{
		address: addr,
		connCfg: connCfg,
		cfg:     cfg,
		state:   poolPaused,
		idle:    list.New(),
		waiters: list.New(),
		dialSem: semaphore.NewWeighted(int64(maxConnecting)),
		monitor: cfg.poolMonitor,
	}
	p.monitor.publish(&PoolEvent{
		Type:    PoolEventCreated,
		Address: string(addr),
		PoolOptions: &poolEventOptions{
			MaxPoolSize: cfg.maxSize,
			MinPoolSize: cfg.minSize,
		},
	})
	return p
}

// ready transitions the pool to serving checkouts and starts the
// background populator/maintenance loop that tops the pool up to
// minSize and evicts idle connections past their idle timeout.
func (p *pool) ready() {
	p.mu.Lock()
	if p.state == poolClosed {
		p.mu.Unlock()
		return
	}
	alreadyReady := p.state == poolReady
	p.state = poolReady
	p.mu.Unlock()
	if alreadyReady {
		return
	}

	p.monitor.publish(&PoolEvent{Type: PoolEventReady, Address: string(p.address)})

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.maintainCancel = cancel
	p.maintainDone = make(chan struct{})
	p.mu.Unlock()
	go p.maintain(ctx)
}

// clear invalidates every connection currently checked out or idle by
// bumping the generation counter and marking the pool paused; checkouts
// fail with ErrPoolPaused until ready is called again. Load-balanced pools are exempt from
// pausing, since there is no SDAM monitor to call ready again.
func (p *pool) clear(reason string) {
	p.mu.Lock()
	if p.state == poolClosed {
		p.mu.Unlock()
		return
	}
	p.generation++
	if !p.cfg.loadBalanced {
		p.state = poolPaused
		if p.maintainCancel != nil {
			p.maintainCancel()
		}
	}
	var toClose []*connection
	for e := p.idle.Front(); e != nil; e = e.Next() {
		toClose = append(toClose, e.Value.(*connection))
	}
	p.idle.Init()
	p.mu.Unlock()

	for _, c := range toClose {
		p.closeConnection(c, "stale")
	}

	p.monitor.publish(&PoolEvent{Type: PoolEventCleared, Address: string(p.address), Reason: reason})
}

// close pauses the pool, closes every idle connection, and rejects all
// future checkouts permanently.
func (p *pool) close() {
	p.mu.Lock()
	if p.state == poolClosed {
		p.mu.Unlock()
		return
	}
	p.state = poolClosed
	if p.maintainCancel != nil {
		p.maintainCancel()
	}
	var toClose []*connection
	for e := p.idle.Front(); e != nil; e = e.Next() {
		toClose = append(toClose, e.Value.(*connection))
	}
	p.idle.Init()
	waiters := p.waiters
	p.waiters = list.New()
	p.mu.Unlock()

	for e := waiters.Front(); e != nil; e = e.Next() {
		ch := e.Value.(chan checkoutResult)
		ch <- checkoutResult{err: ErrPoolClosed}
	}
	for _, c := range toClose {
		p.closeConnection(c, "pool closed")
	}

	p.monitor.publish(&PoolEvent{Type: PoolEventClosed, Address: string(p.address)})
}

func (p *pool) stale(c *connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.generation != p.generation
}

// checkOut returns a ready connection, reusing an idle one when
// available, dialing a new one when the pool has headroom, or queuing
// behind existing demand until one of those becomes true or ctx expires.
func (p *pool) checkOut(ctx context.Context) (*Connection, error) {
	p.monitor.publish(&PoolEvent{Type: PoolEventCheckOutStarted, Address: string(p.address)})

	conn, err := p.acquire(ctx)
	if err != nil {
		p.monitor.publish(&PoolEvent{Type: PoolEventCheckOutFailed, Address: string(p.address), Reason: err.Error()})
		return nil, err
	}

	p.monitor.publish(&PoolEvent{Type: PoolEventCheckedOut, Address: string(p.address), ConnectionID: p.idOf(conn)})
	return newConnectionHandle(conn, nil), nil
}

func (p *pool) idOf(c *connection) uint64 {
	return c.numericID
}

func (p *pool) acquire(ctx context.Context) (*connection, error) {
	for {
		p.mu.Lock()
		switch p.state {
		case poolClosed:
			p.mu.Unlock()
			return nil, ErrPoolClosed
		case poolPaused:
			p.mu.Unlock()
			return nil, ErrPoolPaused
		}

		if e := p.idle.Front(); e != nil {
			p.idle.Remove(e)
			c := e.Value.(*connection)
			p.mu.Unlock()
			if c.expired() {
				p.closeConnection(c, "stale")
				continue
			}
			return c, nil
		}

		if p.cfg.maxSize == 0 || p.total < p.cfg.maxSize {
			p.total++
			p.mu.Unlock()
			c, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, err
			}
			return c, nil
		}

		ch := make(chan checkoutResult, 1)
		elem := p.waiters.PushBack(ch)
		p.mu.Unlock()

		select {
		case res := <-ch:
			if res.err != nil {
				return nil, res.err
			}
			return res.conn, nil
		case <-ctx.Done():
			p.mu.Lock()
			p.waiters.Remove(elem)
			p.mu.Unlock()
			return nil, WaitQueueTimeoutError{Wrapped: ctx.Err(), Address: p.address}
		}
	}
}

func (p *pool) dial(ctx context.Context) (*connection, error) {
	if err := p.dialSem.Acquire(ctx, 1); err != nil {
		return nil, WaitQueueTimeoutError{Wrapped: err, Address: p.address}
	}
	defer p.dialSem.Release(1)
	return p.dialLocked(ctx)
}

// checkIn returns a connection to the pool: to a waiter directly if one
// is queued, otherwise to the head of the idle list, unless the
// connection has expired or the pool is no longer ready.
func (p *pool) checkIn(c *connection) error {
	p.monitor.publish(&PoolEvent{Type: PoolEventCheckedIn, Address: string(p.address), ConnectionID: p.idOf(c)})

	if c.expired() {
		p.closeConnection(c, "expired")
		return nil
	}

	p.mu.Lock()
	if p.state != poolReady {
		p.mu.Unlock()
		p.closeConnection(c, "pool not ready")
		return nil
	}

	if e := p.waiters.Front(); e != nil {
		p.waiters.Remove(e)
		ch := e.Value.(chan checkoutResult)
		p.mu.Unlock()
		ch <- checkoutResult{conn: c}
		return nil
	}

	p.idle.PushFront(c)
	p.mu.Unlock()
	return nil
}

func (p *pool) closeConnection(c *connection, reason string) {
	_ = c.close()
	p.mu.Lock()
	if p.total > 0 {
		p.total--
	}
	p.mu.Unlock()
	p.monitor.publish(&PoolEvent{
		Type:         PoolEventConnClosed,
		Address:      string(p.address),
		ConnectionID: c.numericID,
		Reason:       reason,
	})
}

// maintain runs the background populator/idle-eviction loop: it tops the
// pool up to minSize and evicts connections that exceeded their idle
// timeout, until ctx is canceled by clear or close.
func (p *pool) maintain(ctx context.Context) {
	defer close(p.maintainDone)

	interval := p.cfg.maintainInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.populate(ctx)
		p.evictIdle()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *pool) populate(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.state != poolReady {
			p.mu.Unlock()
			return
		}
		need := p.total < p.cfg.minSize
		if need {
			p.total++
		}
		p.mu.Unlock()
		if !need {
			return
		}

		if !p.dialSem.TryAcquire(1) {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return
		}
		c, err := p.dialLocked(ctx)
		p.dialSem.Release(1)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return
		}
		_ = p.checkIn(c)
	}
}

func (p *pool) dialLocked(ctx context.Context) (*connection, error) {
	p.mu.Lock()
	gen := p.generation
	id := atomic.AddUint64(&p.connIDCounter, 1)
	p.mu.Unlock()

	c := newConnection(p.address, gen, p, p.connCfg)
	c.numericID = id
	if p.cfg.idleTimeout != 0 {
		c.idleTimeout = p.cfg.idleTimeout
	}
	p.monitor.publish(&PoolEvent{Type: PoolEventConnCreated, Address: string(p.address), ConnectionID: id})
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	p.monitor.publish(&PoolEvent{Type: PoolEventConnReady, Address: string(p.address), ConnectionID: id})
	return c, nil
}

func (p *pool) evictIdle() {
	p.mu.Lock()
	var expired []*connection
	for e := p.idle.Front(); e != nil; {
		next := e.Next()
		c := e.Value.(*connection)
		if c.expired() {
			p.idle.Remove(e)
			expired = append(expired, c)
		}
		e = next
	}
	p.mu.Unlock()

	for _, c := range expired {
		p.closeConnection(c, "idle timeout")
	}
}

func (p *pool) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("pool{address=%s generation=%d total=%d idle=%d state=%d}",
		p.address, p.generation, p.total, p.idle.Len(), p.state)
}
