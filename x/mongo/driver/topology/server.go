// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/meridiandb/go-driver-core/address"
	"github.com/meridiandb/go-driver-core/description"
	"github.com/meridiandb/go-driver-core/driver"
)

// Server owns one connection pool and one background monitor for a
// single address, and publishes description changes to subscribers so
// the owning Topology can recompute its aggregate state.
type Server struct {
	addr address.Address
	cfg  *serverConfig

	pool    *pool
	monitor *monitor

	desc atomic.Value // description.Server

	subsMu sync.Mutex
	subs   map[uint64]chan description.Server
	subID  uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewServer constructs a Server for addr. Connect must be called before
// the server will accept checkouts or run its monitor.
func NewServer(addr address.Address, opts ...ServerOption) *Server {
	cfg := newServerConfig(opts...)
	connCfg := newConnectionConfig(cfg.connectionOptions...)
	poolCfg := newPoolConfig(string(addr), cfg.poolOptions...)
	poolCfg.loadBalanced = cfg.loadBalanced

	s := &Server{
		addr: addr,
		cfg:  cfg,
		pool: newPool(addr, poolCfg, connCfg),
		subs: make(map[uint64]chan description.Server),
		done: make(chan struct{}),
	}
	s.desc.Store(description.NewDefaultServer(addr))
	s.monitor = newMonitor(addr, cfg, s.onDescriptionUpdated)
	return s
}

// Connect starts the pool and the heartbeat monitor.
func (s *Server) Connect() error {
	s.pool.ready()
	s.monitor.start()
	return nil
}

// Disconnect stops the monitor and closes the pool.
func (s *Server) Disconnect(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.monitor.stop()
		s.pool.close()
	})
	return err
}

// Description returns the server's most recently known description.
func (s *Server) Description() description.Server {
	return s.desc.Load().(description.Server)
}

// Subscribe registers a channel that receives every subsequent
// description update. The returned function unsubscribes.
func (s *Server) Subscribe() (<-chan description.Server, func()) {
	ch := make(chan description.Server, 1)
	ch <- s.Description()

	s.subsMu.Lock()
	id := s.subID
	s.subID++
	s.subs[id] = ch
	s.subsMu.Unlock()

	return ch, func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Server) onDescriptionUpdated(desc description.Server) {
	previous := s.Description()
	s.desc.Store(desc)

	if desc.LastError != nil {
		s.pool.clear(desc.LastError.Error())
	} else if desc.Kind != description.Unknown {
		s.pool.ready()
	}

	s.cfg.serverMonitor.publishDescriptionChanged(&ServerDescriptionChangedEvent{
		Address:             string(s.addr),
		PreviousDescription: previous,
		NewDescription:      desc,
	})

	s.subsMu.Lock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- desc
	}
	s.subsMu.Unlock()
}

// Connection implements driver.Server: checks a connection out of the
// server's pool.
func (s *Server) Connection(ctx context.Context) (driver.Connection, error) {
	conn, err := s.pool.checkOut(ctx)
	if err != nil {
		var ce ConnectionError
		if errors.As(err, &ce) {
			s.ProcessError(err, nil)
		}
		return nil, err
	}
	return conn, nil
}

// ProcessError applies the SDAM error-handling rules for an error observed
// against a connection checked out from this server: the server is marked
// Unknown, its pool is cleared, and the monitor is asked for an immediate
// check. Every non-nil error is handled this way; neither the error's kind
// nor the connection's generation is examined.
func (s *Server) ProcessError(err error, conn driver.Connection) description.Server {
	wrapped := unwrapConnectionError(err)
	if wrapped == nil {
		return s.Description()
	}

	current := s.Description()
	unknown := description.NewServerFromError(s.addr, wrapped, current.TopologyVersion)
	s.onDescriptionUpdated(unknown)
	s.monitor.requestImmediateCheck()
	return unknown
}

// ProcessHandshakeError applies SDAM error handling for a failure that
// occurred during connection establishment, before any command could be
// attempted.
func (s *Server) ProcessHandshakeError(err error) {
	current := s.Description()
	unknown := description.NewServerFromError(s.addr, err, current.TopologyVersion)
	s.onDescriptionUpdated(unknown)
	s.pool.clear(err.Error())
	s.monitor.requestImmediateCheck()
}

func unwrapConnectionError(err error) error {
	if err == nil {
		return nil
	}
	var ce ConnectionError
	if errors.As(err, &ce) {
		return ce
	}
	return err
}

var _ driver.Server = (*Server)(nil)
