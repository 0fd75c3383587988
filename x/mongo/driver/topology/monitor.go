// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"sync"
	"time"

	"github.com/meridiandb/go-driver-core/address"
	"github.com/meridiandb/go-driver-core/description"
	"github.com/meridiandb/go-driver-core/driver"
	"github.com/meridiandb/go-driver-core/x/mongo/driver/operation"
)

// monitor runs the periodic (or, once the server supports it, streaming)
// hello heartbeat for a single server and reports every resulting
// description to onUpdate.
type monitor struct {
	addr address.Address
	cfg  *serverConfig

	connCfg *connectionConfig
	onUpdate func(description.Server)

	rtt *RTTMonitor

	mu   sync.Mutex
	conn *connection
	prevTV *description.TopologyVersion
	streaming bool

	wakeCh chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// monitoringConnectionConfig derives the unauthenticated connectionConfig
// used by both the heartbeat monitor and the RTT monitor: it keeps the
// transport-level settings (TLS, timeouts, app metadata) a caller
// configured for the server's pool, but never carries a credential and
// always uses a plain Hello handshaker, since monitoring connections are
// never authenticated.
func monitoringConnectionConfig(cfg *serverConfig) *connectionConfig {
	base := newConnectionConfig(cfg.connectionOptions...)
	return &connectionConfig{
		connectTimeout: base.connectTimeout,
		tlsConfig:      base.tlsConfig,
		appName:        base.appName,
		compressors:    base.compressors,
		handshaker:     operation.NewHello(),
		logger:         base.logger,
	}
}

func newMonitor(addr address.Address, cfg *serverConfig, onUpdate func(description.Server)) *monitor {
	return &monitor{
		addr:     addr,
		cfg:      cfg,
		connCfg:  monitoringConnectionConfig(cfg),
		onUpdate: onUpdate,
		rtt:      newRTTMonitor(addr, monitoringConnectionConfig(cfg), cfg.heartbeatInterval/2),
		wakeCh:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (m *monitor) start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.run(ctx)
}

func (m *monitor) stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
	m.rtt.Stop()
	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.close()
	}
	m.mu.Unlock()
}

// requestImmediateCheck wakes the monitor loop, used after an operation
// observes a network error against this server so SDAM does not wait out
// the rest of the heartbeat interval before re-checking.
func (m *monitor) requestImmediateCheck() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

func (m *monitor) run(ctx context.Context) {
	defer close(m.done)

	previousKind := description.Unknown

	for {
		desc := m.heartbeat(ctx)
		if ctx.Err() != nil {
			return
		}

		if desc.LastError != nil && previousKind != description.Unknown {
			// First failure after a previously known state: retry once
			// within this scan before giving up on the server.
			desc = m.heartbeat(ctx)
			if ctx.Err() != nil {
				return
			}
		}

		m.onUpdate(desc)
		previousKind = desc.Kind

		if desc.TopologyVersion != nil && desc.HelloOK {
			m.mu.Lock()
			alreadyStreaming := m.streaming
			m.streaming = true
			m.mu.Unlock()
			if !alreadyStreaming {
				m.rtt.Start()
			}
			continue // next heartbeat() call reads the already-pushed reply
		}

		select {
		case <-ctx.Done():
			return
		case <-m.wakeCh:
		case <-time.After(m.cfg.heartbeatInterval):
		}
	}
}

// heartbeat runs (or, in streaming mode, awaits the next pushed reply of)
// one hello and returns the resulting server description, degrading to
// an Unknown description and resetting the connection on any failure.
func (m *monitor) heartbeat(ctx context.Context) description.Server {
	m.mu.Lock()
	conn := m.conn
	streaming := m.streaming
	m.mu.Unlock()

	hello := operation.NewHello().
		AppName(m.connCfg.appName).
		Compressors(m.connCfg.compressors)
	if m.prevTV != nil {
		hello = hello.TopologyVersion(m.prevTV).MaxAwaitTimeMS(int64(m.cfg.heartbeatInterval / time.Millisecond))
	}

	var err error
	if conn == nil || !conn.connected() {
		conn = newConnection(m.addr, 0, nil, m.connCfg)
		dialStart := time.Now()
		if dialErr := conn.connect(ctx); dialErr != nil {
			return m.fail(ConnectionError{Address: m.addr, Wrapped: dialErr})
		}
		dialElapsed := time.Since(dialStart)

		m.mu.Lock()
		m.conn = conn
		m.streaming = false
		m.mu.Unlock()

		desc := conn.desc
		m.rtt.addSample(dialElapsed)
		desc.AverageRTT = m.rtt.EWMA()
		desc.AverageRTTSet = true
		m.prevTV = desc.TopologyVersion
		return desc
	}

	hello = hello.Deployment(driver.SingleConnectionDeployment{C: conn})

	start := time.Now()
	if streaming {
		err = hello.StreamResponse(ctx, streamerAdapter{conn})
	} else {
		err = hello.Execute(ctx)
	}
	elapsed := time.Since(start)

	if err != nil {
		m.mu.Lock()
		if m.conn != nil {
			_ = m.conn.close()
		}
		m.conn = nil
		m.streaming = false
		m.mu.Unlock()
		m.prevTV = nil
		return m.fail(err)
	}

	desc := hello.Result(m.addr)
	m.rtt.addSample(elapsed)
	desc.AverageRTT = m.rtt.EWMA()
	desc.AverageRTTSet = true
	m.prevTV = desc.TopologyVersion
	return desc
}

func (m *monitor) fail(err error) description.Server {
	return description.NewServerFromError(m.addr, err, nil)
}

// streamerAdapter satisfies driver.StreamerConnection for a raw
// *connection, which always reports CurrentlyStreaming true once the
// monitor has entered streaming mode.
type streamerAdapter struct {
	c *connection
}

func (s streamerAdapter) WriteWireMessage(ctx context.Context, wm []byte) error {
	return s.c.writeWireMessage(ctx, wm)
}
func (s streamerAdapter) ReadWireMessage(ctx context.Context) ([]byte, error) {
	return s.c.readWireMessage(ctx)
}
func (s streamerAdapter) Description() description.Server { return s.c.desc }
func (s streamerAdapter) ID() string                       { return s.c.id }
func (s streamerAdapter) Address() address.Address         { return s.c.addr }
func (s streamerAdapter) Stale() bool                      { return false }
func (s streamerAdapter) Close() error                     { return nil }
func (s streamerAdapter) CurrentlyStreaming() bool         { return true }
func (s streamerAdapter) SetStreaming(bool)                {}

var _ driver.StreamerConnection = streamerAdapter{}
