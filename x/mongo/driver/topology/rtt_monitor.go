// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meridiandb/go-driver-core/address"
	"github.com/meridiandb/go-driver-core/x/bsoncore"
	"github.com/meridiandb/go-driver-core/x/wiremessage"
)

const rttSampleWindow = 500

// RTTMonitor samples round-trip time on its own dedicated connection,
// independent of the main heartbeat connection. It runs whenever the
// primary monitor is blocked inside a streaming (moreToCome) heartbeat,
// which otherwise would not produce a fresh latency sample between
// topology changes.
type RTTMonitor struct {
	addr    address.Address
	connCfg *connectionConfig
	interval time.Duration

	tracker rttTracker

	mu      sync.Mutex
	samples []time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func newRTTMonitor(addr address.Address, connCfg *connectionConfig, interval time.Duration) *RTTMonitor {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &RTTMonitor{
		addr:     addr,
		connCfg:  connCfg,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins sampling in the background.
func (r *RTTMonitor) Start() {
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
}

// Stop halts sampling and closes the dedicated connection.
func (r *RTTMonitor) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *RTTMonitor) run(ctx context.Context) {
	defer close(r.done)

	conn := newConnection(r.addr, 0, nil, r.connCfg)
	defer func() { _ = conn.close() }()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !conn.connected() {
			if err := conn.connect(ctx); err != nil {
				continue
			}
		}

		r.sampleDirect(conn, ctx, time.Now())
	}
}

// sampleDirect sends a minimal "ping" command directly over conn
// (bypassing driver.Operation, which only accepts the *Connection pool
// handle) and records its round-trip latency.
func (r *RTTMonitor) sampleDirect(conn *connection, ctx context.Context, start time.Time) {
	wm := buildPingWireMessage()
	if err := conn.writeWireMessage(ctx, wm); err != nil {
		return
	}
	if _, err := conn.readWireMessage(ctx); err != nil {
		return
	}
	r.addSample(time.Since(start))
}

func buildPingWireMessage() []byte {
	var cmd []byte
	idx, cmd := bsoncore.AppendDocumentStart(cmd)
	cmd = bsoncore.AppendInt32Element(cmd, "ping", 1)
	cmd = bsoncore.AppendStringElement(cmd, "$db", "admin")
	cmd, _ = bsoncore.AppendDocumentEnd(cmd, idx)

	var dst []byte
	hIdx, dst := wiremessage.AppendHeaderStart(dst, 0, 0, wiremessage.OpMsg)
	dst = wiremessage.AppendMsgFlags(dst, 0)
	dst = wiremessage.AppendMsgSectionSingleDocument(dst, cmd)
	dst = wiremessage.UpdateLength(dst, hIdx)
	return dst
}

func (r *RTTMonitor) addSample(d time.Duration) {
	r.tracker.addSample(d)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, d)
	if len(r.samples) > rttSampleWindow {
		r.samples = r.samples[len(r.samples)-rttSampleWindow:]
	}
}

// EWMA implements the RTT monitor interface, the same method set as
// internal/csot.ZeroRTTMonitor.
func (r *RTTMonitor) EWMA() time.Duration {
	v, _ := r.tracker.value()
	return v
}

// Min implements the RTT monitor interface.
func (r *RTTMonitor) Min() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		return 0
	}
	min := r.samples[0]
	for _, s := range r.samples[1:] {
		if s < min {
			min = s
		}
	}
	return min
}

// P90 implements the RTT monitor interface.
func (r *RTTMonitor) P90() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(r.samples))
	copy(sorted, r.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.9)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Stats implements the RTT monitor interface.
func (r *RTTMonitor) Stats() string {
	return fmt.Sprintf("ewma=%s min=%s p90=%s", r.EWMA(), r.Min(), r.P90())
}
