// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridiandb/go-driver-core/address"
	"github.com/meridiandb/go-driver-core/description"
	"github.com/meridiandb/go-driver-core/driver"
)

// Topology aggregates the descriptions of a set of monitored Servers into
// a single Topology description and implements driver.Deployment by
// selecting among the servers that satisfy a description.ServerSelector.
type Topology struct {
	cfg *topologyConfig

	mu      sync.Mutex
	servers map[address.Address]*Server
	unsubs  map[address.Address]func()
	desc    atomic.Value // description.Topology

	subsMu sync.Mutex
	subs   map[uint64]chan description.Topology
	subID  uint64

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a Topology from opts. Connect must be called before it
// will select servers.
func New(opts ...TopologyOption) (*Topology, error) {
	cfg := newTopologyConfig(opts...)
	if cfg.mode == singleMode && len(cfg.seedList) != 1 {
		return nil, fmt.Errorf("single mode requires exactly one seed, got %d", len(cfg.seedList))
	}

	t := &Topology{
		cfg:     cfg,
		servers: make(map[address.Address]*Server),
		unsubs:  make(map[address.Address]func()),
		subs:    make(map[uint64]chan description.Topology),
		done:    make(chan struct{}),
	}

	kind := description.TopologyUnknown
	switch {
	case cfg.mode == singleMode:
		kind = description.TopologySingle
	case cfg.setName != "":
		kind = description.TopologyReplicaSetNoPrimary
	}
	t.desc.Store(description.Topology{Kind: kind, SetName: cfg.setName})

	return t, nil
}

// Connect starts monitoring every seed server.
func (t *Topology) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, addr := range t.cfg.seedList {
		t.addServerLocked(address.Address(addr))
	}
	return nil
}

func (t *Topology) addServerLocked(addr address.Address) {
	if _, ok := t.servers[addr]; ok {
		return
	}
	serverOpts := t.cfg.serverOptions
	if t.cfg.loadBalanced {
		serverOpts = append(append([]ServerOption{}, serverOpts...), WithServerLoadBalanced(true))
	}
	s := NewServer(addr, serverOpts...)
	t.servers[addr] = s
	ch, unsub := s.Subscribe()
	t.unsubs[addr] = unsub
	go t.watch(addr, ch)
	_ = s.Connect()
}

func (t *Topology) watch(addr address.Address, ch <-chan description.Server) {
	for {
		select {
		case desc, ok := <-ch:
			if !ok {
				return
			}
			t.apply(addr, desc)
		case <-t.done:
			return
		}
	}
}

// Disconnect stops every server's monitor and pool.
func (t *Topology) Disconnect(ctx context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		servers := make([]*Server, 0, len(t.servers))
		for _, s := range t.servers {
			servers = append(servers, s)
		}
		t.mu.Unlock()
		for _, s := range servers {
			_ = s.Disconnect(ctx)
		}
	})
	return err
}

// Description returns the topology's current aggregate description.
func (t *Topology) Description() description.Topology {
	return t.desc.Load().(description.Topology)
}

// Subscribe registers a channel that receives every subsequent topology
// description. The returned function unsubscribes.
func (t *Topology) Subscribe() (<-chan description.Topology, func()) {
	ch := make(chan description.Topology, 1)
	ch <- t.Description()

	t.subsMu.Lock()
	id := t.subID
	t.subID++
	t.subs[id] = ch
	t.subsMu.Unlock()

	return ch, func() {
		t.subsMu.Lock()
		delete(t.subs, id)
		t.subsMu.Unlock()
	}
}

func (t *Topology) publish(desc description.Topology) {
	t.desc.Store(desc)
	t.subsMu.Lock()
	for _, ch := range t.subs {
		select {
		case <-ch:
		default:
		}
		ch <- desc
	}
	t.subsMu.Unlock()
}

// Kind implements driver.Deployment.
func (t *Topology) Kind() description.TopologyKind {
	return t.Description().Kind
}

// SelectServer implements driver.Deployment: it blocks, re-evaluating the
// selector against every description update, until a matching server is
// found, the context is canceled, or the configured selection timeout
// elapses.
func (t *Topology) SelectServer(ctx context.Context, selector description.ServerSelector) (driver.Server, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.serverSelectionTimeout)
	defer cancel()

	ch, unsub := t.Subscribe()
	defer unsub()

	for {
		current := t.Description()
		candidates, err := selector(current, current.Servers)
		if err != nil {
			return nil, err
		}
		if len(candidates) > 0 {
			chosen := candidates[pseudoRandomIndex(len(candidates))]
			t.mu.Lock()
			srv, ok := t.servers[chosen.Addr]
			t.mu.Unlock()
			if ok {
				return srv, nil
			}
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ErrServerSelectionTimeout
		}
	}
}

var roundRobinCounter uint64

// pseudoRandomIndex spreads load across equally eligible candidates
// without taking a real RNG dependency for a single array index.
func pseudoRandomIndex(n int) int {
	if n <= 1 {
		return 0
	}
	return int(atomic.AddUint64(&roundRobinCounter, 1) % uint64(n))
}

// apply folds a single server's new description into the aggregate
// topology description, following the SDAM state transition rules for
// the topology's kind.
func (t *Topology) apply(addr address.Address, desc description.Server) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.Description()

	if t.cfg.mode == singleMode {
		current.Kind = description.TopologySingle
		current.Servers = []description.Server{desc}
		t.publish(current)
		return
	}

	previous, hadPrevious := findServer(current.Servers, addr)
	servers := replaceOrAppend(current.Servers, desc)

	if isReplicaSetKind(desc.Kind) && desc.Me != "" && desc.Me != addr {
		servers = removeServer(servers, addr)
		t.removeServerLocked(addr)
		current.Servers = servers
		t.publish(current)
		return
	}

	switch desc.Kind {
	case description.Standalone:
		if len(t.cfg.seedList) > 1 && current.Kind != description.TopologySingle {
			servers = removeServer(servers, addr)
			t.removeServerLocked(addr)
		}

	case description.Mongos:
		current.Kind = description.TopologySharded

	case description.LoadBalancer:
		current.Kind = description.TopologyLoadBalanced

	case description.RSPrimary:
		if current.SetName != "" && desc.SetName != "" && current.SetName != desc.SetName {
			servers = removeServer(servers, addr)
			t.removeServerLocked(addr)
			break
		}
		if current.SetName == "" {
			current.SetName = desc.SetName
		}
		if t.staleElection(current, desc) {
			if hadPrevious {
				servers = replaceOrAppend(servers, previous)
			} else {
				servers = replaceOrAppend(servers, description.NewDefaultServer(addr))
			}
			break
		}
		current.MaxElectionID = desc.ElectionID[:]

		for i := range servers {
			if servers[i].Addr != addr && servers[i].Kind == description.RSPrimary {
				servers[i] = description.NewDefaultServer(servers[i].Addr)
			}
		}
		servers = t.reconcileMembership(servers, desc)
		current.Kind = description.TopologyReplicaSetWithPrimary

	case description.RSSecondary, description.RSArbiter, description.RSMember:
		if current.SetName != "" && desc.SetName != "" && current.SetName != desc.SetName {
			servers = removeServer(servers, addr)
			t.removeServerLocked(addr)
			break
		}
		if current.SetName == "" {
			current.SetName = desc.SetName
		}
		if current.Kind != description.TopologyReplicaSetWithPrimary {
			current.Kind = description.TopologyReplicaSetNoPrimary
		}

	case description.RSGhost:
		// stored but does not influence topology kind.

	case description.Unknown:
		// stored; if this address was the primary, demotion is implied
		// by the absence of an RSPrimary entry on the next recompute.
	}

	if !hasPrimary(servers) && current.Kind == description.TopologyReplicaSetWithPrimary {
		current.Kind = description.TopologyReplicaSetNoPrimary
	}

	current.Servers = servers
	t.publish(current)
}

func (t *Topology) staleElection(current description.Topology, desc description.Server) bool {
	if len(current.MaxElectionID) == 0 {
		return false
	}
	var maxOID [12]byte
	copy(maxOID[:], current.MaxElectionID)
	return compareObjectIDBytes(desc.ElectionID[:], maxOID[:]) < 0
}

func compareObjectIDBytes(a, b []byte) int {
	for i := range a {
		if i >= len(b) {
			return 1
		}
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// reconcileMembership adds placeholder Unknown servers for any host the
// primary reports that isn't yet tracked, and drops servers no longer
// reported as part of the set, starting their monitors and stopping the
// dropped ones accordingly. Caller holds t.mu.
func (t *Topology) reconcileMembership(servers []description.Server, primary description.Server) []description.Server {
	members := make(map[address.Address]struct{})
	for _, h := range primary.Hosts {
		members[address.Address(h)] = struct{}{}
	}
	for _, h := range primary.Passives {
		members[address.Address(h)] = struct{}{}
	}
	for _, h := range primary.Arbiters {
		members[address.Address(h)] = struct{}{}
	}

	for member := range members {
		if _, ok := t.servers[member]; !ok {
			t.addServerLocked(member)
			servers = append(servers, description.NewDefaultServer(member))
		}
	}

	kept := servers[:0]
	for _, s := range servers {
		if _, ok := members[s.Addr]; ok || s.Addr == primary.Addr {
			kept = append(kept, s)
			continue
		}
		t.removeServerLocked(s.Addr)
	}
	return kept
}

// removeServerLocked unsubscribes from and disconnects the server at
// addr, if tracked, removing it from the topology entirely. Caller holds
// t.mu.
func (t *Topology) removeServerLocked(addr address.Address) {
	srv, ok := t.servers[addr]
	if !ok {
		return
	}
	if unsub, ok := t.unsubs[addr]; ok {
		unsub()
	}
	delete(t.servers, addr)
	delete(t.unsubs, addr)
	go func(s *Server) { _ = s.Disconnect(context.Background()) }(srv)
}

func findServer(servers []description.Server, addr address.Address) (description.Server, bool) {
	for _, s := range servers {
		if s.Addr == addr {
			return s, true
		}
	}
	return description.Server{}, false
}

func replaceOrAppend(servers []description.Server, desc description.Server) []description.Server {
	for i, s := range servers {
		if s.Addr == desc.Addr {
			out := make([]description.Server, len(servers))
			copy(out, servers)
			out[i] = desc
			return out
		}
	}
	return append(append([]description.Server{}, servers...), desc)
}

func removeServer(servers []description.Server, addr address.Address) []description.Server {
	out := make([]description.Server, 0, len(servers))
	for _, s := range servers {
		if s.Addr != addr {
			out = append(out, s)
		}
	}
	return out
}

// isReplicaSetKind reports whether kind is one a server only reports once
// it has loaded a replica set config, and so is subject to the "me" field
// self-identification check.
func isReplicaSetKind(kind description.ServerKind) bool {
	switch kind {
	case description.RSPrimary, description.RSSecondary, description.RSArbiter, description.RSMember, description.RSGhost:
		return true
	default:
		return false
	}
}

func hasPrimary(servers []description.Server) bool {
	for _, s := range servers {
		if s.Kind == description.RSPrimary {
			return true
		}
	}
	return false
}

var _ driver.Deployment = (*Topology)(nil)

// HasReadableServerWithTimeout waits, bounded by timeout, for the
// topology to contain at least one data-bearing server.
func (t *Topology) HasReadableServerWithTimeout(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if t.Description().HasReadableServer() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}
