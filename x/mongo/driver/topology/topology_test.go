// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"testing"

	"github.com/meridiandb/go-driver-core/address"
	"github.com/meridiandb/go-driver-core/description"
	"github.com/meridiandb/go-driver-core/x/bsoncore"
)

const (
	addr1 = address.Address("host1:27017")
	addr2 = address.Address("host2:27017")
)

// newTestTopology builds a Topology whose member servers are pre-registered
// (via NewServer, never Connect'd) so apply never needs to spin up a new
// monitor for a host discovered mid-test.
func newTestTopology(t *testing.T, opts ...TopologyOption) *Topology {
	t.Helper()
	topo, err := New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for _, a := range []address.Address{addr1, addr2} {
		topo.servers[a] = NewServer(a)
	}
	return topo
}

func electionID(b byte) bsoncore.ObjectID {
	var oid bsoncore.ObjectID
	oid[11] = b
	return oid
}

func TestTopologyApplySingleMode(t *testing.T) {
	topo := newTestTopology(t, WithSeedList(string(addr1)), WithSingleMode())

	desc := description.Server{Addr: addr1, Kind: description.Standalone}
	topo.apply(addr1, desc)

	got := topo.Description()
	if got.Kind != description.TopologySingle {
		t.Errorf("Kind = %s, want TopologySingle", got.Kind)
	}
	if len(got.Servers) != 1 || got.Servers[0].Addr != addr1 {
		t.Errorf("Servers = %+v, want exactly [%s]", got.Servers, addr1)
	}
}

func TestTopologyApplyElectsPrimary(t *testing.T) {
	topo := newTestTopology(t, WithSeedList(string(addr1), string(addr2)), WithReplicaSetName("rs0"))

	primary := description.Server{
		Addr:       addr1,
		Kind:       description.RSPrimary,
		SetName:    "rs0",
		ElectionID: electionID(1),
		Hosts:      []string{string(addr1), string(addr2)},
	}
	topo.apply(addr1, primary)

	got := topo.Description()
	if got.Kind != description.TopologyReplicaSetWithPrimary {
		t.Fatalf("Kind = %s, want TopologyReplicaSetWithPrimary", got.Kind)
	}
	srv, ok := findServer(got.Servers, addr1)
	if !ok || srv.Kind != description.RSPrimary {
		t.Errorf("server %s = %+v, want RSPrimary", addr1, srv)
	}
}

func TestTopologyApplyRejectsStaleElection(t *testing.T) {
	topo := newTestTopology(t, WithSeedList(string(addr1), string(addr2)), WithReplicaSetName("rs0"))

	topo.apply(addr1, description.Server{
		Addr: addr1, Kind: description.RSPrimary, SetName: "rs0",
		ElectionID: electionID(5), Hosts: []string{string(addr1), string(addr2)},
	})

	// addr2 claims to be primary with an older election ID; must be rejected.
	topo.apply(addr2, description.Server{
		Addr: addr2, Kind: description.RSPrimary, SetName: "rs0",
		ElectionID: electionID(1), Hosts: []string{string(addr1), string(addr2)},
	})

	got := topo.Description()
	s1, _ := findServer(got.Servers, addr1)
	if s1.Kind != description.RSPrimary {
		t.Errorf("addr1 kind = %s, want RSPrimary to remain after stale election is rejected", s1.Kind)
	}
	s2, ok := findServer(got.Servers, addr2)
	if ok && s2.Kind == description.RSPrimary {
		t.Errorf("addr2 kind = %s, stale election must not install a second primary", s2.Kind)
	}
}

func TestTopologyApplyNewElectionDemotesOldPrimary(t *testing.T) {
	topo := newTestTopology(t, WithSeedList(string(addr1), string(addr2)), WithReplicaSetName("rs0"))

	topo.apply(addr1, description.Server{
		Addr: addr1, Kind: description.RSPrimary, SetName: "rs0",
		ElectionID: electionID(1), Hosts: []string{string(addr1), string(addr2)},
	})
	topo.apply(addr2, description.Server{
		Addr: addr2, Kind: description.RSPrimary, SetName: "rs0",
		ElectionID: electionID(2), Hosts: []string{string(addr1), string(addr2)},
	})

	got := topo.Description()
	s1, ok := findServer(got.Servers, addr1)
	if !ok || s1.Kind == description.RSPrimary {
		t.Errorf("addr1 kind = %s, want demoted to Unknown after a newer election", s1.Kind)
	}
	s2, ok := findServer(got.Servers, addr2)
	if !ok || s2.Kind != description.RSPrimary {
		t.Errorf("addr2 kind = %s, want RSPrimary", s2.Kind)
	}
	if got.Kind != description.TopologyReplicaSetWithPrimary {
		t.Errorf("Kind = %s, want TopologyReplicaSetWithPrimary", got.Kind)
	}
}

func TestTopologyApplySecondaryWithoutPrimary(t *testing.T) {
	topo := newTestTopology(t, WithSeedList(string(addr1)), WithReplicaSetName("rs0"))

	topo.apply(addr1, description.Server{Addr: addr1, Kind: description.RSSecondary, SetName: "rs0"})

	got := topo.Description()
	if got.Kind != description.TopologyReplicaSetNoPrimary {
		t.Errorf("Kind = %s, want TopologyReplicaSetNoPrimary", got.Kind)
	}
}

func TestTopologyApplyRemovesMeMismatch(t *testing.T) {
	topo := newTestTopology(t, WithSeedList(string(addr1), string(addr2)), WithReplicaSetName("rs0"))

	topo.apply(addr1, description.Server{
		Addr: addr1, Kind: description.RSPrimary, SetName: "rs0",
		ElectionID: electionID(1), Hosts: []string{string(addr1), string(addr2)},
	})

	// addr2 reports itself as secondary but claims a different address via
	// "me"; it must be dropped from the topology entirely.
	topo.apply(addr2, description.Server{
		Addr: addr2, Kind: description.RSSecondary, SetName: "rs0", Me: "someone-else:27017",
	})

	got := topo.Description()
	if _, ok := findServer(got.Servers, addr2); ok {
		t.Errorf("Servers = %+v, want addr2 removed after me mismatch", got.Servers)
	}
	if _, ok := topo.servers[addr2]; ok {
		t.Error("topo.servers still tracks addr2 after me mismatch")
	}
}

func TestTopologyApplyMongos(t *testing.T) {
	topo := newTestTopology(t, WithSeedList(string(addr1)))

	topo.apply(addr1, description.Server{Addr: addr1, Kind: description.Mongos})

	got := topo.Description()
	if got.Kind != description.TopologySharded {
		t.Errorf("Kind = %s, want TopologySharded", got.Kind)
	}
}
