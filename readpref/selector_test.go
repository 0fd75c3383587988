// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package readpref

import (
	"testing"

	"github.com/meridiandb/go-driver-core/address"
	"github.com/meridiandb/go-driver-core/description"
)

func shardedTopology(mongoses ...description.Server) description.Topology {
	return description.Topology{Kind: description.TopologySharded, Servers: mongoses}
}

func TestSelectorShardedPassthrough(t *testing.T) {
	mongos1 := description.Server{Addr: address.Address("mongos1:27017"), Kind: description.Mongos}
	mongos2 := description.Server{Addr: address.Address("mongos2:27017"), Kind: description.Mongos}
	topo := shardedTopology(mongos1, mongos2)

	tests := []struct {
		name string
		rp   *ReadPref
	}{
		{"primary", Primary()},
		{"primaryPreferred", mustNew(t, PrimaryPreferredMode)},
		{"secondary", mustNew(t, SecondaryMode)},
		{"secondaryPreferred", mustNew(t, SecondaryPreferredMode)},
		{"nearest", mustNew(t, NearestMode)},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			candidates, err := test.rp.Selector()(topo, topo.Servers)
			if err != nil {
				t.Fatalf("Selector() error = %v", err)
			}
			if len(candidates) != 2 {
				t.Fatalf("candidates = %+v, want both mongoses for a sharded topology", candidates)
			}
		})
	}
}

func mustNew(t *testing.T, mode Mode) *ReadPref {
	t.Helper()
	rp, err := New(mode)
	if err != nil {
		t.Fatalf("New(%s) error = %v", mode, err)
	}
	return rp
}
