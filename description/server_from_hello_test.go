// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"testing"

	"github.com/meridiandb/go-driver-core/address"
	"github.com/meridiandb/go-driver-core/x/bsoncore"
)

func TestClassifyServerKind(t *testing.T) {
	tests := []struct {
		name         string
		isMaster     bool
		secondary    bool
		arbiterOnly  bool
		isReplicaSet bool
		hasSetName   bool
		msg          string
		want         ServerKind
	}{
		{name: "standalone", isMaster: true, want: Standalone},
		{name: "mongos", msg: "isdbgrid", want: Mongos},
		{name: "replica set ghost", isReplicaSet: true, want: RSGhost},
		{name: "replica set ghost outranks setName", isReplicaSet: true, hasSetName: true, isMaster: true, want: RSGhost},
		{name: "arbiter", hasSetName: true, arbiterOnly: true, want: RSArbiter},
		{name: "primary", hasSetName: true, isMaster: true, want: RSPrimary},
		{name: "secondary", hasSetName: true, secondary: true, want: RSSecondary},
		{name: "other member", hasSetName: true, want: RSMember},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			got := classifyServerKind(test.isMaster, test.secondary, test.arbiterOnly, test.isReplicaSet, false, test.msg, test.hasSetName)
			if got != test.want {
				t.Errorf("classifyServerKind() = %s, want %s", got, test.want)
			}
		})
	}
}

func buildHelloDoc(t *testing.T, build func(dst []byte) []byte) bsoncore.Document {
	t.Helper()
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = build(dst)
	dst, err := bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		t.Fatalf("AppendDocumentEnd: %v", err)
	}
	return bsoncore.Document(dst)
}

func TestNewServerFromHello(t *testing.T) {
	addr := address.Address("localhost:27017")

	t.Run("standalone", func(t *testing.T) {
		doc := buildHelloDoc(t, func(dst []byte) []byte {
			dst = bsoncore.AppendBooleanElement(dst, "ismaster", true)
			dst = bsoncore.AppendInt32Element(dst, "maxWireVersion", 17)
			dst = bsoncore.AppendInt32Element(dst, "minWireVersion", 0)
			return dst
		})

		s := NewServerFromHello(addr, doc)
		if s.Kind != Standalone {
			t.Errorf("Kind = %s, want Standalone", s.Kind)
		}
		if s.WireVersion == nil || s.WireVersion.Max != 17 {
			t.Errorf("WireVersion = %+v, want Max=17", s.WireVersion)
		}
	})

	t.Run("replica set primary with hosts", func(t *testing.T) {
		doc := buildHelloDoc(t, func(dst []byte) []byte {
			dst = bsoncore.AppendBooleanElement(dst, "ismaster", true)
			dst = bsoncore.AppendStringElement(dst, "setName", "rs0")
			idx, arr := bsoncore.AppendArrayStart(nil)
			arr = bsoncore.AppendStringElement(arr, "0", "host1:27017")
			arr = bsoncore.AppendStringElement(arr, "1", "host2:27017")
			arr, _ = bsoncore.AppendArrayEnd(arr, idx)
			dst = bsoncore.AppendArrayElement(dst, "hosts", arr)
			dst = bsoncore.AppendInt32Element(dst, "setVersion", 3)
			return dst
		})

		s := NewServerFromHello(addr, doc)
		if s.Kind != RSPrimary {
			t.Errorf("Kind = %s, want RSPrimary", s.Kind)
		}
		if s.SetName != "rs0" {
			t.Errorf("SetName = %q, want rs0", s.SetName)
		}
		if s.SetVersion != 3 {
			t.Errorf("SetVersion = %d, want 3", s.SetVersion)
		}
		if len(s.Hosts) != 2 || s.Hosts[0] != "host1:27017" || s.Hosts[1] != "host2:27017" {
			t.Errorf("Hosts = %v, want [host1:27017 host2:27017]", s.Hosts)
		}
	})

	t.Run("replica set secondary", func(t *testing.T) {
		doc := buildHelloDoc(t, func(dst []byte) []byte {
			dst = bsoncore.AppendBooleanElement(dst, "secondary", true)
			dst = bsoncore.AppendStringElement(dst, "setName", "rs0")
			return dst
		})

		s := NewServerFromHello(addr, doc)
		if s.Kind != RSSecondary {
			t.Errorf("Kind = %s, want RSSecondary", s.Kind)
		}
	})

	t.Run("mongos", func(t *testing.T) {
		doc := buildHelloDoc(t, func(dst []byte) []byte {
			dst = bsoncore.AppendBooleanElement(dst, "ismaster", true)
			dst = bsoncore.AppendStringElement(dst, "msg", "isdbgrid")
			return dst
		})

		s := NewServerFromHello(addr, doc)
		if s.Kind != Mongos {
			t.Errorf("Kind = %s, want Mongos", s.Kind)
		}
	})

	t.Run("helloOk propagates and LoadBalancer forces it true", func(t *testing.T) {
		doc := buildHelloDoc(t, func(dst []byte) []byte {
			dst = bsoncore.AppendBooleanElement(dst, "ismaster", true)
			dst = bsoncore.AppendBooleanElement(dst, "helloOk", true)
			return dst
		})

		s := NewServerFromHello(addr, doc)
		if !s.HelloOK {
			t.Error("HelloOK = false, want true")
		}
	})

	t.Run("me and tags are parsed", func(t *testing.T) {
		doc := buildHelloDoc(t, func(dst []byte) []byte {
			dst = bsoncore.AppendBooleanElement(dst, "secondary", true)
			dst = bsoncore.AppendStringElement(dst, "setName", "rs0")
			dst = bsoncore.AppendStringElement(dst, "me", "host1:27017")
			idx, tagsDoc := bsoncore.AppendDocumentStart(nil)
			tagsDoc = bsoncore.AppendStringElement(tagsDoc, "dc", "east")
			tagsDoc = bsoncore.AppendStringElement(tagsDoc, "rack", "1")
			tagsDoc, _ = bsoncore.AppendDocumentEnd(tagsDoc, idx)
			dst = bsoncore.AppendDocumentElement(dst, "tags", tagsDoc)
			return dst
		})

		s := NewServerFromHello(addr, doc)
		if s.Me != "host1:27017" {
			t.Errorf("Me = %q, want host1:27017", s.Me)
		}
		if len(s.Tags) != 2 {
			t.Fatalf("Tags = %v, want 2 entries", s.Tags)
		}
		want := TagSet{{Name: "dc", Value: "east"}, {Name: "rack", Value: "1"}}
		for i, tag := range want {
			if s.Tags[i] != tag {
				t.Errorf("Tags[%d] = %+v, want %+v", i, s.Tags[i], tag)
			}
		}
	})

	t.Run("malformed document yields Unknown with error", func(t *testing.T) {
		s := NewServerFromHello(addr, bsoncore.Document([]byte{0x01, 0x00}))
		if s.Kind != Unknown {
			t.Errorf("Kind = %s, want Unknown", s.Kind)
		}
		if s.LastError == nil {
			t.Error("LastError = nil, want non-nil")
		}
	})
}
