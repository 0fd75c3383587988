// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description holds immutable snapshots of server and topology
// state produced by SDAM, and the selector types used to choose a server
// for an operation.
package description

import (
	"fmt"
	"time"

	"github.com/meridiandb/go-driver-core/address"
	"github.com/meridiandb/go-driver-core/x/bsoncore"
)

// ServerKind classifies a single server's role, as reported by its last
// successful hello reply.
type ServerKind uint32

// Server kinds.
const (
	Unknown ServerKind = iota
	Standalone
	RSMember
	RSGhost
	RSPrimary
	RSSecondary
	RSArbiter
	Mongos
	LoadBalancer
)

func (kind ServerKind) String() string {
	switch kind {
	case Standalone:
		return "Standalone"
	case RSMember:
		return "RSOther"
	case RSGhost:
		return "RSGhost"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case RSArbiter:
		return "RSArbiter"
	case Mongos:
		return "Mongos"
	case LoadBalancer:
		return "LoadBalancer"
	default:
		return "Unknown"
	}
}

// Server is an immutable snapshot of a server's most recently observed
// state. A fresh Server value is produced on every heartbeat; nothing
// about a Server is ever mutated in place.
type Server struct {
	Addr      address.Address
	Kind      ServerKind
	LastError error

	LastUpdateTime   time.Time
	LastWriteTime    time.Time
	HeartbeatInterval time.Duration

	AverageRTT    time.Duration
	AverageRTTSet bool

	MaxBatchCount   uint32
	MaxDocumentSize uint32
	MaxMessageSize  uint32

	WireVersion *VersionRange

	HelloOK      bool
	Compression  []string
	SetName      string
	SetVersion   uint32
	ElectionID   bsoncore.ObjectID
	Primary      address.Address
	Me           address.Address
	Hosts        []string
	Passives     []string
	Arbiters     []string
	Tags         TagSet
	TopologyVersion *TopologyVersion

	SessionTimeoutMinutes uint32
	ServiceID             *bsoncore.ObjectID
}

// VersionRange is an inclusive [min, max] wire version range.
type VersionRange struct {
	Min int32
	Max int32
}

// Includes reports whether v is within the range.
func (vr VersionRange) Includes(v int32) bool {
	return v >= vr.Min && v <= vr.Max
}

// NewDefaultServer returns the zero-value, Unknown description for addr,
// as produced before any heartbeat has completed.
func NewDefaultServer(addr address.Address) Server {
	return Server{Addr: addr, Kind: Unknown, LastUpdateTime: time.Now()}
}

// NewServerFromError builds an Unknown description recording a heartbeat
// or handshake failure.
func NewServerFromError(addr address.Address, err error, tv *TopologyVersion) Server {
	return Server{
		Addr:            addr,
		Kind:            Unknown,
		LastError:       err,
		LastUpdateTime:  time.Now(),
		TopologyVersion: tv,
	}
}

// DataBearing reports whether a server of this kind can hold user data and
// is therefore eligible for read/write server selection (excludes Unknown,
// RSMember, RSGhost, and RSArbiter).
func (s Server) DataBearing() bool {
	switch s.Kind {
	case Standalone, RSPrimary, RSSecondary, Mongos, LoadBalancer:
		return true
	default:
		return false
	}
}

// String renders a short diagnostic summary of the server description.
func (s Server) String() string {
	if s.LastError != nil {
		return fmt.Sprintf("%s kind=%s error=%v", s.Addr, s.Kind, s.LastError)
	}
	return fmt.Sprintf("%s kind=%s rtt=%s", s.Addr, s.Kind, s.AverageRTT)
}
