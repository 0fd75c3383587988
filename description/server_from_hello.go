// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"time"

	"github.com/meridiandb/go-driver-core/address"
	"github.com/meridiandb/go-driver-core/x/bsoncore"
)

// NewServerFromHello builds a Server description from the raw reply to a
// hello (or legacy isMaster) command, following the server discovery
// rules for classifying a server's kind from the fields it reports.
func NewServerFromHello(addr address.Address, doc bsoncore.Document) Server {
	s := Server{
		Addr:           addr,
		LastUpdateTime: time.Now(),
	}

	var (
		isMaster       bool
		secondary      bool
		arbiterOnly    bool
		isReplicaSet   bool
		hidden         bool
		msg            string
		setName        string
		hasSetName     bool
	)

	elems, err := doc.Elements()
	if err != nil {
		return NewServerFromError(addr, err, nil)
	}

	for _, elem := range elems {
		key, ok := elem.Key()
		if !ok {
			continue
		}
		val := elem.Value()

		switch key {
		case "ismaster", "isWritablePrimary":
			isMaster, _ = val.BooleanOK()
		case "secondary":
			secondary, _ = val.BooleanOK()
		case "arbiterOnly":
			arbiterOnly, _ = val.BooleanOK()
		case "isreplicaset":
			isReplicaSet, _ = val.BooleanOK()
		case "hidden":
			hidden, _ = val.BooleanOK()
		case "msg":
			msg, _ = val.StringOK()
		case "helloOk":
			s.HelloOK, _ = val.BooleanOK()
		case "setName":
			setName, _ = val.StringOK()
			hasSetName = setName != ""
			s.SetName = setName
		case "setVersion":
			if v, ok := val.Int32OK(); ok {
				s.SetVersion = uint32(v)
			}
		case "electionId":
			s.ElectionID, _ = val.ObjectIDOK()
		case "primary":
			if v, ok := val.StringOK(); ok {
				s.Primary = address.Address(v)
			}
		case "me":
			if v, ok := val.StringOK(); ok {
				s.Me = address.Address(v)
			}
		case "hosts":
			s.Hosts = stringArray(val)
		case "passives":
			s.Passives = stringArray(val)
		case "arbiters":
			s.Arbiters = stringArray(val)
		case "tags":
			s.Tags = tagSetFromDocument(val)
		case "minWireVersion":
			v, _ := val.Int32OK()
			s.WireVersion = ensureVersionRange(s.WireVersion)
			s.WireVersion.Min = v
		case "maxWireVersion":
			v, _ := val.Int32OK()
			s.WireVersion = ensureVersionRange(s.WireVersion)
			s.WireVersion.Max = v
		case "maxBsonObjectSize":
			if v, ok := val.Int32OK(); ok {
				s.MaxDocumentSize = uint32(v)
			}
		case "maxMessageSizeBytes":
			if v, ok := val.Int32OK(); ok {
				s.MaxMessageSize = uint32(v)
			}
		case "maxWriteBatchSize":
			if v, ok := val.Int32OK(); ok {
				s.MaxBatchCount = uint32(v)
			}
		case "compression":
			s.Compression = stringArray(val)
		case "logicalSessionTimeoutMinutes":
			if v, ok := val.Int32OK(); ok {
				s.SessionTimeoutMinutes = uint32(v)
			}
		case "topologyVersion":
			if d, ok := val.DocumentOK(); ok {
				s.TopologyVersion = topologyVersionFromDocument(d)
			}
		case "serviceId":
			if oid, ok := val.ObjectIDOK(); ok {
				s.ServiceID = &oid
			}
		case "lastWrite":
			if d, ok := val.DocumentOK(); ok {
				if lw, lerr := d.LookupErr("lastWriteDate"); lerr == nil {
					if ms, ok := lw.Int64OK(); ok {
						s.LastWriteTime = time.UnixMilli(ms)
					}
				}
			}
		}
	}

	s.Kind = classifyServerKind(isMaster, secondary, arbiterOnly, isReplicaSet, hidden, msg, hasSetName)
	if s.Kind == LoadBalancer {
		s.HelloOK = true
	}
	return s
}

func classifyServerKind(isMaster, secondary, arbiterOnly, isReplicaSet, hidden bool, msg string, hasSetName bool) ServerKind {
	switch {
	case msg == "isdbgrid":
		return Mongos
	case isReplicaSet:
		return RSGhost
	case hasSetName && arbiterOnly:
		return RSArbiter
	case hasSetName && isMaster:
		return RSPrimary
	case hasSetName && secondary:
		return RSSecondary
	case hasSetName:
		return RSMember
	default:
		return Standalone
	}
}

func ensureVersionRange(vr *VersionRange) *VersionRange {
	if vr == nil {
		return &VersionRange{}
	}
	return vr
}

func stringArray(v bsoncore.Value) []string {
	arr, ok := v.ArrayOK()
	if !ok {
		return nil
	}
	values, err := arr.Values()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, elemVal := range values {
		if s, ok := elemVal.StringOK(); ok {
			out = append(out, s)
		}
	}
	return out
}

func tagSetFromDocument(v bsoncore.Value) TagSet {
	doc, ok := v.DocumentOK()
	if !ok {
		return nil
	}
	elems, err := doc.Elements()
	if err != nil {
		return nil
	}
	tags := make(TagSet, 0, len(elems))
	for _, elem := range elems {
		key, ok := elem.Key()
		if !ok {
			continue
		}
		if s, ok := elem.Value().StringOK(); ok {
			tags = append(tags, Tag{Name: key, Value: s})
		}
	}
	return tags
}

func topologyVersionFromDocument(doc bsoncore.Document) *TopologyVersion {
	tv := &TopologyVersion{}
	if pid, err := doc.LookupErr("processId"); err == nil {
		tv.ProcessID, _ = pid.ObjectIDOK()
	}
	if counter, err := doc.LookupErr("counter"); err == nil {
		tv.Counter, _ = counter.Int64OK()
	}
	return tv
}
