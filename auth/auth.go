// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package auth negotiates and drives one of the SCRAM or MONGODB-CR
// authentication mechanisms over an already-handshaken connection.
// Mechanism implementations beyond these two (GSSAPI, MONGODB-AWS,
// MONGODB-OIDC, PLAIN) are out of scope; only the negotiation contract and
// the SASL conversation driver are general-purpose.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/meridiandb/go-driver-core/driver"
	"github.com/meridiandb/go-driver-core/x/bsoncore"
	"github.com/meridiandb/go-driver-core/x/wiremessage"
)

var requestIDCounter = int32(time.Now().UnixNano())

func nextRequestID() int32 {
	return atomic.AddInt32(&requestIDCounter, 1)
}

// Cred holds the credentials used to authenticate a connection.
type Cred struct {
	Source      string
	Username    string
	Password    string
	PasswordSet bool
}

// Config bundles what an Authenticator needs to run a conversation over a
// single connection.
type Config struct {
	Connection          driver.Connection
	ClusterClock        *driver.ClusterClock
	ServerAPI           *driver.ServerAPIOptions
	HandshakeInfo       driver.HandshakeInformation
}

// Authenticator drives one mechanism's conversation to completion.
type Authenticator interface {
	Auth(ctx context.Context, cfg *Config) error
}

// SaslClient is a single mechanism's conversation state machine, driven by
// ConductSaslConversation.
type SaslClient interface {
	Start() (mechanism string, payload []byte, err error)
	Next(challenge []byte) (payload []byte, completed bool, err error)
	Completed() bool
}

// ErrMechanismMismatch is returned when the server's saslSupportedMechs
// reply does not include any mechanism this package implements.
var ErrMechanismMismatch = errors.New("no supported authentication mechanism negotiated")

// NegotiatedMechanism returns the first mechanism, in descending
// preference order, present in supported. SCRAM-SHA-256 is preferred over
// SCRAM-SHA-1, and MONGODB-CR is the final legacy fallback.
func NegotiatedMechanism(supported []string) (string, error) {
	for _, preferred := range []string{"SCRAM-SHA-256", "SCRAM-SHA-1", "MONGODB-CR"} {
		for _, s := range supported {
			if s == preferred {
				return preferred, nil
			}
		}
	}
	if len(supported) == 0 {
		// No saslSupportedMechs reply (pre-4.0 server): SCRAM-SHA-1 is the
		// default negotiated mechanism.
		return "SCRAM-SHA-1", nil
	}
	return "", ErrMechanismMismatch
}

// CreateAuthenticator builds the Authenticator for the named mechanism.
func CreateAuthenticator(mechanism string, cred *Cred) (Authenticator, error) {
	switch mechanism {
	case "SCRAM-SHA-256":
		return &scramAuthenticator{cred: cred, hashFunc: scramSHA256}, nil
	case "SCRAM-SHA-1":
		return &scramAuthenticator{cred: cred, hashFunc: scramSHA1}, nil
	case "MONGODB-CR":
		return &mongodbCRAuthenticator{cred: cred}, nil
	default:
		return nil, fmt.Errorf("unsupported authentication mechanism %q", mechanism)
	}
}

// ConductSaslConversation drives client through a full SASL exchange over
// conn using the saslStart/saslContinue command pair, returning once the
// server reports "done": true or an error occurs.
func ConductSaslConversation(ctx context.Context, cfg *Config, source string, client SaslClient) error {
	mechanism, payload, err := client.Start()
	if err != nil {
		return err
	}

	saslResp, err := runSaslCommand(ctx, cfg, buildSaslStart(source, mechanism, payload))
	if err != nil {
		return err
	}

	for {
		done, _ := saslResp.LookupErr("done")
		isDone, _ := done.BooleanOK()

		var serverPayload []byte
		if pv, err := saslResp.LookupErr("payload"); err == nil {
			if b, ok := binaryBytes(pv); ok {
				serverPayload = b
			}
		}

		if isDone && client.Completed() {
			return nil
		}

		clientPayload, completed, err := client.Next(serverPayload)
		if err != nil {
			return err
		}
		if isDone {
			if completed {
				return nil
			}
			return errors.New("server reported sasl conversation done before client completed")
		}

		conversationID, _ := saslResp.LookupErr("conversationId")
		saslResp, err = runSaslCommand(ctx, cfg, buildSaslContinue(source, conversationID, clientPayload))
		if err != nil {
			return err
		}
	}
}

func binaryBytes(v bsoncore.Value) ([]byte, bool) {
	if v.Type != bsoncore.TypeBinary || len(v.Data) < 5 {
		return nil, false
	}
	length, rem, ok := readi32(v.Data)
	if !ok || int(length) > len(rem)-1 {
		return nil, false
	}
	return rem[1 : 1+length], true
}

func readi32(src []byte) (int32, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return int32(src[0]) | int32(src[1])<<8 | int32(src[2])<<16 | int32(src[3])<<24, src[4:], true
}

func buildSaslStart(source, mechanism string, payload []byte) []byte {
	var dst []byte
	idx, dst := bsoncore.AppendDocumentStart(dst)
	dst = bsoncore.AppendInt32Element(dst, "saslStart", 1)
	dst = bsoncore.AppendStringElement(dst, "mechanism", mechanism)
	dst = appendBinaryElement(dst, "payload", payload)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

func buildSaslContinue(source string, conversationID bsoncore.Value, payload []byte) []byte {
	var dst []byte
	idx, dst := bsoncore.AppendDocumentStart(dst)
	dst = bsoncore.AppendInt32Element(dst, "saslContinue", 1)
	dst = bsoncore.AppendValueElement(dst, "conversationId", conversationID)
	dst = appendBinaryElement(dst, "payload", payload)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

func appendBinaryElement(dst []byte, key string, payload []byte) []byte {
	dst = append(dst, byte(bsoncore.TypeBinary))
	dst = appendCString(dst, key)
	dst = appendi32(dst, int32(len(payload)))
	dst = append(dst, 0x00) // generic binary subtype
	return append(dst, payload...)
}

func appendCString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return append(dst, 0x00)
}

func appendi32(dst []byte, v int32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// runSaslCommand sends a single saslStart/saslContinue command on the
// admin database directly over cfg.Connection and returns its reply.
// Authentication runs on a single freshly-dialed connection before it is
// known to any topology, so it bypasses driver.Operation's server
// selection and talks to the connection directly.
func runSaslCommand(ctx context.Context, cfg *Config, command bsoncore.Document) (bsoncore.Document, error) {
	full := appendDB(command, "admin")

	var wm []byte
	idx, wm := wiremessage.AppendHeaderStart(wm, nextRequestID(), 0, wiremessage.OpMsg)
	wm = wiremessage.AppendMsgFlags(wm, 0)
	wm = wiremessage.AppendMsgSectionSingleDocument(wm, full)
	wm = wiremessage.UpdateLength(wm, idx)

	if err := cfg.Connection.WriteWireMessage(ctx, wm); err != nil {
		return nil, err
	}
	reply, err := cfg.Connection.ReadWireMessage(ctx)
	if err != nil {
		return nil, err
	}

	_, rem, ok := wiremessage.ReadHeader(reply)
	if !ok {
		return nil, errors.New("malformed sasl reply header")
	}
	_, rem, ok = wiremessage.ReadMsgFlags(rem)
	if !ok {
		return nil, errors.New("malformed sasl reply flags")
	}
	doc, _, ok := wiremessage.ReadMsgSectionSingleDocument(rem)
	if !ok {
		return nil, errors.New("malformed sasl reply section")
	}

	if ok, err := doc.LookupErr("ok"); err == nil {
		if f, isF := ok.DoubleOK(); isF && f == 1 {
			return doc, nil
		}
		if i, isI := ok.Int32OK(); isI && i == 1 {
			return doc, nil
		}
	}

	msg := "sasl authentication command failed"
	if m, err := doc.LookupErr("errmsg"); err == nil {
		if s, ok := m.StringOK(); ok {
			msg = s
		}
	}
	return nil, errors.New(msg)
}

func appendDB(cmd bsoncore.Document, db string) bsoncore.Document {
	dst := make([]byte, 0, len(cmd)+32)
	idx, dst := bsoncore.AppendDocumentStart(dst)
	dst = append(dst, cmd[4:len(cmd)-1]...)
	dst = bsoncore.AppendStringElement(dst, "$db", db)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}
