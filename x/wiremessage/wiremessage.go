// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package wiremessage provides encoders and decoders for the wire protocol
// message header and its OP_QUERY, OP_REPLY, OP_MSG, and OP_COMPRESSED
// bodies.
package wiremessage

import (
	"encoding/binary"
	"errors"

	"github.com/meridiandb/go-driver-core/x/bsoncore"
)

// OpCode is the operation code carried in a wire message header.
type OpCode int32

// Wire protocol operation codes.
const (
	OpReply       OpCode = 1
	OpUpdate      OpCode = 2001
	OpInsert      OpCode = 2002
	OpQuery       OpCode = 2004
	OpGetMore     OpCode = 2005
	OpDelete      OpCode = 2006
	OpKillCursors OpCode = 2007
	OpCompressed  OpCode = 2012
	OpMsg         OpCode = 2013
)

func (c OpCode) String() string {
	switch c {
	case OpReply:
		return "OP_REPLY"
	case OpUpdate:
		return "OP_UPDATE"
	case OpInsert:
		return "OP_INSERT"
	case OpQuery:
		return "OP_QUERY"
	case OpGetMore:
		return "OP_GET_MORE"
	case OpDelete:
		return "OP_DELETE"
	case OpKillCursors:
		return "OP_KILL_CURSORS"
	case OpCompressed:
		return "OP_COMPRESSED"
	case OpMsg:
		return "OP_MSG"
	default:
		return "OP_INVALID"
	}
}

// headerLen is the fixed 16-byte message header length.
const headerLen = 16

// ErrMalformedMessage is returned when a wire message is too short for its
// declared length, or its declared length is too short to be valid.
var ErrMalformedMessage = errors.New("malformed wire message")

// Header is the fixed 16-byte prefix present on every wire message.
type Header struct {
	Length     int32
	RequestID  int32
	ResponseTo int32
	OpCode     OpCode
}

// AppendHeaderStart reserves space for and begins writing a message header,
// returning the index of the length field (to be backfilled once the full
// message is built) along with dst.
func AppendHeaderStart(dst []byte, requestID, responseTo int32, opcode OpCode) (int32, []byte) {
	idx := int32(len(dst))
	dst = appendi32(dst, 0) // length, backfilled later
	dst = appendi32(dst, requestID)
	dst = appendi32(dst, responseTo)
	dst = appendi32(dst, int32(opcode))
	return idx, dst
}

// UpdateLength backfills the length field reserved by AppendHeaderStart.
func UpdateLength(dst []byte, idx int32) []byte {
	length := int32(len(dst)) - idx
	binary.LittleEndian.PutUint32(dst[idx:idx+4], uint32(length))
	return dst
}

// ReadHeader reads the 16-byte header from the front of src.
func ReadHeader(src []byte) (Header, []byte, bool) {
	if len(src) < headerLen {
		return Header{}, src, false
	}
	length, rem, _ := readi32(src)
	requestID, rem, _ := readi32(rem)
	responseTo, rem, _ := readi32(rem)
	opcode, rem, _ := readi32(rem)
	return Header{
		Length:     length,
		RequestID:  requestID,
		ResponseTo: responseTo,
		OpCode:     OpCode(opcode),
	}, rem, true
}

func appendi32(dst []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(v))
}

func readi32(src []byte) (int32, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return int32(binary.LittleEndian.Uint32(src)), src[4:], true
}

// SectionKind is the kind byte prefixing each OP_MSG section.
type SectionKind byte

// OP_MSG section kinds.
const (
	SingleDocument SectionKind = 0
	DocumentSequence SectionKind = 1
)

// MsgFlag is a bit in the OP_MSG flagBits field.
type MsgFlag uint32

// OP_MSG flag bits.
const (
	ChecksumPresent MsgFlag = 1 << 0
	MoreToCome      MsgFlag = 1 << 1
	ExhaustAllowed  MsgFlag = 1 << 16
)

// AppendMsgFlags appends the OP_MSG flagBits field.
func AppendMsgFlags(dst []byte, flags MsgFlag) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(flags))
}

// ReadMsgFlags reads the OP_MSG flagBits field.
func ReadMsgFlags(src []byte) (MsgFlag, []byte, bool) {
	v, rem, ok := readi32(src)
	return MsgFlag(v), rem, ok
}

// AppendMsgSectionSingleDocument appends a type-0 OP_MSG section wrapping
// doc.
func AppendMsgSectionSingleDocument(dst []byte, doc bsoncore.Document) []byte {
	dst = append(dst, byte(SingleDocument))
	return append(dst, doc...)
}

// ReadMsgSectionSingleDocument reads a type-0 OP_MSG section from the front
// of src.
func ReadMsgSectionSingleDocument(src []byte) (bsoncore.Document, []byte, bool) {
	if len(src) < 1 || SectionKind(src[0]) != SingleDocument {
		return nil, src, false
	}
	rest := src[1:]
	length, _, ok := readi32(rest)
	if !ok || int(length) > len(rest) {
		return nil, src, false
	}
	return bsoncore.Document(rest[:length]), rest[length:], true
}

// QueryFlag is a bit in the OP_QUERY flags field.
type QueryFlag int32

// OP_QUERY flag bits.
const (
	TailableCursor  QueryFlag = 1 << 1
	SlaveOK         QueryFlag = 1 << 2
	NoCursorTimeout QueryFlag = 1 << 4
	AwaitData       QueryFlag = 1 << 5
	Exhaust         QueryFlag = 1 << 6
	Partial         QueryFlag = 1 << 7
)

// AppendQueryFlags appends the OP_QUERY flags field.
func AppendQueryFlags(dst []byte, flags QueryFlag) []byte {
	return appendi32(dst, int32(flags))
}

// AppendQueryFullCollectionName appends the OP_QUERY fullCollectionName
// field.
func AppendQueryFullCollectionName(dst []byte, name string) []byte {
	dst = append(dst, name...)
	return append(dst, 0x00)
}

// AppendQueryNumberToSkip appends the OP_QUERY numberToSkip field.
func AppendQueryNumberToSkip(dst []byte, skip int32) []byte {
	return appendi32(dst, skip)
}

// AppendQueryNumberToReturn appends the OP_QUERY numberToReturn field.
func AppendQueryNumberToReturn(dst []byte, n int32) []byte {
	return appendi32(dst, n)
}

// AppendQueryQuery appends the OP_QUERY query document.
func AppendQueryQuery(dst []byte, query bsoncore.Document) []byte {
	return append(dst, query...)
}

// ReadReplyResponseFlags reads the OP_REPLY responseFlags field.
func ReadReplyResponseFlags(src []byte) (int32, []byte, bool) {
	return readi32(src)
}

// ReadReplyCursorID reads the OP_REPLY cursorID field.
func ReadReplyCursorID(src []byte) (int64, []byte, bool) {
	if len(src) < 8 {
		return 0, src, false
	}
	return int64(binary.LittleEndian.Uint64(src)), src[8:], true
}

// ReadReplyStartingFrom reads the OP_REPLY startingFrom field.
func ReadReplyStartingFrom(src []byte) (int32, []byte, bool) {
	return readi32(src)
}

// ReadReplyNumberReturned reads the OP_REPLY numberReturned field.
func ReadReplyNumberReturned(src []byte) (int32, []byte, bool) {
	return readi32(src)
}

// ReadReplyDocument reads a single document out of an OP_REPLY's document
// sequence.
func ReadReplyDocument(src []byte) (bsoncore.Document, []byte, bool) {
	length, _, ok := readi32(src)
	if !ok || int(length) > len(src) {
		return nil, src, false
	}
	return bsoncore.Document(src[:length]), src[length:], true
}

// InsertFlag is a bit in the OP_INSERT flags field.
type InsertFlag int32

// OP_INSERT flag bits.
const ContinueOnError InsertFlag = 1 << 0

// AppendInsertFlags appends the OP_INSERT flags field.
func AppendInsertFlags(dst []byte, flags InsertFlag) []byte {
	return appendi32(dst, int32(flags))
}

// AppendInsertFullCollectionName appends the OP_INSERT fullCollectionName field.
func AppendInsertFullCollectionName(dst []byte, name string) []byte {
	return AppendQueryFullCollectionName(dst, name)
}

// AppendInsertDocument appends one document to an OP_INSERT's document
// sequence; callers append one per document to insert.
func AppendInsertDocument(dst []byte, doc bsoncore.Document) []byte {
	return append(dst, doc...)
}

// UpdateFlag is a bit in the OP_UPDATE flags field.
type UpdateFlag int32

// OP_UPDATE flag bits.
const (
	Upsert      UpdateFlag = 1 << 0
	MultiUpdate UpdateFlag = 1 << 1
)

// AppendUpdateZero appends the OP_UPDATE reserved int32 field.
func AppendUpdateZero(dst []byte) []byte { return appendi32(dst, 0) }

// AppendUpdateFullCollectionName appends the OP_UPDATE fullCollectionName field.
func AppendUpdateFullCollectionName(dst []byte, name string) []byte {
	return AppendQueryFullCollectionName(dst, name)
}

// AppendUpdateFlags appends the OP_UPDATE flags field.
func AppendUpdateFlags(dst []byte, flags UpdateFlag) []byte {
	return appendi32(dst, int32(flags))
}

// AppendUpdateSelector appends the OP_UPDATE selector document.
func AppendUpdateSelector(dst []byte, selector bsoncore.Document) []byte {
	return append(dst, selector...)
}

// AppendUpdateUpdate appends the OP_UPDATE update document.
func AppendUpdateUpdate(dst []byte, update bsoncore.Document) []byte {
	return append(dst, update...)
}

// DeleteFlag is a bit in the OP_DELETE flags field.
type DeleteFlag int32

// OP_DELETE flag bits.
const SingleRemove DeleteFlag = 1 << 0

// AppendDeleteZero appends the OP_DELETE reserved int32 field.
func AppendDeleteZero(dst []byte) []byte { return appendi32(dst, 0) }

// AppendDeleteFullCollectionName appends the OP_DELETE fullCollectionName field.
func AppendDeleteFullCollectionName(dst []byte, name string) []byte {
	return AppendQueryFullCollectionName(dst, name)
}

// AppendDeleteFlags appends the OP_DELETE flags field.
func AppendDeleteFlags(dst []byte, flags DeleteFlag) []byte {
	return appendi32(dst, int32(flags))
}

// AppendDeleteSelector appends the OP_DELETE selector document.
func AppendDeleteSelector(dst []byte, selector bsoncore.Document) []byte {
	return append(dst, selector...)
}
