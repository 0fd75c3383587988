// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package bsoncore provides a minimal, allocation-conscious byte-slice
// encoder and reader for BSON documents. It exists so the wire protocol and
// handshake/command builders in this module can construct and inspect
// command documents without pulling in a full reflective BSON struct codec,
// which is out of scope for this module.
package bsoncore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Type is a BSON element type tag.
type Type byte

// BSON type tags, per the wire specification.
const (
	TypeDouble          Type = 0x01
	TypeString          Type = 0x02
	TypeEmbeddedDocument Type = 0x03
	TypeArray           Type = 0x04
	TypeBinary          Type = 0x05
	TypeObjectID        Type = 0x07
	TypeBoolean         Type = 0x08
	TypeDateTime        Type = 0x09
	TypeNull            Type = 0x0A
	TypeInt32           Type = 0x10
	TypeTimestamp       Type = 0x11
	TypeInt64           Type = 0x12
)

// ErrMissingNull is returned when a document or array is missing its
// trailing null byte.
var ErrMissingNull = errors.New("document or array is missing trailing null byte")

// InsufficientBytesError is returned when there are not enough bytes to
// read a complete value.
type InsufficientBytesError struct {
	Src    []byte
	Remain []byte
}

// NewInsufficientBytesError constructs an InsufficientBytesError.
func NewInsufficientBytesError(src, remain []byte) error {
	return InsufficientBytesError{Src: src, Remain: remain}
}

func (e InsufficientBytesError) Error() string {
	return "too few bytes to read the next value"
}

func lengthError(kind string, length, available int) error {
	return fmt.Errorf("%s length %d exceeds available bytes %d", kind, length, available)
}

// ReadLength reads the 4-byte little-endian length prefix from src.
func ReadLength(src []byte) (int32, []byte, bool) {
	return readi32(src)
}

func readi32(src []byte) (int32, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return int32(binary.LittleEndian.Uint32(src)), src[4:], true
}

func readi64(src []byte) (int64, []byte, bool) {
	if len(src) < 8 {
		return 0, src, false
	}
	return int64(binary.LittleEndian.Uint64(src)), src[8:], true
}

func readf64(src []byte) (float64, []byte, bool) {
	i, rem, ok := readi64(src)
	return math.Float64frombits(uint64(i)), rem, ok
}

func appendi32(dst []byte, i32 int32) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(i32))
}

func appendi64(dst []byte, i64 int64) []byte {
	return binary.LittleEndian.AppendUint64(dst, uint64(i64))
}

func appendf64(dst []byte, f float64) []byte {
	return binary.LittleEndian.AppendUint64(dst, math.Float64bits(f))
}

func appendCString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return append(dst, 0x00)
}

func appendString(dst []byte, s string) []byte {
	dst = appendi32(dst, int32(len(s)+1))
	dst = append(dst, s...)
	return append(dst, 0x00)
}
