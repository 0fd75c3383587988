// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bsoncore

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// Array is a raw bytes representation of a BSON array: structurally a
// document whose keys are the string indices "0", "1", ....
type Array []byte

// NewArrayFromReader reads an array from r, validating only that its
// length prefix and trailing null byte are present.
func NewArrayFromReader(r io.Reader) (Array, error) {
	return newBufferFromReader(r)
}

// Index retrieves the element at index, panicking if the array is
// malformed or index is out of bounds.
func (a Array) Index(index uint) Element {
	elem, err := indexErr(a, index)
	if err != nil {
		panic(err)
	}
	return elem
}

// IndexErr retrieves the element at index.
func (a Array) IndexErr(index uint) (Element, error) {
	return indexErr(a, index)
}

func indexErr(a []byte, index uint) (Element, error) {
	length, rem, ok := ReadLength(a)
	if !ok {
		return nil, NewInsufficientBytesError(a, rem)
	}
	length -= 4

	var current uint
	var elem Element
	for length > 1 {
		elem, rem, ok = ReadElement(rem)
		if !ok {
			return nil, NewInsufficientBytesError(a, rem)
		}
		length -= int32(len(elem))
		if current == index {
			return elem, nil
		}
		current++
	}
	return nil, fmt.Errorf("index %d out of bounds", index)
}

// DebugString outputs a human readable version of Array, tolerating
// malformed trailing bytes.
func (a Array) DebugString() string {
	if len(a) < 5 {
		return "<malformed>"
	}
	var buf bytes.Buffer
	buf.WriteString("Array")
	length, rem, _ := ReadLength(a)
	buf.WriteByte('(')
	buf.WriteString(strconv.Itoa(int(length)))
	length -= 4
	buf.WriteString(")[")
	var elem Element
	var ok bool
	for length > 1 {
		elem, rem, ok = ReadElement(rem)
		length -= int32(len(elem))
		if !ok {
			buf.WriteString(fmt.Sprintf("<malformed (%d)>", length))
			break
		}
		fmt.Fprintf(&buf, "%s ", elem.DebugString())
	}
	buf.WriteByte(']')
	return buf.String()
}

// String outputs an extended-JSON-ish version of Array, or an empty
// string if the array is malformed.
func (a Array) String() string {
	if len(a) < 5 {
		return ""
	}
	var buf bytes.Buffer
	buf.WriteByte('[')

	length, rem, _ := ReadLength(a)
	length -= 4

	var elem Element
	var ok bool
	first := true
	for length > 1 {
		if !first {
			buf.WriteByte(',')
		}
		elem, rem, ok = ReadElement(rem)
		length -= int32(len(elem))
		if !ok {
			return ""
		}
		fmt.Fprintf(&buf, "%s", elem.Value().String())
		first = false
	}
	buf.WriteByte(']')
	return buf.String()
}

// Values returns the array's elements as a slice of Values.
func (a Array) Values() ([]Value, error) {
	return values(a)
}

func values(a []byte) ([]Value, error) {
	length, rem, ok := ReadLength(a)
	if !ok {
		return nil, NewInsufficientBytesError(a, rem)
	}
	length -= 4

	var vals []Value
	var elem Element
	for length > 1 {
		elem, rem, ok = ReadElement(rem)
		if !ok {
			return vals, NewInsufficientBytesError(a, rem)
		}
		length -= int32(len(elem))
		vals = append(vals, elem.Value())
	}
	return vals, nil
}

// Validate validates the array and the elements it contains.
func (a Array) Validate() error {
	length, rem, ok := ReadLength(a)
	if !ok {
		return NewInsufficientBytesError(a, rem)
	}
	if int(length) > len(a) {
		return lengthError("array", int(length), len(a))
	}
	if a[length-1] != 0x00 {
		return ErrMissingNull
	}

	length -= 4
	var elem Element
	for length > 1 {
		elem, rem, ok = ReadElement(rem)
		if !ok {
			return NewInsufficientBytesError(a, rem)
		}
		length -= int32(len(elem))
		if err := elem.Validate(); err != nil {
			return err
		}
	}
	if len(rem) < 1 || rem[0] != 0x00 {
		return ErrMissingNull
	}
	return nil
}
