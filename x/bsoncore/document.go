package bsoncore

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// Document is a raw, unvalidated BSON document: a 4-byte little-endian
// length prefix, a sequence of elements, and a trailing null byte.
type Document []byte

// NewDocumentFromReader reads one length-prefixed BSON document from r.
func NewDocumentFromReader(r io.Reader) (Document, error) {
	return newBufferFromReader(r)
}

func newBufferFromReader(r io.Reader) ([]byte, error) {
	var lengthBytes [4]byte
	if _, err := io.ReadFull(r, lengthBytes[:]); err != nil {
		return nil, err
	}
	length, _, ok := ReadLength(lengthBytes[:])
	if !ok || length < 4 {
		return nil, fmt.Errorf("invalid document length")
	}
	buf := make([]byte, length)
	copy(buf, lengthBytes[:])
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		return nil, err
	}
	return buf, nil
}

// Len returns the document's declared length, or -1 if it cannot be read.
func (d Document) Len() int32 {
	length, _, ok := ReadLength(d)
	if !ok {
		return -1
	}
	return length
}

// Elements returns the document's elements in order.
func (d Document) Elements() ([]Element, error) {
	if len(d) < 5 {
		return nil, NewInsufficientBytesError(d, nil)
	}
	length, rem, _ := ReadLength(d)
	length -= 4

	var elems []Element
	var elem Element
	var ok bool
	for length > 1 {
		elem, rem, ok = ReadElement(rem)
		if !ok {
			return elems, NewInsufficientBytesError(d, rem)
		}
		length -= int32(len(elem))
		elems = append(elems, elem)
	}
	return elems, nil
}

// Lookup searches for key and panics if it isn't found or the document is
// malformed. Prefer LookupErr outside of test code.
func (d Document) Lookup(key string) Value {
	v, err := d.LookupErr(key)
	if err != nil {
		panic(err)
	}
	return v
}

// LookupErr searches the top level of d for an element with the given key.
func (d Document) LookupErr(key string) (Value, error) {
	elems, err := d.Elements()
	if err != nil {
		return Value{}, err
	}
	for _, elem := range elems {
		if k, ok := elem.Key(); ok && k == key {
			return elem.Value(), nil
		}
	}
	return Value{}, fmt.Errorf("key %q not found in document", key)
}

// Validate checks that d is a well-formed BSON document.
func (d Document) Validate() error {
	length, rem, ok := ReadLength(d)
	if !ok {
		return NewInsufficientBytesError(d, rem)
	}
	if int(length) > len(d) {
		return lengthError("document", int(length), len(d))
	}
	if d[length-1] != 0x00 {
		return ErrMissingNull
	}

	length -= 4
	var elem Element
	for length > 1 {
		elem, rem, ok = ReadElement(rem)
		if !ok {
			return NewInsufficientBytesError(d, rem)
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

// String renders the document as an extended-JSON-ish string.
func (d Document) String() string {
	if len(d) < 5 {
		return ""
	}
	var buf bytes.Buffer
	buf.WriteByte('{')

	length, rem, _ := ReadLength(d)
	length -= 4

	first := true
	var elem Element
	var ok bool
	for length > 1 {
		if !first {
			buf.WriteByte(',')
		}
		elem, rem, ok = ReadElement(rem)
		if !ok {
			return ""
		}
		length -= int32(len(elem))
		fmt.Fprint(&buf, elem.String())
		first = false
	}
	buf.WriteByte('}')
	return buf.String()
}

// DebugString renders d with type tags visible, tolerating malformed
// trailing bytes.
func (d Document) DebugString() string {
	if len(d) < 5 {
		return "<malformed>"
	}
	var buf bytes.Buffer
	buf.WriteString("Document")
	length, rem, _ := ReadLength(d)
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
