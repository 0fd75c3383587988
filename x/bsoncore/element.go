package bsoncore

import "fmt"

// Element is the raw bytes of a single BSON document element: a type tag,
// a cstring key, and the value bytes.
type Element []byte

// Key returns the element's key.
func (e Element) Key() (string, bool) {
	if len(e) < 2 {
		return "", false
	}
	idx := 1
	for idx < len(e) && e[idx] != 0x00 {
		idx++
	}
	if idx >= len(e) {
		return "", false
	}
	return string(e[1:idx]), true
}

// Value returns the element's value.
func (e Element) Value() Value {
	_, valOffset, ok := e.keyOffset()
	if !ok {
		return Value{}
	}
	typ := Type(e[0])
	length := valueLength(typ, e[valOffset:])
	end := valOffset + length
	if end > len(e) {
		end = len(e)
	}
	return Value{Type: typ, Data: e[valOffset:end]}
}

func (e Element) keyOffset() (string, int, bool) {
	if len(e) < 2 {
		return "", 0, false
	}
	idx := 1
	for idx < len(e) && e[idx] != 0x00 {
		idx++
	}
	if idx >= len(e) {
		return "", 0, false
	}
	return string(e[1:idx]), idx + 1, true
}

// Validate reports whether e decodes as a well-formed element.
func (e Element) Validate() error {
	_, valOffset, ok := e.keyOffset()
	if !ok {
		return NewInsufficientBytesError([]byte(e), nil)
	}
	typ := Type(e[0])
	length := valueLength(typ, e[valOffset:])
	if valOffset+length > len(e) {
		return lengthError("element", valOffset+length, len(e))
	}
	return nil
}

// String renders the element as "key: value".
func (e Element) String() string {
	key, _ := e.Key()
	return fmt.Sprintf("%q: %s", key, e.Value().String())
}

// DebugString renders the element with its type tag visible.
func (e Element) DebugString() string {
	key, _ := e.Key()
	return fmt.Sprintf("%q: %s", key, e.Value().DebugString())
}

// ReadElement reads a single element from the front of src, returning the
// element, the remaining bytes, and whether the read succeeded.
func ReadElement(src []byte) (Element, []byte, bool) {
	if len(src) < 2 {
		return nil, src, false
	}
	typ := Type(src[0])
	idx := 1
	for idx < len(src) && src[idx] != 0x00 {
		idx++
	}
	if idx >= len(src) {
		return nil, src, false
	}
	valOffset := idx + 1
	length := valueLength(typ, src[valOffset:])
	end := valOffset + length
	if end > len(src) {
		return nil, src, false
	}
	return Element(src[:end]), src[end:], true
}

// valueLength returns the number of bytes occupied by a value of type typ,
// given the bytes starting at the value (not including the type tag or
// key). It returns a length that may exceed len(data) if data is
// insufficient; callers must bounds-check.
func valueLength(typ Type, data []byte) int {
	switch typ {
	case TypeDouble, TypeInt64, TypeDateTime, TypeTimestamp:
		return 8
	case TypeInt32:
		return 4
	case TypeBoolean:
		return 1
	case TypeNull:
		return 0
	case TypeObjectID:
		return 12
	case TypeString:
		if l, _, ok := readi32(data); ok {
			return 4 + int(l)
		}
		return len(data) + 1
	case TypeEmbeddedDocument, TypeArray:
		if l, _, ok := readi32(data); ok {
			return int(l)
		}
		return len(data) + 1
	case TypeBinary:
		if l, _, ok := readi32(data); ok {
			return 4 + 1 + int(l)
		}
		return len(data) + 1
	default:
		return len(data)
	}
}
