package bsoncore

import "fmt"

// Value is a BSON value: a type tag paired with its raw encoded bytes (not
// including any element key).
type Value struct {
	Type Type
	Data []byte
}

// StringOK returns the value as a string if it is of type TypeString.
func (v Value) StringOK() (string, bool) {
	if v.Type != TypeString {
		return "", false
	}
	return readStringValue(v.Data)
}

// Int32OK returns the value as an int32 if it is of type TypeInt32.
func (v Value) Int32OK() (int32, bool) {
	if v.Type != TypeInt32 {
		return 0, false
	}
	i, _, ok := readi32(v.Data)
	return i, ok
}

// Int64OK returns the value as an int64 if it is of type TypeInt64.
func (v Value) Int64OK() (int64, bool) {
	if v.Type != TypeInt64 {
		return 0, false
	}
	i, _, ok := readi64(v.Data)
	return i, ok
}

// DoubleOK returns the value as a float64 if it is of type TypeDouble.
func (v Value) DoubleOK() (float64, bool) {
	if v.Type != TypeDouble {
		return 0, false
	}
	f, _, ok := readf64(v.Data)
	return f, ok
}

// BooleanOK returns the value as a bool if it is of type TypeBoolean.
func (v Value) BooleanOK() (bool, bool) {
	if v.Type != TypeBoolean || len(v.Data) < 1 {
		return false, false
	}
	return v.Data[0] == 0x01, true
}

// DocumentOK returns the value as a Document if it is of type
// TypeEmbeddedDocument.
func (v Value) DocumentOK() (Document, bool) {
	if v.Type != TypeEmbeddedDocument {
		return nil, false
	}
	return Document(v.Data), true
}

// ArrayOK returns the value as an Array if it is of type TypeArray.
func (v Value) ArrayOK() (Array, bool) {
	if v.Type != TypeArray {
		return nil, false
	}
	return Array(v.Data), true
}

// ObjectIDOK returns the value as an ObjectID if it is of type
// TypeObjectID.
func (v Value) ObjectIDOK() (ObjectID, bool) {
	if v.Type != TypeObjectID || len(v.Data) < 12 {
		return ObjectID{}, false
	}
	var oid ObjectID
	copy(oid[:], v.Data[:12])
	return oid, true
}

// IsZero reports whether v is the zero Value (e.g. a failed lookup).
func (v Value) IsZero() bool {
	return v.Type == 0 && v.Data == nil
}

// String renders v as a short debug/extended-JSON-ish string. It is not a
// faithful extended JSON encoder, only a human-readable approximation used
// for logging and debugging.
func (v Value) String() string {
	switch v.Type {
	case TypeString:
		s, _ := v.StringOK()
		return fmt.Sprintf("%q", s)
	case TypeInt32:
		i, _ := v.Int32OK()
		return fmt.Sprintf("%d", i)
	case TypeInt64:
		i, _ := v.Int64OK()
		return fmt.Sprintf("%d", i)
	case TypeDouble:
		f, _ := v.DoubleOK()
		return fmt.Sprintf("%v", f)
	case TypeBoolean:
		b, _ := v.BooleanOK()
		return fmt.Sprintf("%v", b)
	case TypeEmbeddedDocument:
		d, _ := v.DocumentOK()
		return d.String()
	case TypeArray:
		a, _ := v.ArrayOK()
		return a.String()
	case TypeObjectID:
		oid, _ := v.ObjectIDOK()
		return oid.Hex()
	case TypeNull:
		return "null"
	default:
		return fmt.Sprintf("<%x>", v.Data)
	}
}

// DebugString renders v with its type tag visible, for malformed-document
// diagnostics.
func (v Value) DebugString() string {
	return fmt.Sprintf("%v(%v)", v.Type, v.String())
}

func readStringValue(data []byte) (string, bool) {
	length, rem, ok := readi32(data)
	if !ok || int(length) > len(rem) || length < 1 {
		return "", false
	}
	return string(rem[:length-1]), true
}
