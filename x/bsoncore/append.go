package bsoncore

// AppendDocumentStart reserves the length prefix of a new document in dst
// and returns the index of that prefix along with dst. Callers append
// elements and then call AppendDocumentEnd with idx.
func AppendDocumentStart(dst []byte) (int32, []byte) {
	idx := len(dst)
	return int32(idx), append(dst, 0x00, 0x00, 0x00, 0x00)
}

// AppendDocumentEnd writes the trailing null byte and backfills the length
// prefix reserved at idx by AppendDocumentStart.
func AppendDocumentEnd(dst []byte, idx int32) ([]byte, error) {
	if int(idx) < 0 || int(idx)+4 > len(dst) {
		return dst, ErrMissingNull
	}
	dst = append(dst, 0x00)
	length := int32(len(dst) - int(idx))
	copy(dst[idx:idx+4], appendi32(nil, length))
	return dst, nil
}

// AppendArrayStart reserves the length prefix of a new array.
func AppendArrayStart(dst []byte) (int32, []byte) {
	return AppendDocumentStart(dst)
}

// AppendArrayEnd closes an array opened with AppendArrayStart.
func AppendArrayEnd(dst []byte, idx int32) ([]byte, error) {
	return AppendDocumentEnd(dst, idx)
}

func appendHeader(dst []byte, t Type, key string) []byte {
	dst = append(dst, byte(t))
	return appendCString(dst, key)
}

// AppendDoubleElement appends a double-valued element.
func AppendDoubleElement(dst []byte, key string, f float64) []byte {
	dst = appendHeader(dst, TypeDouble, key)
	return appendf64(dst, f)
}

// AppendStringElement appends a string-valued element.
func AppendStringElement(dst []byte, key, val string) []byte {
	dst = appendHeader(dst, TypeString, key)
	return appendString(dst, val)
}

// AppendDocumentElement appends doc as an embedded-document-valued
// element.
func AppendDocumentElement(dst []byte, key string, doc []byte) []byte {
	dst = appendHeader(dst, TypeEmbeddedDocument, key)
	return append(dst, doc...)
}

// AppendDocumentElementStart begins an embedded-document-valued element
// and returns the index for AppendDocumentEnd.
func AppendDocumentElementStart(dst []byte, key string) (int32, []byte) {
	dst = appendHeader(dst, TypeEmbeddedDocument, key)
	return AppendDocumentStart(dst)
}

// AppendArrayElement appends arr as an array-valued element.
func AppendArrayElement(dst []byte, key string, arr []byte) []byte {
	dst = appendHeader(dst, TypeArray, key)
	return append(dst, arr...)
}

// AppendArrayElementStart begins an array-valued element.
func AppendArrayElementStart(dst []byte, key string) (int32, []byte) {
	dst = appendHeader(dst, TypeArray, key)
	return AppendArrayStart(dst)
}

// AppendBooleanElement appends a boolean-valued element.
func AppendBooleanElement(dst []byte, key string, b bool) []byte {
	dst = appendHeader(dst, TypeBoolean, key)
	if b {
		return append(dst, 0x01)
	}
	return append(dst, 0x00)
}

// AppendInt32Element appends an int32-valued element.
func AppendInt32Element(dst []byte, key string, i32 int32) []byte {
	dst = appendHeader(dst, TypeInt32, key)
	return appendi32(dst, i32)
}

// AppendInt64Element appends an int64-valued element.
func AppendInt64Element(dst []byte, key string, i64 int64) []byte {
	dst = appendHeader(dst, TypeInt64, key)
	return appendi64(dst, i64)
}

// AppendDateTimeElement appends a UTC datetime-valued element, dt being
// milliseconds since the Unix epoch.
func AppendDateTimeElement(dst []byte, key string, dt int64) []byte {
	dst = appendHeader(dst, TypeDateTime, key)
	return appendi64(dst, dt)
}

// AppendNullElement appends a null-valued element.
func AppendNullElement(dst []byte, key string) []byte {
	return appendHeader(dst, TypeNull, key)
}

// AppendObjectIDElement appends an ObjectID-valued element.
func AppendObjectIDElement(dst []byte, key string, oid ObjectID) []byte {
	dst = appendHeader(dst, TypeObjectID, key)
	return append(dst, oid[:]...)
}

// BuildDocument wraps AppendDocumentStart/End around a fragment-building
// function.
func BuildDocument(dst []byte, build func(dst []byte) []byte) []byte {
	idx, dst := AppendDocumentStart(dst)
	dst = build(dst)
	dst, _ = AppendDocumentEnd(dst, idx)
	return dst
}

// AppendValueElement appends an already-typed Value as an element.
func AppendValueElement(dst []byte, key string, v Value) []byte {
	dst = appendHeader(dst, v.Type, key)
	return append(dst, v.Data...)
}
