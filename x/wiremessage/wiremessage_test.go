// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"testing"

	"github.com/meridiandb/go-driver-core/x/bsoncore"
)

func buildDoc(t *testing.T, build func(dst []byte) []byte) bsoncore.Document {
	t.Helper()
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = build(dst)
	dst, err := bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		t.Fatalf("AppendDocumentEnd: %v", err)
	}
	return bsoncore.Document(dst)
}

func TestAppendInsertRoundTrip(t *testing.T) {
	doc := buildDoc(t, func(dst []byte) []byte {
		return bsoncore.AppendInt32Element(dst, "x", 1)
	})

	var wm []byte
	idx, wm := AppendHeaderStart(wm, 7, 0, OpInsert)
	wm = AppendInsertFlags(wm, ContinueOnError)
	wm = AppendInsertFullCollectionName(wm, "db.coll")
	wm = AppendInsertDocument(wm, doc)
	wm = UpdateLength(wm, idx)

	header, rem, ok := ReadHeader(wm)
	if !ok {
		t.Fatal("ReadHeader() ok = false")
	}
	if header.OpCode != OpInsert {
		t.Errorf("OpCode = %v, want OpInsert", header.OpCode)
	}
	if header.RequestID != 7 {
		t.Errorf("RequestID = %d, want 7", header.RequestID)
	}
	if int(header.Length) != len(wm) {
		t.Errorf("Length = %d, want %d", header.Length, len(wm))
	}

	flags, rem, ok := readi32(rem)
	if !ok || InsertFlag(flags) != ContinueOnError {
		t.Errorf("flags = %d, want ContinueOnError", flags)
	}

	name, rem, ok := readCString(rem)
	if !ok || name != "db.coll" {
		t.Errorf("fullCollectionName = %q, ok=%v, want db.coll", name, ok)
	}

	if len(rem) != len(doc) {
		t.Fatalf("remaining bytes = %d, want %d (the document)", len(rem), len(doc))
	}
}

func TestAppendUpdateRoundTrip(t *testing.T) {
	selector := buildDoc(t, func(dst []byte) []byte {
		return bsoncore.AppendInt32Element(dst, "_id", 1)
	})
	update := buildDoc(t, func(dst []byte) []byte {
		return bsoncore.AppendInt32Element(dst, "$set", 2)
	})

	var wm []byte
	idx, wm := AppendHeaderStart(wm, 0, 0, OpUpdate)
	wm = AppendUpdateZero(wm)
	wm = AppendUpdateFullCollectionName(wm, "db.coll")
	wm = AppendUpdateFlags(wm, Upsert|MultiUpdate)
	wm = AppendUpdateSelector(wm, selector)
	wm = AppendUpdateUpdate(wm, update)
	wm = UpdateLength(wm, idx)

	header, rem, ok := ReadHeader(wm)
	if !ok || header.OpCode != OpUpdate {
		t.Fatalf("ReadHeader() = %+v, ok=%v, want OpUpdate", header, ok)
	}

	zero, rem, ok := readi32(rem)
	if !ok || zero != 0 {
		t.Errorf("reserved field = %d, want 0", zero)
	}

	name, rem, ok := readCString(rem)
	if !ok || name != "db.coll" {
		t.Errorf("fullCollectionName = %q, want db.coll", name)
	}

	flags, rem, ok := readi32(rem)
	if !ok || UpdateFlag(flags) != Upsert|MultiUpdate {
		t.Errorf("flags = %d, want Upsert|MultiUpdate", flags)
	}

	if len(rem) != len(selector)+len(update) {
		t.Fatalf("remaining bytes = %d, want %d (selector+update)", len(rem), len(selector)+len(update))
	}
}

func TestAppendDeleteRoundTrip(t *testing.T) {
	selector := buildDoc(t, func(dst []byte) []byte {
		return bsoncore.AppendInt32Element(dst, "_id", 1)
	})

	var wm []byte
	idx, wm := AppendHeaderStart(wm, 0, 0, OpDelete)
	wm = AppendDeleteZero(wm)
	wm = AppendDeleteFullCollectionName(wm, "db.coll")
	wm = AppendDeleteFlags(wm, SingleRemove)
	wm = AppendDeleteSelector(wm, selector)
	wm = UpdateLength(wm, idx)

	header, rem, ok := ReadHeader(wm)
	if !ok || header.OpCode != OpDelete {
		t.Fatalf("ReadHeader() = %+v, ok=%v, want OpDelete", header, ok)
	}

	zero, rem, ok := readi32(rem)
	if !ok || zero != 0 {
		t.Errorf("reserved field = %d, want 0", zero)
	}

	name, rem, ok := readCString(rem)
	if !ok || name != "db.coll" {
		t.Errorf("fullCollectionName = %q, want db.coll", name)
	}

	flags, rem, ok := readi32(rem)
	if !ok || DeleteFlag(flags) != SingleRemove {
		t.Errorf("flags = %d, want SingleRemove", flags)
	}

	if len(rem) != len(selector) {
		t.Fatalf("remaining bytes = %d, want %d (selector)", len(rem), len(selector))
	}
}

// readCString reads a null-terminated string, mirroring how
// AppendQueryFullCollectionName encodes the cstring fields shared by
// OP_QUERY, OP_INSERT, OP_UPDATE, and OP_DELETE.
func readCString(src []byte) (string, []byte, bool) {
	for i, b := range src {
		if b == 0x00 {
			return string(src[:i]), src[i+1:], true
		}
	}
	return "", src, false
}

func TestReplyRoundTrip(t *testing.T) {
	doc := buildDoc(t, func(dst []byte) []byte {
		return bsoncore.AppendStringElement(dst, "ok", "1")
	})

	var wm []byte
	idx, wm := AppendHeaderStart(wm, 0, 3, OpReply)
	wm = appendi32(wm, 0)    // responseFlags
	wm = appendi64(wm, 0)    // cursorID
	wm = appendi32(wm, 0)    // startingFrom
	wm = appendi32(wm, 1)    // numberReturned
	wm = append(wm, doc...)
	wm = UpdateLength(wm, idx)

	header, rem, ok := ReadHeader(wm)
	if !ok || header.OpCode != OpReply || header.ResponseTo != 3 {
		t.Fatalf("ReadHeader() = %+v, ok=%v", header, ok)
	}

	_, rem, ok = ReadReplyResponseFlags(rem)
	if !ok {
		t.Fatal("ReadReplyResponseFlags() ok = false")
	}
	_, rem, ok = ReadReplyCursorID(rem)
	if !ok {
		t.Fatal("ReadReplyCursorID() ok = false")
	}
	_, rem, ok = ReadReplyStartingFrom(rem)
	if !ok {
		t.Fatal("ReadReplyStartingFrom() ok = false")
	}
	n, rem, ok := ReadReplyNumberReturned(rem)
	if !ok || n != 1 {
		t.Fatalf("ReadReplyNumberReturned() = %d, ok=%v, want 1", n, ok)
	}
	got, _, ok := ReadReplyDocument(rem)
	if !ok {
		t.Fatal("ReadReplyDocument() ok = false")
	}
	if string(got) != string(doc) {
		t.Errorf("document = %v, want %v", []byte(got), []byte(doc))
	}
}

func appendi64(dst []byte, v int64) []byte {
	return append(dst,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}
