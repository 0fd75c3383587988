// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/meridiandb/go-driver-core/driver"
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

func docWithField(t *testing.T, key string, val int32) bsoncore.Document {
	return buildDoc(t, func(dst []byte) []byte {
		return bsoncore.AppendInt32Element(dst, key, val)
	})
}

func TestWriteMerge(t *testing.T) {
	a := NewInsert("db", "coll", docWithField(t, "a", 1))
	b := NewInsert("db", "coll", docWithField(t, "a", 2), docWithField(t, "a", 3))

	if err := a.Merge(b); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if len(a.Models) != 3 {
		t.Errorf("len(Models) = %d, want 3", len(a.Models))
	}
}

func TestWriteMergeMismatch(t *testing.T) {
	tests := []struct {
		name string
		b    *Write
	}{
		{"different db", NewInsert("other", "coll", docWithField(t, "a", 1))},
		{"different collection", NewInsert("db", "other", docWithField(t, "a", 1))},
		{"different kind", NewUpdate("db", "coll", docWithField(t, "a", 1))},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			a := NewInsert("db", "coll", docWithField(t, "a", 1))
			if err := a.Merge(test.b); !errors.Is(err, ErrOperationMismatch) {
				t.Errorf("Merge() error = %v, want ErrOperationMismatch", err)
			}
		})
	}
}

func TestWriteBatch(t *testing.T) {
	docs := make([]bsoncore.Document, 7)
	for i := range docs {
		docs[i] = docWithField(t, "i", int32(i))
	}
	w := NewInsert("db", "coll", docs...)

	parts, err := w.Batch(3)
	if err != nil {
		t.Fatalf("Batch() error = %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("len(parts) = %d, want 3", len(parts))
	}

	wantSizes := []int{2, 2, 3}
	var total int
	for i, p := range parts {
		total += len(p.Models)
		if len(p.Models) != wantSizes[i] {
			t.Errorf("parts[%d] size = %d, want %d", i, len(p.Models), wantSizes[i])
		}
		if p.DB != "db" || p.Collection != "coll" || p.Kind != InsertOp {
			t.Errorf("parts[%d] lost configuration: %+v", i, p)
		}
	}
	if total != len(docs) {
		t.Errorf("total models across parts = %d, want %d", total, len(docs))
	}
}

func TestWriteBatchTooManyPartitions(t *testing.T) {
	w := NewInsert("db", "coll", docWithField(t, "a", 1))
	if _, err := w.Batch(2); !errors.Is(err, ErrBatchCountTooLarge) {
		t.Errorf("Batch() error = %v, want ErrBatchCountTooLarge", err)
	}
}

func TestSplit(t *testing.T) {
	docs := make([]bsoncore.Document, 5)
	for i := range docs {
		docs[i] = docWithField(t, "i", int32(i))
	}

	t.Run("bounded by count", func(t *testing.T) {
		batches, err := split(docs, 2, 0)
		if err != nil {
			t.Fatalf("split() error = %v", err)
		}
		if len(batches) != 3 {
			t.Fatalf("len(batches) = %d, want 3", len(batches))
		}
		for i, b := range batches[:2] {
			if len(b) != 2 {
				t.Errorf("batches[%d] size = %d, want 2", i, len(b))
			}
		}
		if len(batches[2]) != 1 {
			t.Errorf("batches[2] size = %d, want 1", len(batches[2]))
		}
	})

	t.Run("bounded by byte size forces single-doc overflow batch", func(t *testing.T) {
		small := docWithField(t, "a", 1)
		big := buildDoc(t, func(dst []byte) []byte {
			return bsoncore.AppendStringElement(dst, "s", "0123456789")
		})
		batches, err := split([]bsoncore.Document{small, big, small}, 100, len(small)+1)
		if err != nil {
			t.Fatalf("split() error = %v", err)
		}
		if len(batches) != 3 {
			t.Fatalf("len(batches) = %d, want 3 (big document forced into its own batch)", len(batches))
		}
	})

	t.Run("empty input yields one empty batch", func(t *testing.T) {
		batches, err := split(nil, 2, 0)
		if err != nil {
			t.Fatalf("split() error = %v", err)
		}
		if len(batches) != 1 || len(batches[0]) != 0 {
			t.Fatalf("batches = %v, want one empty batch", batches)
		}
	})
}

func TestWriteConcernAcknowledged(t *testing.T) {
	tests := []struct {
		name string
		wc   *WriteConcern
		want bool
	}{
		{"nil write concern is acknowledged", nil, true},
		{"w:0 is unacknowledged", &WriteConcern{W: 0}, false},
		{"w:1 is acknowledged", &WriteConcern{W: 1}, true},
		{"w:majority is acknowledged", &WriteConcern{W: "majority"}, true},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			if got := test.wc.Acknowledged(); got != test.want {
				t.Errorf("Acknowledged() = %v, want %v", got, test.want)
			}
		})
	}
}

func TestParseWriteReply(t *testing.T) {
	doc := buildDoc(t, func(dst []byte) []byte {
		dst = bsoncore.AppendInt32Element(dst, "n", 2)
		idx, arr := bsoncore.AppendArrayStart(nil)
		errDoc := buildDoc(t, func(d []byte) []byte {
			d = bsoncore.AppendInt32Element(d, "index", 1)
			d = bsoncore.AppendInt32Element(d, "code", 11000)
			d = bsoncore.AppendStringElement(d, "errmsg", "duplicate key")
			return d
		})
		arr = bsoncore.AppendDocumentElement(arr, "0", errDoc)
		arr, _ = bsoncore.AppendArrayEnd(arr, idx)
		dst = bsoncore.AppendArrayElement(dst, "writeErrors", arr)
		return dst
	})

	got := parseWriteReply(doc)
	want := WriteResult{
		N: 2,
		WriteErrors: []driver.WriteError{
			{Index: 1, Code: 11000, Message: "duplicate key"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseWriteReply() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseGetLastError(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		doc := buildDoc(t, func(dst []byte) []byte { return dst })
		got := parseGetLastError(doc, 0)
		if got.N != 1 || len(got.WriteErrors) != 0 {
			t.Errorf("parseGetLastError() = %+v, want N=1 no errors", got)
		}
	})

	t.Run("failure", func(t *testing.T) {
		doc := buildDoc(t, func(dst []byte) []byte {
			dst = bsoncore.AppendStringElement(dst, "err", "E11000 duplicate key error")
			dst = bsoncore.AppendInt32Element(dst, "code", 11000)
			return dst
		})
		got := parseGetLastError(doc, 3)
		want := WriteResult{
			WriteErrors: []driver.WriteError{
				{Index: 3, Code: 11000, Message: "E11000 duplicate key error"},
			},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("parseGetLastError() mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestSplitUpdateModel(t *testing.T) {
	q := docWithField(t, "x", 1)
	u := docWithField(t, "$set", 2)
	model := buildDoc(t, func(dst []byte) []byte {
		dst = bsoncore.AppendDocumentElement(dst, "q", q)
		dst = bsoncore.AppendDocumentElement(dst, "u", u)
		dst = bsoncore.AppendBooleanElement(dst, "multi", true)
		dst = bsoncore.AppendBooleanElement(dst, "upsert", false)
		return dst
	})

	gotQ, gotU, multi, upsert := splitUpdateModel(model)
	if !bytesEqual(gotQ, q) || !bytesEqual(gotU, u) {
		t.Errorf("splitUpdateModel() q/u mismatch")
	}
	if !multi || upsert {
		t.Errorf("splitUpdateModel() multi=%v upsert=%v, want true/false", multi, upsert)
	}
}

func TestSplitDeleteModel(t *testing.T) {
	t.Run("default limit is single remove", func(t *testing.T) {
		model := buildDoc(t, func(dst []byte) []byte {
			return bsoncore.AppendDocumentElement(dst, "q", docWithField(t, "x", 1))
		})
		_, limitOne := splitDeleteModel(model)
		if !limitOne {
			t.Error("limitOne = false, want true (default)")
		}
	})

	t.Run("explicit limit:0 removes all", func(t *testing.T) {
		model := buildDoc(t, func(dst []byte) []byte {
			dst = bsoncore.AppendDocumentElement(dst, "q", docWithField(t, "x", 1))
			dst = bsoncore.AppendInt32Element(dst, "limit", 0)
			return dst
		})
		_, limitOne := splitDeleteModel(model)
		if limitOne {
			t.Error("limitOne = true, want false for explicit limit:0")
		}
	})
}

func bytesEqual(a, b bsoncore.Document) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
