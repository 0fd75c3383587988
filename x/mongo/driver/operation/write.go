// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meridiandb/go-driver-core/description"
	"github.com/meridiandb/go-driver-core/driver"
	"github.com/meridiandb/go-driver-core/x/bsoncore"
	"github.com/meridiandb/go-driver-core/x/wiremessage"
)

// OpKind identifies which of the three write commands a Write builds.
type OpKind int

// Write operation kinds.
const (
	InsertOp OpKind = iota
	UpdateOp
	DeleteOp
)

func (k OpKind) commandName() string {
	switch k {
	case InsertOp:
		return "insert"
	case UpdateOp:
		return "update"
	default:
		return "delete"
	}
}

func (k OpKind) modelsFieldName() string {
	switch k {
	case InsertOp:
		return "documents"
	case UpdateOp:
		return "updates"
	default:
		return "deletes"
	}
}

// ErrOperationMismatch is returned by Merge when the receiver and the
// argument do not target the same database, collection, and operation
// kind.
var ErrOperationMismatch = errors.New("operations target different db/collection/kind and cannot be merged")

// ErrBatchCountTooLarge is returned by Batch when more partitions are
// requested than there are models to split.
var ErrBatchCountTooLarge = errors.New("batch count exceeds the number of models")

// ErrNotWritablePrimary is returned by Execute when the selected server
// cannot accept writes.
var ErrNotWritablePrimary = errors.New("selected server is not a writable primary")

// WriteConcern mirrors the subset of the server's write concern document
// this driver needs to decide acknowledgement and build the {w, j,
// wtimeout} subdocument.
type WriteConcern struct {
	// W is either an int (including 0 for unacknowledged) or a string
	// tag-set name such as "majority". A nil W means the server default,
	// which is always acknowledged.
	W        interface{}
	Journal  *bool
	WTimeout time.Duration
}

// Acknowledged reports whether this write concern requires the server
// to report a result at all.
func (wc *WriteConcern) Acknowledged() bool {
	if wc == nil {
		return true
	}
	if w, ok := wc.W.(int); ok {
		return w != 0
	}
	return true
}

func (wc *WriteConcern) appendTo(dst []byte) []byte {
	if wc == nil {
		return dst
	}
	idx, wdst := bsoncore.AppendDocumentElementStart(dst, "writeConcern")
	switch w := wc.W.(type) {
	case int:
		wdst = bsoncore.AppendInt32Element(wdst, "w", int32(w))
	case string:
		wdst = bsoncore.AppendStringElement(wdst, "w", w)
	}
	if wc.Journal != nil {
		wdst = bsoncore.AppendBooleanElement(wdst, "j", *wc.Journal)
	}
	if wc.WTimeout > 0 {
		wdst = bsoncore.AppendInt64Element(wdst, "wtimeout", wc.WTimeout.Milliseconds())
	}
	wdst, _ = bsoncore.AppendDocumentEnd(wdst, idx)
	return wdst
}

// WriteResult is the merged outcome of executing a Write: the number of
// documents the server reports as written, plus any per-model write
// errors and a write concern error.
type WriteResult struct {
	N                 int64
	WriteErrors       []driver.WriteError
	WriteConcernError *driver.WriteConcernError
}

func (r *WriteResult) merge(other WriteResult) {
	r.N += other.N
	r.WriteErrors = append(r.WriteErrors, other.WriteErrors...)
	if other.WriteConcernError != nil {
		r.WriteConcernError = other.WriteConcernError
	}
}

// Write is a single tagged {insert, update, delete} bulk operation: a
// target namespace, a kind-specific list of model documents (each
// already shaped the way the server expects it: a plain document for
// insert, a {q, u, multi, upsert} subdocument for update, a {q, limit}
// subdocument for delete), a write concern, and an ordered/unordered
// flag.
type Write struct {
	Kind       OpKind
	DB         string
	Collection string
	Models     []bsoncore.Document
	WC         *WriteConcern
	Ordered    bool

	d         driver.Deployment
	selector  description.ServerSelector
	serverAPI *driver.ServerAPIOptions
	clock     *driver.ClusterClock

	result WriteResult
}

// NewInsert builds an insert Write over docs.
func NewInsert(db, collection string, docs ...bsoncore.Document) *Write {
	return &Write{Kind: InsertOp, DB: db, Collection: collection, Models: docs, Ordered: true}
}

// NewUpdate builds an update Write over update models (each a {q, u,
// multi, upsert} document).
func NewUpdate(db, collection string, updates ...bsoncore.Document) *Write {
	return &Write{Kind: UpdateOp, DB: db, Collection: collection, Models: updates, Ordered: true}
}

// NewDelete builds a delete Write over delete models (each a {q, limit}
// document).
func NewDelete(db, collection string, deletes ...bsoncore.Document) *Write {
	return &Write{Kind: DeleteOp, DB: db, Collection: collection, Models: deletes, Ordered: true}
}

// SetOrdered sets whether the server stops processing models after the
// first error. Defaults to true.
func (w *Write) SetOrdered(ordered bool) *Write {
	w.Ordered = ordered
	return w
}

// WriteConcern sets the write concern for the operation.
func (w *Write) WriteConcern(wc *WriteConcern) *Write {
	w.WC = wc
	return w
}

// Deployment sets the deployment this Write selects a server from.
func (w *Write) Deployment(d driver.Deployment) *Write {
	w.d = d
	return w
}

// Selector overrides the default writable-server selector.
func (w *Write) Selector(s description.ServerSelector) *Write {
	w.selector = s
	return w
}

// ServerAPI sets the stable API version declared with the command.
func (w *Write) ServerAPI(api *driver.ServerAPIOptions) *Write {
	w.serverAPI = api
	return w
}

// ClusterClock sets the cluster clock this command should advance.
func (w *Write) ClusterClock(clock *driver.ClusterClock) *Write {
	w.clock = clock
	return w
}

// Result returns the accumulated result of the most recent Execute call.
func (w *Write) Result() WriteResult { return w.result }

// Merge appends other's models onto w. Both operations must target the
// same database, collection, and kind.
func (w *Write) Merge(other *Write) error {
	if w.DB != other.DB || w.Collection != other.Collection || w.Kind != other.Kind {
		return ErrOperationMismatch
	}
	w.Models = append(w.Models, other.Models...)
	return nil
}

// Batch splits w's models into n near-equal partitions, the last
// absorbing any remainder, returning one *Write per partition sharing
// w's configuration.
func (w *Write) Batch(n int) ([]*Write, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch count must be positive, got %d", n)
	}
	if n > len(w.Models) {
		return nil, ErrBatchCountTooLarge
	}

	size := len(w.Models) / n
	out := make([]*Write, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i == n-1 {
			end = len(w.Models)
		}
		part := *w
		part.Models = w.Models[start:end]
		out = append(out, &part)
		start = end
	}
	return out, nil
}

// split partitions models for a single write-command round trip so that
// no batch exceeds maxCount documents or targetBatchSize bytes,
// mirroring the server's maxWriteBatchSize/maxBsonObjectSize limits. A
// single document larger than targetBatchSize forms a batch of its own.
func split(models []bsoncore.Document, maxCount, targetBatchSize int) ([][]bsoncore.Document, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	if targetBatchSize <= 0 {
		targetBatchSize = 1 << 20
	}

	var batches [][]bsoncore.Document
	startAt := 0
	for startAt < len(models) || len(models) == 0 {
		size := 0
		var batch []bsoncore.Document
		for idx := startAt; idx < len(models); idx++ {
			doc := models[idx]
			if len(batch) > 0 && size+len(doc) > targetBatchSize {
				break
			}
			size += len(doc)
			batch = append(batch, doc)
			startAt++
			if len(batch) == maxCount {
				break
			}
		}
		batches = append(batches, batch)
		if len(models) == 0 || startAt == len(models) {
			break
		}
	}
	return batches, nil
}

func writable(kind description.ServerKind) bool {
	switch kind {
	case description.Standalone, description.RSPrimary, description.Mongos, description.LoadBalancer:
		return true
	default:
		return false
	}
}

// Execute runs the write against a server selected from w's Deployment,
// dispatching to the write-command or legacy wire protocol depending on
// the selected server's wire version, and accumulates the result
// (retrievable via Result) across every batch issued.
func (w *Write) Execute(ctx context.Context) error {
	if w.d == nil {
		return errors.New("a Write must have a Deployment set before Execute can be called")
	}

	selector := w.selector
	if selector == nil {
		selector = description.WriteSelector()
	}

	server, err := w.d.SelectServer(ctx, selector)
	if err != nil {
		return fmt.Errorf("server selection failed: %w", err)
	}
	conn, err := server.Connection(ctx)
	if err != nil {
		return fmt.Errorf("connection checkout failed: %w", err)
	}
	defer conn.Close()

	desc := conn.Description()
	if !writable(desc.Kind) {
		return ErrNotWritablePrimary
	}

	w.result = WriteResult{}

	if desc.MaxDocumentSize > 0 {
		for _, doc := range w.Models {
			if len(doc) > int(desc.MaxDocumentSize) {
				return driver.ErrDocumentTooLarge
			}
		}
	}

	legacy := desc.WireVersion == nil || desc.WireVersion.Max < 2
	if legacy {
		return w.executeLegacy(ctx, conn, desc)
	}
	return w.executeCommand(ctx, conn, desc)
}

func (w *Write) executeCommand(ctx context.Context, conn driver.Connection, desc description.Server) error {
	batches, err := split(w.Models, int(desc.MaxBatchCount), int(desc.MaxDocumentSize))
	if err != nil {
		return err
	}

	topologyDesc := description.SelectedServerDescription{Server: desc, Kind: w.d.Kind()}

	for _, batch := range batches {
		if len(batch) == 0 {
			continue
		}

		cmdFn := func(dst []byte, _ description.SelectedServerDescription) ([]byte, error) {
			dst = bsoncore.AppendStringElement(dst, w.Kind.commandName(), w.Collection)
			idx, arrDst := bsoncore.AppendArrayElementStart(dst, w.Kind.modelsFieldName())
			for i, doc := range batch {
				arrDst = bsoncore.AppendDocumentElement(arrDst, fmt.Sprintf("%d", i), doc)
			}
			dst, _ = bsoncore.AppendArrayEnd(arrDst, idx)
			dst = bsoncore.AppendBooleanElement(dst, "ordered", w.Ordered)
			dst = w.WC.appendTo(dst)
			return dst, nil
		}

		if !w.WC.Acknowledged() {
			if err := w.sendUnacknowledged(ctx, conn, cmdFn, topologyDesc); err != nil {
				return err
			}
			continue
		}

		var batchResult WriteResult
		op := driver.Operation{
			CommandFn:  cmdFn,
			Database:   w.DB,
			Deployment: driver.SingleConnectionDeployment{C: conn},
			ServerAPI:  w.serverAPI,
			Clock:      w.clock,
			ProcessResponseFn: func(info driver.ResponseInfo) error {
				batchResult = parseWriteReply(info.ServerResponse)
				return nil
			},
		}
		execErr := op.Execute(ctx)
		w.result.merge(batchResult)
		if execErr != nil {
			return execErr
		}

		if w.Ordered && len(batchResult.WriteErrors) > 0 {
			return nil
		}
	}

	return nil
}

func (w *Write) sendUnacknowledged(ctx context.Context, conn driver.Connection, cmdFn driver.CommandFn, desc description.SelectedServerDescription) error {
	dst, err := cmdFn(nil, desc)
	if err != nil {
		return err
	}
	cmdDoc, err := finishUnacknowledgedCommand(dst, w.DB)
	if err != nil {
		return err
	}

	var wm []byte
	idx, wm := wiremessage.AppendHeaderStart(wm, 0, 0, wiremessage.OpMsg)
	wm = wiremessage.AppendMsgFlags(wm, wiremessage.MoreToCome)
	wm = wiremessage.AppendMsgSectionSingleDocument(wm, cmdDoc)
	wm = wiremessage.UpdateLength(wm, idx)

	return conn.WriteWireMessage(ctx, wm)
}

func finishUnacknowledgedCommand(elements []byte, db string) (bsoncore.Document, error) {
	dst := make([]byte, 0, len(elements)+32)
	idx, dst := bsoncore.AppendDocumentStart(dst)
	dst = append(dst, elements...)
	dst = bsoncore.AppendStringElement(dst, "$db", db)
	dst, err := bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		return nil, err
	}
	return bsoncore.Document(dst), nil
}

// parseWriteReply extracts n, writeErrors, and writeConcernError from a
// write command's ok:1 reply.
func parseWriteReply(doc bsoncore.Document) WriteResult {
	var res WriteResult

	if n, err := doc.LookupErr("n"); err == nil {
		if i32, ok := n.Int32OK(); ok {
			res.N = int64(i32)
		} else if i64, ok := n.Int64OK(); ok {
			res.N = i64
		} else if f, ok := n.DoubleOK(); ok {
			res.N = int64(f)
		}
	}

	if wev, err := doc.LookupErr("writeErrors"); err == nil {
		if arr, ok := wev.ArrayOK(); ok {
			if vals, verr := arr.Values(); verr == nil {
				for _, v := range vals {
					if edoc, ok := v.DocumentOK(); ok {
						res.WriteErrors = append(res.WriteErrors, writeErrorFromDocument(edoc))
					}
				}
			}
		}
	}

	if wcev, err := doc.LookupErr("writeConcernError"); err == nil {
		if edoc, ok := wcev.DocumentOK(); ok {
			wce := driver.WriteConcernError{}
			if code, err := edoc.LookupErr("code"); err == nil {
				if c, ok := code.Int32OK(); ok {
					wce.Code = c
				}
			}
			if name, err := edoc.LookupErr("codeName"); err == nil {
				if s, ok := name.StringOK(); ok {
					wce.Name = s
				}
			}
			if errmsg, err := edoc.LookupErr("errmsg"); err == nil {
				if s, ok := errmsg.StringOK(); ok {
					wce.Message = s
				}
			}
			res.WriteConcernError = &wce
		}
	}

	return res
}

func writeErrorFromDocument(doc bsoncore.Document) driver.WriteError {
	we := driver.WriteError{}
	if idx, err := doc.LookupErr("index"); err == nil {
		if i, ok := idx.Int32OK(); ok {
			we.Index = i
		}
	}
	if code, err := doc.LookupErr("code"); err == nil {
		if c, ok := code.Int32OK(); ok {
			we.Code = c
		}
	}
	if errmsg, err := doc.LookupErr("errmsg"); err == nil {
		if s, ok := errmsg.StringOK(); ok {
			we.Message = s
		}
	}
	return we
}

// executeLegacy runs the write against a server that does not support
// write commands (wireVersion < 2): one OP_INSERT/OP_UPDATE/OP_DELETE
// wire message per model, with an OP_QUERY getLastError appended when
// the write concern is acknowledged. Ordered semantics are implemented
// by stopping at the first model whose getLastError reports an error.
func (w *Write) executeLegacy(ctx context.Context, conn driver.Connection, desc description.Server) error {
	fullName := w.DB + "." + w.Collection
	acknowledged := w.WC.Acknowledged()

	for i, model := range w.Models {
		wm, err := w.encodeLegacy(fullName, model)
		if err != nil {
			return err
		}
		if err := conn.WriteWireMessage(ctx, wm); err != nil {
			return driver.Error{Message: err.Error(), Labels: []string{driver.NetworkError}, Wrapped: err}
		}

		if !acknowledged {
			continue
		}

		gleWM := buildGetLastErrorQuery(w.DB)
		if err := conn.WriteWireMessage(ctx, gleWM); err != nil {
			return driver.Error{Message: err.Error(), Labels: []string{driver.NetworkError}, Wrapped: err}
		}
		reply, err := conn.ReadWireMessage(ctx)
		if err != nil {
			return driver.Error{Message: err.Error(), Labels: []string{driver.NetworkError}, Wrapped: err}
		}
		gleDoc, err := decodeLegacyReply(reply)
		if err != nil {
			return err
		}

		gleResult := parseGetLastError(gleDoc, int32(i))
		w.result.merge(gleResult)
		if w.Ordered && len(gleResult.WriteErrors) > 0 {
			return nil
		}
	}

	return nil
}

func (w *Write) encodeLegacy(fullName string, model bsoncore.Document) ([]byte, error) {
	var dst []byte
	var idx int32
	switch w.Kind {
	case InsertOp:
		idx, dst = wiremessage.AppendHeaderStart(dst, 0, 0, wiremessage.OpInsert)
		dst = wiremessage.AppendInsertFlags(dst, 0)
		dst = wiremessage.AppendInsertFullCollectionName(dst, fullName)
		dst = wiremessage.AppendInsertDocument(dst, model)

	case UpdateOp:
		q, u, multi, upsert := splitUpdateModel(model)
		idx, dst = wiremessage.AppendHeaderStart(dst, 0, 0, wiremessage.OpUpdate)
		dst = wiremessage.AppendUpdateZero(dst)
		dst = wiremessage.AppendUpdateFullCollectionName(dst, fullName)
		var flags wiremessage.UpdateFlag
		if upsert {
			flags |= wiremessage.Upsert
		}
		if multi {
			flags |= wiremessage.MultiUpdate
		}
		dst = wiremessage.AppendUpdateFlags(dst, flags)
		dst = wiremessage.AppendUpdateSelector(dst, q)
		dst = wiremessage.AppendUpdateUpdate(dst, u)

	default: // DeleteOp
		q, limitOne := splitDeleteModel(model)
		idx, dst = wiremessage.AppendHeaderStart(dst, 0, 0, wiremessage.OpDelete)
		dst = wiremessage.AppendDeleteZero(dst)
		dst = wiremessage.AppendDeleteFullCollectionName(dst, fullName)
		var flags wiremessage.DeleteFlag
		if limitOne {
			flags |= wiremessage.SingleRemove
		}
		dst = wiremessage.AppendDeleteFlags(dst, flags)
		dst = wiremessage.AppendDeleteSelector(dst, q)
	}

	dst = wiremessage.UpdateLength(dst, idx)
	return dst, nil
}

func splitUpdateModel(model bsoncore.Document) (q, u bsoncore.Document, multi, upsert bool) {
	if v, err := model.LookupErr("q"); err == nil {
		q, _ = v.DocumentOK()
	}
	if v, err := model.LookupErr("u"); err == nil {
		u, _ = v.DocumentOK()
	}
	if v, err := model.LookupErr("multi"); err == nil {
		multi, _ = v.BooleanOK()
	}
	if v, err := model.LookupErr("upsert"); err == nil {
		upsert, _ = v.BooleanOK()
	}
	return q, u, multi, upsert
}

func splitDeleteModel(model bsoncore.Document) (q bsoncore.Document, limitOne bool) {
	if v, err := model.LookupErr("q"); err == nil {
		q, _ = v.DocumentOK()
	}
	limitOne = true
	if v, err := model.LookupErr("limit"); err == nil {
		if n, ok := v.Int32OK(); ok {
			limitOne = n != 0
		}
	}
	return q, limitOne
}

func buildGetLastErrorQuery(db string) []byte {
	var cmd []byte
	idx, cmd := bsoncore.AppendDocumentStart(cmd)
	cmd = bsoncore.AppendInt32Element(cmd, "getlasterror", 1)
	cmd, _ = bsoncore.AppendDocumentEnd(cmd, idx)

	var dst []byte
	hIdx, dst := wiremessage.AppendHeaderStart(dst, 0, 0, wiremessage.OpQuery)
	dst = wiremessage.AppendQueryFlags(dst, 0)
	dst = wiremessage.AppendQueryFullCollectionName(dst, db+".$cmd")
	dst = wiremessage.AppendQueryNumberToSkip(dst, 0)
	dst = wiremessage.AppendQueryNumberToReturn(dst, -1)
	dst = wiremessage.AppendQueryQuery(dst, cmd)
	dst = wiremessage.UpdateLength(dst, hIdx)
	return dst
}

func decodeLegacyReply(wm []byte) (bsoncore.Document, error) {
	header, rem, ok := wiremessage.ReadHeader(wm)
	if !ok || header.OpCode != wiremessage.OpReply {
		return nil, fmt.Errorf("%w: expected OP_REPLY", driver.UnexpectedResponse)
	}
	_, rem, ok = wiremessage.ReadReplyResponseFlags(rem)
	if !ok {
		return nil, fmt.Errorf("%w: missing responseFlags", driver.UnexpectedResponse)
	}
	_, rem, ok = wiremessage.ReadReplyCursorID(rem)
	if !ok {
		return nil, fmt.Errorf("%w: missing cursorID", driver.UnexpectedResponse)
	}
	_, rem, ok = wiremessage.ReadReplyStartingFrom(rem)
	if !ok {
		return nil, fmt.Errorf("%w: missing startingFrom", driver.UnexpectedResponse)
	}
	n, rem, ok := wiremessage.ReadReplyNumberReturned(rem)
	if !ok || n < 1 {
		return nil, fmt.Errorf("%w: missing document", driver.UnexpectedResponse)
	}
	doc, _, ok := wiremessage.ReadReplyDocument(rem)
	if !ok {
		return nil, fmt.Errorf("%w: malformed document", driver.UnexpectedResponse)
	}
	return doc, nil
}

// parseGetLastError translates a getLastError reply into a WriteResult,
// synthesizing a single indexed WriteError when it reports a failure.
func parseGetLastError(doc bsoncore.Document, modelIndex int32) WriteResult {
	var res WriteResult

	errMsg := ""
	if v, err := doc.LookupErr("err"); err == nil {
		if s, ok := v.StringOK(); ok {
			errMsg = s
		}
	}
	if errMsg == "" {
		res.N = 1
		return res
	}

	code := int32(0)
	if v, err := doc.LookupErr("code"); err == nil {
		if c, ok := v.Int32OK(); ok {
			code = c
		}
	}
	res.WriteErrors = append(res.WriteErrors, driver.WriteError{Index: modelIndex, Code: code, Message: errMsg})
	return res
}
