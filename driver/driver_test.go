package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/meridiandb/go-driver-core/address"
	"github.com/meridiandb/go-driver-core/description"
	"github.com/meridiandb/go-driver-core/x/bsoncore"
	"github.com/meridiandb/go-driver-core/x/wiremessage"
)

// fakeConnection is a minimal Connection that records every written wire
// message and, on read, hands back whatever replyFn builds from the
// requestID of the most recent write, so tests can control the reply's
// responseTo independently of what was actually sent.
type fakeConnection struct {
	replyFn func(sentRequestID int32) []byte
	writes  [][]byte
	closed  bool
}

func (f *fakeConnection) WriteWireMessage(ctx context.Context, wm []byte) error {
	f.writes = append(f.writes, wm)
	return nil
}

func (f *fakeConnection) ReadWireMessage(ctx context.Context) ([]byte, error) {
	if len(f.writes) == 0 {
		return nil, errors.New("no message was written")
	}
	sent, _, ok := wiremessage.ReadHeader(f.writes[len(f.writes)-1])
	if !ok {
		return nil, errors.New("sent message has no header")
	}
	return f.replyFn(sent.RequestID), nil
}

func (f *fakeConnection) Description() description.Server { return description.Server{} }
func (f *fakeConnection) ID() string                       { return "fake" }
func (f *fakeConnection) Address() address.Address         { return address.Address("localhost:27017") }
func (f *fakeConnection) Stale() bool                       { return false }
func (f *fakeConnection) Close() error                      { f.closed = true; return nil }

type fakeDeployment struct {
	conn Connection
	kind description.TopologyKind
}

func (d fakeDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return fakeServer{d.conn}, nil
}
func (d fakeDeployment) Kind() description.TopologyKind { return d.kind }

type fakeServer struct{ conn Connection }

func (s fakeServer) Connection(context.Context) (Connection, error) { return s.conn, nil }

func okReply(responseTo int32) []byte {
	idx, doc := bsoncore.AppendDocumentStart(nil)
	doc = bsoncore.AppendDoubleElement(doc, "ok", 1)
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)

	var dst []byte
	hidx, dst := wiremessage.AppendHeaderStart(dst, 0, responseTo, wiremessage.OpMsg)
	dst = wiremessage.AppendMsgFlags(dst, 0)
	dst = wiremessage.AppendMsgSectionSingleDocument(dst, bsoncore.Document(doc))
	dst = wiremessage.UpdateLength(dst, hidx)
	return dst
}

func newNoopOperation(conn Connection, kind description.TopologyKind) Operation {
	return Operation{
		CommandFn: func(dst []byte, desc description.SelectedServerDescription) ([]byte, error) {
			return bsoncore.AppendInt32Element(dst, "ping", 1), nil
		},
		Database:   "admin",
		Deployment: fakeDeployment{conn: conn, kind: kind},
	}
}

func TestExecuteAcceptsMatchingResponseTo(t *testing.T) {
	conn := &fakeConnection{
		replyFn: func(sentRequestID int32) []byte { return okReply(sentRequestID) },
	}
	op := newNoopOperation(conn, description.TopologySingle)

	if err := op.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v, want nil with matching responseTo", err)
	}
	if conn.closed {
		t.Error("connection closed on a successful round trip")
	}
}

func TestExecuteRejectsMismatchedResponseTo(t *testing.T) {
	conn := &fakeConnection{
		replyFn: func(sentRequestID int32) []byte { return okReply(sentRequestID + 1) },
	}
	op := newNoopOperation(conn, description.TopologySingle)

	err := op.Execute(context.Background())
	if err == nil {
		t.Fatal("Execute() error = nil, want UnexpectedResponse on a responseTo mismatch")
	}
	if !errors.Is(err, UnexpectedResponse) {
		t.Errorf("Execute() error = %v, want wrapping UnexpectedResponse", err)
	}
	if !conn.closed {
		t.Error("connection was not closed after a responseTo mismatch")
	}
}

func TestDecodeOpMsgReplySkipsCheckForExhaustPushedReplies(t *testing.T) {
	reply := okReply(12345)
	if _, err := decodeOpMsgReply(reply, 0); err != nil {
		t.Errorf("decodeOpMsgReply(_, 0) error = %v, want nil regardless of responseTo", err)
	}
}
