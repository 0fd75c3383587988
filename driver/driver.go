package driver

import (
	"context"
	"fmt"

	"github.com/meridiandb/go-driver-core/address"
	"github.com/meridiandb/go-driver-core/description"
	"github.com/meridiandb/go-driver-core/x/bsoncore"
	"github.com/meridiandb/go-driver-core/x/wiremessage"
)

// Connection is the subset of a pooled wire connection an Operation needs
// to speak a single command round trip.
type Connection interface {
	WriteWireMessage(ctx context.Context, wm []byte) error
	ReadWireMessage(ctx context.Context) ([]byte, error)
	Description() description.Server
	ID() string
	Address() address.Address
	Stale() bool
	Close() error
}

// StreamerConnection is a Connection that additionally supports exhaust
// (moreToCome) reads used by the streaming monitor.
type StreamerConnection interface {
	Connection
	CurrentlyStreaming() bool
	SetStreaming(bool)
}

// Server abstracts a single monitored server, enough for an Operation to
// obtain a connection to it.
type Server interface {
	Connection(ctx context.Context) (Connection, error)
}

// Deployment abstracts the topology: selecting a server satisfying a
// description.ServerSelector.
type Deployment interface {
	SelectServer(ctx context.Context, selector description.ServerSelector) (Server, error)
	Kind() description.TopologyKind
}

// SingleConnectionDeployment wraps one already-established Connection as
// a Deployment/Server of one, used to run the initial handshake on a
// connection before it is known to belong to any topology.
type SingleConnectionDeployment struct {
	C Connection
}

// SelectServer implements Deployment.
func (scd SingleConnectionDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return scd, nil
}

// Kind implements Deployment.
func (scd SingleConnectionDeployment) Kind() description.TopologyKind {
	return description.TopologySingle
}

// Connection implements Server.
func (scd SingleConnectionDeployment) Connection(context.Context) (Connection, error) {
	return scd.C, nil
}

// HandshakeInformation is what a Handshaker learns from the initial hello
// reply on a fresh connection.
type HandshakeInformation struct {
	Description             description.Server
	SpeculativeAuthenticate bsoncore.Document
	SaslSupportedMechs      []string
	ServerConnectionID      *int32
}

// Handshaker performs and finishes the connection handshake. Implemented
// by operation.Hello and wrapped by authentication handshakers.
type Handshaker interface {
	GetHandshakeInformation(ctx context.Context, addr address.Address, conn Connection) (HandshakeInformation, error)
	FinishHandshake(ctx context.Context, conn Connection) error
}

// ServerAPIOptions configures the stable API version sent with every
// command, per the versioned API feature.
type ServerAPIOptions struct {
	ServerAPIVersion  string
	Strict            *bool
	DeprecationErrors *bool
}

// ResponseInfo is handed to an Operation's ProcessResponseFn.
type ResponseInfo struct {
	ServerResponse bsoncore.Document
	Connection     Connection
}

// CommandFn builds a command document's elements into dst, given the
// selected server's description, and returns the extended slice.
type CommandFn func(dst []byte, desc description.SelectedServerDescription) ([]byte, error)

// Operation is a single request/reply round trip: build a command with
// CommandFn, send it to a server selected from Deployment, and hand the
// reply to ProcessResponseFn.
type Operation struct {
	CommandFn         CommandFn
	Database          string
	Deployment        Deployment
	Selector          description.ServerSelector
	ProcessResponseFn func(ResponseInfo) error
	ServerAPI         *ServerAPIOptions
	Clock             *ClusterClock
}

var requestIDCounter = newRequestIDCounter()

// Execute runs the operation once: select a server, build the command,
// round-trip it, and process the response. It does not retry.
func (op Operation) Execute(ctx context.Context) error {
	server, err := op.Deployment.SelectServer(ctx, op.Selector)
	if err != nil {
		return fmt.Errorf("server selection failed: %w", err)
	}
	conn, err := server.Connection(ctx)
	if err != nil {
		return fmt.Errorf("connection checkout failed: %w", err)
	}

	desc := description.SelectedServerDescription{Server: conn.Description(), Kind: op.Deployment.Kind()}

	var dst []byte
	dst, err = op.CommandFn(dst, desc)
	if err != nil {
		return err
	}

	cmdDoc, err := finishCommandDocument(dst, op.Database)
	if err != nil {
		return err
	}

	requestID := requestIDCounter.next()
	wm := buildOpMsg(requestID, cmdDoc)

	if err := conn.WriteWireMessage(ctx, wm); err != nil {
		return Error{Message: err.Error(), Labels: []string{NetworkError}, Wrapped: err}
	}

	reply, err := conn.ReadWireMessage(ctx)
	if err != nil {
		return Error{Message: err.Error(), Labels: []string{NetworkError}, Wrapped: err}
	}

	replyDoc, err := decodeOpMsgReply(reply, requestID)
	if err != nil {
		_ = conn.Close()
		return err
	}

	if cmdErr := extractCommandError(replyDoc); cmdErr != nil {
		if op.ProcessResponseFn != nil {
			_ = op.ProcessResponseFn(ResponseInfo{ServerResponse: replyDoc, Connection: conn})
		}
		return cmdErr
	}

	if op.ProcessResponseFn != nil {
		return op.ProcessResponseFn(ResponseInfo{ServerResponse: replyDoc, Connection: conn})
	}
	return nil
}

// ExecuteExhaust reads the next pushed (moreToCome) reply on an
// already-streaming connection, used by the streaming monitor.
func (op Operation) ExecuteExhaust(ctx context.Context, conn StreamerConnection) error {
	reply, err := conn.ReadWireMessage(ctx)
	if err != nil {
		return Error{Message: err.Error(), Labels: []string{NetworkError}, Wrapped: err}
	}
	replyDoc, err := decodeOpMsgReply(reply, 0)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if cmdErr := extractCommandError(replyDoc); cmdErr != nil {
		return cmdErr
	}
	if op.ProcessResponseFn != nil {
		return op.ProcessResponseFn(ResponseInfo{ServerResponse: replyDoc, Connection: conn})
	}
	return nil
}

func finishCommandDocument(elements []byte, db string) (bsoncore.Document, error) {
	dst := make([]byte, 0, len(elements)+64)
	idx, dst := bsoncore.AppendDocumentStart(dst)
	dst = append(dst, elements...)
	dst = bsoncore.AppendStringElement(dst, "$db", db)
	dst, err := bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		return nil, err
	}
	return bsoncore.Document(dst), nil
}

func buildOpMsg(requestID int32, cmd bsoncore.Document) []byte {
	var dst []byte
	idx, dst := wiremessage.AppendHeaderStart(dst, requestID, 0, wiremessage.OpMsg)
	dst = wiremessage.AppendMsgFlags(dst, 0)
	dst = wiremessage.AppendMsgSectionSingleDocument(dst, cmd)
	dst = wiremessage.UpdateLength(dst, idx)
	return dst
}

func decodeOpMsgReply(wm []byte, requestID int32) (bsoncore.Document, error) {
	header, rem, ok := wiremessage.ReadHeader(wm)
	if !ok {
		return nil, fmt.Errorf("%w: short header", UnexpectedResponse)
	}
	if requestID != 0 && header.ResponseTo != requestID {
		return nil, fmt.Errorf("%w: got response for request ID %d but expected %d", UnexpectedResponse, header.ResponseTo, requestID)
	}
	switch header.OpCode {
	case wiremessage.OpMsg:
		_, rem, ok = wiremessage.ReadMsgFlags(rem)
		if !ok {
			return nil, fmt.Errorf("%w: missing flagBits", UnexpectedResponse)
		}
		doc, _, ok := wiremessage.ReadMsgSectionSingleDocument(rem)
		if !ok {
			return nil, fmt.Errorf("%w: missing section", UnexpectedResponse)
		}
		return doc, nil
	case wiremessage.OpReply:
		_, rem, ok = wiremessage.ReadReplyResponseFlags(rem)
		if !ok {
			return nil, fmt.Errorf("%w: missing responseFlags", UnexpectedResponse)
		}
		_, rem, ok = wiremessage.ReadReplyCursorID(rem)
		if !ok {
			return nil, fmt.Errorf("%w: missing cursorID", UnexpectedResponse)
		}
		_, rem, ok = wiremessage.ReadReplyStartingFrom(rem)
		if !ok {
			return nil, fmt.Errorf("%w: missing startingFrom", UnexpectedResponse)
		}
		n, rem, ok := wiremessage.ReadReplyNumberReturned(rem)
		if !ok || n < 1 {
			return nil, fmt.Errorf("%w: missing document", UnexpectedResponse)
		}
		doc, _, ok := wiremessage.ReadReplyDocument(rem)
		if !ok {
			return nil, fmt.Errorf("%w: malformed document", UnexpectedResponse)
		}
		return doc, nil
	default:
		return nil, fmt.Errorf("%w: unexpected opcode %s", UnexpectedResponse, header.OpCode)
	}
}

func extractCommandError(doc bsoncore.Document) error {
	ok, err := doc.LookupErr("ok")
	if err == nil {
		if f, isFloat := ok.DoubleOK(); isFloat && f == 1 {
			return nil
		}
		if i, isInt := ok.Int32OK(); isInt && i == 1 {
			return nil
		}
		if i, isInt := ok.Int64OK(); isInt && i == 1 {
			return nil
		}
	}

	de := Error{}
	if code, err := doc.LookupErr("code"); err == nil {
		if c, ok := code.Int32OK(); ok {
			de.Code = c
		}
	}
	if msg, err := doc.LookupErr("errmsg"); err == nil {
		if s, ok := msg.StringOK(); ok {
			de.Message = s
		}
	}
	if name, err := doc.LookupErr("codeName"); err == nil {
		if s, ok := name.StringOK(); ok {
			de.Name = s
		}
	}
	if labelsVal, err := doc.LookupErr("errorLabels"); err == nil {
		if arr, ok := labelsVal.ArrayOK(); ok {
			if vals, verr := arr.Values(); verr == nil {
				for _, v := range vals {
					if s, ok := v.StringOK(); ok {
						de.Labels = append(de.Labels, s)
					}
				}
			}
		}
	}
	if de.Message == "" {
		de.Message = "command failed"
	}
	return de
}
