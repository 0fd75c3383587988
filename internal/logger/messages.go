package logger

import "fmt"

// PoolMessage reports a connection pool lifecycle event: created, ready,
// cleared, closed, or a single checkout/checkin.
type PoolMessage struct {
	Address   string
	Operation string
	Reason    string
}

// Component implements ComponentMessage.
func (m *PoolMessage) Component() Component { return ComponentConnection }

// Message implements ComponentMessage.
func (m *PoolMessage) Message() string { return m.Operation }

// Serialize implements ComponentMessage.
func (m *PoolMessage) Serialize(uint) []interface{} {
	kv := []interface{}{"address", m.Address}
	if m.Reason != "" {
		kv = append(kv, "reason", m.Reason)
	}
	return kv
}

// ServerHeartbeatMessage reports the outcome of a single monitor heartbeat.
type ServerHeartbeatMessage struct {
	Address       string
	Awaited       bool
	DurationNanos int64
	Failure       error
}

// Component implements ComponentMessage.
func (m *ServerHeartbeatMessage) Component() Component { return ComponentTopology }

// Message implements ComponentMessage.
func (m *ServerHeartbeatMessage) Message() string {
	if m.Failure != nil {
		return "Server heartbeat failed"
	}
	return "Server heartbeat succeeded"
}

// Serialize implements ComponentMessage.
func (m *ServerHeartbeatMessage) Serialize(uint) []interface{} {
	kv := []interface{}{"address", m.Address, "awaited", m.Awaited, "durationNanos", m.DurationNanos}
	if m.Failure != nil {
		kv = append(kv, "failure", m.Failure.Error())
	}
	return kv
}

// TopologyMessage reports an SDAM topology description change.
type TopologyMessage struct {
	TopologyID          string
	PreviousDescription string
	NewDescription      string
}

// Component implements ComponentMessage.
func (m *TopologyMessage) Component() Component { return ComponentTopology }

// Message implements ComponentMessage.
func (m *TopologyMessage) Message() string { return "Topology description changed" }

// Serialize implements ComponentMessage.
func (m *TopologyMessage) Serialize(uint) []interface{} {
	return []interface{}{
		"topologyId", m.TopologyID,
		"previousDescription", m.PreviousDescription,
		"newDescription", m.NewDescription,
	}
}

// CommandMessage reports a wire command sent to a server and, once
// available, its reply.
type CommandMessage struct {
	CommandName string
	RequestID   int64
	Address     string
	Command     fmt.Stringer
	Reply       fmt.Stringer
	Failure     error
}

// Component implements ComponentMessage.
func (m *CommandMessage) Component() Component { return ComponentCommand }

// Message implements ComponentMessage.
func (m *CommandMessage) Message() string {
	if m.Failure != nil {
		return "Command failed"
	}
	if m.Reply != nil {
		return "Command succeeded"
	}
	return "Command started"
}

// Serialize implements ComponentMessage.
func (m *CommandMessage) Serialize(maxDocumentLength uint) []interface{} {
	kv := []interface{}{"commandName", m.CommandName, "requestId", m.RequestID, "address", m.Address}
	if m.Command != nil {
		kv = append(kv, "command", TruncateDocument(m.Command, maxDocumentLength))
	}
	if m.Reply != nil {
		kv = append(kv, "reply", TruncateDocument(m.Reply, maxDocumentLength))
	}
	if m.Failure != nil {
		kv = append(kv, "failure", m.Failure.Error())
	}
	return kv
}
