package topology

import "github.com/meridiandb/go-driver-core/description"

// PoolEvent describes a single connection pool lifecycle event, delivered
// to a PoolMonitor without the pool depending on any particular logging
// or metrics framework.
type PoolEvent struct {
	Type          string
	Address       string
	ConnectionID  uint64
	PoolOptions   *poolEventOptions
	Reason        string
}

type poolEventOptions struct {
	MaxPoolSize uint64
	MinPoolSize uint64
}

// Pool event types.
const (
	PoolEventCreated           = "ConnectionPoolCreated"
	PoolEventReady             = "ConnectionPoolReady"
	PoolEventCleared           = "ConnectionPoolCleared"
	PoolEventClosed            = "ConnectionPoolClosed"
	PoolEventConnCreated       = "ConnectionCreated"
	PoolEventConnReady         = "ConnectionReady"
	PoolEventConnClosed        = "ConnectionClosed"
	PoolEventCheckOutStarted   = "ConnectionCheckOutStarted"
	PoolEventCheckedOut        = "ConnectionCheckedOut"
	PoolEventCheckOutFailed    = "ConnectionCheckOutFailed"
	PoolEventCheckedIn         = "ConnectionCheckedIn"
)

// PoolMonitor receives PoolEvents as they occur. A nil *PoolMonitor is
// valid and simply drops events.
type PoolMonitor struct {
	Event func(*PoolEvent)
}

func (m *PoolMonitor) publish(evt *PoolEvent) {
	if m == nil || m.Event == nil {
		return
	}
	m.Event(evt)
}

// ServerDescriptionChangedEvent reports a server description transition.
type ServerDescriptionChangedEvent struct {
	Address             string
	TopologyID           string
	PreviousDescription description.Server
	NewDescription      description.Server
}

// ServerHeartbeatStartedEvent reports the start of a monitor heartbeat.
type ServerHeartbeatStartedEvent struct {
	Address string
	Awaited bool
}

// ServerHeartbeatSucceededEvent reports a successful monitor heartbeat.
type ServerHeartbeatSucceededEvent struct {
	Address      string
	Awaited      bool
	DurationNanos int64
	Reply        description.Server
}

// ServerHeartbeatFailedEvent reports a failed monitor heartbeat.
type ServerHeartbeatFailedEvent struct {
	Address      string
	Awaited      bool
	DurationNanos int64
	Failure      error
}

// TopologyDescriptionChangedEvent reports an SDAM topology-level state
// change.
type TopologyDescriptionChangedEvent struct {
	TopologyID          string
	PreviousDescription description.Topology
	NewDescription      description.Topology
}

// ServerMonitor receives SDAM events as they occur. A nil *ServerMonitor
// is valid and simply drops events.
type ServerMonitor struct {
	ServerDescriptionChanged func(*ServerDescriptionChangedEvent)
	ServerHeartbeatStarted   func(*ServerHeartbeatStartedEvent)
	ServerHeartbeatSucceeded func(*ServerHeartbeatSucceededEvent)
	ServerHeartbeatFailed    func(*ServerHeartbeatFailedEvent)
	TopologyDescriptionChanged func(*TopologyDescriptionChangedEvent)
}

func (m *ServerMonitor) publishHeartbeatStarted(evt *ServerHeartbeatStartedEvent) {
	if m == nil || m.ServerHeartbeatStarted == nil {
		return
	}
	m.ServerHeartbeatStarted(evt)
}

func (m *ServerMonitor) publishHeartbeatSucceeded(evt *ServerHeartbeatSucceededEvent) {
	if m == nil || m.ServerHeartbeatSucceeded == nil {
		return
	}
	m.ServerHeartbeatSucceeded(evt)
}

func (m *ServerMonitor) publishHeartbeatFailed(evt *ServerHeartbeatFailedEvent) {
	if m == nil || m.ServerHeartbeatFailed == nil {
		return
	}
	m.ServerHeartbeatFailed(evt)
}

func (m *ServerMonitor) publishDescriptionChanged(evt *ServerDescriptionChangedEvent) {
	if m == nil || m.ServerDescriptionChanged == nil {
		return
	}
	m.ServerDescriptionChanged(evt)
}

func (m *ServerMonitor) publishTopologyChanged(evt *TopologyDescriptionChangedEvent) {
	if m == nil || m.TopologyDescriptionChanged == nil {
		return
	}
	m.TopologyDescriptionChanged(evt)
}
