package description

import "github.com/meridiandb/go-driver-core/x/bsoncore"

// TopologyVersion lets a server report monotonically increasing state
// changes across heartbeats without requiring a full hello round trip,
// per the streaming (awaitable hello) protocol.
type TopologyVersion struct {
	ProcessID bsoncore.ObjectID
	Counter   int64
}

// CompareToIncoming reports whether incoming represents a state that is at
// least as new as tv: different ProcessID always wins (a restart), else
// the higher Counter wins. A nil tv always loses to a non-nil incoming.
func (tv *TopologyVersion) CompareToIncoming(incoming *TopologyVersion) int {
	if tv == nil && incoming == nil {
		return 0
	}
	if tv == nil {
		return -1
	}
	if incoming == nil {
		return 1
	}
	if tv.ProcessID != incoming.ProcessID {
		return -1
	}
	switch {
	case tv.Counter < incoming.Counter:
		return -1
	case tv.Counter > incoming.Counter:
		return 1
	default:
		return 0
	}
}

// IsStaleRelativeTo reports whether incoming represents an older or equal
// state to tv, meaning incoming should NOT overwrite a fresher local
// value. Used when deciding whether an error-triggered description update
// should be discarded as stale.
func (tv *TopologyVersion) IsStaleRelativeTo(incoming *TopologyVersion) bool {
	return tv.CompareToIncoming(incoming) >= 0
}
