package driver

import (
	"sync"

	"github.com/meridiandb/go-driver-core/x/bsoncore"
)

// ClusterClock tracks the highest $clusterTime document observed across
// all servers in a deployment, gossiped on every command and reply so
// that causally consistent reads can wait for it.
type ClusterClock struct {
	mu          sync.Mutex
	clusterTime bsoncore.Document
}

// GetClusterTime returns the current highest observed cluster time, or
// nil if none has been seen yet.
func (cc *ClusterClock) GetClusterTime() bsoncore.Document {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.clusterTime
}

// AdvanceClusterTime updates the tracked cluster time if candidate's
// clusterTime.clusterTime timestamp is newer than the currently tracked
// one.
func (cc *ClusterClock) AdvanceClusterTime(candidate bsoncore.Document) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.clusterTime == nil {
		cc.clusterTime = candidate
		return
	}
	if compareClusterTimes(cc.clusterTime, candidate) < 0 {
		cc.clusterTime = candidate
	}
}

func compareClusterTimes(existing, candidate bsoncore.Document) int {
	existingTS, eerr := existing.LookupErr("clusterTime")
	candidateTS, cerr := candidate.LookupErr("clusterTime")
	if eerr != nil && cerr == nil {
		return -1
	}
	if cerr != nil {
		return 1
	}
	ei, _ := existingTS.Int64OK()
	ci, _ := candidateTS.Int64OK()
	switch {
	case ei < ci:
		return -1
	case ei > ci:
		return 1
	default:
		return 0
	}
}
