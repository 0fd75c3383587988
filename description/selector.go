package description

import "sort"

// ServerSelector narrows a Topology's servers down to the subset eligible
// for a given operation. Selectors are pure functions of the current
// topology and candidate set, composed left to right.
type ServerSelector func(t Topology, candidates []Server) ([]Server, error)

// CompositeSelector runs each selector in order, feeding each one's output
// into the next.
func CompositeSelector(selectors []ServerSelector) ServerSelector {
	return func(t Topology, candidates []Server) ([]Server, error) {
		var err error
		for _, sel := range selectors {
			candidates, err = sel(t, candidates)
			if err != nil {
				return nil, err
			}
		}
		return candidates, nil
	}
}

// WriteSelector restricts candidates to servers eligible to accept writes:
// the primary in a replica set, any server in a Single topology, or any
// mongos/load balancer.
func WriteSelector() ServerSelector {
	return func(t Topology, candidates []Server) ([]Server, error) {
		var result []Server
		for _, s := range candidates {
			switch t.Kind {
			case TopologySingle:
				result = append(result, s)
			case TopologyReplicaSetWithPrimary:
				if s.Kind == RSPrimary {
					result = append(result, s)
				}
			case TopologySharded, TopologyLoadBalanced:
				if s.Kind == Mongos || s.Kind == LoadBalancer {
					result = append(result, s)
				}
			}
		}
		return result, nil
	}
}

// LatencySelector drops candidates whose average round-trip time falls
// outside localThreshold of the fastest candidate, implementing the
// "latency window" step of server selection.
func LatencySelector(localThreshold int64) ServerSelector {
	return func(t Topology, candidates []Server) ([]Server, error) {
		if len(candidates) < 2 || localThreshold < 0 {
			return candidates, nil
		}

		min := candidates[0].AverageRTT
		for _, s := range candidates[1:] {
			if s.AverageRTT < min {
				min = s.AverageRTT
			}
		}

		var result []Server
		thresholdNanos := min.Nanoseconds() + localThreshold*1000000
		for _, s := range candidates {
			if s.AverageRTT.Nanoseconds() <= thresholdNanos {
				result = append(result, s)
			}
		}
		return result, nil
	}
}

// sortByAddress is used by tests needing deterministic ordering.
func sortByAddress(servers []Server) {
	sort.Slice(servers, func(i, j int) bool {
		return servers[i].Addr < servers[j].Addr
	})
}
