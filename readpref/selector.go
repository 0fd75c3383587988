package readpref

import (
	"time"

	"github.com/meridiandb/go-driver-core/description"
)

// Selector builds a description.ServerSelector implementing this read
// preference: primary-mode selection, secondary-mode filtering by tag set
// (tried in order until one matches any candidate) and by max staleness.
func (r *ReadPref) Selector() description.ServerSelector {
	return func(t description.Topology, candidates []description.Server) ([]description.Server, error) {
		switch t.Kind {
		case description.TopologySingle, description.TopologyLoadBalanced:
			return candidates, nil
		case description.TopologySharded:
			return filterKind(candidates, description.Mongos), nil
		}

		switch r.mode {
		case PrimaryMode:
			return filterKind(candidates, description.RSPrimary), nil
		case PrimaryPreferredMode:
			if primaries := filterKind(candidates, description.RSPrimary); len(primaries) > 0 {
				return primaries, nil
			}
			return r.selectSecondaries(t, candidates), nil
		case SecondaryMode:
			return r.selectSecondaries(t, candidates), nil
		case SecondaryPreferredMode:
			if secondaries := r.selectSecondaries(t, candidates); len(secondaries) > 0 {
				return secondaries, nil
			}
			return filterKind(candidates, description.RSPrimary), nil
		case NearestMode:
			var result []description.Server
			result = append(result, filterKind(candidates, description.RSPrimary)...)
			result = append(result, r.selectSecondaries(t, candidates)...)
			return result, nil
		default:
			return candidates, nil
		}
	}
}

func (r *ReadPref) selectSecondaries(t description.Topology, candidates []description.Server) []description.Server {
	secondaries := filterKind(candidates, description.RSSecondary)
	secondaries = filterStaleness(t, secondaries, r.maxStaleness)
	if len(r.tagSets) == 0 {
		return secondaries
	}
	for _, tagSet := range r.tagSets {
		if len(tagSet) == 0 {
			return secondaries
		}
		matched := filterTagSet(secondaries, tagSet)
		if len(matched) > 0 {
			return matched
		}
	}
	return nil
}

func filterKind(candidates []description.Server, kind description.ServerKind) []description.Server {
	var result []description.Server
	for _, s := range candidates {
		if s.Kind == kind {
			result = append(result, s)
		}
	}
	return result
}

func filterTagSet(candidates []description.Server, tagSet description.TagSet) []description.Server {
	var result []description.Server
	for _, s := range candidates {
		if s.Tags.ContainsAll(tagSet) {
			result = append(result, s)
		}
	}
	return result
}

// filterStaleness drops secondaries whose estimated staleness relative to
// the primary (or, with no primary known, the freshest secondary) exceeds
// maxStaleness.
func filterStaleness(t description.Topology, secondaries []description.Server, maxStaleness time.Duration) []description.Server {
	if maxStaleness == 0 {
		return secondaries
	}

	primary, hasPrimary := t.Primary()

	var maxLastWrite time.Time
	for _, s := range secondaries {
		if s.LastWriteTime.After(maxLastWrite) {
			maxLastWrite = s.LastWriteTime
		}
	}

	var result []description.Server
	for _, s := range secondaries {
		var staleness time.Duration
		if hasPrimary {
			staleness = s.LastUpdateTime.Sub(s.LastWriteTime) -
				primary.LastUpdateTime.Sub(primary.LastWriteTime) +
				s.HeartbeatInterval
		} else {
			staleness = maxLastWrite.Sub(s.LastWriteTime) + s.HeartbeatInterval
		}
		if staleness <= maxStaleness {
			result = append(result, s)
		}
	}
	return result
}
