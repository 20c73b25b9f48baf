package ksck

import (
	"fmt"
	"sort"
	"strings"
)

// ConsensusConfigType identifies where a reported consensus config came from.
type ConsensusConfigType int

const (
	// ConsensusConfigMaster is a config reported by the master.
	ConsensusConfigMaster ConsensusConfigType = iota
	// ConsensusConfigCommitted is a config a replica has committed.
	ConsensusConfigCommitted
	// ConsensusConfigPending is a config a replica has not yet committed.
	ConsensusConfigPending
)

func (t ConsensusConfigType) String() string {
	switch t {
	case ConsensusConfigMaster:
		return "MASTER"
	case ConsensusConfigCommitted:
		return "COMMITTED"
	case ConsensusConfigPending:
		return "PENDING"
	default:
		return fmt.Sprintf("ConsensusConfigType(%d)", int(t))
	}
}

// ConsensusNone marks an unknown term or opid index.
const ConsensusNone int64 = -1

// ConsensusState is one server's view of a tablet's replication configuration.
// Instances are immutable snapshots; the checker only ever compares them.
type ConsensusState struct {
	Type          ConsensusConfigType
	Term          int64
	OpIDIndex     int64
	LeaderUUID    string
	VoterUUIDs    map[string]struct{}
	NonVoterUUIDs map[string]struct{}
}

// NewConsensusState builds a state from peer uuid lists. Term and opIDIndex
// may be ConsensusNone when the reporting server did not include them.
func NewConsensusState(t ConsensusConfigType, term, opIDIndex int64, leaderUUID string, voters, nonVoters []string) ConsensusState {
	return ConsensusState{
		Type:          t,
		Term:          term,
		OpIDIndex:     opIDIndex,
		LeaderUUID:    leaderUUID,
		VoterUUIDs:    uuidSet(voters),
		NonVoterUUIDs: uuidSet(nonVoters),
	}
}

// Matches reports whether two consensus states agree. They agree when they
// have the same leader and the same voter and non-voter sets, and one of the
// following holds:
//   - at least one of them is of type MASTER
//   - they are configs of the same type with the same term
//
// A master-reported view is authoritative on membership but carries no term
// comparable against a replica's committed or pending config.
func (cs ConsensusState) Matches(other ConsensusState) bool {
	sameLeaderAndPeers := cs.LeaderUUID == other.LeaderUUID &&
		uuidSetEqual(cs.VoterUUIDs, other.VoterUUIDs) &&
		uuidSetEqual(cs.NonVoterUUIDs, other.NonVoterUUIDs)
	if cs.Type == ConsensusConfigMaster || other.Type == ConsensusConfigMaster {
		return sameLeaderAndPeers
	}
	return cs.Type == other.Type && cs.Term == other.Term && sameLeaderAndPeers
}

// String renders a compact single-line form for logs.
func (cs ConsensusState) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s term=%d leader=%q voters=[%s]",
		cs.Type, cs.Term, cs.LeaderUUID, strings.Join(sortedUUIDs(cs.VoterUUIDs), ","))
	if len(cs.NonVoterUUIDs) > 0 {
		fmt.Fprintf(&b, " nonvoters=[%s]", strings.Join(sortedUUIDs(cs.NonVoterUUIDs), ","))
	}
	return b.String()
}

func uuidSet(uuids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(uuids))
	for _, u := range uuids {
		if u != "" {
			set[u] = struct{}{}
		}
	}
	return set
}

func uuidSetEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for u := range a {
		if _, ok := b[u]; !ok {
			return false
		}
	}
	return true
}

func sortedUUIDs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
