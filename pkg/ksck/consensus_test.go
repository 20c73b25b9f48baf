package ksck

import "testing"

func TestConsensusMatchesIdentical(t *testing.T) {
	peers := []string{"a", "b", "c"}
	x := NewConsensusState(ConsensusConfigCommitted, 1, 10, "a", peers, nil)
	y := NewConsensusState(ConsensusConfigCommitted, 1, 10, "a", peers, nil)
	if !x.Matches(y) || !y.Matches(x) {
		t.Fatal("identical committed configs must match both ways")
	}
}

func TestConsensusMatchesMasterIgnoresTerm(t *testing.T) {
	peers := []string{"a", "b", "c"}
	master := NewConsensusState(ConsensusConfigMaster, ConsensusNone, ConsensusNone, "a", peers, nil)
	committed := NewConsensusState(ConsensusConfigCommitted, 7, 10, "a", peers, nil)
	if !master.Matches(committed) || !committed.Matches(master) {
		t.Fatal("master view must match a committed config with the same membership")
	}

	otherLeader := NewConsensusState(ConsensusConfigCommitted, 7, 10, "b", peers, nil)
	if master.Matches(otherLeader) {
		t.Fatal("master view must not match a config with a different leader")
	}
}

func TestConsensusMatchesTermRules(t *testing.T) {
	peers := []string{"a", "b", "c"}
	term1 := NewConsensusState(ConsensusConfigCommitted, 1, 10, "a", peers, nil)
	term2 := NewConsensusState(ConsensusConfigCommitted, 2, 10, "a", peers, nil)
	if term1.Matches(term2) {
		t.Fatal("committed configs with different terms must not match")
	}

	pending := NewConsensusState(ConsensusConfigPending, 1, 10, "a", peers, nil)
	if term1.Matches(pending) {
		t.Fatal("committed and pending configs must not match even at the same term")
	}
}

func TestConsensusMatchesMembership(t *testing.T) {
	x := NewConsensusState(ConsensusConfigCommitted, 1, 10, "a", []string{"a", "b", "c"}, nil)
	y := NewConsensusState(ConsensusConfigCommitted, 1, 10, "a", []string{"a", "b"}, []string{"c"})
	if x.Matches(y) {
		t.Fatal("moving a peer from voter to non-voter must break the match")
	}

	// Voter order must not matter.
	z := NewConsensusState(ConsensusConfigCommitted, 1, 10, "a", []string{"c", "b", "a"}, nil)
	if !x.Matches(z) {
		t.Fatal("voter set comparison must ignore order")
	}
}

func TestConsensusStateString(t *testing.T) {
	cs := NewConsensusState(ConsensusConfigPending, 3, 12, "a", []string{"b", "a"}, []string{"c"})
	got := cs.String()
	want := `PENDING term=3 leader="a" voters=[a,b] nonvoters=[c]`
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestMasterConsensusViewFromReplicas(t *testing.T) {
	replicas := []Replica{
		{TSUUID: "a", IsLeader: true, IsVoter: true},
		{TSUUID: "b", IsVoter: true},
		{TSUUID: "c"},
	}
	cs := masterConsensusView(replicas)
	if cs.Type != ConsensusConfigMaster {
		t.Fatalf("type = %s, want MASTER", cs.Type)
	}
	if cs.LeaderUUID != "a" {
		t.Fatalf("leader = %q, want a", cs.LeaderUUID)
	}
	if len(cs.VoterUUIDs) != 2 || len(cs.NonVoterUUIDs) != 1 {
		t.Fatalf("unexpected membership: %s", cs)
	}
	if cs.Term != ConsensusNone || cs.OpIDIndex != ConsensusNone {
		t.Fatalf("master view must carry no term/opid, got %s", cs)
	}
}
