package ksck

import "fmt"

// CheckResult classifies the health of a single tablet.
type CheckResult int

const (
	// CheckHealthy: enough replicas, all consensus views agree.
	CheckHealthy CheckResult = iota
	// CheckRecovering: the tablet has on-going tablet copies or replicas
	// still bootstrapping. Expected to self-heal.
	CheckRecovering
	// CheckUnderReplicated: fewer running replicas than the table's
	// replication factor, but a majority is present and no copy is running.
	CheckUnderReplicated
	// CheckUnavailable: a majority of replicas is unreachable; the tablet
	// cannot accept writes and may require operator intervention.
	CheckUnavailable
	// CheckConsensusMismatch: the replicas' and master's consensus configs
	// disagree. Not expected to self-heal.
	CheckConsensusMismatch
)

func (r CheckResult) String() string {
	switch r {
	case CheckHealthy:
		return "HEALTHY"
	case CheckRecovering:
		return "RECOVERING"
	case CheckUnderReplicated:
		return "UNDER_REPLICATED"
	case CheckUnavailable:
		return "UNAVAILABLE"
	case CheckConsensusMismatch:
		return "CONSENSUS_MISMATCH"
	default:
		return fmt.Sprintf("CheckResult(%d)", int(r))
	}
}

// SeverityRank orders check results from benign to severe, for aggregation.
// Explicit so the precedence UNAVAILABLE > CONSENSUS_MISMATCH >
// UNDER_REPLICATED > RECOVERING > HEALTHY survives enum reordering.
func (r CheckResult) SeverityRank() int {
	switch r {
	case CheckHealthy:
		return 0
	case CheckRecovering:
		return 1
	case CheckUnderReplicated:
		return 2
	case CheckConsensusMismatch:
		return 3
	case CheckUnavailable:
		return 4
	default:
		return 5
	}
}

// TableSummary tallies the tablet check results of one table for one pass.
type TableSummary struct {
	Name                     string `json:"name"`
	HealthyTablets           int    `json:"healthyTablets"`
	RecoveringTablets        int    `json:"recoveringTablets"`
	UnderReplicatedTablets   int    `json:"underReplicatedTablets"`
	ConsensusMismatchTablets int    `json:"consensusMismatchTablets"`
	UnavailableTablets       int    `json:"unavailableTablets"`
}

func (s *TableSummary) add(r CheckResult) {
	switch r {
	case CheckHealthy:
		s.HealthyTablets++
	case CheckRecovering:
		s.RecoveringTablets++
	case CheckUnderReplicated:
		s.UnderReplicatedTablets++
	case CheckConsensusMismatch:
		s.ConsensusMismatchTablets++
	case CheckUnavailable:
		s.UnavailableTablets++
	}
}

// TotalTablets is the number of tablets examined in the pass.
func (s TableSummary) TotalTablets() int {
	return s.HealthyTablets + s.RecoveringTablets + s.UnderReplicatedTablets +
		s.ConsensusMismatchTablets + s.UnavailableTablets
}

// UnhealthyTablets is the number of tablets in any non-healthy state.
func (s TableSummary) UnhealthyTablets() int {
	return s.TotalTablets() - s.HealthyTablets
}

// TableStatus derives the table's verdict from its least healthy tablet,
// regardless of count magnitudes.
func (s TableSummary) TableStatus() CheckResult {
	if s.UnavailableTablets > 0 {
		return CheckUnavailable
	}
	if s.ConsensusMismatchTablets > 0 {
		return CheckConsensusMismatch
	}
	if s.UnderReplicatedTablets > 0 {
		return CheckUnderReplicated
	}
	if s.RecoveringTablets > 0 {
		return CheckRecovering
	}
	return CheckHealthy
}
