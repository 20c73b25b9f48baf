package ksck

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/caiconghui/kudu/pkg/internal/logutil"
	obsmetrics "github.com/caiconghui/kudu/pkg/observability/metrics"
	"github.com/caiconghui/kudu/pkg/observability/tracing"
)

var (
	// ErrMasterConsensusMismatch indicates the masters' own consensus views
	// of the master config disagree with each other.
	ErrMasterConsensusMismatch = errors.New("ksck: master consensus configs disagree")
	// ErrTablesInconsistent indicates at least one checked table is not healthy.
	ErrTablesInconsistent = errors.New("ksck: tables are inconsistent")
	// ErrMastersUnhealthy indicates at least one master could not be fetched.
	ErrMastersUnhealthy = errors.New("ksck: not all masters are healthy")
)

// Options configures a checker. The zero value is usable; defaults are
// applied by New.
type Options struct {
	// Logger receives operational messages. Defaults to log.Default().
	Logger *log.Logger

	// CheckReplicaCount verifies each tablet's config has as many replicas
	// as the table's replication factor. Default: true (disable with
	// SetCheckReplicaCount after New, or via DisableReplicaCount).
	DisableReplicaCount bool

	// FetchConcurrency caps concurrent tablet server info fetches.
	// Default: 16.
	FetchConcurrency int

	// TableFilters are glob-style name patterns ("Foo*"). Empty: all tables.
	TableFilters []string
	// TabletIDFilters are exact tablet ids. Empty: all tablets. When both
	// filter kinds are set the effective scope is their intersection.
	TabletIDFilters []string
}

// Ksck runs consistency checks against the provided cluster. It is not safe
// for concurrent use; one instance drives one run at a time.
type Ksck struct {
	cluster Cluster
	logger  *log.Logger

	checkReplicaCount bool
	fetchConcurrency  int
	tableFilters      []string
	tabletIDFilters   []string

	masterSummaries []ServerHealthSummary
	tsSummaries     []ServerHealthSummary
	tableSummaries  []TableSummary
}

// New constructs a checker over the given cluster.
func New(cluster Cluster, opts Options) (*Ksck, error) {
	if cluster == nil {
		return nil, errors.New("ksck: nil cluster")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 16
	}
	obsmetrics.Register()
	return &Ksck{
		cluster:           cluster,
		logger:            opts.Logger,
		checkReplicaCount: !opts.DisableReplicaCount,
		fetchConcurrency:  opts.FetchConcurrency,
		tableFilters:      opts.TableFilters,
		tabletIDFilters:   opts.TabletIDFilters,
	}, nil
}

// SetTableFilters restricts checks to tables matching the glob patterns.
func (k *Ksck) SetTableFilters(patterns []string) { k.tableFilters = patterns }

// SetTabletIDFilters restricts checks to the given tablet ids.
func (k *Ksck) SetTabletIDFilters(ids []string) { k.tabletIDFilters = ids }

// SetCheckReplicaCount toggles the replication-factor check.
func (k *Ksck) SetCheckReplicaCount(check bool) { k.checkReplicaCount = check }

// MasterSummaries returns the master health summaries of the last
// CheckMasterHealth pass.
func (k *Ksck) MasterSummaries() []ServerHealthSummary { return k.masterSummaries }

// TabletServerSummaries returns the tablet server health summaries of the
// last FetchInfoFromTabletServers pass.
func (k *Ksck) TabletServerSummaries() []ServerHealthSummary { return k.tsSummaries }

// TableSummaries returns the per-table summaries of the last
// CheckTablesConsistency pass.
func (k *Ksck) TableSummaries() []TableSummary { return k.tableSummaries }

// CheckMasterHealth fetches info and consensus state from every master and
// summarizes their health. Returns ErrMastersUnhealthy (wrapped) when any
// master is unavailable; the run can continue regardless.
func (k *Ksck) CheckMasterHealth(ctx context.Context) error {
	ctx, end := tracing.StartSpan(ctx, "ksck.CheckMasterHealth")
	defer end()

	masters := k.cluster.Masters()
	summaries := make([]ServerHealthSummary, 0, len(masters))
	unavailable := 0
	for _, m := range masters {
		err := m.FetchInfo(ctx)
		health := serverHealthOf(err)
		obsmetrics.ServerFetches.WithLabelValues("master", health.String()).Inc()
		if err != nil {
			unavailable++
			logutil.Warnf(k.logger, "unable to fetch info from master %s: %v",
				ServerLabel(m.UUID(), m.Address()), err)
		} else if cerr := m.FetchConsensusState(ctx); cerr != nil {
			logutil.Warnf(k.logger, "unable to fetch consensus state from master %s: %v",
				ServerLabel(m.UUID(), m.Address()), cerr)
		}
		summaries = append(summaries, ServerHealthSummary{
			UUID:    m.UUID(),
			Address: m.Address(),
			Health:  health,
		})
	}
	k.masterSummaries = summaries
	if unavailable > 0 {
		return fmt.Errorf("%w: %d of %d masters unavailable",
			ErrMastersUnhealthy, unavailable, len(masters))
	}
	return nil
}

// CheckMasterConsensus verifies that the healthy masters agree on the master
// replication config. Masters whose consensus state could not be fetched are
// skipped; disagreement among the rest returns ErrMasterConsensusMismatch.
func (k *Ksck) CheckMasterConsensus(ctx context.Context) error {
	_, end := tracing.StartSpan(ctx, "ksck.CheckMasterConsensus")
	defer end()

	type view struct {
		label string
		cs    ConsensusState
	}
	var views []view
	for _, m := range k.cluster.Masters() {
		if cs, ok := m.ConsensusState(); ok {
			views = append(views, view{label: ServerLabel(m.UUID(), m.Address()), cs: cs})
		}
	}
	for i := 0; i < len(views); i++ {
		for j := i + 1; j < len(views); j++ {
			if !views[i].cs.Matches(views[j].cs) {
				logutil.Errorf(k.logger, "master consensus conflict: %s reports {%s}, %s reports {%s}",
					views[i].label, views[i].cs, views[j].label, views[j].cs)
				return fmt.Errorf("%w: %s vs %s", ErrMasterConsensusMismatch,
					views[i].label, views[j].label)
			}
		}
	}
	return nil
}

// CheckClusterRunning verifies that a leader master can be contacted. This is
// the only check whose failure is fatal to a run.
func (k *Ksck) CheckClusterRunning(ctx context.Context) error {
	ctx, end := tracing.StartSpan(ctx, "ksck.CheckClusterRunning")
	defer end()
	if err := k.cluster.Connect(ctx); err != nil {
		return fmt.Errorf("ksck: cannot connect to cluster: %w", err)
	}
	return nil
}

// FetchTableAndTabletInfo populates the cluster's table and tablet snapshot
// from the master. Must follow CheckClusterRunning.
func (k *Ksck) FetchTableAndTabletInfo(ctx context.Context) error {
	ctx, end := tracing.StartSpan(ctx, "ksck.FetchTableAndTabletInfo")
	defer end()
	return FetchTableAndTabletInfo(ctx, k.cluster)
}

// FetchInfoFromTabletServers connects to every tablet server concurrently,
// fetching status and consensus info and summarizing per-server health. A
// failed fetch marks the server unavailable but never aborts the pass.
func (k *Ksck) FetchInfoFromTabletServers(ctx context.Context) error {
	ctx, end := tracing.StartSpan(ctx, "ksck.FetchInfoFromTabletServers")
	defer end()

	servers := k.cluster.TabletServers()
	var (
		mu        sync.Mutex
		summaries = make([]ServerHealthSummary, 0, len(servers))
		bad       int
		wg        sync.WaitGroup
		sem       = make(chan struct{}, k.fetchConcurrency)
	)
	for _, ts := range servers {
		wg.Add(1)
		sem <- struct{}{}
		go func(ts TabletServer) {
			defer wg.Done()
			defer func() { <-sem }()
			err := ts.FetchInfo(ctx)
			health := serverHealthOf(err)
			obsmetrics.ServerFetches.WithLabelValues("tserver", health.String()).Inc()
			if err != nil {
				logutil.Warnf(k.logger, "unable to fetch info from tablet server %s: %v",
					ServerLabel(ts.UUID(), ts.Address()), err)
			} else if cerr := ts.FetchConsensusState(ctx); cerr != nil {
				logutil.Warnf(k.logger, "unable to fetch consensus state from tablet server %s: %v",
					ServerLabel(ts.UUID(), ts.Address()), cerr)
			}
			mu.Lock()
			if health != ServerHealthy {
				bad++
			}
			summaries = append(summaries, ServerHealthSummary{
				UUID:    ts.UUID(),
				Address: ts.Address(),
				Health:  health,
			})
			mu.Unlock()
		}(ts)
	}
	wg.Wait()
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].UUID < summaries[j].UUID })
	k.tsSummaries = summaries
	if bad > 0 {
		return fmt.Errorf("ksck: %d of %d tablet servers are not healthy", bad, len(servers))
	}
	return nil
}

// CheckTablesConsistency verifies every in-scope table and records its
// summary. Returns ErrTablesInconsistent (wrapped) when any table is not
// healthy.
func (k *Ksck) CheckTablesConsistency(ctx context.Context) error {
	_, end := tracing.StartSpan(ctx, "ksck.CheckTablesConsistency")
	defer end()

	var (
		summaries []TableSummary
		checked   int
		bad       int
	)
	for _, table := range k.cluster.Tables() {
		if !matchesAnyPattern(k.tableFilters, table.Name()) {
			continue
		}
		checked++
		summary, healthy := k.VerifyTable(table)
		status := summary.TableStatus()
		obsmetrics.TablesChecked.WithLabelValues(status.String()).Inc()
		if !healthy {
			bad++
			logutil.Warnf(k.logger, "table %s is %s: %d/%d tablets unhealthy",
				table.Name(), status, summary.UnhealthyTablets(), summary.TotalTablets())
		}
		summaries = append(summaries, summary)
	}
	k.tableSummaries = summaries
	if checked == 0 {
		logutil.Infof(k.logger, "the cluster doesn't have any matching tables")
		return nil
	}
	if bad > 0 {
		return fmt.Errorf("%w: %d of %d tables", ErrTablesInconsistent, bad, checked)
	}
	logutil.Infof(k.logger, "the metadata for %d table(s) is HEALTHY", checked)
	return nil
}

// VerifyTable classifies every in-scope tablet of the table and tallies the
// results. The second return is true when all examined tablets are healthy.
func (k *Ksck) VerifyTable(table *Table) (TableSummary, bool) {
	summary := TableSummary{Name: table.Name()}
	for _, tablet := range table.Tablets() {
		if !containsID(k.tabletIDFilters, tablet.ID()) {
			continue
		}
		result := k.VerifyTablet(tablet, table.NumReplicas())
		obsmetrics.TabletsChecked.WithLabelValues(result.String()).Inc()
		summary.add(result)
	}
	return summary, summary.UnhealthyTablets() == 0
}

// VerifyTableWithTimeout re-runs VerifyTable at retryInterval cadence until
// the table settles in a terminal state (HEALTHY, or CONSENSUS_MISMATCH,
// which is not expected to self-heal) or the timeout elapses, refetching
// tablet server info between attempts so transient RECOVERING and
// UNDER_REPLICATED states can clear. On timeout the last computed summary is
// returned as final.
func (k *Ksck) VerifyTableWithTimeout(ctx context.Context, table *Table, timeout, retryInterval time.Duration) (TableSummary, error) {
	deadline := time.Now().Add(timeout)
	for {
		summary, _ := k.VerifyTable(table)
		switch summary.TableStatus() {
		case CheckHealthy, CheckConsensusMismatch:
			return summary, nil
		}
		if !time.Now().Add(retryInterval).Before(deadline) {
			logutil.Warnf(k.logger, "timed out waiting for table %s to become healthy; last status %s",
				table.Name(), summary.TableStatus())
			return summary, nil
		}
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		case <-time.After(retryInterval):
		}
		obsmetrics.VerifyRetries.Inc()
		// Refresh the per-server view; a retry over an unchanged snapshot
		// could never observe the transient state clearing.
		if err := k.FetchInfoFromTabletServers(ctx); err != nil {
			logutil.Warnf(k.logger, "refetch before retry: %v", err)
		}
	}
}

// VerifyTablet determines the facts about a single tablet (reachability,
// copy progress, consensus agreement) and classifies it.
func (k *Ksck) VerifyTablet(tablet *Tablet, tableNumReplicas int) CheckResult {
	replicas := tablet.Replicas()
	servers := k.cluster.TabletServers()

	views := make([]ConsensusState, 0, len(replicas)+1)
	views = append(views, masterConsensusView(replicas))

	var (
		copying       bool
		runningVoters int
	)
	for _, r := range replicas {
		ts, ok := servers[r.TSUUID]
		if !ok || !IsServerHealthy(ts.FetchState()) {
			// Unreachable server: its replica counts as missing.
			continue
		}
		if status, ok := ts.TabletStatus(tablet.ID()); ok {
			if status.Recovering() {
				copying = true
			}
			if status.State == TabletRunning && r.IsVoter {
				runningVoters++
			}
		}
		if cs, ok := ts.TabletConsensusState(tablet.ID()); ok {
			views = append(views, cs)
		}
	}

	for i := 0; i < len(views); i++ {
		for j := i + 1; j < len(views); j++ {
			if !views[i].Matches(views[j]) {
				logutil.Warnf(k.logger, "tablet %s of table %s has a consensus conflict: {%s} vs {%s}",
					tablet.ID(), tablet.TableName(), views[i], views[j])
				return CheckConsensusMismatch
			}
		}
	}

	if copying {
		logutil.Infof(k.logger, "tablet %s of table %s is RECOVERING: tablet copy in progress",
			tablet.ID(), tablet.TableName())
		return CheckRecovering
	}

	majority := tableNumReplicas/2 + 1
	if runningVoters < majority {
		logutil.Warnf(k.logger, "tablet %s of table %s is UNAVAILABLE: %d of %d voting replicas running, %d needed for a majority",
			tablet.ID(), tablet.TableName(), runningVoters, tableNumReplicas, majority)
		return CheckUnavailable
	}
	if k.checkReplicaCount && runningVoters < tableNumReplicas {
		logutil.Warnf(k.logger, "tablet %s of table %s is UNDER_REPLICATED: %d of %d replicas running",
			tablet.ID(), tablet.TableName(), runningVoters, tableNumReplicas)
		return CheckUnderReplicated
	}
	return CheckHealthy
}

// CompareGossipMembers cross-checks the master-reported tablet server set
// against the ids visible on the cluster's gossip ring, returning one warning
// per discrepancy. Servers absent from gossip may be alive but partitioned;
// gossip members the master doesn't know may be decommissioned stragglers.
func (k *Ksck) CompareGossipMembers(gossipIDs []string) []string {
	seen := make(map[string]struct{}, len(gossipIDs))
	for _, id := range gossipIDs {
		seen[id] = struct{}{}
	}
	var warnings []string
	servers := k.cluster.TabletServers()
	for uuid, ts := range servers {
		if _, ok := seen[uuid]; !ok {
			warnings = append(warnings, fmt.Sprintf("tablet server %s is registered with the master but not visible on the gossip ring",
				ServerLabel(uuid, ts.Address())))
		}
	}
	for _, id := range gossipIDs {
		if _, ok := servers[id]; !ok {
			warnings = append(warnings, fmt.Sprintf("gossip member %s is not registered with the master", id))
		}
	}
	sort.Strings(warnings)
	return warnings
}

// Run executes the full check sequence: master health and consensus, cluster
// connectivity, topology fetch, tablet server fetch and table consistency.
// Only connectivity and topology failures are fatal; other findings are
// folded into the returned error while the run continues.
func (k *Ksck) Run(ctx context.Context) error {
	obsmetrics.ChecksRun.Inc()
	ctx, end := tracing.StartSpan(ctx, "ksck.Run")
	defer end()

	var findings []error
	if err := k.CheckMasterHealth(ctx); err != nil {
		logutil.Warnf(k.logger, "%v", err)
		findings = append(findings, err)
	}
	if err := k.CheckMasterConsensus(ctx); err != nil {
		logutil.Errorf(k.logger, "%v", err)
		findings = append(findings, err)
	}
	if err := k.CheckClusterRunning(ctx); err != nil {
		return err
	}
	if err := k.FetchTableAndTabletInfo(ctx); err != nil {
		return err
	}
	if err := k.FetchInfoFromTabletServers(ctx); err != nil {
		logutil.Warnf(k.logger, "%v", err)
		findings = append(findings, err)
	}
	if err := k.CheckTablesConsistency(ctx); err != nil {
		findings = append(findings, err)
	}
	return errors.Join(findings...)
}

// masterConsensusView builds the master's authoritative membership view of a
// tablet from the replica list it reported.
func masterConsensusView(replicas []Replica) ConsensusState {
	var leader string
	var voters, nonVoters []string
	for _, r := range replicas {
		if r.IsLeader {
			leader = r.TSUUID
		}
		if r.IsVoter {
			voters = append(voters, r.TSUUID)
		} else {
			nonVoters = append(nonVoters, r.TSUUID)
		}
	}
	return NewConsensusState(ConsensusConfigMaster, ConsensusNone, ConsensusNone, leader, voters, nonVoters)
}
