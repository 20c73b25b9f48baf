package ksck

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeMaster struct {
	uuid     string
	addr     string
	fetchErr error
	cstate   *ConsensusState
	state    FetchState
}

var _ Master = (*fakeMaster)(nil)

func (m *fakeMaster) Init() error { return nil }

func (m *fakeMaster) FetchInfo(ctx context.Context) error {
	if m.fetchErr != nil {
		m.state = FetchFailed
		return m.fetchErr
	}
	m.state = Fetched
	return nil
}

func (m *fakeMaster) FetchConsensusState(ctx context.Context) error { return nil }

func (m *fakeMaster) UUID() string {
	if m.uuid == "" {
		return MasterDummyUUID
	}
	return m.uuid
}
func (m *fakeMaster) Address() string        { return m.addr }
func (m *fakeMaster) FetchState() FetchState { return m.state }

func (m *fakeMaster) ConsensusState() (ConsensusState, bool) {
	if m.cstate == nil {
		return ConsensusState{}, false
	}
	return *m.cstate, true
}

type fakeTS struct {
	uuid      string
	addr      string
	fetchErr  error
	timestamp uint64
	onFetch   func(ts *fakeTS)

	mu       sync.Mutex
	state    FetchState
	statuses map[string]TabletStatus
	cstates  map[string]ConsensusState

	scanChecksums map[string]uint64
	scanOpts      []ChecksumOptions
	scanErr       error
	scanDelay     time.Duration
	scanRows      int64
	scanBytes     int64
	scanHold      chan struct{} // scans block until closed when non-nil
	inFlight      int
	maxInFlight   int
}

var _ TabletServer = (*fakeTS)(nil)

func (t *fakeTS) FetchInfo(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.onFetch != nil {
		t.onFetch(t)
	}
	if t.fetchErr != nil {
		t.state = FetchFailed
		return t.fetchErr
	}
	t.state = Fetched
	return nil
}

func (t *fakeTS) FetchConsensusState(ctx context.Context) error { return nil }

func (t *fakeTS) RunTabletChecksumScan(ctx context.Context, tabletID string, schema Schema, opts ChecksumOptions, cb ChecksumProgress) {
	t.mu.Lock()
	t.inFlight++
	if t.inFlight > t.maxInFlight {
		t.maxInFlight = t.inFlight
	}
	t.scanOpts = append(t.scanOpts, opts)
	hold := t.scanHold
	t.mu.Unlock()
	go func() {
		if t.scanDelay > 0 {
			time.Sleep(t.scanDelay)
		}
		if hold != nil {
			<-hold
		}
		if t.scanRows > 0 || t.scanBytes > 0 {
			cb.Progress(t.scanRows, t.scanBytes)
		}
		t.mu.Lock()
		t.inFlight--
		sum := t.scanChecksums[tabletID]
		err := t.scanErr
		t.mu.Unlock()
		cb.Finished(sum, err)
	}()
}

func (t *fakeTS) UUID() string    { return t.uuid }
func (t *fakeTS) Address() string { return t.addr }

func (t *fakeTS) FetchState() FetchState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTS) TabletStatus(tabletID string) (TabletStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[tabletID]
	return s, ok
}

func (t *fakeTS) TabletConsensusState(tabletID string) (ConsensusState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.cstates[tabletID]
	return cs, ok
}

func (t *fakeTS) CurrentTimestamp() uint64 { return t.timestamp }

type fakeCluster struct {
	masters    []Master
	tservers   map[string]TabletServer
	tables     []*Table
	connectErr error
}

var _ Cluster = (*fakeCluster)(nil)

func (c *fakeCluster) Connect(ctx context.Context) error                    { return c.connectErr }
func (c *fakeCluster) FetchTabletServers(ctx context.Context) error         { return nil }
func (c *fakeCluster) FetchTablesList(ctx context.Context) error            { return nil }
func (c *fakeCluster) FetchTabletsList(ctx context.Context, t *Table) error { return nil }
func (c *fakeCluster) Masters() []Master                                    { return c.masters }
func (c *fakeCluster) TabletServers() map[string]TabletServer               { return c.tservers }
func (c *fakeCluster) Tables() []*Table                                     { return c.tables }

// threeNodeCluster builds one table with one three-way replicated tablet.
// All servers are fetched, running and agree on the config.
func threeNodeCluster(t *testing.T) (*fakeCluster, *Tablet) {
	t.Helper()
	uuids := []string{"ts-a", "ts-b", "ts-c"}
	agreed := NewConsensusState(ConsensusConfigCommitted, 1, 5, "ts-a", uuids, nil)

	tservers := make(map[string]TabletServer, len(uuids))
	for i, uuid := range uuids {
		tservers[uuid] = &fakeTS{
			uuid:      uuid,
			addr:      fmt.Sprintf("host-%d:8050", i),
			state:     Fetched,
			timestamp: 100 + uint64(i),
			statuses: map[string]TabletStatus{
				"tablet-1": {State: TabletRunning, DataState: TabletDataReady},
			},
			cstates: map[string]ConsensusState{"tablet-1": agreed},
		}
	}

	tablet := NewTablet("t1", "tablet-1")
	tablet.SetReplicas([]Replica{
		{TSUUID: "ts-a", IsLeader: true, IsVoter: true},
		{TSUUID: "ts-b", IsVoter: true},
		{TSUUID: "ts-c", IsVoter: true},
	})
	table := NewTable("t1", Schema{Columns: []string{"key", "val"}}, 3)
	table.SetTablets([]*Tablet{tablet})

	return &fakeCluster{
		masters:  []Master{&fakeMaster{uuid: "m-1", addr: "m1:8051", state: Fetched}},
		tservers: tservers,
		tables:   []*Table{table},
	}, tablet
}

func newChecker(t *testing.T, cluster Cluster, opts Options) *Ksck {
	t.Helper()
	k, err := New(cluster, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k
}

func TestVerifyTabletHealthy(t *testing.T) {
	cluster, tablet := threeNodeCluster(t)
	k := newChecker(t, cluster, Options{})
	if got := k.VerifyTablet(tablet, 3); got != CheckHealthy {
		t.Fatalf("result = %s, want HEALTHY", got)
	}
}

func TestVerifyTabletUnderReplicated(t *testing.T) {
	cluster, tablet := threeNodeCluster(t)
	cluster.tservers["ts-c"].(*fakeTS).state = FetchFailed

	k := newChecker(t, cluster, Options{})
	if got := k.VerifyTablet(tablet, 3); got != CheckUnderReplicated {
		t.Fatalf("result = %s, want UNDER_REPLICATED", got)
	}

	// With the replication factor check disabled a majority is enough.
	k.SetCheckReplicaCount(false)
	if got := k.VerifyTablet(tablet, 3); got != CheckHealthy {
		t.Fatalf("result = %s, want HEALTHY with replica count check off", got)
	}
}

func TestVerifyTabletUnavailable(t *testing.T) {
	cluster, tablet := threeNodeCluster(t)
	cluster.tservers["ts-b"].(*fakeTS).state = FetchFailed
	cluster.tservers["ts-c"].(*fakeTS).state = FetchFailed

	k := newChecker(t, cluster, Options{})
	if got := k.VerifyTablet(tablet, 3); got != CheckUnavailable {
		t.Fatalf("result = %s, want UNAVAILABLE", got)
	}
}

func TestVerifyTabletRecovering(t *testing.T) {
	cluster, tablet := threeNodeCluster(t)
	ts := cluster.tservers["ts-c"].(*fakeTS)
	ts.statuses["tablet-1"] = TabletStatus{State: TabletBootstrapping, DataState: TabletDataReady}

	k := newChecker(t, cluster, Options{})
	if got := k.VerifyTablet(tablet, 3); got != CheckRecovering {
		t.Fatalf("result = %s, want RECOVERING", got)
	}

	// A tablet copy in progress counts the same way.
	ts.statuses["tablet-1"] = TabletStatus{State: TabletRunning, DataState: TabletDataCopying}
	if got := k.VerifyTablet(tablet, 3); got != CheckRecovering {
		t.Fatalf("result = %s, want RECOVERING for copying replica", got)
	}
}

func TestVerifyTabletConsensusMismatch(t *testing.T) {
	cluster, tablet := threeNodeCluster(t)
	ts := cluster.tservers["ts-b"].(*fakeTS)
	ts.cstates["tablet-1"] = NewConsensusState(ConsensusConfigCommitted, 2, 5, "ts-b",
		[]string{"ts-a", "ts-b", "ts-c"}, nil)

	k := newChecker(t, cluster, Options{})
	if got := k.VerifyTablet(tablet, 3); got != CheckConsensusMismatch {
		t.Fatalf("result = %s, want CONSENSUS_MISMATCH", got)
	}
}

func TestVerifyTabletMismatchBeatsRecovering(t *testing.T) {
	cluster, tablet := threeNodeCluster(t)
	tsB := cluster.tservers["ts-b"].(*fakeTS)
	tsB.cstates["tablet-1"] = NewConsensusState(ConsensusConfigCommitted, 2, 5, "ts-b",
		[]string{"ts-a", "ts-b", "ts-c"}, nil)
	tsC := cluster.tservers["ts-c"].(*fakeTS)
	tsC.statuses["tablet-1"] = TabletStatus{State: TabletRunning, DataState: TabletDataCopying}

	k := newChecker(t, cluster, Options{})
	if got := k.VerifyTablet(tablet, 3); got != CheckConsensusMismatch {
		t.Fatalf("result = %s, want CONSENSUS_MISMATCH over RECOVERING", got)
	}
}

func TestVerifyTableTalliesAndFilters(t *testing.T) {
	cluster, _ := threeNodeCluster(t)
	table := cluster.tables[0]

	k := newChecker(t, cluster, Options{})
	summary, healthy := k.VerifyTable(table)
	if !healthy || summary.HealthyTablets != 1 || summary.TotalTablets() != 1 {
		t.Fatalf("unexpected summary: %+v healthy=%v", summary, healthy)
	}

	// A tablet id filter that matches nothing leaves the summary empty.
	k.SetTabletIDFilters([]string{"other-tablet"})
	summary, healthy = k.VerifyTable(table)
	if !healthy || summary.TotalTablets() != 0 {
		t.Fatalf("expected empty summary with non-matching filter, got %+v", summary)
	}
}

func TestCheckTablesConsistencyFilters(t *testing.T) {
	cluster, _ := threeNodeCluster(t)
	k := newChecker(t, cluster, Options{TableFilters: []string{"zzz*"}})
	if err := k.CheckTablesConsistency(context.Background()); err != nil {
		t.Fatalf("expected nil for no matching tables, got %v", err)
	}
	if len(k.TableSummaries()) != 0 {
		t.Fatalf("expected no summaries, got %v", k.TableSummaries())
	}

	k.SetTableFilters([]string{"t*"})
	if err := k.CheckTablesConsistency(context.Background()); err != nil {
		t.Fatalf("CheckTablesConsistency: %v", err)
	}
	if len(k.TableSummaries()) != 1 {
		t.Fatalf("expected one summary, got %v", k.TableSummaries())
	}
}

func TestCheckTablesConsistencyUnhealthy(t *testing.T) {
	cluster, _ := threeNodeCluster(t)
	cluster.tservers["ts-b"].(*fakeTS).state = FetchFailed
	cluster.tservers["ts-c"].(*fakeTS).state = FetchFailed

	k := newChecker(t, cluster, Options{})
	err := k.CheckTablesConsistency(context.Background())
	if !errors.Is(err, ErrTablesInconsistent) {
		t.Fatalf("err = %v, want ErrTablesInconsistent", err)
	}
	if got := k.TableSummaries()[0].TableStatus(); got != CheckUnavailable {
		t.Fatalf("table status = %s, want UNAVAILABLE", got)
	}
}

func TestCheckMasterHealth(t *testing.T) {
	cluster, _ := threeNodeCluster(t)
	cluster.masters = append(cluster.masters,
		&fakeMaster{addr: "m2:8051", fetchErr: errors.New("connection refused")})

	k := newChecker(t, cluster, Options{})
	err := k.CheckMasterHealth(context.Background())
	if !errors.Is(err, ErrMastersUnhealthy) {
		t.Fatalf("err = %v, want ErrMastersUnhealthy", err)
	}
	summaries := k.MasterSummaries()
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	if summaries[0].Health != ServerHealthy || summaries[1].Health != ServerUnavailable {
		t.Fatalf("unexpected healths: %+v", summaries)
	}
	if summaries[1].UUID != MasterDummyUUID {
		t.Fatalf("unfetched master uuid = %q, want %q", summaries[1].UUID, MasterDummyUUID)
	}
}

func TestCheckMasterConsensus(t *testing.T) {
	masterUUIDs := []string{"m-1", "m-2", "m-3"}
	agree := NewConsensusState(ConsensusConfigCommitted, 3, 9, "m-1", masterUUIDs, nil)
	disagree := NewConsensusState(ConsensusConfigCommitted, 4, 9, "m-2", masterUUIDs, nil)

	cluster := &fakeCluster{masters: []Master{
		&fakeMaster{uuid: "m-1", addr: "m1:8051", cstate: &agree},
		&fakeMaster{uuid: "m-2", addr: "m2:8051", cstate: &agree},
	}}
	k := newChecker(t, cluster, Options{})
	if err := k.CheckMasterConsensus(context.Background()); err != nil {
		t.Fatalf("expected agreement, got %v", err)
	}

	cluster.masters[1].(*fakeMaster).cstate = &disagree
	err := k.CheckMasterConsensus(context.Background())
	if !errors.Is(err, ErrMasterConsensusMismatch) {
		t.Fatalf("err = %v, want ErrMasterConsensusMismatch", err)
	}
}

func TestFetchInfoFromTabletServers(t *testing.T) {
	cluster, _ := threeNodeCluster(t)
	cluster.tservers["ts-b"].(*fakeTS).fetchErr = errors.New("dial timeout")
	cluster.tservers["ts-c"].(*fakeTS).fetchErr =
		fmt.Errorf("uuid check: %w", ErrWrongServerUUID)

	k := newChecker(t, cluster, Options{FetchConcurrency: 2})
	err := k.FetchInfoFromTabletServers(context.Background())
	if err == nil {
		t.Fatal("expected error for unhealthy tablet servers")
	}
	summaries := k.TabletServerSummaries()
	if len(summaries) != 3 {
		t.Fatalf("expected 3 summaries, got %d", len(summaries))
	}
	// Sorted by uuid: ts-a, ts-b, ts-c.
	want := []ServerHealth{ServerHealthy, ServerUnavailable, ServerWrongUUID}
	for i, s := range summaries {
		if s.Health != want[i] {
			t.Fatalf("summary[%d] = %s, want %s", i, s.Health, want[i])
		}
	}
}

func TestVerifyTableWithTimeoutHeals(t *testing.T) {
	cluster, _ := threeNodeCluster(t)
	table := cluster.tables[0]
	ts := cluster.tservers["ts-c"].(*fakeTS)
	ts.statuses["tablet-1"] = TabletStatus{State: TabletBootstrapping, DataState: TabletDataReady}
	// The replica finishes bootstrapping by the time the checker refetches.
	ts.onFetch = func(ts *fakeTS) {
		ts.statuses["tablet-1"] = TabletStatus{State: TabletRunning, DataState: TabletDataReady}
	}

	k := newChecker(t, cluster, Options{})
	summary, err := k.VerifyTableWithTimeout(context.Background(), table, time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("VerifyTableWithTimeout: %v", err)
	}
	if got := summary.TableStatus(); got != CheckHealthy {
		t.Fatalf("final status = %s, want HEALTHY", got)
	}
}

func TestVerifyTableWithTimeoutGivesUp(t *testing.T) {
	cluster, _ := threeNodeCluster(t)
	table := cluster.tables[0]
	cluster.tservers["ts-c"].(*fakeTS).statuses["tablet-1"] =
		TabletStatus{State: TabletBootstrapping, DataState: TabletDataReady}

	k := newChecker(t, cluster, Options{})
	summary, err := k.VerifyTableWithTimeout(context.Background(), table, 30*time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("VerifyTableWithTimeout: %v", err)
	}
	if got := summary.TableStatus(); got != CheckRecovering {
		t.Fatalf("final status = %s, want RECOVERING on timeout", got)
	}
}

func TestRunAggregatesFindings(t *testing.T) {
	cluster, _ := threeNodeCluster(t)
	cluster.tservers["ts-b"].(*fakeTS).fetchErr = errors.New("dial timeout")

	k := newChecker(t, cluster, Options{})
	err := k.Run(context.Background())
	if err == nil {
		t.Fatal("expected findings from a degraded cluster")
	}
	if !errors.Is(err, ErrTablesInconsistent) {
		t.Fatalf("err = %v, want it to wrap ErrTablesInconsistent", err)
	}
}

func TestRunConnectFatal(t *testing.T) {
	cluster, _ := threeNodeCluster(t)
	cluster.connectErr = errors.New("no leader")

	k := newChecker(t, cluster, Options{})
	if err := k.Run(context.Background()); err == nil {
		t.Fatal("expected fatal connect error")
	}
	if len(k.TableSummaries()) != 0 {
		t.Fatalf("expected no table summaries after fatal connect, got %v", k.TableSummaries())
	}
}

func TestCompareGossipMembers(t *testing.T) {
	cluster, _ := threeNodeCluster(t)
	k := newChecker(t, cluster, Options{})

	if warnings := k.CompareGossipMembers([]string{"ts-a", "ts-b", "ts-c"}); len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}

	warnings := k.CompareGossipMembers([]string{"ts-a", "ts-b", "ts-x"})
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", warnings)
	}
}

func TestServerHealthClassification(t *testing.T) {
	if got := serverHealthOf(nil); got != ServerHealthy {
		t.Fatalf("nil error = %s, want HEALTHY", got)
	}
	if got := serverHealthOf(errors.New("refused")); got != ServerUnavailable {
		t.Fatalf("plain error = %s, want UNAVAILABLE", got)
	}
	wrapped := fmt.Errorf("fetch: %w", ErrWrongServerUUID)
	if got := serverHealthOf(wrapped); got != ServerWrongUUID {
		t.Fatalf("wrapped uuid error = %s, want WRONG_SERVER_UUID", got)
	}
	if ServerWrongUUID.UnhealthinessScore() >= ServerUnavailable.UnhealthinessScore() {
		t.Fatal("UNAVAILABLE must rank worse than WRONG_SERVER_UUID")
	}
}
