package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caiconghui/kudu/pkg/ksck"
)

func hostPort(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return strings.TrimPrefix(srv.URL, "http://")
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func newMasterServer(t *testing.T, uuid, role string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, ServerStatus{UUID: uuid, Role: role})
	})
	mux.HandleFunc("/api/v1/consensus", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, ConsensusResponse{Master: &ConsensusStateInfo{
			Term: 2, OpIDIndex: 8, Leader: "m-1", Voters: []string{"m-1", "m-2"},
		}})
	})
	mux.HandleFunc("/api/v1/tservers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, TabletServersResponse{TabletServers: []TabletServerEntry{
			{UUID: "ts-a", Address: "a:8050"},
			{UUID: "ts-b", Address: "b:8050"},
		}})
	})
	mux.HandleFunc("/api/v1/tables", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, TablesResponse{Tables: []TableEntry{
			{Name: "orders", NumReplicas: 3, Columns: []string{"key", "val"}},
		}})
	})
	mux.HandleFunc("/api/v1/tables/orders/tablets", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, TabletsResponse{Tablets: []TabletEntry{
			{TabletID: "tablet-1", Replicas: []ReplicaEntry{
				{TSUUID: "ts-a", IsLeader: true, IsVoter: true},
				{TSUUID: "ts-b", IsVoter: true},
			}},
		}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClusterConnectAndFetch(t *testing.T) {
	leader := newMasterServer(t, "m-1", "LEADER")
	follower := newMasterServer(t, "m-2", "FOLLOWER")

	cluster, err := NewCluster([]string{hostPort(t, follower), hostPort(t, leader)}, Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	ctx := context.Background()
	if err := ksck.FetchTableAndTabletInfo(ctx, cluster); err != nil {
		t.Fatalf("FetchTableAndTabletInfo: %v", err)
	}

	tables := cluster.Tables()
	if len(tables) != 1 || tables[0].Name() != "orders" || tables[0].NumReplicas() != 3 {
		t.Fatalf("unexpected tables: %+v", tables)
	}
	tablets := tables[0].Tablets()
	if len(tablets) != 1 || tablets[0].ID() != "tablet-1" {
		t.Fatalf("unexpected tablets: %+v", tablets)
	}
	replicas := tablets[0].Replicas()
	if len(replicas) != 2 || !replicas[0].IsLeader || replicas[0].TSUUID != "ts-a" {
		t.Fatalf("unexpected replicas: %+v", replicas)
	}
	if len(cluster.TabletServers()) != 2 {
		t.Fatalf("expected 2 tablet servers, got %d", len(cluster.TabletServers()))
	}
	if got := cluster.TabletServers()["ts-b"].Address(); got != "b:8050" {
		t.Fatalf("ts-b address = %q, want b:8050", got)
	}
}

func TestClusterConnectNoLeader(t *testing.T) {
	f1 := newMasterServer(t, "m-1", "FOLLOWER")
	f2 := newMasterServer(t, "m-2", "FOLLOWER")

	cluster, err := NewCluster([]string{hostPort(t, f1), hostPort(t, f2)}, Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	if err := cluster.Connect(context.Background()); !errors.Is(err, ErrNoLeaderMaster) {
		t.Fatalf("err = %v, want ErrNoLeaderMaster", err)
	}
}

func TestMasterFetch(t *testing.T) {
	srv := newMasterServer(t, "m-1", "LEADER")
	m := NewMaster(hostPort(t, srv), NewClient(time.Second))
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := m.UUID(); got != ksck.MasterDummyUUID {
		t.Fatalf("uuid before fetch = %q, want dummy", got)
	}

	ctx := context.Background()
	if err := m.FetchInfo(ctx); err != nil {
		t.Fatalf("FetchInfo: %v", err)
	}
	if m.UUID() != "m-1" || !m.IsLeader() || m.FetchState() != ksck.Fetched {
		t.Fatalf("unexpected master state: uuid=%q leader=%v", m.UUID(), m.IsLeader())
	}

	if err := m.FetchConsensusState(ctx); err != nil {
		t.Fatalf("FetchConsensusState: %v", err)
	}
	cs, ok := m.ConsensusState()
	if !ok || cs.Type != ksck.ConsensusConfigCommitted || cs.Term != 2 || cs.LeaderUUID != "m-1" {
		t.Fatalf("unexpected consensus state: %v ok=%v", cs, ok)
	}
}

func newTSServer(t *testing.T, uuid string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, ServerStatus{
			UUID:      uuid,
			Timestamp: 777,
			Tablets: []TabletStatusInfo{
				{TabletID: "tablet-1", State: "RUNNING", DataState: "TABLET_DATA_READY", EstimatedOnDiskSize: 4096},
				{TabletID: "tablet-2", State: "BOOTSTRAPPING", DataState: "TABLET_DATA_READY"},
			},
		})
	})
	mux.HandleFunc("/api/v1/consensus", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, ConsensusResponse{Tablets: []TabletConsensusInfo{
			{TabletID: "tablet-1", State: ConsensusStateInfo{
				Term: 1, OpIDIndex: 4, Leader: "ts-a", Voters: []string{"ts-a", "ts-b"},
			}},
			{TabletID: "tablet-2", Pending: true, State: ConsensusStateInfo{
				Term: 3, Leader: "ts-b", Voters: []string{"ts-a", "ts-b"},
			}},
		}})
	})
	mux.HandleFunc("/api/v1/checksum", func(w http.ResponseWriter, r *http.Request) {
		var req ChecksumRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(t, w, ChecksumResponse{Checksum: 1234, Rows: 10, Bytes: 2048})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTabletServerFetch(t *testing.T) {
	srv := newTSServer(t, "ts-a")
	client := NewClient(time.Second)
	ts := NewTabletServer("ts-a", hostPort(t, srv), client, NewHTTPScanner(client))

	ctx := context.Background()
	if err := ts.FetchInfo(ctx); err != nil {
		t.Fatalf("FetchInfo: %v", err)
	}
	if ts.CurrentTimestamp() != 777 {
		t.Fatalf("timestamp = %d, want 777", ts.CurrentTimestamp())
	}
	status, ok := ts.TabletStatus("tablet-1")
	if !ok || status.State != ksck.TabletRunning || status.EstimatedOnDiskSize != 4096 {
		t.Fatalf("unexpected tablet-1 status: %+v ok=%v", status, ok)
	}
	if status, _ := ts.TabletStatus("tablet-2"); !status.Recovering() {
		t.Fatalf("tablet-2 should be recovering, got %+v", status)
	}

	if err := ts.FetchConsensusState(ctx); err != nil {
		t.Fatalf("FetchConsensusState: %v", err)
	}
	cs, ok := ts.TabletConsensusState("tablet-1")
	if !ok || cs.Type != ksck.ConsensusConfigCommitted || cs.Term != 1 {
		t.Fatalf("unexpected tablet-1 cstate: %v", cs)
	}
	if cs, _ := ts.TabletConsensusState("tablet-2"); cs.Type != ksck.ConsensusConfigPending {
		t.Fatalf("tablet-2 cstate type = %s, want PENDING", cs.Type)
	}
}

func TestTabletServerWrongUUID(t *testing.T) {
	srv := newTSServer(t, "ts-imposter")
	client := NewClient(time.Second)
	ts := NewTabletServer("ts-a", hostPort(t, srv), client, nil)

	err := ts.FetchInfo(context.Background())
	if !errors.Is(err, ksck.ErrWrongServerUUID) {
		t.Fatalf("err = %v, want ErrWrongServerUUID", err)
	}
	if ts.FetchState() != ksck.FetchFailed {
		t.Fatalf("fetch state = %s, want FETCH_FAILED", ts.FetchState())
	}
}

func TestHTTPScannerScan(t *testing.T) {
	srv := newTSServer(t, "ts-a")
	scanner := NewHTTPScanner(NewClient(time.Second))

	var rows, bytes int64
	sum, err := scanner.Scan(context.Background(), hostPort(t, srv),
		ChecksumRequest{TabletID: "tablet-1", UseSnapshot: true, SnapshotTimestamp: 777},
		func(dr, db int64) { rows += dr; bytes += db })
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if sum != 1234 || rows != 10 || bytes != 2048 {
		t.Fatalf("got sum=%d rows=%d bytes=%d", sum, rows, bytes)
	}
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, ServerStatus{UUID: "m-1", Role: "LEADER"})
	}))
	t.Cleanup(srv.Close)

	var status ServerStatus
	err := NewClient(time.Second).GetJSON(context.Background(), hostPort(t, srv), "/api/v1/status", &status)
	if err != nil {
		t.Fatalf("GetJSON after retries: %v", err)
	}
	if status.UUID != "m-1" || calls.Load() != 3 {
		t.Fatalf("uuid=%q calls=%d", status.UUID, calls.Load())
	}
}
