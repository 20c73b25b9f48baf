package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/caiconghui/kudu/pkg/ksck"
)

// ChecksumScanner runs one replica checksum scan against a tablet server,
// reporting row and byte deltas through progress as the scan advances. It
// blocks until the scan finishes and returns the terminal checksum.
// Implementations: HTTPScanner (single blocking call) and grpcscan.Scanner
// (server stream with incremental progress).
type ChecksumScanner interface {
	Scan(ctx context.Context, addr string, req ChecksumRequest, progress func(deltaRows, deltaBytes int64)) (uint64, error)
}

// TabletServer talks to one tablet server's management endpoint. Registered
// under the uuid the master reported; a fetch that answers with a different
// uuid is flagged rather than trusted.
type TabletServer struct {
	uuid    string
	addr    string
	client  *Client
	scanner ChecksumScanner

	mu        sync.RWMutex
	state     ksck.FetchState
	timestamp uint64
	statuses  map[string]ksck.TabletStatus
	cstates   map[string]ksck.ConsensusState
}

var _ ksck.TabletServer = (*TabletServer)(nil)

// NewTabletServer creates a handle on the tablet server at addr, expected to
// identify itself as uuid.
func NewTabletServer(uuid, addr string, client *Client, scanner ChecksumScanner) *TabletServer {
	return &TabletServer{uuid: uuid, addr: addr, client: client, scanner: scanner}
}

// FetchInfo fetches the server's status and replica map.
func (t *TabletServer) FetchInfo(ctx context.Context) error {
	var status ServerStatus
	err := t.client.GetJSON(ctx, t.addr, "/api/v1/status", &status)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.state = ksck.FetchFailed
		return fmt.Errorf("remote: fetch tablet server %s: %w", t.addr, err)
	}
	if status.UUID != t.uuid {
		t.state = ksck.FetchFailed
		return fmt.Errorf("remote: tablet server %s: expected uuid %s, got %s: %w",
			t.addr, t.uuid, status.UUID, ksck.ErrWrongServerUUID)
	}
	statuses := make(map[string]ksck.TabletStatus, len(status.Tablets))
	for _, info := range status.Tablets {
		statuses[info.TabletID] = ksck.TabletStatus{
			State:               ksck.TabletState(info.State),
			DataState:           ksck.TabletDataState(info.DataState),
			EstimatedOnDiskSize: info.EstimatedOnDiskSize,
		}
	}
	t.statuses = statuses
	t.timestamp = status.Timestamp
	t.state = ksck.Fetched
	return nil
}

// FetchConsensusState fetches the per-tablet consensus views. A replica with
// both a committed and a pending config reports the pending one; the checker
// compares whichever the replica considers current.
func (t *TabletServer) FetchConsensusState(ctx context.Context) error {
	var resp ConsensusResponse
	if err := t.client.GetJSON(ctx, t.addr, "/api/v1/consensus", &resp); err != nil {
		return fmt.Errorf("remote: fetch tablet server consensus %s: %w", t.addr, err)
	}
	cstates := make(map[string]ksck.ConsensusState, len(resp.Tablets))
	for _, entry := range resp.Tablets {
		kind := ksck.ConsensusConfigCommitted
		if entry.Pending {
			kind = ksck.ConsensusConfigPending
		}
		cstates[entry.TabletID] = entry.State.ToConsensusState(kind)
	}
	t.mu.Lock()
	t.cstates = cstates
	t.mu.Unlock()
	return nil
}

// RunTabletChecksumScan dispatches the scan on its own goroutine and reports
// through cb. Never blocks the caller.
func (t *TabletServer) RunTabletChecksumScan(ctx context.Context, tabletID string, schema ksck.Schema, opts ksck.ChecksumOptions, cb ksck.ChecksumProgress) {
	req := ChecksumRequest{
		TabletID:          tabletID,
		Columns:           schema.Columns,
		UseSnapshot:       opts.UseSnapshot,
		SnapshotTimestamp: opts.SnapshotTimestamp,
	}
	go func() {
		if t.scanner == nil {
			cb.Finished(0, errors.New("remote: no checksum scanner configured"))
			return
		}
		checksum, err := t.scanner.Scan(ctx, t.addr, req, cb.Progress)
		cb.Finished(checksum, err)
	}()
}

func (t *TabletServer) UUID() string    { return t.uuid }
func (t *TabletServer) Address() string { return t.addr }

func (t *TabletServer) FetchState() ksck.FetchState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *TabletServer) TabletStatus(tabletID string) (ksck.TabletStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	status, ok := t.statuses[tabletID]
	return status, ok
}

func (t *TabletServer) TabletConsensusState(tabletID string) (ksck.ConsensusState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cs, ok := t.cstates[tabletID]
	return cs, ok
}

func (t *TabletServer) CurrentTimestamp() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.timestamp
}

// HTTPScanner runs checksum scans as one blocking management call. No
// incremental progress; row and byte totals arrive with the result.
type HTTPScanner struct {
	client *Client
}

var _ ChecksumScanner = (*HTTPScanner)(nil)

// NewHTTPScanner creates a scanner over the given management client.
func NewHTTPScanner(client *Client) *HTTPScanner {
	return &HTTPScanner{client: client}
}

func (s *HTTPScanner) Scan(ctx context.Context, addr string, req ChecksumRequest, progress func(deltaRows, deltaBytes int64)) (uint64, error) {
	var resp ChecksumResponse
	if err := s.client.PostJSON(ctx, addr, "/api/v1/checksum", req, &resp); err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return 0, errors.New(resp.Error)
	}
	if progress != nil {
		progress(resp.Rows, resp.Bytes)
	}
	return resp.Checksum, nil
}
