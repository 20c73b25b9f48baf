package ksck

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/caiconghui/kudu/pkg/internal/logutil"
	obsmetrics "github.com/caiconghui/kudu/pkg/observability/metrics"
	"github.com/caiconghui/kudu/pkg/observability/tracing"
)

var (
	// ErrChecksumMismatch indicates at least one tablet's replicas disagree
	// on data content.
	ErrChecksumMismatch = errors.New("ksck: replica checksums differ")
	// ErrChecksumTimeout indicates the operation's deadline elapsed with
	// scans still outstanding. The report covers the results received so far.
	ErrChecksumTimeout = errors.New("ksck: checksum scan timed out")
	// ErrChecksumScanFailed indicates at least one replica scan returned an
	// error instead of a checksum.
	ErrChecksumScanFailed = errors.New("ksck: some replica scans failed")
)

// ReplicaChecksum is the outcome of one replica's scan.
type ReplicaChecksum struct {
	TSUUID   string `json:"tsUuid"`
	Checksum uint64 `json:"checksum"`
	Error    string `json:"error,omitempty"`
}

// TabletChecksum groups one tablet's replica scan outcomes.
type TabletChecksum struct {
	TabletID string            `json:"tabletId"`
	Table    string            `json:"table"`
	Replicas []ReplicaChecksum `json:"replicas"`
	Mismatch bool              `json:"mismatch"`
}

// ChecksumReport is the result of one ChecksumData pass.
type ChecksumReport struct {
	Tablets           []TabletChecksum `json:"tablets"`
	RowsSummed        int64            `json:"rowsSummed"`
	BytesSummed       int64            `json:"bytesSummed"`
	MismatchedTablets int              `json:"mismatchedTablets"`
	FailedReplicas    int              `json:"failedReplicas"`
}

type replicaKey struct {
	tabletID string
	tsUUID   string
}

type replicaResult struct {
	checksum uint64
	err      error
}

// checksumReporter aggregates results from concurrently finishing scans and
// closes done once every expected replica has reported.
type checksumReporter struct {
	mu       sync.Mutex
	expected int
	results  map[replicaKey]replicaResult
	rows     int64
	bytes    int64
	done     chan struct{}
}

func newChecksumReporter(expected int) *checksumReporter {
	r := &checksumReporter{
		expected: expected,
		results:  make(map[replicaKey]replicaResult, expected),
		done:     make(chan struct{}),
	}
	if expected == 0 {
		close(r.done)
	}
	return r
}

func (r *checksumReporter) progress(deltaRows, deltaBytes int64) {
	r.mu.Lock()
	r.rows += deltaRows
	r.bytes += deltaBytes
	r.mu.Unlock()
	obsmetrics.ChecksumRowsSummed.Add(float64(deltaRows))
	obsmetrics.ChecksumBytesSummed.Add(float64(deltaBytes))
}

// record stores one replica's outcome. Duplicate deliveries for the same
// replica are ignored so a misbehaving server cannot skew the count.
func (r *checksumReporter) record(tabletID, tsUUID string, checksum uint64, err error) {
	key := replicaKey{tabletID: tabletID, tsUUID: tsUUID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.results[key]; dup {
		return
	}
	r.results[key] = replicaResult{checksum: checksum, err: err}
	if len(r.results) == r.expected {
		close(r.done)
	}
}

// scanCallback adapts one dispatched scan to the reporter and releases the
// server's concurrency slot when the scan finishes.
type scanCallback struct {
	reporter *checksumReporter
	tabletID string
	tsUUID   string
	slots    chan struct{}
	once     sync.Once
}

var _ ChecksumProgress = (*scanCallback)(nil)

func (c *scanCallback) Progress(deltaRows, deltaBytes int64) {
	c.reporter.progress(deltaRows, deltaBytes)
}

func (c *scanCallback) Finished(checksum uint64, err error) {
	c.once.Do(func() {
		<-c.slots
		obsmetrics.ChecksumScansOutstanding.Dec()
		result := "ok"
		if err != nil {
			result = "error"
		}
		obsmetrics.ChecksumScansFinished.WithLabelValues(result).Inc()
		c.reporter.record(c.tabletID, c.tsUUID, checksum, err)
	})
}

type scanItem struct {
	tabletID string
	schema   Schema
	opts     ChecksumOptions
}

// ChecksumData checksums every in-scope replica and compares the results per
// tablet. Scans are dispatched per tablet server with at most
// opts.ScanConcurrency in flight on each. The pass runs to completion or
// opts.Timeout, whichever comes first; a partial report is still returned on
// timeout, alongside ErrChecksumTimeout.
func (k *Ksck) ChecksumData(ctx context.Context, opts ChecksumOptions) (*ChecksumReport, error) {
	ctx, end := tracing.StartSpan(ctx, "ksck.ChecksumData")
	defer end()

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultChecksumOptions().Timeout
	}
	if opts.ScanConcurrency <= 0 {
		opts.ScanConcurrency = DefaultChecksumOptions().ScanConcurrency
	}

	servers := k.cluster.TabletServers()

	// Plan the scans: one per replica of every in-scope tablet, grouped by
	// the server that will run them. Replicas on unreachable servers fail
	// immediately rather than consuming the timeout.
	var (
		queues      = make(map[string][]scanItem)
		tabletTable = make(map[string]string)
		planned     = make(map[replicaKey]struct{})
		expected    []replicaKey
		unreachable []replicaKey
	)
	for _, table := range k.cluster.Tables() {
		if !matchesAnyPattern(k.tableFilters, table.Name()) {
			continue
		}
		for _, tablet := range table.Tablets() {
			if !containsID(k.tabletIDFilters, tablet.ID()) {
				continue
			}
			tabletTable[tablet.ID()] = table.Name()
			tabletOpts := opts
			if opts.UseSnapshot && opts.SnapshotTimestamp == ChecksumSnapshotCurrentTimestamp {
				tabletOpts.SnapshotTimestamp = snapshotTimestampFor(tablet, servers)
			}
			for _, r := range tablet.Replicas() {
				key := replicaKey{tabletID: tablet.ID(), tsUUID: r.TSUUID}
				// A malformed replica list can name the same server twice.
				// Plan each replica once so the reporter's expected count
				// stays reachable.
				if _, dup := planned[key]; dup {
					continue
				}
				planned[key] = struct{}{}
				expected = append(expected, key)
				ts, ok := servers[r.TSUUID]
				if !ok || !IsServerHealthy(ts.FetchState()) {
					unreachable = append(unreachable, key)
					continue
				}
				queues[r.TSUUID] = append(queues[r.TSUUID], scanItem{
					tabletID: tablet.ID(),
					schema:   table.Schema(),
					opts:     tabletOpts,
				})
			}
		}
	}

	reporter := newChecksumReporter(len(expected))
	for _, key := range unreachable {
		reporter.record(key.tabletID, key.tsUUID, 0, errors.New("tablet server is unavailable"))
	}

	scanCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	for uuid, items := range queues {
		go k.dispatchScans(scanCtx, servers[uuid], items, opts.ScanConcurrency, reporter)
	}

	timedOut := false
	select {
	case <-reporter.done:
	case <-time.After(opts.Timeout):
		timedOut = true
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	report := buildChecksumReport(reporter, expected, tabletTable, timedOut)
	logutil.Infof(k.logger, "checksum finished: %d rows / %d bytes summed across %d tablet(s), %d mismatch(es), %d failed replica scan(s)",
		report.RowsSummed, report.BytesSummed, len(report.Tablets),
		report.MismatchedTablets, report.FailedReplicas)

	var errs []error
	if timedOut {
		errs = append(errs, fmt.Errorf("%w after %s", ErrChecksumTimeout, opts.Timeout))
	}
	if report.MismatchedTablets > 0 {
		obsmetrics.ChecksumMismatches.Add(float64(report.MismatchedTablets))
		errs = append(errs, fmt.Errorf("%w: %d tablet(s)", ErrChecksumMismatch, report.MismatchedTablets))
	}
	if report.FailedReplicas > 0 {
		errs = append(errs, fmt.Errorf("%w: %d replica(s)", ErrChecksumScanFailed, report.FailedReplicas))
	}
	return report, errors.Join(errs...)
}

// dispatchScans feeds one server's scan queue through its concurrency slots.
// Slots are released by the scan callbacks, not here.
func (k *Ksck) dispatchScans(ctx context.Context, ts TabletServer, items []scanItem, concurrency int, reporter *checksumReporter) {
	slots := make(chan struct{}, concurrency)
	for _, item := range items {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			reporter.record(item.tabletID, ts.UUID(), 0, ctx.Err())
			continue
		}
		obsmetrics.ChecksumScansStarted.Inc()
		obsmetrics.ChecksumScansOutstanding.Inc()
		ts.RunTabletChecksumScan(ctx, item.tabletID, item.schema, item.opts, &scanCallback{
			reporter: reporter,
			tabletID: item.tabletID,
			tsUUID:   ts.UUID(),
			slots:    slots,
		})
	}
}

// snapshotTimestampFor picks the snapshot timestamp for one tablet from the
// clock of the first reachable replica, so all of its replicas scan the same
// point in time.
func snapshotTimestampFor(tablet *Tablet, servers map[string]TabletServer) uint64 {
	for _, r := range tablet.Replicas() {
		if ts, ok := servers[r.TSUUID]; ok && IsServerHealthy(ts.FetchState()) {
			return ts.CurrentTimestamp()
		}
	}
	return ChecksumSnapshotCurrentTimestamp
}

func buildChecksumReport(reporter *checksumReporter, expected []replicaKey, tabletTable map[string]string, timedOut bool) *ChecksumReport {
	reporter.mu.Lock()
	defer reporter.mu.Unlock()

	byTablet := make(map[string][]ReplicaChecksum)
	failed := 0
	for _, key := range expected {
		result, ok := reporter.results[key]
		if !ok {
			if !timedOut {
				continue
			}
			result = replicaResult{err: ErrChecksumTimeout}
		}
		rc := ReplicaChecksum{TSUUID: key.tsUUID, Checksum: result.checksum}
		if result.err != nil {
			rc.Error = result.err.Error()
			failed++
		}
		byTablet[key.tabletID] = append(byTablet[key.tabletID], rc)
	}

	report := &ChecksumReport{
		RowsSummed:     reporter.rows,
		BytesSummed:    reporter.bytes,
		FailedReplicas: failed,
	}
	for tabletID, replicas := range byTablet {
		sort.Slice(replicas, func(i, j int) bool { return replicas[i].TSUUID < replicas[j].TSUUID })
		tc := TabletChecksum{
			TabletID: tabletID,
			Table:    tabletTable[tabletID],
			Replicas: replicas,
		}
		var first uint64
		seen := false
		for _, rc := range replicas {
			if rc.Error != "" {
				continue
			}
			if !seen {
				first, seen = rc.Checksum, true
			} else if rc.Checksum != first {
				tc.Mismatch = true
			}
		}
		if tc.Mismatch {
			report.MismatchedTablets++
		}
		report.Tablets = append(report.Tablets, tc)
	}
	sort.Slice(report.Tablets, func(i, j int) bool { return report.Tablets[i].TabletID < report.Tablets[j].TabletID })
	return report
}
