package ksck

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// FetchState tracks whether a server's info has been fetched. A fetch attempt
// moves the state from FetchUninitialized to Fetched or FetchFailed; refetching
// re-enters the same transition.
type FetchState int

const (
	FetchUninitialized FetchState = iota
	FetchFailed
	Fetched
)

func (s FetchState) String() string {
	switch s {
	case FetchUninitialized:
		return "UNINITIALIZED"
	case FetchFailed:
		return "FETCH_FAILED"
	case Fetched:
		return "FETCHED"
	default:
		return fmt.Sprintf("FetchState(%d)", int(s))
	}
}

// ServerHealth is the verdict of a single server fetch attempt.
type ServerHealth int

const (
	// ServerHealthy means the fetch succeeded and the reported uuid matched.
	ServerHealthy ServerHealth = iota
	// ServerUnavailable means the server could not be connected to.
	ServerUnavailable
	// ServerWrongUUID means the server answered under an unexpected uuid.
	ServerWrongUUID
)

func (h ServerHealth) String() string {
	switch h {
	case ServerHealthy:
		return "HEALTHY"
	case ServerUnavailable:
		return "UNAVAILABLE"
	case ServerWrongUUID:
		return "WRONG_SERVER_UUID"
	default:
		return fmt.Sprintf("ServerHealth(%d)", int(h))
	}
}

// UnhealthinessScore ranks a ServerHealth for picking the worst status across
// a set of servers. Higher is worse. The ranking is explicit rather than
// derived from declaration order so it can be asserted in tests.
func (h ServerHealth) UnhealthinessScore() int {
	switch h {
	case ServerHealthy:
		return 0
	case ServerWrongUUID:
		return 1
	case ServerUnavailable:
		return 2
	default:
		return 3
	}
}

// ErrWrongServerUUID is wrapped by FetchInfo when the responding server's
// self-reported uuid differs from the uuid it was registered under.
var ErrWrongServerUUID = errors.New("ksck: server reported an unexpected uuid")

// serverHealthOf classifies the outcome of a fetch attempt.
func serverHealthOf(err error) ServerHealth {
	switch {
	case err == nil:
		return ServerHealthy
	case errors.Is(err, ErrWrongServerUUID):
		return ServerWrongUUID
	default:
		return ServerUnavailable
	}
}

// ServerHealthSummary is the per-server result of a health check pass.
type ServerHealthSummary struct {
	UUID    string       `json:"uuid"`
	Address string       `json:"address"`
	Health  ServerHealth `json:"health"`
}

// TabletState is the lifecycle state of a replica on a tablet server.
type TabletState string

const (
	TabletStateUnknown  TabletState = "UNKNOWN"
	TabletNotStarted    TabletState = "NOT_STARTED"
	TabletBootstrapping TabletState = "BOOTSTRAPPING"
	TabletRunning       TabletState = "RUNNING"
	TabletFailed        TabletState = "FAILED"
	TabletShutdown      TabletState = "SHUTDOWN"
)

// TabletDataState is the on-disk data state of a replica.
type TabletDataState string

const (
	TabletDataUnknown    TabletDataState = "TABLET_DATA_UNKNOWN"
	TabletDataReady      TabletDataState = "TABLET_DATA_READY"
	TabletDataCopying    TabletDataState = "TABLET_DATA_COPYING"
	TabletDataTombstoned TabletDataState = "TABLET_DATA_TOMBSTONED"
	TabletDataDeleted    TabletDataState = "TABLET_DATA_DELETED"
)

// TabletStatus is one tablet server's reported status for one of its replicas.
type TabletStatus struct {
	State               TabletState     `json:"state"`
	DataState           TabletDataState `json:"dataState"`
	EstimatedOnDiskSize int64           `json:"estimatedOnDiskSize"`
}

// Recovering reports whether the replica is in a self-healing transient state:
// bootstrapping at startup or catching up from a peer via tablet copy.
func (ts TabletStatus) Recovering() bool {
	return ts.State == TabletBootstrapping || ts.DataState == TabletDataCopying
}

// ChecksumSnapshotCurrentTimestamp requests that snapshot checksum scans use
// the tablet server's current time instead of a caller-chosen timestamp.
const ChecksumSnapshotCurrentTimestamp uint64 = math.MaxUint64

// ChecksumOptions configures checksum scans. Not mutated after construction.
type ChecksumOptions struct {
	// Timeout bounds the whole operation, from dispatch to last result.
	Timeout time.Duration
	// ScanConcurrency caps concurrent scans per tablet server.
	ScanConcurrency int
	// UseSnapshot selects a consistent snapshot scan at SnapshotTimestamp.
	UseSnapshot bool
	// SnapshotTimestamp is the snapshot to scan at, or
	// ChecksumSnapshotCurrentTimestamp for the server's current time.
	SnapshotTimestamp uint64
}

// DefaultChecksumOptions mirrors the tool's defaults.
func DefaultChecksumOptions() ChecksumOptions {
	return ChecksumOptions{
		Timeout:           5 * time.Minute,
		ScanConcurrency:   4,
		UseSnapshot:       true,
		SnapshotTimestamp: ChecksumSnapshotCurrentTimestamp,
	}
}

// ChecksumProgress receives callbacks from an in-flight checksum scan. Both
// methods may be invoked from arbitrary goroutines, concurrently with calls
// for other scans, and must not block.
type ChecksumProgress interface {
	// Progress reports incremental row and byte counts summed on the server.
	Progress(deltaRows, deltaBytes int64)
	// Finished delivers the terminal checksum, or the scan failure. It is
	// called exactly once per scan.
	Finished(checksum uint64, err error)
}

// MasterDummyUUID labels masters that were never successfully fetched.
const MasterDummyUUID = "<unknown>"

// Master is the checker's handle on one master, registered by address.
// Accessors other than Address are only meaningful after a fetch attempt.
type Master interface {
	// Init prepares the underlying connection. No network activity.
	Init() error
	// FetchInfo connects and populates uuid and fetch state.
	FetchInfo(ctx context.Context) error
	// FetchConsensusState fetches this master's own consensus view of the
	// master replication config.
	FetchConsensusState(ctx context.Context) error

	UUID() string
	Address() string
	FetchState() FetchState

	// ConsensusState returns the master's config of the master quorum, valid
	// only when the second return is true (fetch succeeded and included it).
	ConsensusState() (ConsensusState, bool)
}

// TabletServer is the checker's handle on one tablet server, registered under
// the uuid the master reported for it. Map accessors are valid only once the
// fetch state is Fetched.
type TabletServer interface {
	// FetchInfo connects and populates the status map and timestamp. Returns
	// an error wrapping ErrWrongServerUUID if the server answers under a
	// different uuid than it was registered with.
	FetchInfo(ctx context.Context) error
	// FetchConsensusState populates the per-tablet consensus map.
	FetchConsensusState(ctx context.Context) error
	// RunTabletChecksumScan starts an asynchronous checksum scan of the given
	// tablet and reports through cb. It must not block and must be safe to
	// call concurrently.
	RunTabletChecksumScan(ctx context.Context, tabletID string, schema Schema, opts ChecksumOptions, cb ChecksumProgress)

	UUID() string
	Address() string
	FetchState() FetchState

	// TabletStatus returns the reported status of the given replica.
	TabletStatus(tabletID string) (TabletStatus, bool)
	// TabletConsensusState returns this server's own consensus view of the
	// given tablet.
	TabletConsensusState(tabletID string) (ConsensusState, bool)
	// CurrentTimestamp is the server clock observed at fetch time.
	CurrentTimestamp() uint64
}

// ServerLabel renders the "uuid (address)" form used in summaries and logs.
func ServerLabel(uuid, address string) string {
	return fmt.Sprintf("%s (%s)", uuid, address)
}

// IsServerHealthy reports whether a server's last fetch attempt succeeded.
func IsServerHealthy(state FetchState) bool { return state == Fetched }
