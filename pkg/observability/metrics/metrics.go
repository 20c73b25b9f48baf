package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	ChecksRun = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ksck",
		Name:      "runs_total",
		Help:      "Total number of consistency check runs started",
	})

	ServerFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ksck",
		Name:      "server_fetches_total",
		Help:      "Total server info fetch attempts by server type and outcome",
	}, []string{"type", "result"})

	TabletsChecked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ksck",
		Name:      "tablets_checked_total",
		Help:      "Total tablets classified, by check result",
	}, []string{"result"})

	TablesChecked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ksck",
		Name:      "tables_checked_total",
		Help:      "Total tables summarized, by derived table status",
	}, []string{"status"})

	VerifyRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ksck",
		Name:      "verify_retries_total",
		Help:      "Total table verification retries while waiting for transient states to clear",
	})

	RPCRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ksck",
		Subsystem: "remote",
		Name:      "rpc_retries_total",
		Help:      "Total retried management RPCs against masters and tablet servers",
	})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ksck",
		Subsystem: "grpc_conn",
		Name:      "dials_total",
		Help:      "Total number of new gRPC connections dialed",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ksck",
		Subsystem: "grpc_conn",
		Name:      "reuse_total",
		Help:      "Total number of gRPC connection reuses from cache",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ksck",
		Subsystem: "grpc_conn",
		Name:      "evictions_total",
		Help:      "Total number of cached gRPC connections evicted",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ksck",
		Subsystem: "grpc_conn",
		Name:      "active",
		Help:      "Number of active cached gRPC connections",
	})

	// Checksum scan metrics
	ChecksumScansStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ksck",
		Subsystem: "checksum",
		Name:      "scans_started_total",
		Help:      "Total replica checksum scans dispatched",
	})
	ChecksumScansFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ksck",
		Subsystem: "checksum",
		Name:      "scans_finished_total",
		Help:      "Total replica checksum scans finished, by outcome",
	}, []string{"result"})
	ChecksumScansOutstanding = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ksck",
		Subsystem: "checksum",
		Name:      "scans_outstanding",
		Help:      "Replica checksum scans currently in flight",
	})
	ChecksumRowsSummed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ksck",
		Subsystem: "checksum",
		Name:      "rows_summed_total",
		Help:      "Total rows summed across all checksum scans",
	})
	ChecksumBytesSummed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ksck",
		Subsystem: "checksum",
		Name:      "bytes_summed_total",
		Help:      "Total on-disk bytes summed across all checksum scans",
	})
	ChecksumMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ksck",
		Subsystem: "checksum",
		Name:      "mismatched_tablets_total",
		Help:      "Total tablets whose replica checksums diverged",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(ChecksRun)
		prometheus.MustRegister(ServerFetches)
		prometheus.MustRegister(TabletsChecked)
		prometheus.MustRegister(TablesChecked)
		prometheus.MustRegister(VerifyRetries)
		prometheus.MustRegister(RPCRetries)
		prometheus.MustRegister(GRPCConnDials)
		prometheus.MustRegister(GRPCConnReuse)
		prometheus.MustRegister(GRPCConnEvictions)
		prometheus.MustRegister(GRPCConnActive)
		// checksum
		prometheus.MustRegister(ChecksumScansStarted)
		prometheus.MustRegister(ChecksumScansFinished)
		prometheus.MustRegister(ChecksumScansOutstanding)
		prometheus.MustRegister(ChecksumRowsSummed)
		prometheus.MustRegister(ChecksumBytesSummed)
		prometheus.MustRegister(ChecksumMismatches)
	})
}
