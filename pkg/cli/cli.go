package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/caiconghui/kudu/pkg/bootstrap"
	"github.com/caiconghui/kudu/pkg/ksck"
	tracing "github.com/caiconghui/kudu/pkg/observability/tracing"
)

// AddAll attaches checker subcommands to the provided root command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewCheckCmd())
}

// NewCheckCmd returns the "check" command used to run a consistency check
// against a cluster.
func NewCheckCmd() *cobra.Command {
	var (
		mastersCSV, discoveryKind, dnsNames, filePath, fileEnv string
		dnsPort                                                int
		discRefresh                                            time.Duration
		tablesCSV, tabletsCSV                                  string
		noReplicaCount                                         bool
		fetchConcurrency                                       int
		rpcTimeout                                             time.Duration
		runChecksum, checksumSnapshot                          bool
		checksumTimeout                                        time.Duration
		checksumConcurrency                                    int
		checksumTS                                             uint64
		scanProto                                              string
		tlsEnable, tlsSkip, traceEnable, jsonOut               bool
		tlsCA, tlsCert, tlsKey, tlsServerName                  string
		metricsAddr, gossipJoin, gossipBind, gossipID          string
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check cluster metadata and data consistency",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			if traceEnable {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					log.Printf("tracing setup error: %v", err)
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			cfg := bootstrap.Config{
				DiscoveryKind:    discoveryKind,
				MastersCSV:       mastersCSV,
				DNSNamesCSV:      dnsNames,
				DNSPort:          dnsPort,
				DiscRefresh:      discRefresh,
				FilePath:         filePath,
				FileEnv:          fileEnv,
				TablesCSV:        tablesCSV,
				TabletsCSV:       tabletsCSV,
				NoReplicaCount:   noReplicaCount,
				FetchConcurrency: fetchConcurrency,
				RPCTimeout:       rpcTimeout,
				ScanProto:        scanProto,
				TLSEnable:        tlsEnable,
				TLSCA:            tlsCA,
				TLSCert:          tlsCert,
				TLSKey:           tlsKey,
				TLSServerName:    tlsServerName,
				TLSSkipVerify:    tlsSkip,
				MetricsAddr:      metricsAddr,
				GossipJoinCSV:    gossipJoin,
				GossipBind:       gossipBind,
				GossipNodeID:     gossipID,
				Logger:           log.Default(),
			}
			rt, err := bootstrap.Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			checkErr := rt.Checker.Run(ctx)

			var gossipWarnings []string
			if ids := rt.GossipMemberIDs(); ids != nil {
				gossipWarnings = rt.Checker.CompareGossipMembers(ids)
			}

			var report *ksck.ChecksumReport
			var checksumErr error
			if runChecksum && checkErr == nil {
				opts := ksck.DefaultChecksumOptions()
				if checksumTimeout > 0 {
					opts.Timeout = checksumTimeout
				}
				if checksumConcurrency > 0 {
					opts.ScanConcurrency = checksumConcurrency
				}
				opts.UseSnapshot = checksumSnapshot
				if checksumTS != 0 {
					opts.SnapshotTimestamp = checksumTS
				}
				report, checksumErr = rt.Checker.ChecksumData(ctx, opts)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				if err := writeJSONReport(out, rt.Checker, gossipWarnings, report); err != nil {
					return err
				}
			} else {
				writeTextReport(out, rt.Checker, gossipWarnings, report)
			}

			if checkErr != nil {
				return checkErr
			}
			return checksumErr
		},
	}
	cmd.Flags().StringVar(&mastersCSV, "masters", "", "comma-separated master addresses (host:port) — used by discovery=static")
	cmd.Flags().StringVar(&discoveryKind, "discovery", "static", "master discovery backend: static|dns|file")
	cmd.Flags().StringVar(&dnsNames, "dns-names", "", "comma-separated DNS names or SRV records (e.g., _kudu-master._tcp.example.com)")
	cmd.Flags().IntVar(&dnsPort, "dns-port", 8051, "port used for A/AAAA lookups")
	cmd.Flags().DurationVar(&discRefresh, "disc-refresh", 5*time.Second, "discovery refresh/cache duration")
	cmd.Flags().StringVar(&filePath, "file-path", "", "path or glob to a file with master addresses (one per line or CSV)")
	cmd.Flags().StringVar(&fileEnv, "file-env", "", "ENV var name containing CSV master addresses; overrides file when set")
	cmd.Flags().StringVar(&tablesCSV, "tables", "", "comma-separated glob patterns of tables to check (empty: all)")
	cmd.Flags().StringVar(&tabletsCSV, "tablets", "", "comma-separated tablet ids to check (empty: all)")
	cmd.Flags().BoolVar(&noReplicaCount, "no-replica-count", false, "skip verifying each tablet against the table's replication factor")
	cmd.Flags().IntVar(&fetchConcurrency, "fetch-concurrency", 16, "max concurrent tablet server fetches")
	cmd.Flags().DurationVar(&rpcTimeout, "timeout", 3*time.Second, "per-RPC timeout")
	cmd.Flags().BoolVar(&runChecksum, "checksum", false, "checksum replica data after the metadata checks pass")
	cmd.Flags().DurationVar(&checksumTimeout, "checksum-timeout", 5*time.Minute, "overall checksum scan deadline")
	cmd.Flags().IntVar(&checksumConcurrency, "checksum-concurrency", 4, "max concurrent scans per tablet server")
	cmd.Flags().BoolVar(&checksumSnapshot, "checksum-snapshot", true, "checksum over a consistent snapshot")
	cmd.Flags().Uint64Var(&checksumTS, "checksum-snapshot-ts", 0, "snapshot timestamp (0: each tablet uses its servers' current time)")
	cmd.Flags().StringVar(&scanProto, "scan-proto", "http", "checksum scan protocol: http|grpc")
	cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable TLS for management calls")
	cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to client certificate (PEM)")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to client private key (PEM)")
	cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
	cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the check runs")
	cmd.Flags().StringVar(&gossipJoin, "gossip-join", "", "comma-separated gossip addresses to cross-check server liveness (optional)")
	cmd.Flags().StringVar(&gossipBind, "gossip-bind", "", "gossip bind addr (host:port, default 0.0.0.0:0)")
	cmd.Flags().StringVar(&gossipID, "gossip-id", "", "gossip observer node id (default ksck-observer)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the report as JSON")
	return cmd
}

func writeTextReport(w io.Writer, checker *ksck.Ksck, gossipWarnings []string, report *ksck.ChecksumReport) {
	fmt.Fprintln(w, "Master Summary")
	for _, s := range checker.MasterSummaries() {
		fmt.Fprintf(w, "  %-45s %s\n", ksck.ServerLabel(s.UUID, s.Address), s.Health)
	}
	fmt.Fprintln(w, "Tablet Server Summary")
	for _, s := range checker.TabletServerSummaries() {
		fmt.Fprintf(w, "  %-45s %s\n", ksck.ServerLabel(s.UUID, s.Address), s.Health)
	}
	fmt.Fprintln(w, "Table Summary")
	for _, s := range checker.TableSummaries() {
		fmt.Fprintf(w, "  %-30s %-18s %d/%d tablets healthy\n",
			s.Name, s.TableStatus(), s.HealthyTablets, s.TotalTablets())
	}
	for _, warning := range gossipWarnings {
		fmt.Fprintf(w, "WARNING: %s\n", warning)
	}
	if report != nil {
		fmt.Fprintf(w, "Checksum Summary: %d rows / %d bytes summed, %d mismatched tablet(s), %d failed replica(s)\n",
			report.RowsSummed, report.BytesSummed, report.MismatchedTablets, report.FailedReplicas)
		for _, tc := range report.Tablets {
			if !tc.Mismatch {
				continue
			}
			fmt.Fprintf(w, "  tablet %s of table %s has mismatched replica checksums:\n", tc.TabletID, tc.Table)
			for _, rc := range tc.Replicas {
				if rc.Error != "" {
					fmt.Fprintf(w, "    %s: error: %s\n", rc.TSUUID, rc.Error)
				} else {
					fmt.Fprintf(w, "    %s: %d\n", rc.TSUUID, rc.Checksum)
				}
			}
		}
	}
}

func writeJSONReport(w io.Writer, checker *ksck.Ksck, gossipWarnings []string, report *ksck.ChecksumReport) error {
	out := struct {
		Masters        []ksck.ServerHealthSummary `json:"masters"`
		TabletServers  []ksck.ServerHealthSummary `json:"tabletServers"`
		Tables         []ksck.TableSummary        `json:"tables"`
		GossipWarnings []string                   `json:"gossipWarnings,omitempty"`
		Checksum       *ksck.ChecksumReport       `json:"checksum,omitempty"`
	}{
		Masters:        checker.MasterSummaries(),
		TabletServers:  checker.TabletServerSummaries(),
		Tables:         checker.TableSummaries(),
		GossipWarnings: gossipWarnings,
		Checksum:       report,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}
