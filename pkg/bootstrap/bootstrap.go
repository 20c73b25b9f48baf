package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caiconghui/kudu/pkg/discovery"
	dDNS "github.com/caiconghui/kudu/pkg/discovery/dns"
	dFile "github.com/caiconghui/kudu/pkg/discovery/file"
	dStatic "github.com/caiconghui/kudu/pkg/discovery/static"
	"github.com/caiconghui/kudu/pkg/internal/logutil"
	"github.com/caiconghui/kudu/pkg/ksck"
	"github.com/caiconghui/kudu/pkg/membership"
	ml "github.com/caiconghui/kudu/pkg/membership/memberlist"
	obsmetrics "github.com/caiconghui/kudu/pkg/observability/metrics"
	"github.com/caiconghui/kudu/pkg/remote"
	"github.com/caiconghui/kudu/pkg/remote/grpcscan"
	tlsx "github.com/caiconghui/kudu/pkg/security/tlsconfig"
)

// Config defines high-level inputs to assemble a checker with sensible
// defaults. Applications embed the checker by providing this structure and
// calling Build.
type Config struct {
	// Discovery settings for locating masters
	DiscoveryKind string        // "static" (default), "dns", or "file"
	MastersCSV    string        // used when DiscoveryKind=static
	DNSNamesCSV   string        // used when kind=dns
	DNSPort       int           // used when kind=dns (A/AAAA)
	DiscRefresh   time.Duration // cache/refresh duration for discovery
	FilePath      string        // used when kind=file
	FileEnv       string        // used when kind=file

	// Check scope and behavior
	TablesCSV        string // glob patterns, comma-separated
	TabletsCSV       string // exact tablet ids, comma-separated
	NoReplicaCount   bool   // skip the replication-factor check
	FetchConcurrency int

	// RPC settings
	RPCTimeout time.Duration // per management call (default 3s)
	ScanProto  string        // checksum scan protocol: "http" (default) or "grpc"

	// TLS (optional) for management calls and the metrics listener
	TLSEnable     bool
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string
	TLSSkipVerify bool

	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string

	// Gossip liveness cross-check (optional). When GossipJoinCSV is set the
	// checker joins the tablet servers' gossip ring as an observer and
	// compares the visible members against the master's registered set.
	GossipJoinCSV string
	GossipBind    string // default "0.0.0.0:0"
	GossipNodeID  string // default "ksck-observer"

	// Logger (optional). If nil, log.Default() is used.
	Logger *log.Logger
}

// Runtime holds an assembled checker and the resources behind it. Close must
// be called when finished.
type Runtime struct {
	Checker *ksck.Ksck
	Cluster *remote.Cluster

	gossip  membership.Membership
	closers []func()
}

// Build assembles a checker from Config without running any checks.
func Build(ctx context.Context, cfg Config) (*Runtime, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 3 * time.Second
	}

	// Discovery backend
	var disc discovery.Discovery
	switch cfg.DiscoveryKind {
	case "dns":
		names := dStatic.Parse(cfg.DNSNamesCSV)
		opts := dDNS.Options{Names: names, Port: cfg.DNSPort, Logger: cfg.Logger}
		if cfg.DiscRefresh > 0 {
			opts.Refresh = cfg.DiscRefresh
		}
		disc = dDNS.New(opts)
	case "file":
		opts := dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv}
		if cfg.DiscRefresh > 0 {
			opts.Refresh = cfg.DiscRefresh
		}
		disc = dFile.New(opts)
	default:
		disc = dStatic.New(dStatic.Parse(cfg.MastersCSV)...)
	}
	masters := disc.Masters()
	if len(masters) == 0 {
		return nil, fmt.Errorf("bootstrap: discovery %q produced no master addresses", cfg.DiscoveryKind)
	}

	var cliTLS, srvTLS *tls.Config
	if cfg.TLSEnable {
		topts := tlsx.Options{
			Enable:             true,
			CAFile:             cfg.TLSCA,
			CertFile:           cfg.TLSCert,
			KeyFile:            cfg.TLSKey,
			InsecureSkipVerify: cfg.TLSSkipVerify,
			ServerName:         cfg.TLSServerName,
		}
		var err error
		if cliTLS, err = topts.Client(); err != nil {
			return nil, err
		}
		if cfg.MetricsAddr != "" {
			if srvTLS, err = topts.Server(); err != nil {
				return nil, err
			}
		}
	}

	rt := &Runtime{}

	var scanner remote.ChecksumScanner
	if cfg.ScanProto == "grpc" {
		s := grpcscan.NewScanner(cfg.RPCTimeout)
		if cliTLS != nil {
			s.UseTLS(cliTLS)
		}
		scanner = s
		rt.closers = append(rt.closers, s.Close)
	}

	cluster, err := remote.NewCluster(masters, remote.Options{
		Timeout: cfg.RPCTimeout,
		TLS:     cliTLS,
		Scanner: scanner,
		Logger:  cfg.Logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	checker, err := ksck.New(cluster, ksck.Options{
		Logger:              cfg.Logger,
		DisableReplicaCount: cfg.NoReplicaCount,
		FetchConcurrency:    cfg.FetchConcurrency,
		TableFilters:        dStatic.Parse(cfg.TablesCSV),
		TabletIDFilters:     dStatic.Parse(cfg.TabletsCSV),
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Checker = checker
	rt.Cluster = cluster

	if cfg.MetricsAddr != "" {
		if err := rt.serveMetrics(cfg.MetricsAddr, srvTLS, cfg.Logger); err != nil {
			rt.Close()
			return nil, err
		}
	}

	if cfg.GossipJoinCSV != "" {
		if err := rt.startGossip(ctx, cfg); err != nil {
			rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

func (r *Runtime) serveMetrics(addr string, srvTLS *tls.Config, logger *log.Logger) error {
	obsmetrics.Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, TLSConfig: srvTLS}
	go func() {
		var err error
		if srvTLS != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logutil.Warnf(logger, "metrics listener: %v", err)
		}
	}()
	r.closers = append(r.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return nil
}

func (r *Runtime) startGossip(ctx context.Context, cfg Config) error {
	bind := cfg.GossipBind
	if bind == "" {
		bind = "0.0.0.0:0"
	}
	nodeID := cfg.GossipNodeID
	if nodeID == "" {
		nodeID = "ksck-observer"
	}
	mem, err := ml.New(ml.Options{NodeID: nodeID, Bind: bind, Logger: nil})
	if err != nil {
		return err
	}
	if err := mem.Start(ctx); err != nil {
		return err
	}
	if err := mem.Join(dStatic.Parse(cfg.GossipJoinCSV)); err != nil {
		_ = mem.Stop()
		return fmt.Errorf("bootstrap: gossip join: %w", err)
	}
	r.gossip = mem
	r.closers = append(r.closers, func() {
		_ = mem.Leave()
		_ = mem.Stop()
	})
	return nil
}

// GossipMemberIDs returns the ids visible on the gossip ring, excluding the
// checker's own observer node. Nil when gossip is not configured.
func (r *Runtime) GossipMemberIDs() []string {
	if r.gossip == nil {
		return nil
	}
	local := r.gossip.Local().ID
	var ids []string
	for _, m := range r.gossip.Members() {
		if m.ID == local {
			continue
		}
		ids = append(ids, m.ID)
	}
	return ids
}

// Close releases listeners, cached connections and the gossip membership.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}
