package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/caiconghui/kudu/pkg/internal/logutil"
	"github.com/caiconghui/kudu/pkg/ksck"
)

// ErrNoLeaderMaster is returned by Connect when no reachable master reports
// itself as leader.
var ErrNoLeaderMaster = errors.New("remote: no leader master found")

// Options configures a Cluster handle.
type Options struct {
	// Timeout bounds each management RPC. Default: 3s.
	Timeout time.Duration
	// TLS enables https management calls when set.
	TLS *tls.Config
	// Scanner runs replica checksum scans. Default: HTTPScanner over the
	// management client.
	Scanner ChecksumScanner
	// Logger receives operational messages. Default: log.Default().
	Logger *log.Logger
}

// Cluster is the live-cluster implementation of ksck.Cluster: it resolves the
// leader master and pulls the topology snapshot from it.
type Cluster struct {
	client  *Client
	scanner ChecksumScanner
	logger  *log.Logger

	masters    []*Master
	leaderAddr string
	tservers   map[string]ksck.TabletServer
	tables     []*ksck.Table
}

var _ ksck.Cluster = (*Cluster)(nil)

// NewCluster creates a handle over the given master addresses.
func NewCluster(masterAddrs []string, opts Options) (*Cluster, error) {
	if len(masterAddrs) == 0 {
		return nil, errors.New("remote: no master addresses")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	client := NewClient(opts.Timeout)
	if opts.TLS != nil {
		client.UseTLS(opts.TLS)
	}
	if opts.Scanner == nil {
		opts.Scanner = NewHTTPScanner(client)
	}
	c := &Cluster{
		client:  client,
		scanner: opts.Scanner,
		logger:  opts.Logger,
	}
	for _, addr := range masterAddrs {
		m := NewMaster(addr, client)
		if err := m.Init(); err != nil {
			return nil, err
		}
		c.masters = append(c.masters, m)
	}
	return c, nil
}

// Connect locates the leader master. Masters that cannot be reached are
// skipped; the error distinguishes an unreachable cluster from a leaderless
// one.
func (c *Cluster) Connect(ctx context.Context) error {
	reachable := 0
	c.leaderAddr = ""
	for _, m := range c.masters {
		if err := m.FetchInfo(ctx); err != nil {
			logutil.Warnf(c.logger, "remote: master %s unreachable: %v", m.Address(), err)
			continue
		}
		reachable++
		if m.IsLeader() {
			c.leaderAddr = m.Address()
		}
	}
	if reachable == 0 {
		return fmt.Errorf("remote: no masters reachable out of %d", len(c.masters))
	}
	if c.leaderAddr == "" {
		return fmt.Errorf("%w: %d of %d masters reachable", ErrNoLeaderMaster, reachable, len(c.masters))
	}
	return nil
}

func (c *Cluster) leader() (string, error) {
	if c.leaderAddr == "" {
		return "", errors.New("remote: not connected; call Connect first")
	}
	return c.leaderAddr, nil
}

// FetchTabletServers pulls the registered tablet server list from the leader
// master and builds handles keyed by registered uuid.
func (c *Cluster) FetchTabletServers(ctx context.Context) error {
	leader, err := c.leader()
	if err != nil {
		return err
	}
	var resp TabletServersResponse
	if err := c.client.GetJSON(ctx, leader, "/api/v1/tservers", &resp); err != nil {
		return fmt.Errorf("remote: fetch tablet servers: %w", err)
	}
	tservers := make(map[string]ksck.TabletServer, len(resp.TabletServers))
	for _, entry := range resp.TabletServers {
		tservers[entry.UUID] = NewTabletServer(entry.UUID, entry.Address, c.client, c.scanner)
	}
	c.tservers = tservers
	return nil
}

// FetchTablesList pulls the table catalog from the leader master.
func (c *Cluster) FetchTablesList(ctx context.Context) error {
	leader, err := c.leader()
	if err != nil {
		return err
	}
	var resp TablesResponse
	if err := c.client.GetJSON(ctx, leader, "/api/v1/tables", &resp); err != nil {
		return fmt.Errorf("remote: fetch tables: %w", err)
	}
	tables := make([]*ksck.Table, 0, len(resp.Tables))
	for _, entry := range resp.Tables {
		tables = append(tables, ksck.NewTable(entry.Name, ksck.Schema{Columns: entry.Columns}, entry.NumReplicas))
	}
	c.tables = tables
	return nil
}

// FetchTabletsList pulls the tablet list of one table from the leader master.
// The table is modified only when the fetch succeeds.
func (c *Cluster) FetchTabletsList(ctx context.Context, table *ksck.Table) error {
	leader, err := c.leader()
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/api/v1/tables/%s/tablets", url.PathEscape(table.Name()))
	var resp TabletsResponse
	if err := c.client.GetJSON(ctx, leader, path, &resp); err != nil {
		return fmt.Errorf("remote: fetch tablets of %q: %w", table.Name(), err)
	}
	tablets := make([]*ksck.Tablet, 0, len(resp.Tablets))
	for _, entry := range resp.Tablets {
		tablet := ksck.NewTablet(table.Name(), entry.TabletID)
		replicas := make([]ksck.Replica, 0, len(entry.Replicas))
		for _, r := range entry.Replicas {
			replicas = append(replicas, ksck.Replica{
				TSUUID:   r.TSUUID,
				IsLeader: r.IsLeader,
				IsVoter:  r.IsVoter,
			})
		}
		tablet.SetReplicas(replicas)
		tablets = append(tablets, tablet)
	}
	table.SetTablets(tablets)
	return nil
}

func (c *Cluster) Masters() []ksck.Master {
	out := make([]ksck.Master, len(c.masters))
	for i, m := range c.masters {
		out[i] = m
	}
	return out
}

func (c *Cluster) TabletServers() map[string]ksck.TabletServer { return c.tservers }
func (c *Cluster) Tables() []*ksck.Table                       { return c.tables }
