package ksck

import (
	"context"
	"fmt"
)

// Cluster supplies the topology snapshot the checker runs over: the master
// list, the tablet server map and the table list. Implementations talk to a
// live cluster (pkg/remote) or hold canned state for tests.
type Cluster interface {
	// Connect reaches the leader master. Failure here is fatal to a run.
	Connect(ctx context.Context) error
	// FetchTabletServers populates the tablet server map from the master.
	FetchTabletServers(ctx context.Context) error
	// FetchTablesList populates the table list from the master.
	FetchTablesList(ctx context.Context) error
	// FetchTabletsList populates the given table's tablets. The table's
	// tablet list is modified only on success.
	FetchTabletsList(ctx context.Context, table *Table) error

	Masters() []Master
	// TabletServers is keyed by the uuid the master registered each server under.
	TabletServers() map[string]TabletServer
	Tables() []*Table
}

// FetchTableAndTabletInfo pulls the full topology snapshot: tables, tablet
// servers, and every table's tablet list.
func FetchTableAndTabletInfo(ctx context.Context, cluster Cluster) error {
	if err := cluster.Connect(ctx); err != nil {
		return fmt.Errorf("ksck: connect: %w", err)
	}
	if err := cluster.FetchTablesList(ctx); err != nil {
		return fmt.Errorf("ksck: fetch tables: %w", err)
	}
	if err := cluster.FetchTabletServers(ctx); err != nil {
		return fmt.Errorf("ksck: fetch tablet servers: %w", err)
	}
	for _, table := range cluster.Tables() {
		if err := cluster.FetchTabletsList(ctx, table); err != nil {
			return fmt.Errorf("ksck: fetch tablets of table %q: %w", table.Name(), err)
		}
	}
	return nil
}
