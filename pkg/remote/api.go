package remote

import (
	"github.com/caiconghui/kudu/pkg/ksck"
)

// Wire types of the management API served by masters and tablet servers.
// Shared by the HTTP client, the gRPC checksum codec and the test servers.

// ServerStatus is the response of GET /api/v1/status on either server kind.
type ServerStatus struct {
	UUID string `json:"uuid"`
	// Role is set by masters: LEADER or FOLLOWER.
	Role string `json:"role,omitempty"`
	// Timestamp is set by tablet servers: the server clock in the cluster's
	// hybrid time encoding.
	Timestamp uint64 `json:"timestamp,omitempty"`
	// Tablets is set by tablet servers: status of every hosted replica.
	Tablets []TabletStatusInfo `json:"tablets,omitempty"`
}

// TabletStatusInfo is one replica's status as reported by its server.
type TabletStatusInfo struct {
	TabletID            string `json:"tabletId"`
	State               string `json:"state"`
	DataState           string `json:"dataState"`
	EstimatedOnDiskSize int64  `json:"estimatedOnDiskSize"`
}

// ConsensusStateInfo is one server's serialized consensus config view.
type ConsensusStateInfo struct {
	Term      int64    `json:"term"`
	OpIDIndex int64    `json:"opIdIndex"`
	Leader    string   `json:"leader,omitempty"`
	Voters    []string `json:"voters"`
	NonVoters []string `json:"nonVoters,omitempty"`
}

// ToConsensusState converts the wire form into the checker's model under the
// given config type.
func (c ConsensusStateInfo) ToConsensusState(t ksck.ConsensusConfigType) ksck.ConsensusState {
	term, opID := c.Term, c.OpIDIndex
	if term == 0 {
		term = ksck.ConsensusNone
	}
	if opID == 0 {
		opID = ksck.ConsensusNone
	}
	return ksck.NewConsensusState(t, term, opID, c.Leader, c.Voters, c.NonVoters)
}

// TabletConsensusInfo is the per-tablet entry of GET /api/v1/consensus on a
// tablet server. Pending marks a config the replica has not committed yet.
type TabletConsensusInfo struct {
	TabletID string             `json:"tabletId"`
	Pending  bool               `json:"pending"`
	State    ConsensusStateInfo `json:"state"`
}

// ConsensusResponse is the response of GET /api/v1/consensus. Masters fill
// Master; tablet servers fill Tablets.
type ConsensusResponse struct {
	Master  *ConsensusStateInfo   `json:"master,omitempty"`
	Tablets []TabletConsensusInfo `json:"tablets,omitempty"`
}

// TabletServerEntry is one registered tablet server in the master's view.
type TabletServerEntry struct {
	UUID    string `json:"uuid"`
	Address string `json:"address"`
}

// TabletServersResponse is the response of GET /api/v1/tservers on a master.
type TabletServersResponse struct {
	TabletServers []TabletServerEntry `json:"tservers"`
}

// TableEntry is one table in the master's catalog.
type TableEntry struct {
	Name        string   `json:"name"`
	NumReplicas int      `json:"numReplicas"`
	Columns     []string `json:"columns"`
}

// TablesResponse is the response of GET /api/v1/tables on a master.
type TablesResponse struct {
	Tables []TableEntry `json:"tables"`
}

// ReplicaEntry is one replica in a tablet's config as the master reports it.
type ReplicaEntry struct {
	TSUUID   string `json:"tsUuid"`
	IsLeader bool   `json:"isLeader"`
	IsVoter  bool   `json:"isVoter"`
}

// TabletEntry is one tablet of a table in the master's catalog.
type TabletEntry struct {
	TabletID string         `json:"tabletId"`
	Replicas []ReplicaEntry `json:"replicas"`
}

// TabletsResponse is the response of GET /api/v1/tables/{table}/tablets.
type TabletsResponse struct {
	Tablets []TabletEntry `json:"tablets"`
}

// ChecksumRequest asks a tablet server to checksum one replica.
type ChecksumRequest struct {
	TabletID          string   `json:"tabletId"`
	Columns           []string `json:"columns"`
	UseSnapshot       bool     `json:"useSnapshot"`
	SnapshotTimestamp uint64   `json:"snapshotTimestamp,omitempty"`
}

// ChecksumResponse is the terminal result of a blocking checksum call.
type ChecksumResponse struct {
	Checksum uint64 `json:"checksum"`
	Rows     int64  `json:"rows"`
	Bytes    int64  `json:"bytes"`
	Error    string `json:"error,omitempty"`
}

// ChecksumUpdate is one message of the streaming checksum scan. Deltas arrive
// while the scan runs; the final message has Done set and carries the
// checksum or the failure.
type ChecksumUpdate struct {
	DeltaRows  int64  `json:"deltaRows,omitempty"`
	DeltaBytes int64  `json:"deltaBytes,omitempty"`
	Done       bool   `json:"done,omitempty"`
	Checksum   uint64 `json:"checksum,omitempty"`
	Error      string `json:"error,omitempty"`
}
