package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/caiconghui/kudu/pkg/ksck"
)

// Master talks to one master's management endpoint. Registered by address;
// the uuid becomes known after the first successful fetch.
type Master struct {
	addr   string
	client *Client

	mu     sync.RWMutex
	uuid   string
	role   string
	state  ksck.FetchState
	cstate *ksck.ConsensusState
}

var _ ksck.Master = (*Master)(nil)

// NewMaster creates a handle on the master at addr.
func NewMaster(addr string, client *Client) *Master {
	return &Master{addr: addr, client: client}
}

func (m *Master) Init() error {
	if m.addr == "" {
		return errors.New("remote: empty master address")
	}
	if m.client == nil {
		return errors.New("remote: nil client")
	}
	return nil
}

// FetchInfo fetches the master's status, learning its uuid and role.
func (m *Master) FetchInfo(ctx context.Context) error {
	var status ServerStatus
	err := m.client.GetJSON(ctx, m.addr, "/api/v1/status", &status)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = ksck.FetchFailed
		return fmt.Errorf("remote: fetch master %s: %w", m.addr, err)
	}
	m.uuid = status.UUID
	m.role = status.Role
	m.state = ksck.Fetched
	return nil
}

// FetchConsensusState fetches this master's own view of the master quorum.
func (m *Master) FetchConsensusState(ctx context.Context) error {
	var resp ConsensusResponse
	if err := m.client.GetJSON(ctx, m.addr, "/api/v1/consensus", &resp); err != nil {
		return fmt.Errorf("remote: fetch master consensus %s: %w", m.addr, err)
	}
	if resp.Master == nil {
		return fmt.Errorf("remote: master %s returned no consensus state", m.addr)
	}
	cs := resp.Master.ToConsensusState(ksck.ConsensusConfigCommitted)
	m.mu.Lock()
	m.cstate = &cs
	m.mu.Unlock()
	return nil
}

// UUID returns the fetched uuid, or the dummy placeholder before any
// successful fetch.
func (m *Master) UUID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.uuid == "" {
		return ksck.MasterDummyUUID
	}
	return m.uuid
}

func (m *Master) Address() string { return m.addr }

func (m *Master) FetchState() ksck.FetchState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsLeader reports whether the master called itself leader at fetch time.
func (m *Master) IsLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.role == "LEADER"
}

func (m *Master) ConsensusState() (ksck.ConsensusState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cstate == nil {
		return ksck.ConsensusState{}, false
	}
	return *m.cstate, true
}
