package membership

import "context"

// MemberInfo describes a cluster member as observed by the gossip layer.
// Meta can carry auxiliary data such as the management address.
type MemberInfo struct {
	ID   string
	Addr string
	Meta map[string]string
}

// Membership is the abstraction over the underlying gossip/failure-detection
// layer. The checker joins the ring as an observer and reads a point-in-time
// member list to cross-check against the master's registered server set.
type Membership interface {
	Start(ctx context.Context) error
	Join(seeds []string) error
	Local() MemberInfo
	Members() []MemberInfo
	Leave() error
	Stop() error
}
