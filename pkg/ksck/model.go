package ksck

// Schema is the column layout of a table. The checker treats it as opaque and
// only forwards it to checksum scans so servers can reject a stale view.
type Schema struct {
	Columns []string `json:"columns"`
}

// Replica is one tablet server's membership in a tablet's configuration as
// reported by the master. Immutable once constructed.
type Replica struct {
	TSUUID   string
	IsLeader bool
	IsVoter  bool
}

// Tablet is a horizontal partition of a table, replicated across tablet
// servers. The replica list is replaced wholesale on refetch, never mutated
// in place. The owning table is referenced by name only; resolve it through
// the cluster's table list to avoid lifetime coupling.
type Tablet struct {
	id        string
	tableName string
	replicas  []Replica
}

// NewTablet creates a tablet belonging to the named table.
func NewTablet(tableName, id string) *Tablet {
	return &Tablet{id: id, tableName: tableName}
}

func (t *Tablet) ID() string        { return t.id }
func (t *Tablet) TableName() string { return t.tableName }

// Replicas returns the current replica list.
func (t *Tablet) Replicas() []Replica { return t.replicas }

// SetReplicas replaces the replica list with the given one.
func (t *Tablet) SetReplicas(replicas []Replica) { t.replicas = replicas }

// Table is a named collection of tablets with a replication factor. A table
// exclusively owns its tablets.
type Table struct {
	name        string
	schema      Schema
	numReplicas int
	tablets     []*Tablet
}

// NewTable creates a table with the given schema and replication factor.
func NewTable(name string, schema Schema, numReplicas int) *Table {
	return &Table{name: name, schema: schema, numReplicas: numReplicas}
}

func (t *Table) Name() string      { return t.name }
func (t *Table) Schema() Schema    { return t.schema }
func (t *Table) NumReplicas() int  { return t.numReplicas }
func (t *Table) Tablets() []*Tablet { return t.tablets }

// SetTablets replaces the tablet list with the given one.
func (t *Table) SetTablets(tablets []*Tablet) { t.tablets = tablets }
