// Package ifinfo supplies the interface name and index tables the lease
// database reconciles against after a restart. On linux the tables come
// from netlink; elsewhere from the portable net package.
package ifinfo

// Tables maps interface names to indexes and back.
type Tables struct {
	NameToIndex map[string]uint32
	IndexToName map[uint32]string
}

// New returns empty tables.
func New() Tables {
	return Tables{
		NameToIndex: make(map[string]uint32),
		IndexToName: make(map[uint32]string),
	}
}

// Add records one interface in both directions.
func (t Tables) Add(name string, index uint32) {
	t.NameToIndex[name] = index
	t.IndexToName[index] = name
}
