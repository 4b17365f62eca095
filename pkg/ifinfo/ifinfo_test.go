package ifinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd(t *testing.T) {
	tbl := New()
	tbl.Add("eth0", 2)
	tbl.Add("lo", 1)

	assert.Equal(t, uint32(2), tbl.NameToIndex["eth0"])
	assert.Equal(t, "eth0", tbl.IndexToName[2])
	assert.Equal(t, "lo", tbl.IndexToName[1])
}

func TestAddOverwrite(t *testing.T) {
	tbl := New()
	tbl.Add("eth0", 2)
	tbl.Add("eth0", 5)

	assert.Equal(t, uint32(5), tbl.NameToIndex["eth0"])
	assert.Equal(t, "eth0", tbl.IndexToName[5])
}

func TestCurrentIsConsistent(t *testing.T) {
	tbl, err := Current()
	require.NoError(t, err)

	for name, idx := range tbl.NameToIndex {
		assert.Equal(t, name, tbl.IndexToName[idx])
	}
}
