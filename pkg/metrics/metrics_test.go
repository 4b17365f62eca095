package metrics

import (
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/addr6/pkg/addrmgr"
	"github.com/codelaboratoryltd/addr6/pkg/duid"
)

func TestCollect(t *testing.T) {
	mgr := addrmgr.New(addrmgr.DefaultConfig(), zap.NewNop())
	d, err := duid.Parse("00:01:00:01:de:ad:be:ef")
	require.NoError(t, err)

	require.True(t, mgr.AddPrefix(addrmgr.LeaseParams{
		ClientDUID: d, Ifacename: "eth0", Ifindex: 2, IAID: 1,
		T1: 1000, T2: 2000, Addr: net.ParseIP("2001:db8:100::"),
		Pref: 3600, Valid: 7200, Length: 56,
	}))
	require.True(t, mgr.AddAddress(addrmgr.LeaseParams{
		ClientDUID: d, Ifacename: "eth0", Ifindex: 2, IAID: 7,
		T1: 1000, T2: 2000, Addr: net.ParseIP("2001:db8::1"),
		Pref: 3600, Valid: 7200, Length: 128,
	}))
	mgr.NextReplayDetectionValue()

	m := New(mgr, zap.NewNop())
	m.Collect()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.clientsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.assignments.WithLabelValues("pd")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.assignments.WithLabelValues("ia")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.assignments.WithLabelValues("ta")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.leases.WithLabelValues("pd")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replayValue))
}

func TestCollectEmptyStore(t *testing.T) {
	mgr := addrmgr.New(addrmgr.DefaultConfig(), zap.NewNop())
	m := New(mgr, zap.NewNop())
	m.Collect()

	assert.Equal(t, 0.0, testutil.ToFloat64(m.clientsTotal))
	assert.Equal(t, float64(addrmgr.NoTimeout),
		testutil.ToFloat64(m.nextTimeout.WithLabelValues("t1")))
}

func TestRegisterIsIdempotent(t *testing.T) {
	mgr := addrmgr.New(addrmgr.DefaultConfig(), zap.NewNop())
	m := New(mgr, zap.NewNop())

	require.NoError(t, m.Register())
	require.NoError(t, m.Register())
}
