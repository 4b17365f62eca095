package addrmgr

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeTestDB(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "addrdb.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSnapshotRoundTrip(t *testing.T) {
	m := newTestManager(t)
	d := testDUID(t, "00:01:00:01:de:ad:be:ef")

	require.True(t, m.AddAddress(LeaseParams{
		ClientDUID: d, Ifacename: "eth0", Ifindex: 2, IAID: 7,
		T1: 1000, T2: 2000, Addr: net.ParseIP("2001:db8::1"),
		Pref: 3600, Valid: 7200, Length: 128,
	}))
	require.True(t, m.AddPrefix(prefixParams(d, 1, "2001:db8:100::")))

	c := m.ClientByDUID(d)
	require.NotNil(t, c)
	c.ReconfigureKey = []byte{0xa1, 0xb2, 0xc3, 0xd4}

	ia := c.Assignment(TypeIA, 7)
	require.NotNil(t, ia)
	ia.Unicast = cloneIP(net.ParseIP("2001:db8::ff"))
	ia.FQDNServer = cloneIP(net.ParseIP("2001:db8::53"))
	ia.FQDN = &FQDN{DUID: d.Clone(), Name: "host.example.org", Used: true}

	m.replayDetection = 41

	path := filepath.Join(t.TempDir(), "addrdb.txt")
	require.NoError(t, m.DumpFile(path))

	loaded := New(DefaultConfig(), zap.NewNop())
	loaded.now = func() int64 { return 1_000_100 }
	require.NoError(t, loaded.LoadFile(path))

	assert.Equal(t, uint64(41), loaded.ReplayDetection())
	assert.Equal(t, uint64(42), loaded.NextReplayDetectionValue())

	lc := loaded.ClientByDUID(d)
	require.NotNil(t, lc)
	assert.Equal(t, []byte{0xa1, 0xb2, 0xc3, 0xd4}, lc.ReconfigureKey)

	lia := lc.Assignment(TypeIA, 7)
	require.NotNil(t, lia)
	assert.Equal(t, StateConfirmMe, lia.State, "loaded assignments await confirmation")
	assert.Equal(t, uint32(1000), lia.T1)
	assert.Equal(t, uint32(2000), lia.T2)
	assert.Equal(t, "eth0", lia.Ifacename)
	assert.Equal(t, uint32(2), lia.Ifindex)
	assert.True(t, lia.ClientDUID.Equal(d))
	assert.True(t, lia.Unicast.Equal(net.ParseIP("2001:db8::ff")))
	assert.True(t, lia.FQDNServer.Equal(net.ParseIP("2001:db8::53")))
	require.NotNil(t, lia.FQDN)
	assert.Equal(t, "host.example.org", lia.FQDN.Name)
	assert.True(t, lia.FQDN.Used)
	assert.True(t, lia.FQDN.DUID.Equal(d))

	l := lia.Lease(net.ParseIP("2001:db8::1"))
	require.NotNil(t, l)
	assert.Equal(t, uint32(3600), l.Pref)
	assert.Equal(t, uint32(7200), l.Valid)
	assert.Equal(t, uint8(128), l.Length)
	assert.Equal(t, int64(1_000_000), l.AcquiredAt)
	assert.Equal(t, TentativeNo, l.Tentative)

	lpd := lc.Assignment(TypePD, 1)
	require.NotNil(t, lpd)
	lp := lpd.Lease(net.ParseIP("2001:db8:100::"))
	require.NotNil(t, lp)
	assert.Equal(t, uint8(56), lp.Length)
}

func TestLoadLegacySnapshot(t *testing.T) {
	// Files written by older builds: unquoted attributes, no interface
	// name, no on-link prefix length.
	path := writeTestDB(t, `<AddrMgr>
  <timestamp>999000</timestamp>
  <replayDetection>7</replayDetection>
  <AddrClient>
    <duid>00:01:00:01:de:ad:be:ef</duid>
    <AddrIA T1=1000 T2=2000 IAID=7 iface=3>
      <AddrAddr timestamp=999000 pref=3600 valid=7200>2001:db8::1</AddrAddr>
    </AddrIA>
  </AddrClient>
</AddrMgr>
`)

	m := New(DefaultConfig(), zap.NewNop())
	m.now = func() int64 { return 1_000_000 }
	require.NoError(t, m.LoadFile(path))

	assert.Equal(t, uint64(7), m.ReplayDetection())
	c := m.ClientByDUID(testDUID(t, "00:01:00:01:de:ad:be:ef"))
	require.NotNil(t, c)

	ia := c.Assignment(TypeIA, 7)
	require.NotNil(t, ia)
	assert.Equal(t, "", ia.Ifacename)
	assert.Equal(t, uint32(3), ia.Ifindex)

	l := ia.Lease(net.ParseIP("2001:db8::1"))
	require.NotNil(t, l)
	assert.Equal(t, uint8(defaultOnLinkLength), l.Length)
	assert.Equal(t, int64(999000), l.AcquiredAt)
}

func TestLoadMissingFile(t *testing.T) {
	m := New(DefaultConfig(), zap.NewNop())
	err := m.LoadFile(filepath.Join(t.TempDir(), "nope.txt"))
	require.NoError(t, err)
	assert.Zero(t, m.CountClients())
}

func TestLoadDropsZeroLifetimeLeases(t *testing.T) {
	path := writeTestDB(t, `<AddrMgr>
  <AddrClient>
    <duid>00:01:00:01:de:ad:be:ef</duid>
    <AddrIA T1="1000" T2="2000" IAID="7" iface="2" ifacename="eth0">
      <AddrAddr timestamp="999000" pref="0" valid="7200" prefix="128">2001:db8::1</AddrAddr>
      <AddrAddr timestamp="0" pref="3600" valid="7200" prefix="128">2001:db8::2</AddrAddr>
      <AddrAddr timestamp="999000" pref="3600" valid="7200" prefix="128">not-an-address</AddrAddr>
    </AddrIA>
  </AddrClient>
</AddrMgr>
`)

	m := New(DefaultConfig(), zap.NewNop())
	m.now = func() int64 { return 1_000_000 }
	require.NoError(t, m.LoadFile(path))

	// Every lease was dropped, so neither the assignment nor the
	// client survives.
	assert.Zero(t, m.CountClients())
}

func TestLoadVerificationHooks(t *testing.T) {
	src := newTestManager(t)
	d := testDUID(t, "00:01:00:01:de:ad:be:ef")
	require.True(t, src.AddPrefix(prefixParams(d, 1, "2001:db8:100::")))
	require.True(t, src.AddPrefix(prefixParams(d, 1, "2001:db8:bad::")))

	path := filepath.Join(t.TempDir(), "addrdb.txt")
	require.NoError(t, src.DumpFile(path))

	cfg := DefaultConfig()
	cfg.VerifyPrefix = func(p net.IP) bool {
		return !p.Equal(net.ParseIP("2001:db8:bad::"))
	}
	m := New(cfg, zap.NewNop())
	m.now = func() int64 { return 1_000_100 }
	require.NoError(t, m.LoadFile(path))

	pd := m.ClientByDUID(d).Assignment(TypePD, 1)
	require.NotNil(t, pd)
	assert.Len(t, pd.Leases, 1)
	assert.Nil(t, pd.Lease(net.ParseIP("2001:db8:bad::")))
}

func TestLoadTruncated(t *testing.T) {
	path := writeTestDB(t, `<AddrMgr>
  <AddrClient>
    <duid>00:01:00:01:de:ad:be:ef</duid>
    <AddrIA T1="1000" T2="2000" IAID="7" iface="2" ifacename="eth0">
      <AddrAddr timestamp="999000" pref="3600" valid="7200" prefix="128">2001:db8::1</AddrAddr>
    </AddrIA>
  </AddrClient>
  <AddrClient>
    <duid>00:01:00:01:aa:aa:aa:aa</duid>
    <AddrIA T1="1000" T2="2000" IAID="8" iface="2" ifacename="eth0">
      <AddrAddr timestamp="999000" pref="3600" vali`)

	m := New(DefaultConfig(), zap.NewNop())
	m.now = func() int64 { return 1_000_000 }
	err := m.LoadFile(path)
	require.Error(t, err)

	// The client parsed before the cut is kept.
	assert.Equal(t, 1, m.CountClients())
	assert.NotNil(t, m.ClientByDUID(testDUID(t, "00:01:00:01:de:ad:be:ef")))
}

func TestLoadSkipsTemporaryAddresses(t *testing.T) {
	path := writeTestDB(t, `<AddrMgr>
  <AddrClient>
    <duid>00:01:00:01:de:ad:be:ef</duid>
    <AddrTA T1="0" T2="0" IAID="9" iface="2" ifacename="eth0">
      <AddrAddr timestamp="999000" pref="3600" valid="7200" prefix="128">2001:db8::9</AddrAddr>
    </AddrTA>
    <AddrIA T1="1000" T2="2000" IAID="7" iface="2" ifacename="eth0">
      <AddrAddr timestamp="999000" pref="3600" valid="7200" prefix="128">2001:db8::1</AddrAddr>
    </AddrIA>
  </AddrClient>
</AddrMgr>
`)

	m := New(DefaultConfig(), zap.NewNop())
	m.now = func() int64 { return 1_000_000 }
	require.NoError(t, m.LoadFile(path))

	c := m.ClientByDUID(testDUID(t, "00:01:00:01:de:ad:be:ef"))
	require.NotNil(t, c)
	assert.Empty(t, c.TA)
	assert.Len(t, c.IA, 1)
}

func TestDumpReplacesPreviousSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "addrdb.txt")

	big := newTestManager(t)
	d := testDUID(t, "00:01:00:01:de:ad:be:ef")
	for i := 0; i < 20; i++ {
		p := prefixParams(d, uint32(i+1), "2001:db8:100::")
		p.Addr = net.ParseIP("2001:db8:100::")
		require.True(t, big.AddPrefix(p))
	}
	require.NoError(t, big.DumpFile(path))

	small := newTestManager(t)
	require.NoError(t, small.DumpFile(path))

	m := New(DefaultConfig(), zap.NewNop())
	require.NoError(t, m.LoadFile(path))
	assert.Zero(t, m.CountClients())
}

func TestShutdownWritesSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "addrdb.txt")
	cfg := DefaultConfig()
	cfg.DBPath = path

	m := New(cfg, zap.NewNop())
	m.now = func() int64 { return 1_000_000 }
	d := testDUID(t, "00:01:00:01:de:ad:be:ef")
	require.True(t, m.AddPrefix(prefixParams(d, 1, "2001:db8:100::")))
	require.NoError(t, m.Shutdown())

	reborn := New(cfg, zap.NewNop())
	reborn.now = func() int64 { return 1_000_100 }
	require.NoError(t, reborn.Load())
	assert.Equal(t, 1, reborn.CountClients())
}
