// Package addrmgr is the lease database of a DHCPv6 node: clients keyed
// by DUID, their identity associations and leases, the timers derived
// from them, and a plain-text snapshot that survives restarts.
package addrmgr

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/addr6/pkg/duid"
)

// VerifyFunc decides whether a lease read back from the snapshot is
// still admissible under the current configuration. Returning false
// drops the lease during load.
type VerifyFunc func(addr net.IP) bool

// Config controls manager behaviour.
type Config struct {
	// DBPath is where the snapshot lives. Empty disables persistence.
	DBPath string

	// DeleteEmptyClient removes a client record once its last
	// assignment is gone.
	DeleteEmptyClient bool

	// VerifyAddress and VerifyPrefix filter leases during load. Nil
	// accepts everything.
	VerifyAddress VerifyFunc
	VerifyPrefix  VerifyFunc
}

// DefaultConfig returns the standard manager configuration.
func DefaultConfig() Config {
	return Config{
		DeleteEmptyClient: true,
	}
}

// Manager is the in-memory lease database. It is not safe for
// concurrent use; callers serialise access the same way the rest of a
// single-threaded DHCPv6 engine does.
type Manager struct {
	config Config
	logger *zap.Logger

	clients         []*Client
	replayDetection uint64
	done            bool

	now func() int64
}

// New creates an empty manager. Call Load afterwards to read the
// snapshot at Config.DBPath.
func New(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config: cfg,
		logger: logger,
		now:    func() int64 { return time.Now().Unix() },
	}
}

// LeaseParams carries the keys and lifetimes of one add or update
// operation. ClientAddr is the address the client spoke from and is
// used for diagnostics only.
type LeaseParams struct {
	ClientDUID duid.DUID
	ClientAddr net.IP
	Ifacename  string
	Ifindex    uint32
	IAID       uint32
	T1         uint32
	T2         uint32
	Addr       net.IP
	Pref       uint32
	Valid      uint32
	Length     uint8
	Quiet      bool
}

// AddAddress records a newly assigned non-temporary address, creating
// the client and the IA as needed. Returns false if the address is
// missing or already present in that IA.
func (m *Manager) AddAddress(p LeaseParams) bool {
	if p.Length == 0 {
		p.Length = DefaultAddressLength
	}
	return m.addLease(TypeIA, p)
}

// AddPrefix records a newly delegated prefix, creating the client and
// the PD as needed. Returns false if the prefix is missing or already
// present in that PD.
func (m *Manager) AddPrefix(p LeaseParams) bool {
	return m.addLease(TypePD, p)
}

func (m *Manager) addLease(t AssignmentType, p LeaseParams) bool {
	if !usableAddr(p.Addr) {
		m.logger.Error("attempt to add an unspecified lease address refused",
			zap.String("type", string(t)))
		return false
	}
	addr := cloneIP(p.Addr)

	client := m.ClientByDUID(p.ClientDUID)
	if client == nil {
		m.logger.Debug("creating client record",
			zap.String("duid", p.ClientDUID.String()))
		client = &Client{DUID: p.ClientDUID.Clone()}
		m.AddClient(client)
	}

	a := client.Assignment(t, p.IAID)
	if a == nil {
		m.logger.Debug("creating assignment",
			zap.String("type", string(t)),
			zap.Uint32("iaid", p.IAID),
			zap.String("duid", p.ClientDUID.String()))
		a = &Assignment{
			Type:       t,
			IAID:       p.IAID,
			Ifacename:  p.Ifacename,
			Ifindex:    p.Ifindex,
			ClientDUID: p.ClientDUID.Clone(),
			State:      StateConfigured,
			Timestamp:  m.now(),
		}
		client.AddAssignment(a)
	}

	// Renewals may carry revised timers.
	a.T1 = p.T1
	a.T2 = p.T2

	if a.Lease(addr) != nil {
		m.logger.Warn("lease already present in assignment",
			zap.String("type", string(t)),
			zap.Uint32("iaid", p.IAID),
			zap.String("addr", addr.String()))
		return false
	}

	a.AddLease(&Lease{
		Addr:       addr,
		Pref:       p.Pref,
		Valid:      p.Valid,
		Length:     p.Length,
		AcquiredAt: m.now(),
		Tentative:  TentativeNo,
	})

	if !p.Quiet {
		m.logger.Info("lease added",
			zap.String("type", string(t)),
			zap.String("duid", p.ClientDUID.String()),
			zap.Uint32("iaid", p.IAID),
			zap.String("addr", addr.String()),
			zap.Uint8("length", p.Length),
			zap.Uint32("pref", p.Pref),
			zap.Uint32("valid", p.Valid))
	}
	return true
}

// UpdateAddress refreshes the timers of an already recorded address:
// the IA's timestamp, T1 and T2, and the lease's timestamp, preferred
// and valid lifetimes. Returns false when client, IA or lease is
// missing.
func (m *Manager) UpdateAddress(p LeaseParams) bool {
	return m.updateLease(TypeIA, p)
}

// UpdatePrefix refreshes the timers of an already delegated prefix.
// Returns false when client, PD or prefix is missing.
func (m *Manager) UpdatePrefix(p LeaseParams) bool {
	return m.updateLease(TypePD, p)
}

func (m *Manager) updateLease(t AssignmentType, p LeaseParams) bool {
	if !usableAddr(p.Addr) {
		m.logger.Error("attempt to update an unspecified lease address refused",
			zap.String("type", string(t)))
		return false
	}

	client := m.ClientByDUID(p.ClientDUID)
	if client == nil {
		m.logger.Warn("unable to update lease, no such client",
			zap.String("type", string(t)),
			zap.String("duid", p.ClientDUID.String()))
		return false
	}

	a := client.Assignment(t, p.IAID)
	if a == nil {
		m.logger.Warn("unable to update lease, no such assignment",
			zap.String("type", string(t)),
			zap.Uint32("iaid", p.IAID),
			zap.String("duid", p.ClientDUID.String()))
		return false
	}

	l := a.Lease(p.Addr)
	if l == nil {
		m.logger.Warn("unable to update lease, address not recorded",
			zap.String("type", string(t)),
			zap.Uint32("iaid", p.IAID),
			zap.String("addr", p.Addr.String()))
		return false
	}

	now := m.now()
	a.Timestamp = now
	a.T1 = p.T1
	a.T2 = p.T2
	a.State = StateConfigured

	l.AcquiredAt = now
	l.Pref = p.Pref
	// Historical behaviour kept for snapshot compatibility: renewals
	// clamp the valid lifetime to the preferred one.
	l.Valid = p.Pref

	if !p.Quiet {
		m.logger.Info("lease updated",
			zap.String("type", string(t)),
			zap.String("duid", p.ClientDUID.String()),
			zap.Uint32("iaid", p.IAID),
			zap.String("addr", p.Addr.String()))
	}
	return true
}

// DelAddress removes one address from an IA, cascading to the IA and
// to the client when they become empty (the latter only under
// DeleteEmptyClient). Returns false when client, IA or address is
// missing.
func (m *Manager) DelAddress(clientDUID duid.DUID, iaid uint32, addr net.IP, quiet bool) bool {
	return m.delLease(TypeIA, clientDUID, iaid, addr, quiet)
}

// DelPrefix removes one delegated prefix from a PD, with the same
// cascade as DelAddress.
func (m *Manager) DelPrefix(clientDUID duid.DUID, iaid uint32, prefix net.IP, quiet bool) bool {
	return m.delLease(TypePD, clientDUID, iaid, prefix, quiet)
}

func (m *Manager) delLease(t AssignmentType, clientDUID duid.DUID, iaid uint32, addr net.IP, quiet bool) bool {
	client := m.ClientByDUID(clientDUID)
	if client == nil {
		m.logger.Warn("unable to delete lease, no such client",
			zap.String("type", string(t)),
			zap.String("duid", clientDUID.String()))
		return false
	}

	a := client.Assignment(t, iaid)
	if a == nil {
		m.logger.Warn("unable to delete lease, no such assignment",
			zap.String("type", string(t)),
			zap.Uint32("iaid", iaid),
			zap.String("duid", clientDUID.String()))
		return false
	}

	if !a.DelLease(addr) {
		m.logger.Warn("unable to delete lease, address not recorded",
			zap.String("type", string(t)),
			zap.Uint32("iaid", iaid),
			zap.String("addr", addr.String()))
		return false
	}

	if !quiet {
		m.logger.Info("lease deleted",
			zap.String("type", string(t)),
			zap.String("duid", clientDUID.String()),
			zap.Uint32("iaid", iaid),
			zap.String("addr", addr.String()))
	}

	if len(a.Leases) == 0 {
		m.logger.Debug("assignment empty, removing",
			zap.String("type", string(t)),
			zap.Uint32("iaid", iaid))
		client.DelAssignment(t, iaid)
	}

	if client.Empty() && m.config.DeleteEmptyClient {
		m.logger.Debug("client empty, removing",
			zap.String("duid", clientDUID.String()))
		m.DelClient(clientDUID)
	}
	return true
}

// PrefixIsFree reports whether no client currently holds the given
// delegated prefix.
func (m *Manager) PrefixIsFree(prefix net.IP) bool {
	for _, c := range m.clients {
		for _, a := range c.PD {
			if a.Lease(prefix) != nil {
				return false
			}
		}
	}
	return true
}

// ClientByDUID returns the client with the given DUID, or nil.
func (m *Manager) ClientByDUID(d duid.DUID) *Client {
	for _, c := range m.clients {
		if c.DUID.Equal(d) {
			return c
		}
	}
	return nil
}

// ClientBySPI returns the client with the given IPsec SPI, or nil.
func (m *Manager) ClientBySPI(spi uint32) *Client {
	for _, c := range m.clients {
		if c.SPI == spi {
			return c
		}
	}
	return nil
}

// ClientByLeasedAddr returns the client holding addr in one of its
// non-temporary IAs, or nil.
func (m *Manager) ClientByLeasedAddr(addr net.IP) *Client {
	for _, c := range m.clients {
		for _, a := range c.IA {
			if a.Lease(addr) != nil {
				return c
			}
		}
	}
	return nil
}

// AddClient appends a client, preserving insertion order.
func (m *Manager) AddClient(c *Client) {
	m.clients = append(m.clients, c)
}

// DelClient removes the client with the given DUID. Returns false when
// absent.
func (m *Manager) DelClient(d duid.DUID) bool {
	for i, c := range m.clients {
		if c.DUID.Equal(d) {
			m.clients = append(m.clients[:i], m.clients[i+1:]...)
			return true
		}
	}
	return false
}

// Clients returns the ordered client list. The slice is shared with
// the manager; treat it as read-only.
func (m *Manager) Clients() []*Client {
	return m.clients
}

// CountClients returns the number of known clients.
func (m *Manager) CountClients() int {
	return len(m.clients)
}

// T1Timeout returns seconds until the soonest T1 across the store, or
// NoTimeout on an empty store.
func (m *Manager) T1Timeout() uint32 {
	return m.minTimeout((*Client).T1Timeout)
}

// T2Timeout returns seconds until the soonest T2 across the store.
func (m *Manager) T2Timeout() uint32 {
	return m.minTimeout((*Client).T2Timeout)
}

// PrefTimeout returns seconds until the soonest preferred-lifetime
// expiry across the store.
func (m *Manager) PrefTimeout() uint32 {
	return m.minTimeout((*Client).PrefTimeout)
}

// ValidTimeout returns seconds until the soonest valid-lifetime expiry
// across the store.
func (m *Manager) ValidTimeout() uint32 {
	return m.minTimeout((*Client).ValidTimeout)
}

func (m *Manager) minTimeout(get func(*Client, int64) uint32) uint32 {
	now := m.now()
	ts := uint32(NoTimeout)
	for _, c := range m.clients {
		if t := get(c, now); t < ts {
			ts = t
		}
	}
	return ts
}

// NextReplayDetectionValue increments the replay-detection counter and
// returns the new value. The counter is persisted in the snapshot so it
// stays monotonic across restarts.
func (m *Manager) NextReplayDetectionValue() uint64 {
	m.replayDetection++
	return m.replayDetection
}

// ReplayDetection returns the current counter without advancing it.
func (m *Manager) ReplayDetection() uint64 {
	return m.replayDetection
}

// UpdateInterfacesInfo reconciles every assignment against the current
// interface tables. Records that predate interface names get their name
// filled in from indexToName; named records whose interface changed
// index are updated. Returns false as soon as an assignment refers to
// an interface that no longer exists.
func (m *Manager) UpdateInterfacesInfo(nameToIndex map[string]uint32, indexToName map[uint32]string) bool {
	for _, c := range m.clients {
		for _, a := range c.IA {
			if !m.updateAssignmentIface(a, nameToIndex, indexToName) {
				return false
			}
		}
		for _, a := range c.TA {
			if !m.updateAssignmentIface(a, nameToIndex, indexToName) {
				return false
			}
		}
		for _, a := range c.PD {
			if !m.updateAssignmentIface(a, nameToIndex, indexToName) {
				return false
			}
		}
	}
	return true
}

func (m *Manager) updateAssignmentIface(a *Assignment, nameToIndex map[string]uint32, indexToName map[uint32]string) bool {
	if a.Ifacename == "" {
		// Record written before interface names were stored.
		name, ok := indexToName[a.Ifindex]
		if !ok {
			m.logger.Error("loaded assignment refers to an interface index that is not present",
				zap.Uint32("ifindex", a.Ifindex),
				zap.Uint32("iaid", a.IAID))
			return false
		}
		m.logger.Info("filled in interface name on legacy record",
			zap.Uint32("ifindex", a.Ifindex),
			zap.String("ifacename", name))
		a.Ifacename = name
		return true
	}

	idx, ok := nameToIndex[a.Ifacename]
	if !ok {
		m.logger.Error("loaded assignment refers to an interface that is not present",
			zap.String("ifacename", a.Ifacename),
			zap.Uint32("iaid", a.IAID))
		return false
	}
	if idx != a.Ifindex {
		m.logger.Info("interface index changed since the snapshot was written",
			zap.String("ifacename", a.Ifacename),
			zap.Uint32("old", a.Ifindex),
			zap.Uint32("new", idx))
		a.Ifindex = idx
	}
	return true
}

// Shutdown marks the manager as stopping and writes a final snapshot
// when persistence is configured.
func (m *Manager) Shutdown() error {
	m.done = true
	if m.config.DBPath == "" {
		return nil
	}
	return m.Dump()
}

// Done reports whether Shutdown has been called.
func (m *Manager) Done() bool {
	return m.done
}

// usableAddr rejects nil and all-zero addresses.
func usableAddr(ip net.IP) bool {
	return ip != nil && ip.To16() != nil && !ip.IsUnspecified()
}
