package addrmgr

import (
	"math"
	"net"

	"github.com/codelaboratoryltd/addr6/pkg/duid"
)

// NoTimeout is the sentinel returned by timeout accessors when nothing
// in the store is waiting on a timer.
const NoTimeout = math.MaxUint32

// defaultOnLinkLength is assumed for address leases whose snapshot entry
// predates the explicit prefix attribute.
const defaultOnLinkLength = 64

// DefaultAddressLength is the prefix length recorded for a non-temporary
// address lease when the caller does not supply one.
const DefaultAddressLength = 128

// Tentative tracks whether a lease has been re-validated with the server
// after a restart.
type Tentative string

const (
	TentativeYes     Tentative = "yes"
	TentativeNo      Tentative = "no"
	TentativeUnknown Tentative = "unknown"
)

// State is the lifecycle state of an assignment.
type State string

const (
	StateNotConfigured State = "not-configured"
	StateInProgress    State = "in-progress"
	StateConfigured    State = "configured"
	StateConfirmMe     State = "confirm-me"
	StateExpired       State = "expired"
)

// AssignmentType distinguishes the three identity-association kinds.
type AssignmentType string

const (
	TypeIA AssignmentType = "IA" // non-temporary addresses
	TypeTA AssignmentType = "TA" // temporary addresses
	TypePD AssignmentType = "PD" // delegated prefixes
)

// FQDN is the fully qualified domain name negotiated for an assignment,
// together with the DUID it was registered for.
type FQDN struct {
	DUID duid.DUID
	Name string
	Used bool
}

// Lease is a single address or delegated prefix with its lifetimes.
// Length is the on-link prefix length for addresses and the delegation
// length for prefixes. AcquiredAt is unix seconds (stored as u32 in the
// snapshot; kept as int64 in memory).
type Lease struct {
	Addr       net.IP
	Pref       uint32
	Valid      uint32
	Length     uint8
	AcquiredAt int64
	Tentative  Tentative
}

// PrefTimeout returns seconds until the preferred lifetime expires, or 0
// if it already has.
func (l *Lease) PrefTimeout(now int64) uint32 {
	return remaining(l.AcquiredAt, l.Pref, now)
}

// ValidTimeout returns seconds until the valid lifetime expires, or 0 if
// it already has.
func (l *Lease) ValidTimeout(now int64) uint32 {
	return remaining(l.AcquiredAt, l.Valid, now)
}

func remaining(acquired int64, lifetime uint32, now int64) uint32 {
	end := acquired + int64(lifetime)
	if end <= now {
		return 0
	}
	d := end - now
	if d > int64(NoTimeout) {
		return NoTimeout
	}
	return uint32(d)
}

// Assignment is one identity association (IA, TA or PD): a bound set of
// leases under a single IAID, scoped to one interface.
//
// ClientDUID is an informational value copy of the owning client's DUID
// so an assignment stays self-describing when handed around; it is never
// used to locate the client.
type Assignment struct {
	Type       AssignmentType
	IAID       uint32
	Ifacename  string
	Ifindex    uint32
	T1         uint32
	T2         uint32
	ClientDUID duid.DUID
	Unicast    net.IP
	FQDN       *FQDN
	FQDNServer net.IP
	State      State
	Tentative  Tentative

	// Timestamp is when the T1/T2 clocks last started (unix seconds).
	Timestamp int64

	Leases []*Lease
}

// Lease returns the lease whose address bytes equal addr, or nil.
func (a *Assignment) Lease(addr net.IP) *Lease {
	for _, l := range a.Leases {
		if ipEqual(l.Addr, addr) {
			return l
		}
	}
	return nil
}

// AddLease appends a lease, preserving insertion order.
func (a *Assignment) AddLease(l *Lease) {
	a.Leases = append(a.Leases, l)
}

// DelLease removes the lease matching addr. Returns false when no lease
// matches.
func (a *Assignment) DelLease(addr net.IP) bool {
	for i, l := range a.Leases {
		if ipEqual(l.Addr, addr) {
			a.Leases = append(a.Leases[:i], a.Leases[i+1:]...)
			return true
		}
	}
	return false
}

// T1Timeout returns seconds until T1 fires, measured from Timestamp.
func (a *Assignment) T1Timeout(now int64) uint32 {
	return remaining(a.Timestamp, a.T1, now)
}

// T2Timeout returns seconds until T2 fires, measured from Timestamp.
func (a *Assignment) T2Timeout(now int64) uint32 {
	return remaining(a.Timestamp, a.T2, now)
}

// PrefTimeout returns the smallest preferred-lifetime timeout across the
// assignment's leases.
func (a *Assignment) PrefTimeout(now int64) uint32 {
	ts := uint32(NoTimeout)
	for _, l := range a.Leases {
		if t := l.PrefTimeout(now); t < ts {
			ts = t
		}
	}
	return ts
}

// ValidTimeout returns the smallest valid-lifetime timeout across the
// assignment's leases.
func (a *Assignment) ValidTimeout(now int64) uint32 {
	ts := uint32(NoTimeout)
	for _, l := range a.Leases {
		if t := l.ValidTimeout(now); t < ts {
			ts = t
		}
	}
	return ts
}

// RefreshTentative recomputes the assignment-level tentative flag from
// its leases: yes if any lease is tentative, unknown if any is still
// undecided, no otherwise.
func (a *Assignment) RefreshTentative() {
	state := TentativeNo
	for _, l := range a.Leases {
		switch l.Tentative {
		case TentativeYes:
			a.Tentative = TentativeYes
			return
		case TentativeUnknown:
			state = TentativeUnknown
		}
	}
	a.Tentative = state
}

// Client is one known peer: a DUID plus its ordered assignment lists.
type Client struct {
	DUID           duid.DUID
	SPI            uint32
	ReconfigureKey []byte

	IA []*Assignment
	TA []*Assignment
	PD []*Assignment
}

// Assignment returns the assignment of the given type with the given
// IAID, or nil.
func (c *Client) Assignment(t AssignmentType, iaid uint32) *Assignment {
	for _, a := range c.list(t) {
		if a.IAID == iaid {
			return a
		}
	}
	return nil
}

// AddAssignment appends to the list matching a.Type.
func (c *Client) AddAssignment(a *Assignment) {
	switch a.Type {
	case TypeIA:
		c.IA = append(c.IA, a)
	case TypeTA:
		c.TA = append(c.TA, a)
	case TypePD:
		c.PD = append(c.PD, a)
	}
}

// DelAssignment removes the assignment of the given type with the given
// IAID. Returns false when absent.
func (c *Client) DelAssignment(t AssignmentType, iaid uint32) bool {
	lst := c.list(t)
	for i, a := range lst {
		if a.IAID == iaid {
			lst = append(lst[:i], lst[i+1:]...)
			c.setList(t, lst)
			return true
		}
	}
	return false
}

// Empty reports whether the client holds no assignments at all.
func (c *Client) Empty() bool {
	return len(c.IA) == 0 && len(c.TA) == 0 && len(c.PD) == 0
}

func (c *Client) list(t AssignmentType) []*Assignment {
	switch t {
	case TypeIA:
		return c.IA
	case TypeTA:
		return c.TA
	case TypePD:
		return c.PD
	}
	return nil
}

func (c *Client) setList(t AssignmentType, lst []*Assignment) {
	switch t {
	case TypeIA:
		c.IA = lst
	case TypeTA:
		c.TA = lst
	case TypePD:
		c.PD = lst
	}
}

func (c *Client) forEachAssignment(fn func(*Assignment)) {
	for _, a := range c.IA {
		fn(a)
	}
	for _, a := range c.TA {
		fn(a)
	}
	for _, a := range c.PD {
		fn(a)
	}
}

// T1Timeout returns the smallest T1 timeout across all assignments.
func (c *Client) T1Timeout(now int64) uint32 {
	return c.minTimeout(func(a *Assignment) uint32 { return a.T1Timeout(now) })
}

// T2Timeout returns the smallest T2 timeout across all assignments.
func (c *Client) T2Timeout(now int64) uint32 {
	return c.minTimeout(func(a *Assignment) uint32 { return a.T2Timeout(now) })
}

// PrefTimeout returns the smallest preferred-lifetime timeout across all
// leases of all assignments.
func (c *Client) PrefTimeout(now int64) uint32 {
	return c.minTimeout(func(a *Assignment) uint32 { return a.PrefTimeout(now) })
}

// ValidTimeout returns the smallest valid-lifetime timeout across all
// leases of all assignments.
func (c *Client) ValidTimeout(now int64) uint32 {
	return c.minTimeout(func(a *Assignment) uint32 { return a.ValidTimeout(now) })
}

func (c *Client) minTimeout(get func(*Assignment) uint32) uint32 {
	ts := uint32(NoTimeout)
	c.forEachAssignment(func(a *Assignment) {
		if t := get(a); t < ts {
			ts = t
		}
	})
	return ts
}

// ipEqual compares two IPs by their 16-byte form.
func ipEqual(a, b net.IP) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Equal(b)
}

// cloneIP returns an independent 16-byte copy, or nil.
func cloneIP(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return nil
	}
	dup := make(net.IP, net.IPv6len)
	copy(dup, v6)
	return dup
}
