package addrmgr

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/addr6/pkg/duid"
)

// Load reads the snapshot at Config.DBPath. A missing file is not an
// error: the node simply starts with an empty database.
func (m *Manager) Load() error {
	if m.config.DBPath == "" {
		return nil
	}
	return m.LoadFile(m.config.DBPath)
}

// LoadFile reads a snapshot from the given path. On a truncated file
// the clients parsed before the cut are kept and an error is returned.
func (m *Manager) LoadFile(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		m.logger.Warn("lease database not found, starting empty",
			zap.String("path", path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("open lease database %s: %w", path, err)
	}
	defer f.Close()

	if err := m.decode(f); err != nil {
		return fmt.Errorf("load lease database %s: %w", path, err)
	}
	m.logger.Info("lease database loaded",
		zap.String("path", path),
		zap.Int("clients", len(m.clients)))
	return nil
}

// decode runs the line state machine over the snapshot. The format is
// read leniently: attributes are located by substring, unknown lines
// are ignored, and a lease that fails validation is dropped rather
// than failing the whole load.
func (m *Manager) decode(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "<timestamp>"):
			if body, ok := tagBody(line, "timestamp"); ok {
				if v, err := strconv.ParseUint(body, 10, 32); err == nil {
					m.logger.Debug("lease database age",
						zap.Int64("seconds", m.now()-int64(v)))
				}
			}
		case strings.HasPrefix(line, "<replayDetection>"):
			if body, ok := tagBody(line, "replayDetection"); ok {
				if v, err := strconv.ParseUint(body, 10, 64); err == nil {
					m.replayDetection = v
				}
			}
		case strings.HasPrefix(line, "<AddrClient>"):
			c, err := m.decodeClient(sc)
			if c != nil {
				if c.Empty() {
					m.logger.Debug("client with no usable leases not retained",
						zap.String("duid", c.DUID.String()))
				} else {
					m.clients = append(m.clients, c)
				}
			}
			if err != nil {
				return err
			}
		case line == "</AddrMgr>":
			return sc.Err()
		}
	}
	return sc.Err()
}

func (m *Manager) decodeClient(sc *bufio.Scanner) (*Client, error) {
	c := &Client{}
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "</AddrClient>":
			return c, nil

		case strings.HasPrefix(line, "<duid"):
			if body, ok := tagBody(line, "duid"); ok {
				d, err := duid.Parse(body)
				if err != nil {
					m.logger.Warn("unparsable client DUID in lease database",
						zap.String("text", body))
					continue
				}
				c.DUID = d
			}

		case strings.HasPrefix(line, "<ReconfigureKey"):
			if body, ok := tagBody(line, "ReconfigureKey"); ok {
				key, err := hex.DecodeString(strings.ReplaceAll(body, ":", ""))
				if err != nil {
					m.logger.Warn("unparsable reconfigure key in lease database",
						zap.String("duid", c.DUID.String()))
					continue
				}
				c.ReconfigureKey = key
			}

		case strings.HasPrefix(line, "<AddrIA"):
			a, err := m.decodeAssignment(sc, line, TypeIA)
			m.attachAssignment(c, a)
			if err != nil {
				return c, err
			}

		case strings.HasPrefix(line, "<AddrPD"):
			a, err := m.decodeAssignment(sc, line, TypePD)
			m.attachAssignment(c, a)
			if err != nil {
				return c, err
			}

		case strings.HasPrefix(line, "<AddrTA"):
			// Temporary addresses are not restored across restarts.
			if err := skipBlock(sc, "</AddrTA>"); err != nil {
				return c, err
			}
		}
	}
	return c, fmt.Errorf("unexpected end of lease database inside <AddrClient>")
}

func (m *Manager) attachAssignment(c *Client, a *Assignment) {
	if a == nil {
		return
	}
	if len(a.Leases) == 0 {
		m.logger.Debug("assignment with no usable leases not retained",
			zap.String("type", string(a.Type)),
			zap.Uint32("iaid", a.IAID))
		return
	}
	if a.ClientDUID.Empty() {
		a.ClientDUID = c.DUID.Clone()
	}
	c.AddAssignment(a)
}

// decodeAssignment parses one <AddrIA> or <AddrPD> block, starting
// from its already-read opening line. Loaded assignments enter the
// confirm-me state: their leases must be re-validated with the server
// before use.
func (m *Manager) decodeAssignment(sc *bufio.Scanner, open string, t AssignmentType) (*Assignment, error) {
	a := &Assignment{
		Type:      t,
		State:     StateConfirmMe,
		Timestamp: m.now(),
	}
	a.T1, _ = attrUint(open, "T1")
	a.T2, _ = attrUint(open, "T2")
	a.IAID, _ = attrUint(open, "IAID")
	a.Ifindex, _ = attrUint(open, "iface")
	a.Ifacename = attrString(open, "ifacename")
	if u := attrString(open, "unicast"); u != "" {
		if ip := net.ParseIP(u); ip != nil {
			a.Unicast = cloneIP(ip)
		}
	}

	closeTag := "</AddrIA>"
	leaseTag := "<AddrAddr"
	verify := m.config.VerifyAddress
	if t == TypePD {
		closeTag = "</AddrPD>"
		leaseTag = "<AddrPrefix"
		verify = m.config.VerifyPrefix
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == closeTag:
			a.RefreshTentative()
			return a, nil

		case strings.HasPrefix(line, "<fqdnDnsServer"):
			if body, ok := tagBody(line, "fqdnDnsServer"); ok {
				if ip := net.ParseIP(body); ip != nil {
					a.FQDNServer = cloneIP(ip)
				}
			}

		case strings.HasPrefix(line, "<fqdn"):
			if body, ok := tagBody(line, "fqdn"); ok {
				fq := &FQDN{
					Name: body,
					Used: strings.EqualFold(attrString(line, "used"), "TRUE"),
				}
				if d, err := duid.Parse(attrString(line, "duid")); err == nil {
					fq.DUID = d
				}
				a.FQDN = fq
			}

		case strings.HasPrefix(line, "<duid"):
			if body, ok := tagBody(line, "duid"); ok {
				if d, err := duid.Parse(body); err == nil {
					a.ClientDUID = d
				}
			}

		case strings.HasPrefix(line, leaseTag):
			l := m.decodeLease(line, t)
			if l == nil {
				continue
			}
			if verify != nil && !verify(l.Addr) {
				m.logger.Debug("loaded lease no longer admissible, dropped",
					zap.String("type", string(t)),
					zap.String("addr", l.Addr.String()))
				continue
			}
			l.Tentative = TentativeNo
			a.AddLease(l)
			a.Timestamp = l.AcquiredAt
		}
	}
	return nil, fmt.Errorf("unexpected end of lease database inside <Addr%s> block", string(t))
}

// decodeLease parses an <AddrAddr> or <AddrPrefix> line. A lease with
// a zero timestamp, preferred or valid lifetime, or an unparsable
// address, is dropped.
func (m *Manager) decodeLease(line string, t AssignmentType) *Lease {
	ts, _ := attrUint(line, "timestamp")
	pref, _ := attrUint(line, "pref")
	valid, _ := attrUint(line, "valid")

	var length uint32
	var hasLength bool
	if t == TypePD {
		length, hasLength = attrUint(line, "length")
	} else {
		length, hasLength = attrUint(line, "prefix")
	}
	if !hasLength || length == 0 || length > 128 {
		length = defaultOnLinkLength
	}

	tag := "AddrAddr"
	if t == TypePD {
		tag = "AddrPrefix"
	}
	body, ok := tagBody(line, tag)
	if !ok {
		m.logger.Warn("malformed lease line in database", zap.String("line", line))
		return nil
	}
	ip := net.ParseIP(body)
	if ip == nil || ip.To16() == nil {
		m.logger.Debug("unparsable lease address in database dropped",
			zap.String("text", body))
		return nil
	}
	if ts == 0 || pref == 0 || valid == 0 {
		m.logger.Debug("lease with zero lifetime or timestamp dropped",
			zap.String("addr", ip.String()))
		return nil
	}

	return &Lease{
		Addr:       cloneIP(ip),
		Pref:       pref,
		Valid:      valid,
		Length:     uint8(length),
		AcquiredAt: int64(ts),
		Tentative:  TentativeUnknown,
	}
}

func skipBlock(sc *bufio.Scanner, closeTag string) error {
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == closeTag {
			return nil
		}
	}
	return fmt.Errorf("unexpected end of lease database inside %s block", closeTag)
}

// attrUint locates NAME= in the line and parses the digit run that
// follows, skipping an optional quote. Attributes are found by
// substring on purpose: files written by older builds vary in quoting
// and ordering.
func attrUint(line, name string) (uint32, bool) {
	i := strings.Index(line, name+"=")
	if i < 0 {
		return 0, false
	}
	s := strings.TrimLeft(line[i+len(name)+1:], " \t\"'")
	j := 0
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	if j == 0 {
		return 0, false
	}
	v, err := strconv.ParseUint(s[:j], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// attrString returns the double-quoted value of NAME="..." or "".
func attrString(line, name string) string {
	i := strings.Index(line, name+"=\"")
	if i < 0 {
		return ""
	}
	s := line[i+len(name)+2:]
	if j := strings.IndexByte(s, '"'); j >= 0 {
		return s[:j]
	}
	return ""
}

// tagBody returns the text between the opening tag's '>' and the
// closing </tag on the same line.
func tagBody(line, tag string) (string, bool) {
	i := strings.IndexByte(line, '>')
	if i < 0 {
		return "", false
	}
	rest := line[i+1:]
	j := strings.Index(rest, "</"+tag)
	if j < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:j]), true
}
