package addrmgr

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
)

// Dump writes the snapshot to Config.DBPath, replacing whatever was
// there.
func (m *Manager) Dump() error {
	return m.DumpFile(m.config.DBPath)
}

// DumpFile writes the snapshot to the given path, truncating any
// previous content.
func (m *Manager) DumpFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create lease database %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := m.encode(w); err != nil {
		f.Close()
		return fmt.Errorf("write lease database %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write lease database %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close lease database %s: %w", path, err)
	}
	m.logger.Debug("lease database written",
		zap.String("path", path),
		zap.Int("clients", len(m.clients)))
	return nil
}

// encode renders the store in the line-oriented tagged-text form the
// loader reads back. One element per line, attributes on the opening
// line, element body on the same line.
func (m *Manager) encode(w io.Writer) error {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriter(w)
		defer bw.Flush()
	}

	fmt.Fprintln(bw, "<AddrMgr>")
	fmt.Fprintf(bw, "  <timestamp>%d</timestamp>\n", uint32(m.now()))
	fmt.Fprintf(bw, "  <replayDetection>%d</replayDetection>\n", m.replayDetection)

	for _, c := range m.clients {
		encodeClient(bw, c)
	}

	fmt.Fprintln(bw, "</AddrMgr>")
	return bw.Flush()
}

func encodeClient(w *bufio.Writer, c *Client) {
	fmt.Fprintln(w, "  <AddrClient>")
	fmt.Fprintf(w, "    <duid>%s</duid>\n", c.DUID.String())
	if len(c.ReconfigureKey) > 0 {
		fmt.Fprintf(w, "    <ReconfigureKey>%s</ReconfigureKey>\n",
			hex.EncodeToString(c.ReconfigureKey))
	}
	for _, a := range c.IA {
		encodeAssignment(w, a, "AddrIA", "AddrAddr", "prefix")
	}
	for _, a := range c.TA {
		encodeAssignment(w, a, "AddrTA", "AddrAddr", "prefix")
	}
	for _, a := range c.PD {
		encodeAssignment(w, a, "AddrPD", "AddrPrefix", "length")
	}
	fmt.Fprintln(w, "  </AddrClient>")
}

func encodeAssignment(w *bufio.Writer, a *Assignment, tag, leaseTag, lengthAttr string) {
	fmt.Fprintf(w, "    <%s T1=\"%d\" T2=\"%d\" IAID=\"%d\" iface=\"%d\" ifacename=\"%s\"",
		tag, a.T1, a.T2, a.IAID, a.Ifindex, a.Ifacename)
	if a.Unicast != nil {
		fmt.Fprintf(w, " unicast=\"%s\"", a.Unicast.String())
	}
	fmt.Fprintln(w, ">")

	if !a.ClientDUID.Empty() {
		fmt.Fprintf(w, "      <duid>%s</duid>\n", a.ClientDUID.String())
	}
	if a.FQDNServer != nil {
		fmt.Fprintf(w, "      <fqdnDnsServer>%s</fqdnDnsServer>\n", a.FQDNServer.String())
	}
	if a.FQDN != nil {
		used := "FALSE"
		if a.FQDN.Used {
			used = "TRUE"
		}
		fmt.Fprintf(w, "      <fqdn duid=\"%s\" used=\"%s\">%s</fqdn>\n",
			a.FQDN.DUID.String(), used, a.FQDN.Name)
	}
	for _, l := range a.Leases {
		fmt.Fprintf(w, "      <%s timestamp=\"%d\" pref=\"%d\" valid=\"%d\" %s=\"%d\">%s</%s>\n",
			leaseTag, uint32(l.AcquiredAt), l.Pref, l.Valid, lengthAttr, l.Length,
			l.Addr.String(), leaseTag)
	}
	fmt.Fprintf(w, "    </%s>\n", tag)
}
