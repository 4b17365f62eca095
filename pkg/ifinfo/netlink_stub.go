//go:build !linux

package ifinfo

import (
	"fmt"
	"net"
)

// Current returns the interface tables of the running system.
func Current() (Tables, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return Tables{}, fmt.Errorf("list interfaces: %w", err)
	}
	t := New()
	for _, iface := range ifs {
		t.Add(iface.Name, uint32(iface.Index))
	}
	return t, nil
}
