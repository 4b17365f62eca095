//go:build linux

package ifinfo

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// Current returns the interface tables of the running system.
func Current() (Tables, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return Tables{}, fmt.Errorf("list links: %w", err)
	}
	t := New()
	for _, link := range links {
		attrs := link.Attrs()
		t.Add(attrs.Name, uint32(attrs.Index))
	}
	return t, nil
}
