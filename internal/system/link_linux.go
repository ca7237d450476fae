//go:build linux

package system

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// NetlinkLink talks to the kernel over rtnetlink.
type NetlinkLink struct{}

func NewLink() Link {
	return NetlinkLink{}
}

func (NetlinkLink) Up(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return &InterfaceError{Interface: name, Err: errors.New("interface does not exist")}
		}
		return &InterfaceError{Interface: name, Err: err}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return &InterfaceError{Interface: name, Err: err}
	}
	return nil
}

func (NetlinkLink) DefaultGateway(name string) (net.IP, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, &InterfaceError{Interface: name, Err: err}
	}

	routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4,
		&netlink.Route{LinkIndex: link.Attrs().Index},
		netlink.RT_FILTER_OIF)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes for %s: %w", name, err)
	}

	for _, route := range routes {
		if route.Gw != nil && isDefault(route.Dst) {
			return route.Gw, nil
		}
	}
	return nil, ErrNoGateway
}

// isDefault reports whether dst is the default destination. Kernels report it
// either as nil or as 0.0.0.0/0.
func isDefault(dst *net.IPNet) bool {
	if dst == nil {
		return true
	}
	ones, _ := dst.Mask.Size()
	return ones == 0
}
