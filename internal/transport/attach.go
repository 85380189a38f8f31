package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/CloudNativeWorks/elchi-ota/pkg/logger"
	"github.com/vishvananda/netlink"
)

// Attacher brings the device onto the packet network before any
// connection is made.
type Attacher interface {
	// Attach returns the local address traffic should leave from, or the
	// zero Addr when any route will do.
	Attach(ctx context.Context) (netip.Addr, error)
	Detach() error
}

// NetlinkAttacher checks that the modem's network interface is up and
// holds an IPv4 address. Dialing the APN is done by the modem manager.
type NetlinkAttacher struct {
	iface string
	apn   string
	log   *logger.Logger

	linkByName func(name string) (netlink.Link, error)
	addrList   func(link netlink.Link, family int) ([]netlink.Addr, error)
}

func NewNetlinkAttacher(iface, apn string) *NetlinkAttacher {
	return &NetlinkAttacher{
		iface:      iface,
		apn:        apn,
		log:        logger.NewLogger("transport"),
		linkByName: netlink.LinkByName,
		addrList:   netlink.AddrList,
	}
}

func (a *NetlinkAttacher) Attach(ctx context.Context) (netip.Addr, error) {
	if err := ctx.Err(); err != nil {
		return netip.Addr{}, err
	}

	link, err := a.linkByName(a.iface)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: interface %s: %v", ErrNetworkUnavailable, a.iface, err)
	}

	if link.Attrs().Flags&net.FlagUp == 0 {
		return netip.Addr{}, fmt.Errorf("%w: interface %s is down", ErrNetworkUnavailable, a.iface)
	}

	addrs, err := a.addrList(link, netlink.FAMILY_V4)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: list addresses of %s: %v", ErrNetworkUnavailable, a.iface, err)
	}

	for _, addr := range addrs {
		if addr.IPNet == nil {
			continue
		}
		if ip, ok := netip.AddrFromSlice(addr.IP.To4()); ok {
			a.log.WithFields(logger.Fields{
				"interface": a.iface,
				"apn":       a.apn,
				"address":   ip.String(),
			}).Info("Network attached")
			return ip, nil
		}
	}

	return netip.Addr{}, fmt.Errorf("%w: interface %s has no IPv4 address", ErrNetworkUnavailable, a.iface)
}

// Detach is a no-op; the modem manager owns the bearer.
func (a *NetlinkAttacher) Detach() error {
	a.log.Debugf("Released interface %s", a.iface)
	return nil
}
