package ess

import (
	"net"
	"slices"
)

// GlobalBroadcast is used when no interface broadcast address is found.
const GlobalBroadcast = "255.255.255.255"

// BroadcastAddresses returns the IPv4 broadcast address of every interface
// that is up and not a loopback or point-to-point link.
func BroadcastAddresses() []string {
	seen := map[string]struct{}{}
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				ipnet, ok := a.(*net.IPNet)
				if !ok {
					continue
				}
				if b := broadcastFor(ipnet); b != "" {
					seen[b] = struct{}{}
				}
			}
		}
	}
	if len(seen) == 0 {
		return []string{GlobalBroadcast}
	}
	out := make([]string, 0, len(seen))
	for b := range seen {
		out = append(out, b)
	}
	slices.Sort(out)
	return out
}

// broadcastFor returns the broadcast address of an IPv4 network, or "" for
// IPv6, loopback and /32 (VPN style) networks.
func broadcastFor(ipnet *net.IPNet) string {
	ip := ipnet.IP.To4()
	if ip == nil || ip.IsLoopback() {
		return ""
	}
	mask := ipnet.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if len(mask) != net.IPv4len {
		return ""
	}
	if ones, bits := mask.Size(); ones == bits {
		return ""
	}
	b := make(net.IP, net.IPv4len)
	for i := range b {
		b[i] = ip[i] | ^mask[i]
	}
	return b.String()
}
