package safety

import "net/netip"

var blockedV4 = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"224.0.0.0/4",
)

var uniqueLocalV6 = netip.MustParsePrefix("fc00::/7")

// IsBlockedAddr reports whether addr is loopback, private, link-local, multicast or otherwise reserved.
// IPv4-mapped IPv6 addresses are checked against the IPv4 ranges.
func IsBlockedAddr(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.Unmap()
	if addr.Is4() {
		for _, p := range blockedV4 {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}
	return addr.IsLoopback() ||
		addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		uniqueLocalV6.Contains(addr)
}

func mustPrefixes(raw ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(raw))
	for _, r := range raw {
		out = append(out, netip.MustParsePrefix(r))
	}
	return out
}
