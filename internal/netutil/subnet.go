package netutil

import (
	"errors"
	"net"
	"sort"
	"strings"
)

// InterfaceSeeds returns the IPv4 addresses of local non-loopback interfaces.
// These seed auto-detected scan subnets.
func InterfaceSeeds() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []net.IP
	for _, a := range addrs {
		var ip net.IP
		switch x := a.(type) {
		case *net.IPNet:
			ip = x.IP
		case *net.IPAddr:
			ip = x.IP
		}
		ip = ip.To4()
		if ip == nil || ip.IsLoopback() {
			continue
		}
		out = append(out, ip)
	}
	return out
}

// EnumerateTargets expands seed addresses into the usable /24 host ranges around
// them. Each seed collapses to its first three octets; duplicate prefixes are
// scanned once, loopback seeds never. When both seed sets are empty the local
// interfaces are used regardless of autoDetect, so a fresh install still scans
// something.
func EnumerateTargets(custom []net.IP, autoDetect bool) []net.IP {
	seeds := make([]net.IP, 0, len(custom)+4)
	seeds = append(seeds, custom...)
	if autoDetect || len(custom) == 0 {
		seeds = append(seeds, InterfaceSeeds()...)
	}

	prefixes := map[[3]byte]struct{}{}
	order := make([][3]byte, 0, len(seeds))
	for _, s := range seeds {
		ip := s.To4()
		if ip == nil || ip.IsLoopback() {
			continue
		}
		p := [3]byte{ip[0], ip[1], ip[2]}
		if _, seen := prefixes[p]; seen {
			continue
		}
		prefixes[p] = struct{}{}
		order = append(order, p)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		for k := 0; k < 3; k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})

	out := make([]net.IP, 0, len(order)*254)
	for _, p := range order {
		// network+1 .. broadcast-1 under /24
		for host := byte(1); host <= 254; host++ {
			out = append(out, net.IPv4(p[0], p[1], p[2], host).To4())
		}
	}
	return out
}

// SeedTargets expands one stored seed into scan targets. A plain IPv4 address
// sweeps its /24; CIDR and A-B range specs enumerate exactly the hosts they
// name, so a seed can cover more or less than a /24.
func SeedTargets(seed string) []net.IP {
	seed = strings.TrimSpace(seed)
	if ip := net.ParseIP(seed); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return EnumerateTargets([]net.IP{v4}, false)
		}
		return nil
	}
	return ExpandSpec(seed)
}

// ValidateSeed rejects seeds SeedTargets could not expand: non-IPv4 addresses,
// malformed specs, and specs naming zero hosts.
func ValidateSeed(seed string) error {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return errors.New("empty seed")
	}
	if ip := net.ParseIP(seed); ip != nil {
		if ip.To4() == nil {
			return &net.ParseError{Type: "IPv4 address", Text: seed}
		}
		return nil
	}
	pr := PreviewSpec(seed)
	if !pr.Valid {
		return errors.New(pr.Error)
	}
	if pr.TotalHosts == 0 {
		return errors.New("seed names no hosts")
	}
	return nil
}

// Dedupe drops repeated addresses keeping first-seen order. Merged target
// lists (seed sweeps plus DHCP leases) must name each host once.
func Dedupe(ips []net.IP) []net.IP {
	seen := make(map[[4]byte]struct{}, len(ips))
	out := make([]net.IP, 0, len(ips))
	for _, ip := range ips {
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		k := [4]byte{v4[0], v4[1], v4[2], v4[3]}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v4)
	}
	return out
}
