package netutil

import (
	"fmt"
	"net"
	"strings"
)

type SpecPreview struct {
	Valid      bool     `json:"valid"`
	Error      string   `json:"error,omitempty"`
	Spec       string   `json:"spec,omitempty"`
	TotalHosts int      `json:"total_hosts"`
	First      string   `json:"first,omitempty"`
	Last       string   `json:"last,omitempty"`
	Samples    []string `json:"samples,omitempty"`
}

// PreviewSpec supports:
// - CIDR: "10.10.0.0/16"
// - Range: "10.10.1.10-10.10.1.200"
// - Multi: comma/newline separated mix of the above
func PreviewSpec(spec string) SpecPreview {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return SpecPreview{Valid: false, Error: "empty"}
	}

	var total int
	var first, last net.IP
	samples := []string{}

	for _, p := range SplitSpec(spec) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.Contains(p, "/") {
			pr := previewCIDR(p)
			if !pr.Valid {
				return SpecPreview{Valid: false, Error: pr.Error}
			}
			if pr.TotalHosts == 0 {
				continue
			}
			total += pr.TotalHosts
			f := net.ParseIP(pr.First).To4()
			l := net.ParseIP(pr.Last).To4()
			if first == nil || bytesLE(f, first) {
				first = f
			}
			if last == nil || bytesLE(last, l) {
				last = l
			}
			samples = append(samples, pr.Samples...)
			continue
		}

		a, b, err := parseRange(p)
		if err != nil {
			return SpecPreview{Valid: false, Error: err.Error()}
		}
		n := distance4(a, b) + 1
		if n <= 0 {
			continue
		}
		total += n
		if first == nil || bytesLE(a, first) {
			first = a
		}
		if last == nil || bytesLE(last, b) {
			last = b
		}
		samples = append(samples, a.String(), b.String())
	}

	out := SpecPreview{Valid: true, Spec: spec, TotalHosts: total}
	if first != nil {
		out.First = first.String()
	}
	if last != nil {
		out.Last = last.String()
	}
	out.Samples = shrinkSamples(samples)
	return out
}

// ExpandSpec enumerates every host address a spec names (CIDR hosts exclude
// network/broadcast). Invalid parts are skipped, matching scan semantics where a
// bad fragment must not abort the rest.
func ExpandSpec(spec string) []net.IP {
	var out []net.IP
	for _, p := range SplitSpec(spec) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.Contains(p, "/") {
			_, ipnet, err := net.ParseCIDR(p)
			if err != nil {
				continue
			}
			out = append(out, enumerateIPv4(ipnet)...)
			continue
		}
		a, b, err := parseRange(p)
		if err != nil {
			continue
		}
		cur := make(net.IP, 4)
		copy(cur, a)
		for {
			cp := make(net.IP, 4)
			copy(cp, cur)
			out = append(out, cp)
			if equal4(cur, b) {
				break
			}
			inc4(cur)
		}
	}
	return out
}

func previewCIDR(cidr string) SpecPreview {
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		return SpecPreview{Valid: false, Error: err.Error()}
	}
	if n.IP.To4() == nil {
		return SpecPreview{Valid: false, Error: "only IPv4 is supported for discovery"}
	}
	hosts := enumerateIPv4(n)
	if len(hosts) == 0 {
		return SpecPreview{Valid: true, Spec: cidr, TotalHosts: 0}
	}
	out := SpecPreview{
		Valid:      true,
		Spec:       cidr,
		TotalHosts: len(hosts),
		First:      hosts[0].String(),
		Last:       hosts[len(hosts)-1].String(),
	}
	out.Samples = []string{out.First, out.Last}
	return out
}

func enumerateIPv4(n *net.IPNet) []net.IP {
	// IPv4 only: miner farms run IPv4.
	ip := n.IP.To4()
	if ip == nil {
		return nil
	}
	mask := net.IP(n.Mask).To4()
	if mask == nil {
		return nil
	}

	network := ip.Mask(n.Mask)
	broadcast := make(net.IP, len(network))
	for i := 0; i < 4; i++ {
		broadcast[i] = network[i] | ^mask[i]
	}

	start := make(net.IP, len(network))
	copy(start, network)
	inc4(start)

	end := make(net.IP, len(broadcast))
	copy(end, broadcast)
	dec4(end)

	if bytesLE(end, start) {
		return nil
	}

	var out []net.IP
	cur := make(net.IP, len(start))
	copy(cur, start)
	for {
		cp := make(net.IP, len(cur))
		copy(cp, cur)
		out = append(out, cp)
		if equal4(cur, end) {
			break
		}
		inc4(cur)
	}
	return out
}

func parseRange(spec string) (net.IP, net.IP, error) {
	parts := strings.Split(spec, "-")
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("bad range %q, want A-B", spec)
	}
	a := net.ParseIP(strings.TrimSpace(parts[0])).To4()
	b := net.ParseIP(strings.TrimSpace(parts[1])).To4()
	if a == nil || b == nil {
		return nil, nil, fmt.Errorf("bad IPv4 range %q", spec)
	}
	if bytesLE(b, a) && !equal4(a, b) {
		return nil, nil, fmt.Errorf("range %q ends before it starts", spec)
	}
	return a, b, nil
}

func SplitSpec(spec string) []string {
	spec = strings.ReplaceAll(spec, "\n", ",")
	spec = strings.ReplaceAll(spec, "\r", ",")
	return strings.Split(spec, ",")
}

func shrinkSamples(in []string) []string {
	if len(in) <= 9 {
		return in
	}
	out := []string{}
	out = append(out, in[:3]...)
	out = append(out, "…")
	out = append(out, in[len(in)-3:]...)
	return out
}

func inc4(ip net.IP) {
	for i := 3; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}
func dec4(ip net.IP) {
	for i := 3; i >= 0; i-- {
		ip[i]--
		if ip[i] != 255 {
			return
		}
	}
}
func equal4(a, b net.IP) bool {
	return a[0] == b[0] && a[1] == b[1] && a[2] == b[2] && a[3] == b[3]
}
func bytesLE(a, b net.IP) bool {
	for i := 0; i < 4; i++ {
		if a[i] < b[i] {
			return true
		}
		if a[i] > b[i] {
			return false
		}
	}
	return false
}
func distance4(a, b net.IP) int {
	ai := int(a[0])<<24 | int(a[1])<<16 | int(a[2])<<8 | int(a[3])
	bi := int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])
	if bi < ai {
		return 0
	}
	return bi - ai
}
