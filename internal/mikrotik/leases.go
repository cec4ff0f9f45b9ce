// Package mikrotik reads DHCP leases from a RouterOS device so farms behind a
// MikroTik router can feed lease addresses into discovery scans without waiting
// on a full subnet sweep.
package mikrotik

import (
	"net"
	"strings"
	"time"

	"github.com/go-routeros/routeros/v3"
)

type Lease struct {
	IP       net.IP
	MAC      string
	Hostname string
	Status   string
	Dynamic  bool
}

type Config struct {
	Address  string
	Username string
	Password string
	Timeout  time.Duration
}

type Client struct {
	c *routeros.Client
}

func Dial(cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	// go-routeros doesn't accept context; use timeout via net.Dialer.
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.Dial("tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	c, err := routeros.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &Client{c: c}, nil
}

func (r *Client) Close() error {
	if r.c == nil {
		return nil
	}
	return r.c.Close()
}

func (r *Client) Leases() ([]Lease, error) {
	rep, err := r.c.Run("/ip/dhcp-server/lease/print")
	if err != nil {
		return nil, err
	}
	out := make([]Lease, 0, len(rep.Re))
	for _, re := range rep.Re {
		ip := net.ParseIP(re.Map["address"])
		if ip == nil {
			continue
		}
		out = append(out, Lease{
			IP:       ip,
			MAC:      normalizeMAC(re.Map["mac-address"]),
			Hostname: re.Map["host-name"],
			Status:   re.Map["status"],
			Dynamic:  re.Map["dynamic"] == "true",
		})
	}
	return out, nil
}

// LeaseTargets dials the router, fetches bound leases and returns their IPv4
// addresses. Any failure means no extra targets; the subnet sweep still runs.
func LeaseTargets(cfg Config) []net.IP {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil
	}
	c, err := Dial(cfg)
	if err != nil {
		return nil
	}
	defer func() { _ = c.Close() }()
	leases, err := c.Leases()
	if err != nil {
		return nil
	}
	var out []net.IP
	for _, l := range leases {
		if l.Status != "" && !strings.EqualFold(l.Status, "bound") {
			continue
		}
		if v4 := l.IP.To4(); v4 != nil && !v4.IsLoopback() {
			out = append(out, v4)
		}
	}
	return out
}

func normalizeMAC(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.ReplaceAll(s, "-", ":")
	if len(s) == 12 && !strings.Contains(s, ":") {
		// 001122aabbcc -> 00:11:22:aa:bb:cc
		var b strings.Builder
		for i := 0; i < 12; i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(s[i : i+2])
		}
		return b.String()
	}
	return s
}
