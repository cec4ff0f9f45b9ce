package avalon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"axefleet/internal/miner"
	"axefleet/internal/modelnorm"
)

// DefaultPort is the CGMiner API port Avalon firmware listens on.
const DefaultPort = 4028

type Config struct {
	Port    int
	Timeout time.Duration
}

type Client struct {
	host string
	cfg  Config
}

func New(host string, cfg Config) *Client {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Client{host: host, cfg: cfg}
}

func (c *Client) Kind() miner.Kind { return miner.KindAvalon }
func (c *Client) Addr() string     { return c.host }

func (c *Client) SystemInfo(ctx context.Context) (miner.Info, error) {
	verRaw, err := c.command(ctx, "version")
	if err != nil {
		return miner.Info{}, err
	}
	info := miner.Info{Kind: miner.KindAvalon}
	applyVersion(&info, verRaw)
	if info.Model == "" && info.UniqueID == "" {
		return miner.Info{}, fmt.Errorf("avalon %s: version response not recognized", c.host)
	}

	// summary/pools/estats are best-effort: a partial reading is still a reading.
	if raw, err := c.command(ctx, "summary"); err == nil {
		applySummary(&info, raw)
	}
	if raw, err := c.command(ctx, "pools"); err == nil {
		applyPools(&info, raw)
	}
	if raw, err := c.command(ctx, "estats"); err == nil {
		applyEStats(&info, raw)
	}

	if info.UniqueID == "" {
		info.UniqueID = SyntheticID(info.Hostname, c.host)
	}
	if n := modelnorm.Normalize(info.Model); n.Model != "" {
		info.Model = n.Model
	}
	return info, nil
}

// UpdateSettings pushes the settable subset over the CGMiner API. Avalon firmware
// only accepts pool changes and fan overrides this way; the rest is ignored.
func (c *Client) UpdateSettings(ctx context.Context, s miner.Settings) error {
	if s.PoolURL != "" {
		param := s.PoolURL
		if s.PoolPort > 0 {
			param = fmt.Sprintf("%s:%d", s.PoolURL, s.PoolPort)
		}
		cmd := fmt.Sprintf(`{"command":"addpool","parameter":"%s,%s,x"}`, param, s.PoolUser)
		if _, err := c.raw(ctx, cmd); err != nil {
			return err
		}
	}
	if s.FanSpeed > 0 {
		cmd := fmt.Sprintf(`{"command":"ascset","parameter":"0,fan,%d"}`, s.FanSpeed)
		if _, err := c.raw(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Restart(ctx context.Context) error {
	// "restart" restarts the mining process; enough to recover a stuck miner.
	_, err := c.raw(ctx, `{"command":"restart"}`)
	return err
}

func (c *Client) command(ctx context.Context, cmd string) (string, error) {
	return c.raw(ctx, fmt.Sprintf(`{"command":"%s"}`, cmd))
}

func (c *Client) raw(ctx context.Context, req string) (string, error) {
	d := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", c.host, c.cfg.Port))
	if err != nil {
		return "", err
	}
	defer conn.Close()
	deadline := time.Now().Add(c.cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte(req)); err != nil {
		return "", err
	}
	b, _ := io.ReadAll(conn)
	if len(b) == 0 {
		return "", fmt.Errorf("avalon %s: empty response", c.host)
	}
	return Sanitize(string(b)), nil
}

// Sanitize strips the NUL terminators cgminer appends so the payload parses as JSON.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}

// SyntheticID builds the stable identifier for Avalon devices, which do not expose
// a MAC over the API. Hostname wins over IP so DHCP moves keep the identity.
func SyntheticID(hostname, ip string) string {
	h := strings.ToLower(strings.TrimSpace(hostname))
	if h != "" {
		return "avalon-" + h
	}
	return "avalon-" + strings.TrimSpace(ip)
}

func sections(raw, key string) []map[string]any {
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &top); err != nil {
		return nil
	}
	var out []map[string]any
	if err := json.Unmarshal(top[key], &out); err != nil {
		return nil
	}
	return out
}
