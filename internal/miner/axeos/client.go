package axeos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"axefleet/internal/miner"
	"axefleet/internal/modelnorm"
)

// AxeOS endpoints (BitAxe / NerdQAxe firmware). No auth on the local API.
const (
	pathSystemInfo    = "/api/system/info"
	pathSystem        = "/api/system"
	pathSystemRestart = "/api/system/restart"
)

type Config struct {
	Timeout time.Duration
}

type Client struct {
	host string
	http *http.Client
}

func New(host string, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Second
	}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 1500 * time.Millisecond, KeepAlive: -1}).DialContext,
		DisableKeepAlives:   true,
		ForceAttemptHTTP2:   false,
		MaxIdleConnsPerHost: 0,
	}
	return &Client{
		host: host,
		http: &http.Client{Timeout: cfg.Timeout, Transport: tr},
	}
}

func (c *Client) Kind() miner.Kind { return miner.KindAxeOS }
func (c *Client) Addr() string     { return c.host }

// systemInfo mirrors the AxeOS JSON response. Fields vary slightly across firmware
// versions; unknown fields are ignored and missing ones stay zero.
type systemInfo struct {
	Hostname       string  `json:"hostname"`
	MACAddr        string  `json:"macAddr"`
	HashRate       float64 `json:"hashRate"` // GH/s
	Power          float64 `json:"power"`    // W
	Temp           float64 `json:"temp"`
	VRTemp         float64 `json:"vrTemp"`
	Frequency      float64 `json:"frequency"`
	CoreVoltage    float64 `json:"coreVoltage"`
	FanRPM         int     `json:"fanrpm"`
	FanSpeed       int     `json:"fanspeed"`
	SharesAccepted uint64  `json:"sharesAccepted"`
	SharesRejected uint64  `json:"sharesRejected"`
	UptimeSeconds  uint64  `json:"uptimeSeconds"`
	StratumURL     string  `json:"stratumURL"`
	StratumPort    int     `json:"stratumPort"`
	StratumUser    string  `json:"stratumUser"`
	ASICModel      string  `json:"ASICModel"`
	Version        string  `json:"version"`
	BoardVersion   string  `json:"boardVersion"`
}

func (c *Client) SystemInfo(ctx context.Context) (miner.Info, error) {
	u := "http://" + c.host + pathSystemInfo
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return miner.Info{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return miner.Info{}, err
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return miner.Info{}, fmt.Errorf("axeos %s: status %d", pathSystemInfo, resp.StatusCode)
	}
	var si systemInfo
	if err := json.Unmarshal(b, &si); err != nil {
		return miner.Info{}, fmt.Errorf("axeos %s: %w", pathSystemInfo, err)
	}
	mac := strings.ToUpper(strings.TrimSpace(si.MACAddr))
	if mac == "" {
		// A response without a MAC is not an AxeOS device (some web UIs answer
		// 200 with HTML or unrelated JSON on this path).
		return miner.Info{}, fmt.Errorf("axeos %s: no mac in response", pathSystemInfo)
	}

	info := miner.Info{
		Kind:           miner.KindAxeOS,
		UniqueID:       mac,
		MAC:            mac,
		Hostname:       si.Hostname,
		HashrateGHS:    si.HashRate,
		PowerW:         si.Power,
		TempC:          si.Temp,
		VRTempC:        si.VRTemp,
		FrequencyMHz:   si.Frequency,
		CoreVoltageMV:  si.CoreVoltage,
		FanRPM:         si.FanRPM,
		FanPercent:     si.FanSpeed,
		SharesAccepted: si.SharesAccepted,
		SharesRejected: si.SharesRejected,
		PoolURL:        stratumDisplay(si.StratumURL, si.StratumPort),
		PoolUser:       si.StratumUser,
		UptimeS:        si.UptimeSeconds,
		Firmware:       si.Version,
	}
	if n := modelnorm.Normalize(si.ASICModel); n.Model != "" {
		info.Model = n.Model
	}
	if strings.Contains(strings.ToLower(si.Hostname), "nerdqaxe") {
		if n := modelnorm.Normalize(si.Hostname); n.Family == "nerdqaxe" {
			info.Model = n.Model
		}
	}
	return info, nil
}

func (c *Client) UpdateSettings(ctx context.Context, s miner.Settings) error {
	body := map[string]any{}
	if s.Hostname != "" {
		body["hostname"] = s.Hostname
	}
	if s.PoolURL != "" {
		body["stratumURL"] = s.PoolURL
	}
	if s.PoolPort > 0 {
		body["stratumPort"] = s.PoolPort
	}
	if s.PoolUser != "" {
		body["stratumUser"] = s.PoolUser
	}
	if s.Frequency > 0 {
		body["frequency"] = s.Frequency
	}
	if s.CoreVoltage > 0 {
		body["coreVoltage"] = s.CoreVoltage
	}
	if s.FanSpeed > 0 {
		body["fanspeed"] = s.FanSpeed
	}
	if len(body) == 0 {
		return nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, "http://"+c.host+pathSystem, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("axeos update settings: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) Restart(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+c.host+pathSystemRestart, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("axeos restart: status %d", resp.StatusCode)
	}
	return nil
}

func stratumDisplay(url string, port int) string {
	url = strings.TrimSpace(url)
	if url == "" {
		return ""
	}
	if port > 0 {
		return fmt.Sprintf("%s:%d", url, port)
	}
	return url
}
