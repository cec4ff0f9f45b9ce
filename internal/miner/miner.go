package miner

import (
	"context"
	"strings"
)

// Kind is the protocol family a device speaks.
type Kind string

const (
	KindAxeOS  Kind = "axeos"  // BitAxe / NerdQAxe HTTP+JSON API
	KindAvalon Kind = "avalon" // Avalon CGMiner-style TCP API
)

func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindAxeOS:
		return KindAxeOS, true
	case KindAvalon:
		return KindAvalon, true
	}
	return "", false
}

// Info is one reading from a miner. Fields are best-effort; zero means "not reported".
// UniqueID is stable across IP changes: the MAC for AxeOS, a synthetic id for Avalon.
type Info struct {
	Kind     Kind   `json:"kind"`
	UniqueID string `json:"unique_id"`
	MAC      string `json:"mac,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Model    string `json:"model,omitempty"`
	Firmware string `json:"firmware,omitempty"`

	HashrateGHS   float64 `json:"hashrate_ghs,omitempty"`
	PowerW        float64 `json:"power_w,omitempty"`
	TempC         float64 `json:"temp_c,omitempty"`
	VRTempC       float64 `json:"vr_temp_c,omitempty"`
	FrequencyMHz  float64 `json:"frequency_mhz,omitempty"`
	CoreVoltageMV float64 `json:"core_voltage_mv,omitempty"`
	FanRPM        int     `json:"fan_rpm,omitempty"`
	FanPercent    int     `json:"fan_percent,omitempty"`

	SharesAccepted uint64 `json:"shares_accepted,omitempty"`
	SharesRejected uint64 `json:"shares_rejected,omitempty"`
	PoolURL        string `json:"pool_url,omitempty"`
	PoolUser       string `json:"pool_user,omitempty"`
	UptimeS        uint64 `json:"uptime_s,omitempty"`
}

// Settings is the subset of device configuration the fleet can push back.
type Settings struct {
	Hostname    string `json:"hostname,omitempty"`
	PoolURL     string `json:"pool_url,omitempty"`
	PoolPort    int    `json:"pool_port,omitempty"`
	PoolUser    string `json:"pool_user,omitempty"`
	Frequency   int    `json:"frequency,omitempty"`
	CoreVoltage int    `json:"core_voltage,omitempty"`
	FanSpeed    int    `json:"fan_speed,omitempty"`
}

// Client is the uniform per-device transport. The poller and watchdog only see this
// interface; protocol branching stays inside the axeos/avalon packages.
type Client interface {
	Kind() Kind
	Addr() string
	SystemInfo(ctx context.Context) (Info, error)
	UpdateSettings(ctx context.Context, s Settings) error
	Restart(ctx context.Context) error
}
