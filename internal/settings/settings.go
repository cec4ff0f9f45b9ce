package settings

import "time"

type Scanner struct {
	Concurrency   int           `json:"concurrency"`
	ProbeTimeout  time.Duration `json:"probe_timeout"`
	AvalonEnabled bool          `json:"avalon_enabled"`
	AutoDetect    bool          `json:"auto_detect"`
}

type Poller struct {
	BackgroundInterval time.Duration `json:"background_interval"`
	FocusedInterval    time.Duration `json:"focused_interval"`
	PollTimeout        time.Duration `json:"poll_timeout"`
	OfflineThreshold   int           `json:"offline_threshold"`
	RecordFailures     bool          `json:"record_failures"`
}

type Watchdog struct {
	Enabled              bool          `json:"enabled"`
	CheckPower           bool          `json:"check_power"`
	CheckHashRate        bool          `json:"check_hash_rate"`
	PowerThresholdW      float64       `json:"power_threshold_w"`
	HashRateThresholdGHS float64       `json:"hash_rate_threshold_ghs"`
	RequireBoth          bool          `json:"require_both"`
	ConsecutiveReadings  int           `json:"consecutive_readings"`
	RestartCooldown      time.Duration `json:"restart_cooldown"`

	// Per-device opt-in by unique id. Empty set means no device is watched.
	Devices []string `json:"devices,omitempty"`
}

type Subnet struct {
	Seed    string `json:"seed"` // IPv4 address or CIDR; reduced to its /24
	Enabled bool   `json:"enabled"`
	Note    string `json:"note,omitempty"`
}

type MikroTik struct {
	Enabled  bool          `json:"enabled"`
	Address  string        `json:"address"`
	Username string        `json:"username"`
	Timeout  time.Duration `json:"timeout"`

	// Password is write-only: API clients submit plaintext here, the core
	// seals it into PasswordEnc before saving and never stores it.
	Password    string `json:"password,omitempty"`
	PasswordEnc string `json:"password_enc,omitempty"`
}

type EmbeddedNATS struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	HTTPPort int    `json:"http_port"`
	StoreDir string `json:"store_dir"`
}

type Settings struct {
	Version int `json:"version"`

	HTTPAddr string `json:"http_addr"`

	NATSURL    string `json:"nats_url"`
	NATSPrefix string `json:"nats_prefix"`

	EmbeddedNATS EmbeddedNATS `json:"embedded_nats"`

	Scanner  Scanner  `json:"scanner"`
	Poller   Poller   `json:"poller"`
	Watchdog Watchdog `json:"watchdog"`
	Subnets  []Subnet `json:"subnets"`
	MikroTik MikroTik `json:"mikrotik"`
}

func Defaults() Settings {
	return Settings{
		Version:  1,
		HTTPAddr: ":8080",

		NATSURL:    "nats://127.0.0.1:14222",
		NATSPrefix: "axefleet",

		EmbeddedNATS: EmbeddedNATS{
			Enabled:  true,
			Host:     "127.0.0.1",
			Port:     14222,
			HTTPPort: 18222,
			StoreDir: "data/nats",
		},

		Scanner: Scanner{
			Concurrency:   256,
			ProbeTimeout:  2 * time.Second,
			AvalonEnabled: true,
			AutoDetect:    true,
		},

		Poller: Poller{
			BackgroundInterval: 30 * time.Second,
			FocusedInterval:    5 * time.Second,
			PollTimeout:        5 * time.Second,
			OfflineThreshold:   5,
			RecordFailures:     true,
		},

		Watchdog: Watchdog{
			Enabled:              false,
			CheckPower:           true,
			CheckHashRate:        true,
			PowerThresholdW:      1.0,
			HashRateThresholdGHS: 50,
			RequireBoth:          true,
			ConsecutiveReadings:  3,
			RestartCooldown:      5 * time.Minute,
		},

		MikroTik: MikroTik{Timeout: 3 * time.Second},
	}
}

// Normalize fills zero fields with defaults and clamps bounded values. Applied on
// load and on every settings write so stored files can never wedge the core.
func Normalize(s *Settings) {
	def := Defaults()
	if s.Version == 0 {
		s.Version = def.Version
	}
	if s.HTTPAddr == "" {
		s.HTTPAddr = def.HTTPAddr
	}
	if s.NATSURL == "" {
		s.NATSURL = def.NATSURL
	}
	if s.NATSPrefix == "" {
		s.NATSPrefix = def.NATSPrefix
	}
	if s.EmbeddedNATS.Host == "" {
		s.EmbeddedNATS.Host = def.EmbeddedNATS.Host
	}
	if s.EmbeddedNATS.Port == 0 {
		s.EmbeddedNATS.Port = def.EmbeddedNATS.Port
	}
	if s.EmbeddedNATS.HTTPPort == 0 {
		s.EmbeddedNATS.HTTPPort = def.EmbeddedNATS.HTTPPort
	}
	if s.EmbeddedNATS.StoreDir == "" {
		s.EmbeddedNATS.StoreDir = def.EmbeddedNATS.StoreDir
	}
	if s.Scanner.Concurrency <= 0 {
		s.Scanner.Concurrency = def.Scanner.Concurrency
	}
	if s.Scanner.ProbeTimeout <= 0 {
		s.Scanner.ProbeTimeout = def.Scanner.ProbeTimeout
	}
	if s.Poller.BackgroundInterval <= 0 {
		s.Poller.BackgroundInterval = def.Poller.BackgroundInterval
	}
	if s.Poller.FocusedInterval <= 0 {
		s.Poller.FocusedInterval = def.Poller.FocusedInterval
	}
	if s.Poller.PollTimeout <= 0 {
		s.Poller.PollTimeout = def.Poller.PollTimeout
	}
	s.Poller.OfflineThreshold = clampInt(s.Poller.OfflineThreshold, 3, 20, def.Poller.OfflineThreshold)
	if s.Watchdog.ConsecutiveReadings <= 0 {
		s.Watchdog.ConsecutiveReadings = def.Watchdog.ConsecutiveReadings
	}
	if s.Watchdog.RestartCooldown <= 0 {
		s.Watchdog.RestartCooldown = def.Watchdog.RestartCooldown
	}
	if s.MikroTik.Timeout <= 0 {
		s.MikroTik.Timeout = def.MikroTik.Timeout
	}
}

func clampInt(v, lo, hi, def int) int {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
