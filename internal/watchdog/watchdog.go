package watchdog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"axefleet/internal/miner"
	"axefleet/internal/settings"
	"axefleet/internal/storage/repo"
)

const restartTimeout = 5 * time.Second

// ClientFactory builds the protocol client used to issue restarts.
type ClientFactory func(d repo.Device, timeout time.Duration) miner.Client

// State is the per-device trigger bookkeeping. Counters survive watchdog
// disable/enable; only a healthy reading or device removal clears them.
type State struct {
	Consecutive int       `json:"consecutive"`
	LastRestart time.Time `json:"last_restart,omitempty"`
}

// Watchdog consumes applied poll results and restarts devices that stay
// unhealthy for the configured number of consecutive readings, with a cooldown
// so a persistently sick miner is not restart-stormed.
type Watchdog struct {
	clients ClientFactory
	cfg     func() settings.Watchdog
	log     *zap.Logger
	now     func() time.Time

	// onRestart fires after a restart has been issued (event publishing hook).
	onRestart func(repo.Device)

	mu     sync.Mutex
	states map[string]*State
}

func New(clients ClientFactory, cfg func() settings.Watchdog, log *zap.Logger) *Watchdog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watchdog{
		clients: clients,
		cfg:     cfg,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		states:  map[string]*State{},
	}
}

func (w *Watchdog) SetOnRestart(fn func(repo.Device)) { w.onRestart = fn }

// SetClock overrides the time source; tests drive cooldown windows with it.
func (w *Watchdog) SetClock(now func() time.Time) { w.now = now }

// Unhealthy is the pure trigger evaluation for one successful reading. With
// neither check enabled a reading can never be unhealthy.
func Unhealthy(info miner.Info, cfg settings.Watchdog) bool {
	if !cfg.CheckPower && !cfg.CheckHashRate {
		return false
	}
	power := cfg.CheckPower && info.PowerW <= cfg.PowerThresholdW
	hash := cfg.CheckHashRate && info.HashrateGHS < cfg.HashRateThresholdGHS
	if cfg.RequireBoth {
		// a disabled check never blocks the AND
		if cfg.CheckPower && !power {
			return false
		}
		if cfg.CheckHashRate && !hash {
			return false
		}
		return true
	}
	return power || hash
}

// Observe evaluates one applied poll result. Failed polls carry no reading and
// leave the counter untouched; the offline classifier owns that signal.
func (w *Watchdog) Observe(ctx context.Context, out repo.PollOutcome, rec repo.PollRecord) {
	cfg := w.cfg()
	if !cfg.Enabled || !deviceEnabled(cfg, rec.DeviceID) {
		// suspended, not cleared: counters resume where they left off
		return
	}
	if !rec.OK {
		return
	}

	w.mu.Lock()
	st := w.states[rec.DeviceID]
	if st == nil {
		st = &State{}
		w.states[rec.DeviceID] = st
	}

	if !Unhealthy(rec.Info, cfg) {
		st.Consecutive = 0
		w.mu.Unlock()
		return
	}

	st.Consecutive++
	if st.Consecutive < cfg.ConsecutiveReadings {
		w.mu.Unlock()
		return
	}
	now := w.now()
	if !st.LastRestart.IsZero() && now.Sub(st.LastRestart) < cfg.RestartCooldown {
		// in cooldown: stay pinned at trigger state, restart fires the moment
		// cooldown expires if the device is still unhealthy
		st.Consecutive = cfg.ConsecutiveReadings
		w.mu.Unlock()
		return
	}
	// Cooldown starts at issuance attempt, not at confirmed success.
	st.LastRestart = now
	st.Consecutive = 0
	w.mu.Unlock()

	w.issueRestart(ctx, out.Device, rec)
}

func (w *Watchdog) issueRestart(ctx context.Context, d repo.Device, rec repo.PollRecord) {
	w.log.Warn("watchdog restarting device",
		zap.String("device", d.ID),
		zap.String("ip", d.IP),
		zap.Float64("power_w", rec.Info.PowerW),
		zap.Float64("hashrate_ghs", rec.Info.HashrateGHS),
	)
	rctx, cancel := context.WithTimeout(ctx, restartTimeout)
	defer cancel()
	if err := w.clients(d, restartTimeout).Restart(rctx); err != nil {
		// a failed restart call does not block future evaluation
		w.log.Warn("watchdog restart call failed", zap.String("device", d.ID), zap.Error(err))
	}
	if w.onRestart != nil {
		w.onRestart(d)
	}
}

// Forget drops accumulated state for a removed device.
func (w *Watchdog) Forget(id string) {
	w.mu.Lock()
	delete(w.states, id)
	w.mu.Unlock()
}

// States snapshots the per-device counters for the status API.
func (w *Watchdog) States() map[string]State {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]State, len(w.states))
	for id, st := range w.states {
		out[id] = *st
	}
	return out
}

func deviceEnabled(cfg settings.Watchdog, id string) bool {
	for _, d := range cfg.Devices {
		if d == id {
			return true
		}
	}
	return false
}
