package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"axefleet/internal/miner"
	"axefleet/internal/settings"
	"axefleet/internal/storage/repo"
)

type restartRecorder struct {
	mu    sync.Mutex
	count int
	err   error
}

func (r *restartRecorder) Kind() miner.Kind { return miner.KindAxeOS }
func (r *restartRecorder) Addr() string     { return "10.0.0.5" }
func (r *restartRecorder) SystemInfo(ctx context.Context) (miner.Info, error) {
	return miner.Info{}, nil
}
func (r *restartRecorder) UpdateSettings(ctx context.Context, s miner.Settings) error { return nil }
func (r *restartRecorder) Restart(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	return r.err
}

func (r *restartRecorder) restarts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func baseCfg() settings.Watchdog {
	return settings.Watchdog{
		Enabled:              true,
		CheckPower:           true,
		CheckHashRate:        true,
		PowerThresholdW:      1.0,
		HashRateThresholdGHS: 50,
		RequireBoth:          true,
		ConsecutiveReadings:  3,
		RestartCooldown:      5 * time.Minute,
		Devices:              []string{"dev"},
	}
}

func newTestWatchdog(rec *restartRecorder, cfg *settings.Watchdog) *Watchdog {
	factory := func(d repo.Device, timeout time.Duration) miner.Client { return rec }
	return New(factory, func() settings.Watchdog { return *cfg }, nil)
}

func observe(w *Watchdog, info miner.Info, ok bool) {
	out := repo.PollOutcome{Device: repo.Device{ID: "dev", IP: "10.0.0.5"}}
	rec := repo.PollRecord{DeviceID: "dev", TS: time.Now().UTC(), OK: ok, Info: info}
	w.Observe(context.Background(), out, rec)
}

func unhealthyReading() miner.Info {
	return miner.Info{PowerW: 0.5, HashrateGHS: 10}
}

func healthyReading() miner.Info {
	return miner.Info{PowerW: 120, HashrateGHS: 480}
}

func TestUnhealthyEvaluation(t *testing.T) {
	cfg := baseCfg()

	require.True(t, Unhealthy(unhealthyReading(), cfg))
	require.False(t, Unhealthy(healthyReading(), cfg))

	// AND: one healthy signal vetoes
	require.False(t, Unhealthy(miner.Info{PowerW: 0.5, HashrateGHS: 480}, cfg))
	require.False(t, Unhealthy(miner.Info{PowerW: 120, HashrateGHS: 10}, cfg))

	// OR: either failing signal triggers
	cfg.RequireBoth = false
	require.True(t, Unhealthy(miner.Info{PowerW: 0.5, HashrateGHS: 480}, cfg))
	require.True(t, Unhealthy(miner.Info{PowerW: 120, HashrateGHS: 10}, cfg))
	require.False(t, Unhealthy(healthyReading(), cfg))

	// a disabled check never blocks an AND of the remaining ones
	cfg.RequireBoth = true
	cfg.CheckPower = false
	require.True(t, Unhealthy(miner.Info{PowerW: 120, HashrateGHS: 10}, cfg))

	// neither check enabled: nothing is ever unhealthy
	cfg.CheckHashRate = false
	require.False(t, Unhealthy(unhealthyReading(), cfg))
}

func TestRestartAfterConsecutiveReadings(t *testing.T) {
	rec := &restartRecorder{}
	cfg := baseCfg()
	w := newTestWatchdog(rec, &cfg)

	observe(w, unhealthyReading(), true)
	observe(w, unhealthyReading(), true)
	require.Equal(t, 0, rec.restarts(), "below the consecutive threshold")

	observe(w, unhealthyReading(), true)
	require.Equal(t, 1, rec.restarts())
	require.Equal(t, 0, w.States()["dev"].Consecutive, "counter resets after trigger")
}

func TestHealthyReadingResetsStreak(t *testing.T) {
	rec := &restartRecorder{}
	cfg := baseCfg()
	w := newTestWatchdog(rec, &cfg)

	observe(w, unhealthyReading(), true)
	observe(w, unhealthyReading(), true)
	observe(w, healthyReading(), true)
	observe(w, unhealthyReading(), true)
	observe(w, unhealthyReading(), true)
	require.Equal(t, 0, rec.restarts())

	observe(w, unhealthyReading(), true)
	require.Equal(t, 1, rec.restarts())
}

func TestFailedPollLeavesCounterAlone(t *testing.T) {
	rec := &restartRecorder{}
	cfg := baseCfg()
	w := newTestWatchdog(rec, &cfg)

	observe(w, unhealthyReading(), true)
	observe(w, unhealthyReading(), true)
	observe(w, miner.Info{}, false) // no reading, no reset, no increment
	require.Equal(t, 2, w.States()["dev"].Consecutive)

	observe(w, unhealthyReading(), true)
	require.Equal(t, 1, rec.restarts())
}

func TestCooldownPinsCounter(t *testing.T) {
	rec := &restartRecorder{}
	cfg := baseCfg()
	cfg.ConsecutiveReadings = 1
	w := newTestWatchdog(rec, &cfg)

	now := time.Now().UTC()
	w.SetClock(func() time.Time { return now })

	observe(w, unhealthyReading(), true)
	require.Equal(t, 1, rec.restarts())

	// still unhealthy inside the cooldown window: no second restart
	now = now.Add(time.Minute)
	observe(w, unhealthyReading(), true)
	observe(w, unhealthyReading(), true)
	require.Equal(t, 1, rec.restarts())
	require.Equal(t, 1, w.States()["dev"].Consecutive, "pinned at trigger state")

	// the moment cooldown expires the next unhealthy reading fires
	now = now.Add(cfg.RestartCooldown)
	observe(w, unhealthyReading(), true)
	require.Equal(t, 2, rec.restarts())
}

func TestCooldownCounterNeverExceedsThreshold(t *testing.T) {
	rec := &restartRecorder{}
	cfg := baseCfg()
	w := newTestWatchdog(rec, &cfg)

	now := time.Now().UTC()
	w.SetClock(func() time.Time { return now })

	observe(w, unhealthyReading(), true)
	observe(w, unhealthyReading(), true)
	observe(w, unhealthyReading(), true)
	require.Equal(t, 1, rec.restarts())

	// a long unhealthy stretch inside the cooldown window rebuilds the
	// streak and then holds it at the threshold
	now = now.Add(time.Minute)
	for i := 0; i < 5; i++ {
		observe(w, unhealthyReading(), true)
	}
	require.Equal(t, 1, rec.restarts())
	require.Equal(t, cfg.ConsecutiveReadings, w.States()["dev"].Consecutive)

	now = now.Add(cfg.RestartCooldown)
	observe(w, unhealthyReading(), true)
	require.Equal(t, 2, rec.restarts())
}

func TestCooldownStartsAtIssuanceAttempt(t *testing.T) {
	rec := &restartRecorder{err: context.DeadlineExceeded}
	cfg := baseCfg()
	cfg.ConsecutiveReadings = 1
	w := newTestWatchdog(rec, &cfg)

	now := time.Now().UTC()
	w.SetClock(func() time.Time { return now })

	// the restart call fails, but the cooldown still runs from the attempt
	observe(w, unhealthyReading(), true)
	require.Equal(t, 1, rec.restarts())

	now = now.Add(time.Minute)
	observe(w, unhealthyReading(), true)
	require.Equal(t, 1, rec.restarts())
}

func TestDisabledSuspendsWithoutClearing(t *testing.T) {
	rec := &restartRecorder{}
	cfg := baseCfg()
	w := newTestWatchdog(rec, &cfg)

	observe(w, unhealthyReading(), true)
	observe(w, unhealthyReading(), true)

	cfg.Enabled = false
	observe(w, unhealthyReading(), true)
	observe(w, healthyReading(), true)
	require.Equal(t, 0, rec.restarts())
	require.Equal(t, 2, w.States()["dev"].Consecutive, "suspension keeps the counter")

	// re-enabled: the streak resumes where it left off
	cfg.Enabled = true
	observe(w, unhealthyReading(), true)
	require.Equal(t, 1, rec.restarts())
}

func TestUnlistedDeviceIgnored(t *testing.T) {
	rec := &restartRecorder{}
	cfg := baseCfg()
	cfg.Devices = []string{"someone-else"}
	cfg.ConsecutiveReadings = 1
	w := newTestWatchdog(rec, &cfg)

	observe(w, unhealthyReading(), true)
	require.Equal(t, 0, rec.restarts())
	require.Empty(t, w.States())
}

func TestForgetDropsState(t *testing.T) {
	rec := &restartRecorder{}
	cfg := baseCfg()
	w := newTestWatchdog(rec, &cfg)

	observe(w, unhealthyReading(), true)
	require.Equal(t, 1, w.States()["dev"].Consecutive)

	w.Forget("dev")
	require.Empty(t, w.States())
}

func TestOnRestartHook(t *testing.T) {
	rec := &restartRecorder{}
	cfg := baseCfg()
	cfg.ConsecutiveReadings = 1
	w := newTestWatchdog(rec, &cfg)

	var mu sync.Mutex
	var got []string
	w.SetOnRestart(func(d repo.Device) {
		mu.Lock()
		got = append(got, d.ID)
		mu.Unlock()
	})

	observe(w, unhealthyReading(), true)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"dev"}, got)
}
