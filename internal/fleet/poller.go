package fleet

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"axefleet/internal/miner"
	"axefleet/internal/settings"
	"axefleet/internal/storage/repo"
)

// ErrPollInFlight means a previous poll for the same device has not completed.
// The caller gets no new request; the in-flight one will land on its own.
var ErrPollInFlight = errors.New("poll already in flight for device")

// ClientFactory builds the protocol client for a device. Tests swap this for
// fakes; production wires axeos/avalon by Kind.
type ClientFactory func(d repo.Device, timeout time.Duration) miner.Client

// Poller runs one independent polling loop per registered device. Cadence is
// re-read from settings every cycle, so interval changes apply without restarts.
type Poller struct {
	store   repo.Store
	clients ClientFactory
	cfg     func() settings.Poller
	log     *zap.Logger

	// onRecord fires after every applied poll (watchdog + event publishing hook).
	onRecord func(repo.PollOutcome, repo.PollRecord)

	mu       sync.Mutex
	inflight map[string]bool
	loops    map[string]context.CancelFunc
	focus    string

	runCtx  context.Context
	runStop context.CancelFunc
}

func New(store repo.Store, clients ClientFactory, cfg func() settings.Poller, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		store:    store,
		clients:  clients,
		cfg:      cfg,
		log:      log,
		inflight: map[string]bool{},
		loops:    map[string]context.CancelFunc{},
	}
}

func (p *Poller) SetOnRecord(fn func(repo.PollOutcome, repo.PollRecord)) {
	p.onRecord = fn
}

// Start launches per-device loops and keeps the loop set reconciled with the
// registry as devices are added and removed.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.runStop != nil {
		p.mu.Unlock()
		return
	}
	p.runCtx, p.runStop = context.WithCancel(ctx)
	runCtx := p.runCtx
	p.mu.Unlock()

	p.reconcile(runCtx)
	go func() {
		t := time.NewTicker(2 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-t.C:
				p.reconcile(runCtx)
			}
		}
	}()
}

func (p *Poller) Stop() {
	p.mu.Lock()
	stop := p.runStop
	p.runStop = nil
	p.runCtx = nil
	loops := p.loops
	p.loops = map[string]context.CancelFunc{}
	p.mu.Unlock()
	for _, cancel := range loops {
		cancel()
	}
	if stop != nil {
		stop()
	}
}

// SetFocus switches one device to the focused cadence. Only that device's loop
// speeds up; the rest of the fleet keeps the background interval.
func (p *Poller) SetFocus(id string) {
	p.mu.Lock()
	p.focus = id
	p.mu.Unlock()
}

func (p *Poller) ClearFocus() {
	p.SetFocus("")
}

func (p *Poller) reconcile(ctx context.Context) {
	known := map[string]bool{}
	for _, d := range p.store.List() {
		known[d.ID] = true
	}

	p.mu.Lock()
	var start []string
	for id := range known {
		if _, running := p.loops[id]; !running {
			loopCtx, cancel := context.WithCancel(ctx)
			p.loops[id] = cancel
			start = append(start, id)
			go p.runLoop(loopCtx, id)
		}
	}
	for id, cancel := range p.loops {
		if !known[id] {
			cancel()
			delete(p.loops, id)
		}
	}
	p.mu.Unlock()

	for _, id := range start {
		p.log.Debug("poll loop started", zap.String("device", id))
	}
}

func (p *Poller) runLoop(ctx context.Context, id string) {
	// First poll right away so a freshly added device shows data without
	// waiting out a full background interval.
	_, _ = p.PollOnce(ctx, id)
	for {
		t := time.NewTimer(p.interval(id))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		_, err := p.PollOnce(ctx, id)
		if errors.Is(err, ErrPollInFlight) {
			// previous cycle still running against a slow device; skip
			continue
		}
	}
}

func (p *Poller) interval(id string) time.Duration {
	cfg := p.cfg()
	p.mu.Lock()
	focused := p.focus == id && id != ""
	p.mu.Unlock()
	if focused {
		return cfg.FocusedInterval
	}
	return cfg.BackgroundInterval
}

// PollOnce performs a single poll cycle for one device and applies the outcome.
// Single-flight per device: an overlapping call returns ErrPollInFlight without
// touching the network. Network failures are not errors here; they come back as
// a failure-flagged record with nil error.
func (p *Poller) PollOnce(ctx context.Context, id string) (repo.PollRecord, error) {
	p.mu.Lock()
	if p.inflight[id] {
		p.mu.Unlock()
		return repo.PollRecord{}, ErrPollInFlight
	}
	p.inflight[id] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, id)
		p.mu.Unlock()
	}()

	d, ok := p.store.Get(id)
	if !ok {
		return repo.PollRecord{}, errors.New("unknown device")
	}

	cfg := p.cfg()
	pctx, cancel := context.WithTimeout(ctx, cfg.PollTimeout)
	defer cancel()

	c := p.clients(d, cfg.PollTimeout)
	info, err := c.SystemInfo(pctx)

	rec := repo.PollRecord{
		DeviceID: id,
		TS:       time.Now().UTC(),
		OK:       err == nil,
	}
	if err != nil {
		rec.Err = err.Error()
	} else {
		rec.Info = info
	}

	out, applied := p.store.ApplyPoll(rec, cfg.OfflineThreshold, cfg.RecordFailures)
	if !applied {
		// device deleted mid-poll; drop the result
		return rec, nil
	}
	if out.OnlineChanged {
		p.log.Info("device state changed",
			zap.String("device", id),
			zap.String("ip", out.Device.IP),
			zap.Bool("online", out.Device.Online),
			zap.Int("err_count", out.Device.ErrCount),
		)
	}
	if p.onRecord != nil {
		p.onRecord(out, rec)
	}
	return rec, nil
}

// RefreshAll polls the whole fleet concurrently and returns once every device
// has finished. Each device's result is applied the moment it lands; a device
// already mid-poll is left to its in-flight cycle.
func (p *Poller) RefreshAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range p.store.List() {
		id := d.ID
		g.Go(func() error {
			// In-flight and deleted-device cases are benign; network failures
			// are captured in the record, not returned.
			_, _ = p.PollOnce(gctx, id)
			return gctx.Err()
		})
	}
	return g.Wait()
}
