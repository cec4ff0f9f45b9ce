package scanner

import (
	"context"
	"net"
	"sync"
	"time"

	"axefleet/internal/miner"
	"axefleet/internal/miner/avalon"
	"axefleet/internal/miner/axeos"
)

type Config struct {
	Concurrency   int
	ProbeTimeout  time.Duration
	AvalonEnabled bool
}

// Found is one discovered miner, transient to the scan pass. Info.UniqueID is
// what dedupes it against other candidate IPs answering as the same device.
type Found struct {
	IP   string     `json:"ip"`
	Info miner.Info `json:"info"`
}

// Prober probes one candidate address for one protocol family.
type Prober interface {
	Probe(ctx context.Context, ip string) (miner.Info, error)
}

type ProbeFunc func(ctx context.Context, ip string) (miner.Info, error)

func (f ProbeFunc) Probe(ctx context.Context, ip string) (miner.Info, error) { return f(ctx, ip) }

type Scanner struct {
	cfg    Config
	axeos  Prober
	avalon Prober
}

func New(cfg Config) *Scanner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 256
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	s := &Scanner{cfg: cfg}
	s.axeos = ProbeFunc(func(ctx context.Context, ip string) (miner.Info, error) {
		return axeos.New(ip, axeos.Config{Timeout: cfg.ProbeTimeout}).SystemInfo(ctx)
	})
	s.avalon = ProbeFunc(func(ctx context.Context, ip string) (miner.Info, error) {
		return avalon.New(ip, avalon.Config{Timeout: cfg.ProbeTimeout}).SystemInfo(ctx)
	})
	return s
}

// WithProbers swaps the protocol probers; tests inject fakes here.
func (s *Scanner) WithProbers(axeosP, avalonP Prober) *Scanner {
	if axeosP != nil {
		s.axeos = axeosP
	}
	if avalonP != nil {
		s.avalon = avalonP
	}
	return s
}

// Scan probes every target not already in known, fanning out across the worker
// pool. Results stream through onFound as probes complete; a device id already
// reported this pass is dropped. Probe failures yield nothing and never abort
// the pass. Returns ctx.Err() on cancellation.
func (s *Scanner) Scan(ctx context.Context, targets []net.IP, known map[string]bool, onProgress func(done, total int), onFound func(Found)) error {
	total := len(targets)
	if total == 0 {
		return nil
	}

	jobs := make(chan net.IP, s.cfg.Concurrency*2)
	var wg sync.WaitGroup

	var mu sync.Mutex
	done := 0
	seen := map[string]bool{}

	report := func() {
		if onProgress == nil {
			return
		}
		mu.Lock()
		d := done
		mu.Unlock()
		onProgress(d, total)
	}

	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	tickCtx, tickCancel := context.WithCancel(ctx)
	defer tickCancel()
	go func() {
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-tick.C:
				report()
			}
		}
	}()

	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ip := range jobs {
				found, ok := s.probe(ctx, ip.String())
				mu.Lock()
				done++
				if ok && seen[found.Info.UniqueID] {
					ok = false
				}
				if ok {
					seen[found.Info.UniqueID] = true
				}
				mu.Unlock()
				if ok && onFound != nil {
					onFound(found)
				}
			}
		}()
	}

	for _, ip := range targets {
		if known[ip.String()] {
			mu.Lock()
			done++
			mu.Unlock()
			continue
		}
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		case jobs <- ip:
		}
	}
	close(jobs)
	wg.Wait()
	report()
	return nil
}

// probe tries AxeOS first, then Avalon when enabled. Each protocol gets its own
// timeout so a dead HTTP stack doesn't eat the TCP probe's budget.
func (s *Scanner) probe(ctx context.Context, ip string) (Found, bool) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	info, err := s.axeos.Probe(pctx, ip)
	cancel()
	if err == nil && info.UniqueID != "" {
		info.Kind = miner.KindAxeOS
		return Found{IP: ip, Info: info}, true
	}

	if !s.cfg.AvalonEnabled {
		return Found{}, false
	}
	pctx, cancel = context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	info, err = s.avalon.Probe(pctx, ip)
	cancel()
	if err == nil && info.UniqueID != "" {
		info.Kind = miner.KindAvalon
		return Found{IP: ip, Info: info}, true
	}
	return Found{}, false
}
