package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jhump/protoreflect/dynamic"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"axefleet/internal/bus/embeddednats"
	"axefleet/internal/bus/natsjs"
	"axefleet/internal/core/registry"
	"axefleet/internal/discovery/scanner"
	"axefleet/internal/discovery/subnets"
	"axefleet/internal/events"
	"axefleet/internal/fleet"
	"axefleet/internal/logging"
	"axefleet/internal/mikrotik"
	"axefleet/internal/miner"
	"axefleet/internal/miner/avalon"
	"axefleet/internal/miner/axeos"
	"axefleet/internal/netutil"
	"axefleet/internal/secrets"
	"axefleet/internal/settings"
	"axefleet/internal/storage/repo"
	"axefleet/internal/version"
	"axefleet/internal/watchdog"
)

func main() {
	_ = godotenv.Load()

	log, err := logging.New(logging.Config{Level: os.Getenv("LOG_LEVEL")})
	if err != nil {
		panic(err)
	}
	startedAt := time.Now()
	defer func() { _ = log.Sync() }()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	cfgStore, err := settings.Open(dataDir)
	if err != nil {
		log.Fatal("settings open", zap.Error(err))
	}
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		_ = cfgStore.Patch(func(s *settings.Settings) { s.HTTPAddr = addr })
	}
	sec, err := secrets.Open(dataDir)
	if err != nil {
		log.Fatal("secrets open", zap.Error(err))
	}
	// Settings written before the key existed may still carry plaintext.
	if cur := cfgStore.Get(); cur.MikroTik.Password != "" {
		if enc, err := sec.EncryptString(cur.MikroTik.Password); err == nil {
			_ = cfgStore.Patch(func(s *settings.Settings) {
				s.MikroTik.PasswordEnc = enc
				s.MikroTik.Password = ""
			})
		}
	}

	// Embedded NATS (optional), started before any client connects.
	var embMu sync.Mutex
	var emb *embeddednats.Server
	startEmbedded := func(s settings.Settings) {
		embMu.Lock()
		defer embMu.Unlock()
		if emb != nil {
			emb.Shutdown()
			emb = nil
		}
		if !s.EmbeddedNATS.Enabled {
			return
		}
		server, err := embeddednats.Start(embeddednats.Config{
			Host:     s.EmbeddedNATS.Host,
			Port:     s.EmbeddedNATS.Port,
			HTTPPort: s.EmbeddedNATS.HTTPPort,
			StoreDir: s.EmbeddedNATS.StoreDir,
		})
		if err != nil {
			log.Warn("embedded nats start failed", zap.Error(err))
			return
		}
		emb = server
		log.Info("embedded nats started",
			zap.String("host", s.EmbeddedNATS.Host),
			zap.Int("port", s.EmbeddedNATS.Port),
		)
	}
	startEmbedded(cfgStore.Get())

	schema, err := events.LoadSchema()
	if err != nil {
		log.Fatal("load proto schema", zap.Error(err))
	}

	store := registry.NewStore()
	subnetsStore := subnets.NewStore()

	// restore persisted subnets
	for _, sn := range cfgStore.Get().Subnets {
		if s, err := subnetsStore.Add(sn.Seed, sn.Note); err == nil && !sn.Enabled {
			subnetsStore.SetEnabled(s.ID, false)
		}
	}
	persistSubnets := func() {
		_ = cfgStore.Patch(func(s *settings.Settings) {
			s.Subnets = nil
			for _, x := range subnetsStore.List() {
				s.Subnets = append(s.Subnets, settings.Subnet{Seed: x.Seed, Enabled: x.Enabled, Note: x.Note})
			}
		})
	}

	// NATS is optional at runtime: core keeps working when the broker is down,
	// events are simply not published.
	var natsMu sync.RWMutex
	var natsClient *natsjs.Client
	var natsConnected atomic.Bool
	var natsLastErr atomic.Value // string

	publish := func(subject string, env *dynamic.Message) {
		if !natsConnected.Load() {
			return
		}
		natsMu.RLock()
		c := natsClient
		natsMu.RUnlock()
		if c == nil {
			return
		}
		if b, err := events.Marshal(env); err == nil {
			_ = c.Publish(context.Background(), subject, b)
		}
	}

	publishFound := func(f scanner.Found) {
		env := schema.NewEnvelope(events.DiscoveryDeviceFound)
		env.SetFieldByName("device_id", f.Info.UniqueID)
		env.SetFieldByName("ip", f.IP)
		df := dynamic.NewMessage(schema.DeviceFound)
		df.SetFieldByName("ip", f.IP)
		df.SetFieldByName("device_id", f.Info.UniqueID)
		df.SetFieldByName("kind", string(f.Info.Kind))
		df.SetFieldByName("model", f.Info.Model)
		env.SetFieldByName("device_found", df)
		publish(events.DiscoveryDeviceFound, env)
	}
	publishPoll := func(out repo.PollOutcome, rec repo.PollRecord) {
		env := schema.NewEnvelope(events.PollCompleted)
		env.SetFieldByName("device_id", rec.DeviceID)
		env.SetFieldByName("ip", out.Device.IP)
		pc := dynamic.NewMessage(schema.PollCompleted)
		pc.SetFieldByName("ok", rec.OK)
		pc.SetFieldByName("hashrate_ghs", rec.Info.HashrateGHS)
		pc.SetFieldByName("power_w", rec.Info.PowerW)
		pc.SetFieldByName("temp_c", rec.Info.TempC)
		pc.SetFieldByName("err", rec.Err)
		env.SetFieldByName("poll_completed", pc)
		publish(events.PollCompleted, env)
	}
	publishState := func(d repo.Device) {
		env := schema.NewEnvelope(events.DeviceStateChanged)
		env.SetFieldByName("device_id", d.ID)
		env.SetFieldByName("ip", d.IP)
		sc := dynamic.NewMessage(schema.DeviceStateChanged)
		sc.SetFieldByName("online", d.Online)
		sc.SetFieldByName("err_count", int32(d.ErrCount))
		env.SetFieldByName("device_state_changed", sc)
		publish(events.DeviceStateChanged, env)
	}
	publishRestart := func(d repo.Device) {
		env := schema.NewEnvelope(events.WatchdogRestartIssued)
		env.SetFieldByName("device_id", d.ID)
		env.SetFieldByName("ip", d.IP)
		ri := dynamic.NewMessage(schema.RestartIssued)
		ri.SetFieldByName("reason", "threshold")
		env.SetFieldByName("restart_issued", ri)
		publish(events.WatchdogRestartIssued, env)
	}

	// everything above the protocol clients sees miner.Client
	clientFor := func(d repo.Device, timeout time.Duration) miner.Client {
		if d.Kind == miner.KindAvalon {
			return avalon.New(d.IP, avalon.Config{Timeout: timeout})
		}
		return axeos.New(d.IP, axeos.Config{Timeout: timeout})
	}

	poller := fleet.New(store, clientFor, func() settings.Poller { return cfgStore.Get().Poller }, log.Named("poller"))
	wd := watchdog.New(clientFor, func() settings.Watchdog { return cfgStore.Get().Watchdog }, log.Named("watchdog"))
	wd.SetOnRestart(publishRestart)
	poller.SetOnRecord(func(out repo.PollOutcome, rec repo.PollRecord) {
		publishPoll(out, rec)
		if out.OnlineChanged {
			publishState(out.Device)
		}
		wd.Observe(rootCtx, out, rec)
	})
	poller.Start(rootCtx)

	registerFound := func(f scanner.Found) {
		store.Upsert(repo.Device{
			ID:       f.Info.UniqueID,
			MAC:      f.Info.MAC,
			IP:       f.IP,
			Kind:     f.Info.Kind,
			Hostname: f.Info.Hostname,
			Model:    f.Info.Model,
			Firmware: f.Info.Firmware,
		})
		publishFound(f)
		log.Info("miner discovered",
			zap.String("device", f.Info.UniqueID),
			zap.String("ip", f.IP),
			zap.String("kind", string(f.Info.Kind)),
		)
	}

	type scanJob struct {
		cancel context.CancelFunc
	}
	scanMu := sync.Mutex{}
	scans := map[int64]scanJob{}

	newScanner := func() *scanner.Scanner {
		sc := cfgStore.Get().Scanner
		return scanner.New(scanner.Config{
			Concurrency:   sc.Concurrency,
			ProbeTimeout:  sc.ProbeTimeout,
			AvalonEnabled: sc.AvalonEnabled,
		})
	}

	runScan := func(scanCtx context.Context, subnetID int64, targets []net.IP) {
		defer func() {
			scanMu.Lock()
			delete(scans, subnetID)
			scanMu.Unlock()
			subnetsStore.SetScanState(subnetID, false, 100, time.Now().UTC())
		}()

		_ = newScanner().Scan(scanCtx, targets, store.KnownIPs(),
			func(done, total int) {
				if total <= 0 {
					return
				}
				p := done * 100 / total
				if p > 100 {
					p = 100
				}
				subnetsStore.SetScanState(subnetID, true, p, time.Time{})
			},
			registerFound,
		)
	}

	startScan := func(id int64, targets []net.IP) bool {
		scanMu.Lock()
		if _, exists := scans[id]; exists {
			scanMu.Unlock()
			return false
		}
		scanCtx, cancel := context.WithCancel(rootCtx)
		scans[id] = scanJob{cancel: cancel}
		scanMu.Unlock()
		subnetsStore.SetScanState(id, true, 0, time.Time{})
		go runScan(scanCtx, id, targets)
		return true
	}

	// fleetTargets is the full candidate set: stored subnet seeds, auto-detected
	// interface subnets per settings, plus MikroTik DHCP leases when configured.
	// The merged list is deduped so an overlap never probes a host twice.
	fleetTargets := func() []net.IP {
		s := cfgStore.Get()
		seeds := subnetsStore.SeedSpecs()
		var targets []net.IP
		for _, seed := range seeds {
			targets = append(targets, netutil.SeedTargets(seed)...)
		}
		if s.Scanner.AutoDetect || len(seeds) == 0 {
			targets = append(targets, netutil.EnumerateTargets(nil, true)...)
		}
		if s.MikroTik.Enabled {
			pass, err := sec.DecryptString(s.MikroTik.PasswordEnc)
			if err != nil {
				log.Warn("mikrotik password decrypt", zap.Error(err))
			} else {
				targets = append(targets, mikrotik.LeaseTargets(mikrotik.Config{
					Address:  s.MikroTik.Address,
					Username: s.MikroTik.Username,
					Password: pass,
					Timeout:  s.MikroTik.Timeout,
				})...)
			}
		}
		return netutil.Dedupe(targets)
	}

	reconnectCh := make(chan struct{}, 1)
	requestReconnect := func() {
		select {
		case reconnectCh <- struct{}{}:
		default:
		}
	}

	// Event log: the core consumes its own stream so the API can serve recent
	// fleet events without clients speaking NATS.
	evlog := &eventLog{}
	consume := func(ctx context.Context, c *natsjs.Client) {
		pc, err := c.NewPullConsumer("core-eventlog", ">", 512)
		if err != nil {
			log.Warn("event log consumer", zap.Error(err))
			return
		}
		for {
			msgs, err := pc.Fetch(ctx, 32, 2*time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, context.DeadlineExceeded) {
					// anything other than an idle fetch gets a pause so a
					// broken consumer cannot spin the loop
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
				}
				continue
			}
			for _, m := range msgs {
				if env, err := events.UnmarshalEnvelope(schema, m.Data()); err == nil {
					evlog.add(envelopeEntry(env))
				}
				_ = m.Ack()
			}
		}
	}

	// connect loop
	go func() {
		for {
			select {
			case <-rootCtx.Done():
				natsMu.Lock()
				if natsClient != nil {
					_ = natsClient.Close()
					natsClient = nil
				}
				natsMu.Unlock()
				return
			default:
			}
			cfg := cfgStore.Get()

			c, err := natsjs.Connect(natsjs.Config{
				URL:     cfg.NATSURL,
				Prefix:  cfg.NATSPrefix,
				Timeout: 2 * time.Second,
			})
			if err == nil {
				if err = c.EnsureStreams(); err != nil {
					_ = c.Close()
				}
			}
			if err != nil {
				natsConnected.Store(false)
				natsLastErr.Store(err.Error())
				select {
				case <-rootCtx.Done():
					return
				case <-time.After(2 * time.Second):
					continue
				case <-reconnectCh:
					continue
				}
			}

			natsMu.Lock()
			if natsClient != nil {
				_ = natsClient.Close()
			}
			natsClient = c
			natsMu.Unlock()

			natsConnected.Store(true)
			natsLastErr.Store("")
			log.Info("nats connected", zap.String("url", cfg.NATSURL))

			consCtx, consCancel := context.WithCancel(rootCtx)
			go consume(consCtx, c)

			// wait for explicit reconnect request
			select {
			case <-rootCtx.Done():
				consCancel()
				natsConnected.Store(false)
				natsMu.Lock()
				if natsClient != nil {
					_ = natsClient.Close()
					natsClient = nil
				}
				natsMu.Unlock()
				return
			case <-reconnectCh:
			}
			consCancel()
			natsConnected.Store(false)
		}
	}()

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain")
		_, _ = w.Write([]byte(version.String()))
	})
	r.Get("/api/cidr/preview", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(netutil.PreviewSpec(r.URL.Query().Get("cidr")))
	})
	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		errStr, _ := natsLastErr.Load().(string)
		embMu.Lock()
		embOn := emb != nil
		embMu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"nats_connected": natsConnected.Load(),
			"nats_error":     errStr,
			"embedded_nats":  embOn,
			"started_at":     startedAt.Format(time.RFC3339),
			"uptime_s":       int64(time.Since(startedAt).Seconds()),
			"devices":        len(store.List()),
		})
	})

	// devices
	r.Get("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(store.List())
	})
	r.Get("/api/devices/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		d, ok := store.Get(id)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(d)
	})
	// manual add: reject bad input before touching the network, then probe
	r.Post("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IP   string `json:"ip"`
			Kind string `json:"kind,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		ip := net.ParseIP(strings.TrimSpace(req.IP))
		if ip == nil || ip.To4() == nil {
			http.Error(w, fmt.Sprintf("invalid IPv4 address %q", req.IP), http.StatusBadRequest)
			return
		}
		kinds := []miner.Kind{miner.KindAxeOS, miner.KindAvalon}
		if req.Kind != "" {
			k, ok := miner.ParseKind(req.Kind)
			if !ok {
				http.Error(w, fmt.Sprintf("unknown kind %q", req.Kind), http.StatusBadRequest)
				return
			}
			kinds = []miner.Kind{k}
		}

		timeout := cfgStore.Get().Scanner.ProbeTimeout
		for _, k := range kinds {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			info, err := clientFor(repo.Device{IP: ip.String(), Kind: k}, timeout).SystemInfo(ctx)
			cancel()
			if err != nil || info.UniqueID == "" {
				continue
			}
			registerFound(scanner.Found{IP: ip.String(), Info: info})
			d, _ := store.Get(info.UniqueID)
			w.Header().Set("content-type", "application/json")
			_ = json.NewEncoder(w).Encode(d)
			return
		}
		http.Error(w, "no miner answered at "+ip.String(), http.StatusBadGateway)
	})
	r.Delete("/api/devices/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		if !store.Delete(id) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		wd.Forget(id)
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/api/devices/{id}/records", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		since := time.Time{}
		if q := r.URL.Query().Get("since"); q != "" {
			t, err := time.Parse(time.RFC3339, q)
			if err != nil {
				http.Error(w, "bad since timestamp", http.StatusBadRequest)
				return
			}
			since = t
		}
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(store.Since(id, since))
	})
	r.Post("/api/devices/{id}/poll", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		rec, err := poller.PollOnce(r.Context(), id)
		if errors.Is(err, fleet.ErrPollInFlight) {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(rec)
	})
	r.Post("/api/devices/{id}/restart", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		d, ok := store.Get(id)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		timeout := cfgStore.Get().Poller.PollTimeout
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := clientFor(d, timeout).Restart(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	r.Patch("/api/devices/{id}/settings", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		d, ok := store.Get(id)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var ms miner.Settings
		if err := json.NewDecoder(r.Body).Decode(&ms); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		timeout := cfgStore.Get().Poller.PollTimeout
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := clientFor(d, timeout).UpdateSettings(ctx, ms); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	r.Post("/api/devices/{id}/focus", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		if _, ok := store.Get(id); !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		poller.SetFocus(id)
		w.WriteHeader(http.StatusAccepted)
	})
	r.Delete("/api/devices/focus", func(w http.ResponseWriter, r *http.Request) {
		poller.ClearFocus()
		w.WriteHeader(http.StatusAccepted)
	})

	// fleet-wide refresh waits for the whole batch
	r.Post("/api/refresh", func(w http.ResponseWriter, r *http.Request) {
		if err := poller.RefreshAll(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/api/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(evlog.snapshot())
	})

	r.Get("/api/watchdog", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"config": cfgStore.Get().Watchdog,
			"states": wd.States(),
		})
	})

	// settings
	r.Get("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(cfgStore.Get())
	})
	r.Put("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		var s settings.Settings
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		// seal a submitted plaintext password; absent both fields keeps the
		// stored credential
		if s.MikroTik.Password != "" {
			enc, err := sec.EncryptString(s.MikroTik.Password)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			s.MikroTik.PasswordEnc = enc
		} else if s.MikroTik.PasswordEnc == "" {
			s.MikroTik.PasswordEnc = cfgStore.Get().MikroTik.PasswordEnc
		}
		s.MikroTik.Password = ""
		if err := cfgStore.Update(s); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		startEmbedded(cfgStore.Get())
		requestReconnect()
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(cfgStore.Get())
	})

	// subnets
	r.Get("/api/subnets", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(subnetsStore.List())
	})
	r.Post("/api/subnets", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Seed string `json:"seed"`
			Note string `json:"note"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		sub, err := subnetsStore.Add(req.Seed, req.Note)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		persistSubnets()
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(sub)
	})
	r.Patch("/api/subnets/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if id <= 0 {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Enabled != nil {
			subnetsStore.SetEnabled(id, *req.Enabled)
			persistSubnets()
		}
		w.WriteHeader(http.StatusAccepted)
	})
	r.Delete("/api/subnets/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if id <= 0 {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		scanMu.Lock()
		if j, ok := scans[id]; ok {
			j.cancel()
			delete(scans, id)
		}
		scanMu.Unlock()

		if !subnetsStore.Delete(id) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		persistSubnets()
		w.WriteHeader(http.StatusNoContent)
	})

	// scans
	r.Post("/api/subnets/{id}/scan", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		sub, ok := subnetsStore.Get(id)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		targets := netutil.SeedTargets(sub.Seed)
		if len(targets) == 0 {
			http.Error(w, "seed names no hosts", http.StatusBadRequest)
			return
		}
		startScan(id, targets)
		w.WriteHeader(http.StatusAccepted)
	})
	r.Post("/api/subnets/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		scanMu.Lock()
		j, ok := scans[id]
		if ok {
			j.cancel()
			delete(scans, id)
		}
		scanMu.Unlock()
		if ok {
			subnetsStore.SetScanState(id, false, 0, time.Now().UTC())
		}
		w.WriteHeader(http.StatusAccepted)
	})

	// scan everything: enabled subnets + autodetected interfaces + router
	// leases. runs under the synthetic job id 0 so stop can cancel it too.
	r.Post("/api/scan", func(w http.ResponseWriter, r *http.Request) {
		targets := fleetTargets()
		if len(targets) == 0 {
			http.Error(w, "no scan targets", http.StatusBadRequest)
			return
		}
		startScan(0, targets)
		w.WriteHeader(http.StatusAccepted)
	})
	r.Post("/api/scan/stop", func(w http.ResponseWriter, r *http.Request) {
		scanMu.Lock()
		for id, j := range scans {
			j.cancel()
			delete(scans, id)
			subnetsStore.SetScanState(id, false, 0, time.Now().UTC())
		}
		scanMu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})

	// SSE streams
	r.Get("/api/stream/devices", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusBadRequest)
			return
		}

		w.Header().Set("content-type", "text/event-stream")
		w.Header().Set("cache-control", "no-cache")
		w.Header().Set("connection", "keep-alive")

		ctx := r.Context()
		ch := store.Subscribe(ctx)

		send := func() {
			b, _ := json.Marshal(store.List())
			_, _ = fmt.Fprintf(w, "event: devices\ndata: %s\n\n", b)
			flusher.Flush()
		}
		send()

		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				send()
			case <-heartbeat.C:
				_, _ = fmt.Fprint(w, "event: ping\ndata: 1\n\n")
				flusher.Flush()
			}
		}
	})
	r.Get("/api/stream/subnets", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusBadRequest)
			return
		}

		w.Header().Set("content-type", "text/event-stream")
		w.Header().Set("cache-control", "no-cache")
		w.Header().Set("connection", "keep-alive")

		ctx := r.Context()
		ch := subnetsStore.Subscribe(ctx)

		send := func() {
			b, _ := json.Marshal(subnetsStore.List())
			_, _ = fmt.Fprintf(w, "event: subnets\ndata: %s\n\n", b)
			flusher.Flush()
		}
		send()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				send()
			}
		}
	})

	exitCh := make(chan struct{}, 1)
	r.Post("/api/admin/exit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("bye"))
		select {
		case exitCh <- struct{}{}:
		default:
		}
	})

	addr := cfgStore.Get().HTTPAddr
	ln, actualAddr, err := listenWithFallback(addr)
	if err != nil {
		log.Fatal("http listen", zap.String("addr", addr), zap.Error(err))
	}
	if actualAddr != addr {
		log.Warn("http addr was busy; switched", zap.String("from", addr), zap.String("to", actualAddr))
		_ = cfgStore.Patch(func(s *settings.Settings) { s.HTTPAddr = actualAddr })
	}
	srv := &http.Server{Handler: r}
	go func() {
		log.Info("core http listening", zap.String("addr", actualAddr))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http serve", zap.Error(err))
			select {
			case exitCh <- struct{}{}:
			default:
			}
		}
	}()

	select {
	case <-rootCtx.Done():
	case <-exitCh:
	}

	scanMu.Lock()
	for _, j := range scans {
		j.cancel()
	}
	scans = map[int64]scanJob{}
	scanMu.Unlock()

	poller.Stop()

	natsConnected.Store(false)
	natsMu.Lock()
	if natsClient != nil {
		_ = natsClient.Close()
		natsClient = nil
	}
	natsMu.Unlock()

	embMu.Lock()
	if emb != nil {
		emb.Shutdown()
		emb = nil
	}
	embMu.Unlock()

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	_ = srv.Shutdown(ctxTimeout)
	cancel()
}

const eventLogCap = 256

type eventLogEntry struct {
	ID       string `json:"id"`
	TSUnixMS int64  `json:"ts_unix_ms"`
	Subject  string `json:"subject"`
	DeviceID string `json:"device_id,omitempty"`
	IP       string `json:"ip,omitempty"`
}

type eventLog struct {
	mu  sync.Mutex
	buf []eventLogEntry
}

func (l *eventLog) add(e eventLogEntry) {
	l.mu.Lock()
	l.buf = append(l.buf, e)
	if len(l.buf) > eventLogCap {
		l.buf = l.buf[len(l.buf)-eventLogCap:]
	}
	l.mu.Unlock()
}

// snapshot returns the retained events newest first.
func (l *eventLog) snapshot() []eventLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]eventLogEntry, 0, len(l.buf))
	for i := len(l.buf) - 1; i >= 0; i-- {
		out = append(out, l.buf[i])
	}
	return out
}

func envelopeEntry(env *dynamic.Message) eventLogEntry {
	e := eventLogEntry{}
	if v, ok := env.GetFieldByName("id").(string); ok {
		e.ID = v
	}
	if v, ok := env.GetFieldByName("ts_unix_ms").(int64); ok {
		e.TSUnixMS = v
	}
	if v, ok := env.GetFieldByName("subject").(string); ok {
		e.Subject = v
	}
	if v, ok := env.GetFieldByName("device_id").(string); ok {
		e.DeviceID = v
	}
	if v, ok := env.GetFieldByName("ip").(string); ok {
		e.IP = v
	}
	return e
}

func listenWithFallback(addr string) (net.Listener, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, addr, nil
	}
	if !isAddrInUse(err) {
		return nil, "", err
	}

	host, portStr, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		if len(addr) > 0 && addr[0] == ':' {
			host = ""
			portStr = addr[1:]
		} else {
			return nil, "", err
		}
	}
	port, _ := strconv.Atoi(portStr)
	if port == 0 {
		return nil, "", err
	}

	for i := 1; i <= 20; i++ {
		tryAddr := net.JoinHostPort(host, strconv.Itoa(port+i))
		if l, e := net.Listen("tcp", tryAddr); e == nil {
			return l, tryAddr, nil
		}
	}
	return nil, "", err
}

func isAddrInUse(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "only one usage of each socket address")
}
