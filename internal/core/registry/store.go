package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"axefleet/internal/storage/repo"
)

// maxRecords caps per-device history. Old records fall off the front; retention
// beyond this window is a durable-store concern.
const maxRecords = 720

// Store is the in-memory implementation of repo.Store: devices keyed by unique
// id, append-only per-device poll history, coalesced change notifications.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*repo.Device
	records map[string][]repo.PollRecord

	subMu sync.Mutex
	subs  map[int64]chan struct{}
	subID atomic.Int64
}

func NewStore() *Store {
	return &Store{
		byID:    map[string]*repo.Device{},
		records: map[string][]repo.PollRecord{},
		subs:    map[int64]chan struct{}{},
	}
}

func (s *Store) Upsert(in repo.Device) repo.Device {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.byID[in.ID]
	if d == nil {
		cp := in
		if cp.FirstSeen.IsZero() {
			cp.FirstSeen = now
		}
		cp.LastSeen = now
		s.byID[in.ID] = &cp
		s.notifyLocked()
		return cp
	}
	if in.IP != "" {
		d.IP = in.IP
	}
	if in.MAC != "" {
		d.MAC = in.MAC
	}
	if in.Hostname != "" {
		d.Hostname = in.Hostname
	}
	if in.Model != "" {
		d.Model = in.Model
	}
	if in.Firmware != "" {
		d.Firmware = in.Firmware
	}
	if in.Kind != "" {
		d.Kind = in.Kind
	}
	d.LastSeen = now
	s.notifyLocked()
	return *d
}

func (s *Store) Get(id string) (repo.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	if !ok {
		return repo.Device{}, false
	}
	return *d, true
}

func (s *Store) GetByIP(ip string) (repo.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.byID {
		if d.IP == ip {
			return *d, true
		}
	}
	return repo.Device{}, false
}

func (s *Store) List() []repo.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]repo.Device, 0, len(s.byID))
	for _, d := range s.byID {
		out = append(out, *d)
	}
	return out
}

func (s *Store) KnownIPs() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.byID))
	for _, d := range s.byID {
		if d.IP != "" {
			out[d.IP] = true
		}
	}
	return out
}

// ApplyPoll serializes all poll-driven writes for one device: history append,
// error counter, online classification, hostname/IP adoption. Returns false if
// the device is unknown (e.g. deleted while a poll was in flight).
func (s *Store) ApplyPoll(rec repo.PollRecord, offlineThreshold int, recordFailures bool) (repo.PollOutcome, bool) {
	if rec.TS.IsZero() {
		rec.TS = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.byID[rec.DeviceID]
	if d == nil {
		return repo.PollOutcome{}, false
	}

	wasOnline := d.Online
	if rec.OK {
		d.ErrCount = 0
		d.Online = true
		if h := rec.Info.Hostname; h != "" && h != d.Hostname {
			d.Hostname = h
		}
		if rec.Info.Model != "" {
			d.Model = rec.Info.Model
		}
		if rec.Info.Firmware != "" {
			d.Firmware = rec.Info.Firmware
		}
		d.LastSeen = rec.TS
	} else {
		d.ErrCount++
		if d.ErrCount >= offlineThreshold {
			d.Online = false
		}
	}

	if rec.OK || recordFailures {
		h := append(s.records[rec.DeviceID], rec)
		if len(h) > maxRecords {
			h = h[len(h)-maxRecords:]
		}
		s.records[rec.DeviceID] = h
	}

	s.notifyLocked()
	return repo.PollOutcome{Device: *d, OnlineChanged: wasOnline != d.Online}, true
}

// Delete cascades: the device row and its entire history go together.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	_, ok := s.byID[id]
	if ok {
		delete(s.byID, id)
		delete(s.records, id)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

func (s *Store) Latest(deviceID string) (repo.PollRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.records[deviceID]
	if len(h) == 0 {
		return repo.PollRecord{}, false
	}
	return h[len(h)-1], true
}

// Since snapshots the records at or after t, oldest first. Callers get copies:
// concurrent polls never mutate what an evaluation is reading.
func (s *Store) Since(deviceID string, t time.Time) []repo.PollRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.records[deviceID]
	i := len(h)
	for i > 0 && !h[i-1].TS.Before(t) {
		i--
	}
	out := make([]repo.PollRecord, len(h)-i)
	copy(out, h[i:])
	return out
}

// Subscribe emits a signal (coalesced) when the store changes.
func (s *Store) Subscribe(ctx context.Context) <-chan struct{} {
	id := s.subID.Add(1)
	ch := make(chan struct{}, 1)

	s.subMu.Lock()
	s.subs[id] = ch
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.subs, id)
		close(ch)
		s.subMu.Unlock()
	}()

	return ch
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
			// drop (coalesce)
		}
	}
}

func (s *Store) notifyLocked() {
	// records/device mutexes are separate from subMu; safe to fan out while held
	s.notify()
}
