package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"axefleet/internal/miner"
	"axefleet/internal/storage/repo"
)

func okRec(id string, info miner.Info) repo.PollRecord {
	return repo.PollRecord{DeviceID: id, TS: time.Now().UTC(), OK: true, Info: info}
}

func failRec(id string) repo.PollRecord {
	return repo.PollRecord{DeviceID: id, TS: time.Now().UTC(), OK: false, Err: "connection refused"}
}

func TestUpsertCreatesAndMerges(t *testing.T) {
	s := NewStore()

	d := s.Upsert(repo.Device{ID: "AA:BB", MAC: "AA:BB", IP: "10.0.0.5", Kind: miner.KindAxeOS})
	require.False(t, d.FirstSeen.IsZero())
	require.False(t, d.Online)

	// IP change keeps the identity and everything already learned
	d2 := s.Upsert(repo.Device{ID: "AA:BB", IP: "10.0.0.9", Hostname: "bitaxe-garage"})
	require.Equal(t, "10.0.0.9", d2.IP)
	require.Equal(t, "AA:BB", d2.MAC)
	require.Equal(t, "bitaxe-garage", d2.Hostname)
	require.Equal(t, d.FirstSeen, d2.FirstSeen)
	require.Len(t, s.List(), 1)
}

func TestApplyPollOfflineThreshold(t *testing.T) {
	s := NewStore()
	s.Upsert(repo.Device{ID: "dev", IP: "10.0.0.5"})

	out, ok := s.ApplyPoll(okRec("dev", miner.Info{Hostname: "h1"}), 5, true)
	require.True(t, ok)
	require.True(t, out.Device.Online)
	require.True(t, out.OnlineChanged)

	// failures below the threshold keep the device online
	for i := 0; i < 4; i++ {
		out, ok = s.ApplyPoll(failRec("dev"), 5, true)
		require.True(t, ok)
		require.True(t, out.Device.Online)
		require.False(t, out.OnlineChanged)
		require.Equal(t, i+1, out.Device.ErrCount)
	}

	// fifth consecutive failure flips it
	out, _ = s.ApplyPoll(failRec("dev"), 5, true)
	require.False(t, out.Device.Online)
	require.True(t, out.OnlineChanged)

	// one success recovers immediately and clears the counter
	out, _ = s.ApplyPoll(okRec("dev", miner.Info{}), 5, true)
	require.True(t, out.Device.Online)
	require.True(t, out.OnlineChanged)
	require.Equal(t, 0, out.Device.ErrCount)
}

func TestApplyPollSuccessResetsCounterMidStreak(t *testing.T) {
	s := NewStore()
	s.Upsert(repo.Device{ID: "dev", IP: "10.0.0.5"})
	s.ApplyPoll(okRec("dev", miner.Info{}), 3, true)

	s.ApplyPoll(failRec("dev"), 3, true)
	s.ApplyPoll(failRec("dev"), 3, true)
	out, _ := s.ApplyPoll(okRec("dev", miner.Info{}), 3, true)
	require.Equal(t, 0, out.Device.ErrCount)
	require.True(t, out.Device.Online)

	// the streak starts over
	s.ApplyPoll(failRec("dev"), 3, true)
	out, _ = s.ApplyPoll(failRec("dev"), 3, true)
	require.True(t, out.Device.Online)
}

func TestApplyPollHostnameAdoption(t *testing.T) {
	s := NewStore()
	s.Upsert(repo.Device{ID: "dev", IP: "10.0.0.5", Hostname: "old"})
	out, _ := s.ApplyPoll(okRec("dev", miner.Info{Hostname: "new", Model: "BitAxe Ultra", Firmware: "v2.1.0"}), 5, true)
	require.Equal(t, "new", out.Device.Hostname)
	require.Equal(t, "BitAxe Ultra", out.Device.Model)
	require.Equal(t, "v2.1.0", out.Device.Firmware)
}

func TestApplyPollUnknownDevice(t *testing.T) {
	s := NewStore()
	_, ok := s.ApplyPoll(okRec("ghost", miner.Info{}), 5, true)
	require.False(t, ok)
}

func TestRecordFailuresToggle(t *testing.T) {
	s := NewStore()
	s.Upsert(repo.Device{ID: "dev", IP: "10.0.0.5"})

	s.ApplyPoll(failRec("dev"), 5, false)
	_, ok := s.Latest("dev")
	require.False(t, ok)

	s.ApplyPoll(failRec("dev"), 5, true)
	rec, ok := s.Latest("dev")
	require.True(t, ok)
	require.False(t, rec.OK)
	require.Equal(t, "connection refused", rec.Err)
}

func TestSinceReturnsOrderedWindow(t *testing.T) {
	s := NewStore()
	s.Upsert(repo.Device{ID: "dev", IP: "10.0.0.5"})

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		s.ApplyPoll(repo.PollRecord{
			DeviceID: "dev",
			TS:       base.Add(time.Duration(i) * time.Minute),
			OK:       true,
			Info:     miner.Info{HashrateGHS: float64(i)},
		}, 5, true)
	}

	all := s.Since("dev", time.Time{})
	require.Len(t, all, 10)
	require.Equal(t, float64(0), all[0].Info.HashrateGHS)
	require.Equal(t, float64(9), all[9].Info.HashrateGHS)

	win := s.Since("dev", base.Add(7*time.Minute))
	require.Len(t, win, 3)
	require.Equal(t, float64(7), win[0].Info.HashrateGHS)
}

func TestDeleteCascadesHistory(t *testing.T) {
	s := NewStore()
	s.Upsert(repo.Device{ID: "dev", IP: "10.0.0.5"})
	s.ApplyPoll(okRec("dev", miner.Info{}), 5, true)

	require.True(t, s.Delete("dev"))
	_, ok := s.Get("dev")
	require.False(t, ok)
	require.Empty(t, s.Since("dev", time.Time{}))
	_, ok = s.Latest("dev")
	require.False(t, ok)

	require.False(t, s.Delete("dev"))
}

func TestKnownIPs(t *testing.T) {
	s := NewStore()
	s.Upsert(repo.Device{ID: "a", IP: "10.0.0.5"})
	s.Upsert(repo.Device{ID: "b", IP: "10.0.0.6"})
	s.Upsert(repo.Device{ID: "c"}) // manual add with identity but no address yet

	ips := s.KnownIPs()
	require.Len(t, ips, 2)
	require.True(t, ips["10.0.0.5"])
	require.True(t, ips["10.0.0.6"])
}

func TestSubscribeCoalesces(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	for i := 0; i < 5; i++ {
		s.Upsert(repo.Device{ID: "dev", IP: "10.0.0.5"})
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}
}
