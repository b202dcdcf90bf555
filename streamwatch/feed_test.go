package streamwatch

import (
	"context"
	"sync"
	"testing"
)

// sweepFixture wires a plugin against the test database with a scripted
// prober and a fake sender, close enough to the real worker path to exercise
// RunGlobalSweep end to end.
type sweepFixture struct {
	plugin *Plugin
	sender *fakeSender

	mu      sync.Mutex
	liveNow map[string]bool
}

func newSweepFixture(t *testing.T) *sweepFixture {
	r := requireDB(t)

	f := &sweepFixture{
		sender:  &fakeSender{},
		liveNow: make(map[string]bool),
	}

	probers := NewProberRegistry()
	probers.Register(&testProber{platform: PlatformTwitch, check: func(ctx context.Context, s *Streamer, res *BatchResources) ProbeResult {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.liveNow[s.Username] {
			return ResultLive(&LiveStatus{Title: s.Username + " live", URL: "https://www.twitch.tv/" + s.Username})
		}
		return ResultOffline()
	}})

	f.plugin = &Plugin{
		registry:     r,
		probers:      probers,
		orchestrator: NewCheckOrchestrator(probers, nil, nil),
		manager:      NewAnnouncementManager(r, f.sender),
	}

	return f
}

func (f *sweepFixture) setLive(username string, live bool) {
	f.mu.Lock()
	f.liveNow[username] = live
	f.mu.Unlock()
}

func (f *sweepFixture) openRow(t *testing.T, guildID, streamerID int64) *Announcement {
	t.Helper()

	row, err := f.plugin.registry.OpenAnnouncement(context.Background(), guildID, streamerID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return row
}

func TestGlobalSweepCrossOver(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()

	aliceSub, err := f.plugin.registry.CreateSubscription(ctx, 100, 200, PlatformTwitch, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bobSub, err := f.plugin.registry.CreateSubscription(ctx, 100, 201, PlatformTwitch, "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.setLive("alice", true)

	err = f.plugin.RunGlobalSweep(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.openRow(t, 100, aliceSub.StreamerID) == nil {
		t.Fatal("expected an announcement for the live streamer")
	}
	if f.openRow(t, 100, bobSub.StreamerID) != nil {
		t.Fatal("expected no announcement for the offline streamer")
	}
	if len(f.sender.sends) != 1 {
		t.Fatalf("expected 1 send, got %d", len(f.sender.sends))
	}

	// the next sweep sees them swapped
	f.setLive("alice", false)
	f.setLive("bob", true)

	err = f.plugin.RunGlobalSweep(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.openRow(t, 100, aliceSub.StreamerID) != nil {
		t.Error("expected the first streamer's announcement retracted")
	}
	if f.openRow(t, 100, bobSub.StreamerID) == nil {
		t.Error("expected an announcement for the newly live streamer")
	}
	if len(f.sender.deletes) != 1 {
		t.Errorf("expected 1 message delete, got %d", len(f.sender.deletes))
	}
	if len(f.sender.sends) != 2 {
		t.Errorf("expected 2 sends total, got %d", len(f.sender.sends))
	}
}

func TestGlobalSweepIsIdempotent(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()

	_, err := f.plugin.registry.CreateSubscription(ctx, 100, 200, PlatformTwitch, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.setLive("alice", true)

	for i := 0; i < 3; i++ {
		err = f.plugin.RunGlobalSweep(ctx)
		if err != nil {
			t.Fatalf("sweep %d: unexpected error: %v", i, err)
		}
	}

	if len(f.sender.sends) != 1 {
		t.Errorf("expected 1 send across repeated sweeps, got %d", len(f.sender.sends))
	}
}

func TestIntervalFallbacksWithoutConfig(t *testing.T) {
	// with no config source loaded the options read as zero; a zero Repeat
	// would silently turn the recurring jobs into one-shots
	if got := sweepInterval(); got != SweepInterval {
		t.Errorf("sweep interval is %v, expected %v", got, SweepInterval)
	}
	if got := vodCheckInterval(); got != VodCheckInterval {
		t.Errorf("vod check interval is %v, expected %v", got, VodCheckInterval)
	}
}
