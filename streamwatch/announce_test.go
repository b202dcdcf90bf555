package streamwatch

import (
	"context"
	"strings"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/volatiletech/null/v8"
)

type announceKey struct {
	guildID    int64
	streamerID int64
}

type fakeStore struct {
	announcements map[announceKey]*Announcement
	cursors       map[int64]string

	failAdvance bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		announcements: make(map[announceKey]*Announcement),
		cursors:       make(map[int64]string),
	}
}

func (s *fakeStore) OpenAnnouncement(ctx context.Context, guildID, streamerID int64) (*Announcement, error) {
	a, ok := s.announcements[announceKey{guildID, streamerID}]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) CreateAnnouncement(ctx context.Context, a *Announcement) error {
	cp := *a
	s.announcements[announceKey{a.GuildID, a.StreamerID}] = &cp
	return nil
}

func (s *fakeStore) TouchAnnouncement(ctx context.Context, guildID, streamerID int64, title string) error {
	a, ok := s.announcements[announceKey{guildID, streamerID}]
	if ok {
		a.Title = title
		a.UpdatedAt = time.Now()
	}
	return nil
}

func (s *fakeStore) DeleteAnnouncement(ctx context.Context, guildID, streamerID int64) error {
	delete(s.announcements, announceKey{guildID, streamerID})
	return nil
}

func (s *fakeStore) VodCursor(ctx context.Context, streamerID int64) (string, error) {
	return s.cursors[streamerID], nil
}

func (s *fakeStore) AdvanceVodCursor(ctx context.Context, streamerID int64, videoID string) error {
	if s.failAdvance {
		return errors.New("simulated cursor write failure")
	}
	s.cursors[streamerID] = videoID
	return nil
}

type sentMessage struct {
	channelID int64
	messageID int64
	content   string
}

type fakeSender struct {
	nextID int64

	sends   []sentMessage
	edits   []sentMessage
	deletes []int64

	sendErr   error
	editErr   error
	deleteErr error
}

func (s *fakeSender) Send(ctx context.Context, channelID int64, content string) (int64, error) {
	if s.sendErr != nil {
		return 0, s.sendErr
	}
	s.nextID++
	s.sends = append(s.sends, sentMessage{channelID: channelID, messageID: s.nextID, content: content})
	return s.nextID, nil
}

func (s *fakeSender) Edit(ctx context.Context, channelID, messageID int64, content string) error {
	if s.editErr != nil {
		return s.editErr
	}
	s.edits = append(s.edits, sentMessage{channelID: channelID, messageID: messageID, content: content})
	return nil
}

func (s *fakeSender) Delete(ctx context.Context, channelID, messageID int64) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deletes = append(s.deletes, messageID)
	return nil
}

func testSub() *Subscription {
	return &Subscription{
		GuildID:     100,
		StreamerID:  1,
		ChannelID:   200,
		PublishLive: true,
		PublishVod:  true,
		Enabled:     true,
	}
}

func liveResult(title string) ProbeResult {
	return ResultLive(&LiveStatus{Title: title, URL: "https://example.com/alpha"})
}

func TestAnnounceNewLiveSession(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := NewAnnouncementManager(store, sender)
	streamer := testStreamer(1, PlatformTwitch, "alpha")

	err := m.HandleLiveStatus(context.Background(), testSub(), streamer, liveResult("first stream"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sender.sends) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sender.sends))
	}
	if !strings.Contains(sender.sends[0].content, "alpha") {
		t.Errorf("announcement %q does not mention the streamer", sender.sends[0].content)
	}

	row := store.announcements[announceKey{100, 1}]
	if row == nil {
		t.Fatal("expected an announcement row")
	}
	if row.MessageID != sender.sends[0].messageID {
		t.Errorf("row references message %d, sent %d", row.MessageID, sender.sends[0].messageID)
	}
}

func TestAnnounceLiveIsIdempotent(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := NewAnnouncementManager(store, sender)
	streamer := testStreamer(1, PlatformTwitch, "alpha")

	for i := 0; i < 3; i++ {
		err := m.HandleLiveStatus(context.Background(), testSub(), streamer, liveResult("still the same stream"))
		if err != nil {
			t.Fatalf("run %d: unexpected error: %v", i, err)
		}
	}

	if len(sender.sends) != 1 {
		t.Errorf("expected 1 send across replays, got %d", len(sender.sends))
	}
	if len(sender.edits) != 0 {
		t.Errorf("expected no edits, got %d", len(sender.edits))
	}
}

func TestAnnounceEditDebounce(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := NewAnnouncementManager(store, sender)
	streamer := testStreamer(1, PlatformTwitch, "alpha")
	sub := testSub()

	err := m.HandleLiveStatus(context.Background(), sub, streamer, liveResult("old title"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// a fresh row is inside the debounce window, the title change waits
	err = m.HandleLiveStatus(context.Background(), sub, streamer, liveResult("new title"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.edits) != 0 {
		t.Fatalf("expected edit to be debounced, got %d edits", len(sender.edits))
	}

	// age the row out of the window
	store.announcements[announceKey{100, 1}].UpdatedAt = time.Now().Add(-EditDebounce - time.Minute)

	err = m.HandleLiveStatus(context.Background(), sub, streamer, liveResult("new title"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.edits) != 1 {
		t.Fatalf("expected 1 edit, got %d", len(sender.edits))
	}
	if store.announcements[announceKey{100, 1}].Title != "new title" {
		t.Errorf("row title not updated: %q", store.announcements[announceKey{100, 1}].Title)
	}
}

func TestRetractDeletesRowDespiteMissingMessage(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{deleteErr: ErrMessageNotFound}
	m := NewAnnouncementManager(store, sender)
	streamer := testStreamer(1, PlatformTwitch, "alpha")
	sub := testSub()

	err := m.HandleLiveStatus(context.Background(), sub, streamer, liveResult("going live"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = m.HandleLiveStatus(context.Background(), sub, streamer, ResultOffline())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := store.announcements[announceKey{100, 1}]; ok {
		t.Error("expected the announcement row gone, the row is authoritative")
	}
}

func TestRetractWithoutRowIsNoop(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := NewAnnouncementManager(store, sender)

	err := m.HandleLiveStatus(context.Background(), testSub(), testStreamer(1, PlatformTwitch, "alpha"), ResultOffline())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.deletes) != 0 {
		t.Errorf("expected no deletes, got %d", len(sender.deletes))
	}
}

func TestFailedProbeChangesNothing(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := NewAnnouncementManager(store, sender)
	streamer := testStreamer(1, PlatformTwitch, "alpha")
	sub := testSub()

	err := m.HandleLiveStatus(context.Background(), sub, streamer, liveResult("live"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// a failed probe must not retract the open announcement
	err = m.HandleLiveStatus(context.Background(), sub, streamer, ResultFailed(errors.New("platform down")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := store.announcements[announceKey{100, 1}]; !ok {
		t.Error("expected the announcement row to survive a failed probe")
	}
}

func TestVodDedup(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := NewAnnouncementManager(store, sender)
	streamer := testStreamer(1, PlatformTwitch, "alpha")
	store.cursors[1] = "A"
	subs := []*Subscription{testSub()}

	err := m.HandleUpload(context.Background(), streamer, &Upload{VideoID: "A", Title: "old"}, subs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sends) != 0 {
		t.Fatalf("expected no send for an unchanged cursor, got %d", len(sender.sends))
	}

	err = m.HandleUpload(context.Background(), streamer, &Upload{VideoID: "B", Title: "new"}, subs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sends) != 1 {
		t.Fatalf("expected exactly 1 send, got %d", len(sender.sends))
	}
	if store.cursors[1] != "B" {
		t.Errorf("cursor is %q, expected \"B\"", store.cursors[1])
	}
}

func TestVodFirstCheckOnlySetsCursor(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := NewAnnouncementManager(store, sender)
	streamer := testStreamer(1, PlatformTwitch, "alpha")

	err := m.HandleUpload(context.Background(), streamer, &Upload{VideoID: "A", Title: "backlog"}, []*Subscription{testSub()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sender.sends) != 0 {
		t.Errorf("expected no announcement for the initial cursor, got %d sends", len(sender.sends))
	}
	if store.cursors[1] != "A" {
		t.Errorf("cursor is %q, expected \"A\"", store.cursors[1])
	}
}

func TestVodCrashBetweenSendAndAdvance(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := NewAnnouncementManager(store, sender)
	streamer := testStreamer(1, PlatformTwitch, "alpha")
	store.cursors[1] = "A"
	subs := []*Subscription{testSub()}

	// the cursor write fails after the send, like a crash in between
	store.failAdvance = true
	err := m.HandleUpload(context.Background(), streamer, &Upload{VideoID: "B", Title: "new"}, subs)
	if err == nil {
		t.Fatal("expected an error from the failed cursor advance")
	}
	if len(sender.sends) != 1 {
		t.Fatalf("expected 1 send before the crash, got %d", len(sender.sends))
	}

	// the replay sends one duplicate, then the cursor advances
	store.failAdvance = false
	err = m.HandleUpload(context.Background(), streamer, &Upload{VideoID: "B", Title: "new"}, subs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sends) != 2 {
		t.Errorf("expected exactly one duplicate send on replay, got %d total", len(sender.sends))
	}
	if store.cursors[1] != "B" {
		t.Errorf("cursor is %q, expected \"B\"", store.cursors[1])
	}
}

func TestVodLiveOnlySubscriptionsAdvanceCursor(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := NewAnnouncementManager(store, sender)
	streamer := testStreamer(1, PlatformTwitch, "alpha")
	store.cursors[1] = "A"

	// the last vod-enabled subscription was turned off, the remaining
	// live-only one must neither get an announcement nor wedge the cursor
	sub := testSub()
	sub.PublishVod = false

	err := m.HandleUpload(context.Background(), streamer, &Upload{VideoID: "B", Title: "new"}, []*Subscription{sub})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sends) != 0 {
		t.Fatalf("expected no send for a live-only subscription, got %d", len(sender.sends))
	}
	if store.cursors[1] != "B" {
		t.Errorf("cursor is %q, expected \"B\"", store.cursors[1])
	}
}

func TestRelistAfterRetractCreatesNewRow(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := NewAnnouncementManager(store, sender)
	streamer := testStreamer(1, PlatformTwitch, "alpha")
	sub := testSub()

	err := m.HandleLiveStatus(context.Background(), sub, streamer, liveResult("first session"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstID := store.announcements[announceKey{100, 1}].MessageID

	err = m.HandleLiveStatus(context.Background(), sub, streamer, ResultOffline())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = m.HandleLiveStatus(context.Background(), sub, streamer, liveResult("second session"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sender.sends) != 2 {
		t.Fatalf("expected a fresh announcement after the retract, got %d sends", len(sender.sends))
	}

	row := store.announcements[announceKey{100, 1}]
	if row == nil {
		t.Fatal("expected a new announcement row")
	}
	if row.MessageID == firstID {
		t.Errorf("new session reuses message %d from the retracted one", firstID)
	}
}

func TestVodSendFailureKeepsCursor(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{sendErr: errors.New("channel gone")}
	m := NewAnnouncementManager(store, sender)
	streamer := testStreamer(1, PlatformTwitch, "alpha")
	store.cursors[1] = "A"

	err := m.HandleUpload(context.Background(), streamer, &Upload{VideoID: "B", Title: "new"}, []*Subscription{testSub()})
	if err == nil {
		t.Fatal("expected an error when no announcement could be sent")
	}
	if store.cursors[1] != "A" {
		t.Errorf("cursor advanced without a confirmed send: %q", store.cursors[1])
	}
}

func TestAnnounceCustomTemplate(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	m := NewAnnouncementManager(store, sender)
	streamer := testStreamer(1, PlatformTwitch, "alpha")

	sub := testSub()
	sub.MessageTemplate = null.StringFrom("{{.User}} playing {{.Game}}: {{.Title}}")

	err := m.HandleLiveStatus(context.Background(), sub, streamer, ResultLive(&LiveStatus{
		Title: "speedrun",
		Game:  "some game",
		URL:   "https://example.com/alpha",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sender.sends[0].content != "alpha playing some game: speedrun" {
		t.Errorf("unexpected rendering: %q", sender.sends[0].content)
	}
}
