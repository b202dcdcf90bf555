package streamwatch

import (
	"context"
	"strings"
	"text/template"
	"time"

	"emperror.dev/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/heraldbot/herald/feeds"
)

// DefaultAnnounceTemplate is used when a subscription has no custom message
// template set.
const DefaultAnnounceTemplate = `**{{.User}}** is now live! {{.URL}}`

// DefaultVodTemplate is the new-upload counterpart.
const DefaultVodTemplate = `**{{.User}}** posted a new video: {{.Title}} {{.URL}}`

// EditDebounce is the minimum time between metadata edits of an open
// announcement, so title churn doesn't hammer the message edit endpoint.
const EditDebounce = time.Minute * 10

// ErrMessageNotFound is returned by a MessageSender when the referenced
// message no longer exists or is out of reach. The manager treats it as
// "already gone" rather than a failure.
var ErrMessageNotFound = errors.NewPlain("message not found")

// MessageSender is the messaging collaborator announcements go through.
type MessageSender interface {
	Send(ctx context.Context, channelID int64, content string) (messageID int64, err error)
	Edit(ctx context.Context, channelID, messageID int64, content string) error
	Delete(ctx context.Context, channelID, messageID int64) error
}

// AnnouncementStore is the slice of the registry the manager persists
// through.
type AnnouncementStore interface {
	OpenAnnouncement(ctx context.Context, guildID, streamerID int64) (*Announcement, error)
	CreateAnnouncement(ctx context.Context, a *Announcement) error
	TouchAnnouncement(ctx context.Context, guildID, streamerID int64, title string) error
	DeleteAnnouncement(ctx context.Context, guildID, streamerID int64) error

	VodCursor(ctx context.Context, streamerID int64) (string, error)
	AdvanceVodCursor(ctx context.Context, streamerID int64, videoID string) error
}

var _ AnnouncementStore = (*Registry)(nil)

// AnnouncementManager owns the announcement rows. It is the only component
// that creates or deletes them, and every transition it applies is safe to
// replay because the row is read back before any message is sent.
type AnnouncementManager struct {
	store  AnnouncementStore
	sender MessageSender
}

func NewAnnouncementManager(store AnnouncementStore, sender MessageSender) *AnnouncementManager {
	return &AnnouncementManager{
		store:  store,
		sender: sender,
	}
}

type announceData struct {
	User  string
	Title string
	Game  string
	URL   string
}

func renderTemplate(tmpl string, fallback string, data *announceData) string {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = fallback
	}

	parsed, err := template.New("announcement").Parse(tmpl)
	if err != nil {
		logger.WithError(err).Warn("invalid announcement template, using default")
		parsed = template.Must(template.New("announcement").Parse(fallback))
	}

	var b strings.Builder
	err = parsed.Execute(&b, data)
	if err != nil {
		logger.WithError(err).Warn("failed executing announcement template")
		return data.User + " is now live! " + data.URL
	}

	return b.String()
}

// HandleLiveStatus applies one probe result to one subscription. Failed
// probes change nothing, a live result ensures exactly one open announcement
// exists, an offline result retracts it.
func (m *AnnouncementManager) HandleLiveStatus(ctx context.Context, sub *Subscription, streamer *Streamer, result ProbeResult) error {
	if result.Outcome == OutcomeFailed {
		return nil
	}

	row, err := m.store.OpenAnnouncement(ctx, sub.GuildID, sub.StreamerID)
	if err != nil {
		return errors.WithMessage(err, "read open announcement")
	}

	if result.Outcome == OutcomeLive {
		return m.announceLive(ctx, sub, streamer, result.Status, row)
	}

	return m.retract(ctx, sub, row)
}

func (m *AnnouncementManager) announceLive(ctx context.Context, sub *Subscription, streamer *Streamer, status *LiveStatus, row *Announcement) error {
	if row != nil {
		// same session still announced, at most refresh the metadata
		return m.maybeEdit(ctx, sub, streamer, status, row)
	}

	content := renderTemplate(sub.MessageTemplate.String, DefaultAnnounceTemplate, &announceData{
		User:  streamer.Name(),
		Title: status.Title,
		Game:  status.Game,
		URL:   status.URL,
	})

	messageID, err := m.sender.Send(ctx, sub.ChannelID, content)
	if err != nil {
		return errors.WithMessage(err, "send live announcement")
	}

	feeds.MetricPostedMessages.With(prometheus.Labels{"source": "streamwatch_live"}).Inc()

	// persisted after the confirmed send, a crash in between means a
	// duplicate message on the next sweep instead of an untracked one
	now := time.Now()
	err = m.store.CreateAnnouncement(ctx, &Announcement{
		GuildID:    sub.GuildID,
		StreamerID: sub.StreamerID,
		ChannelID:  sub.ChannelID,
		MessageID:  messageID,
		Title:      status.Title,
		PostedAt:   now,
		UpdatedAt:  now,
	})
	if err != nil {
		return errors.WithMessage(err, "persist announcement")
	}

	return nil
}

func (m *AnnouncementManager) maybeEdit(ctx context.Context, sub *Subscription, streamer *Streamer, status *LiveStatus, row *Announcement) error {
	if status.Title == row.Title {
		return nil
	}

	if time.Since(row.UpdatedAt) < EditDebounce {
		return nil
	}

	content := renderTemplate(sub.MessageTemplate.String, DefaultAnnounceTemplate, &announceData{
		User:  streamer.Name(),
		Title: status.Title,
		Game:  status.Game,
		URL:   status.URL,
	})

	err := m.sender.Edit(ctx, row.ChannelID, row.MessageID, content)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			// someone deleted the message, drop the row so the next
			// sweep reposts
			return m.store.DeleteAnnouncement(ctx, sub.GuildID, sub.StreamerID)
		}
		return errors.WithMessage(err, "edit live announcement")
	}

	return m.store.TouchAnnouncement(ctx, sub.GuildID, sub.StreamerID, status.Title)
}

// retract removes the announcement for a streamer that went offline. The
// message delete is best effort, the row delete is authoritative.
func (m *AnnouncementManager) retract(ctx context.Context, sub *Subscription, row *Announcement) error {
	if row == nil {
		return nil
	}

	err := m.sender.Delete(ctx, row.ChannelID, row.MessageID)
	if err != nil && !errors.Is(err, ErrMessageNotFound) {
		logger.WithError(err).WithField("guild", sub.GuildID).Warn("failed deleting live announcement message")
	}

	return m.store.DeleteAnnouncement(ctx, sub.GuildID, sub.StreamerID)
}

// HandleUpload announces a new upload to every vod-enabled subscription and
// advances the cursor afterwards. Replaying the same job after a crash
// between send and advance produces one duplicate announcement, which is the
// accepted tradeoff; advancing first would silently skip uploads instead.
func (m *AnnouncementManager) HandleUpload(ctx context.Context, streamer *Streamer, upload *Upload, subs []*Subscription) error {
	if upload == nil {
		return nil
	}

	cursor, err := m.store.VodCursor(ctx, streamer.ID)
	if err != nil {
		return errors.WithMessage(err, "read vod cursor")
	}

	if cursor == upload.VideoID {
		return nil
	}

	// first ever check just records the current latest upload, announcing
	// it would replay arbitrarily old content to fresh subscriptions
	if cursor == "" {
		return m.store.AdvanceVodCursor(ctx, streamer.ID, upload.VideoID)
	}

	sent := 0
	eligible := 0
	for _, sub := range subs {
		if !sub.PublishVod || !sub.Enabled {
			continue
		}
		eligible++

		content := renderTemplate("", DefaultVodTemplate, &announceData{
			User:  streamer.Name(),
			Title: upload.Title,
			URL:   upload.URL,
		})

		_, err := m.sender.Send(ctx, sub.ChannelID, content)
		if err != nil {
			logger.WithError(err).WithField("guild", sub.GuildID).Warn("failed sending upload announcement")
			continue
		}

		feeds.MetricPostedMessages.With(prometheus.Labels{"source": "streamwatch_vod"}).Inc()
		sent++
	}

	if sent < 1 && eligible > 0 {
		// no confirmed send, keep the cursor so the next run retries
		return errors.New("no upload announcement could be sent")
	}

	return m.store.AdvanceVodCursor(ctx, streamer.ID, upload.VideoID)
}
