package streamwatch

import (
	"context"
	"database/sql"
	"time"

	"emperror.dev/errors"
	"github.com/jmoiron/sqlx"
	"github.com/volatiletech/null/v8"
)

// Streamer is one tracked identity on a platform. There is exactly one row
// per unique (platform, username) no matter how many guilds subscribe to it.
type Streamer struct {
	ID             int64     `db:"id"`
	CreatedAt      time.Time `db:"created_at"`
	Platform       Platform  `db:"platform"`
	Username       string    `db:"username"`
	PlatformUserID string    `db:"platform_user_id"`
	DisplayName    string    `db:"display_name"`
}

// Name returns the display name, falling back to the username.
func (s *Streamer) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Username
}

// Subscription links a guild to a streamer.
type Subscription struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	GuildID    int64 `db:"guild_id"`
	StreamerID int64 `db:"streamer_id"`
	ChannelID  int64 `db:"channel_id"`

	MessageTemplate null.String `db:"message_template"`
	PublishLive     bool        `db:"publish_live"`
	PublishVod      bool        `db:"publish_vod"`
	Enabled         bool        `db:"enabled"`
}

// Announcement records a posted live message. Its existence is the belief
// that the streamer is currently announced live in that guild; at most one
// open row exists per (guild, streamer).
type Announcement struct {
	GuildID    int64 `db:"guild_id"`
	StreamerID int64 `db:"streamer_id"`
	ChannelID  int64 `db:"channel_id"`
	MessageID  int64 `db:"message_id"`

	Title     string    `db:"title"`
	PostedAt  time.Time `db:"posted_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Registry is the postgres data access layer for streamers, subscriptions,
// announcements and vod cursors.
type Registry struct {
	db *sqlx.DB
}

func NewRegistry(db *sqlx.DB) *Registry {
	return &Registry{db: db}
}

// FindCreateStreamer returns the streamer row for (platform, username),
// creating it on first subscription.
func (r *Registry) FindCreateStreamer(ctx context.Context, platform Platform, username string) (*Streamer, error) {
	const query = `
INSERT INTO streamers (created_at, platform, username)
VALUES (now(), $1, $2)
ON CONFLICT (platform, username) DO UPDATE SET platform = EXCLUDED.platform
RETURNING id, created_at, platform, username, platform_user_id, display_name;`

	var s Streamer
	err := r.db.GetContext(ctx, &s, query, platform, username)
	if err != nil {
		return nil, errors.WithStackIf(err)
	}

	return &s, nil
}

func (r *Registry) Streamer(ctx context.Context, id int64) (*Streamer, error) {
	const query = `SELECT id, created_at, platform, username, platform_user_id, display_name FROM streamers WHERE id = $1;`

	var s Streamer
	err := r.db.GetContext(ctx, &s, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.WithStackIf(err)
	}

	return &s, nil
}

// ActiveStreamers returns the deduplicated set of streamers with at least
// one enabled subscription, the input of the global sweep.
func (r *Registry) ActiveStreamers(ctx context.Context) ([]*Streamer, error) {
	const query = `
SELECT DISTINCT s.id, s.created_at, s.platform, s.username, s.platform_user_id, s.display_name
FROM streamers s
JOIN stream_subscriptions sub ON sub.streamer_id = s.id
WHERE sub.enabled;`

	var out []*Streamer
	err := r.db.SelectContext(ctx, &out, query)
	return out, errors.WithStackIf(err)
}

// VodStreamers returns streamers with at least one enabled vod-publishing
// subscription, the predicate for per-streamer vod jobs.
func (r *Registry) VodStreamers(ctx context.Context) ([]*Streamer, error) {
	const query = `
SELECT DISTINCT s.id, s.created_at, s.platform, s.username, s.platform_user_id, s.display_name
FROM streamers s
JOIN stream_subscriptions sub ON sub.streamer_id = s.id
WHERE sub.enabled AND sub.publish_vod;`

	var out []*Streamer
	err := r.db.SelectContext(ctx, &out, query)
	return out, errors.WithStackIf(err)
}

// StreamersMissingID returns streamers whose platform user id has not been
// resolved yet.
func (r *Registry) StreamersMissingID(ctx context.Context) ([]*Streamer, error) {
	const query = `SELECT id, created_at, platform, username, platform_user_id, display_name FROM streamers WHERE platform_user_id = '';`

	var out []*Streamer
	err := r.db.SelectContext(ctx, &out, query)
	return out, errors.WithStackIf(err)
}

func (r *Registry) UpdateStreamerIdentity(ctx context.Context, id int64, platformUserID, displayName string) error {
	const query = `UPDATE streamers SET platform_user_id = $2, display_name = $3 WHERE id = $1;`

	_, err := r.db.ExecContext(ctx, query, id, platformUserID, displayName)
	return errors.WithStackIf(err)
}

// DeleteOrphanStreamers removes streamers with no subscriptions left, run by
// the roster sync job.
func (r *Registry) DeleteOrphanStreamers(ctx context.Context) (int64, error) {
	const query = `
DELETE FROM streamers s
WHERE NOT EXISTS (SELECT 1 FROM stream_subscriptions sub WHERE sub.streamer_id = s.id);`

	result, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, errors.WithStackIf(err)
	}

	n, _ := result.RowsAffected()
	return n, nil
}

const subscriptionColumns = `id, created_at, updated_at, guild_id, streamer_id, channel_id, message_template, publish_live, publish_vod, enabled`

// CreateSubscription subscribes a guild channel to a streamer, creating the
// streamer row if needed.
func (r *Registry) CreateSubscription(ctx context.Context, guildID, channelID int64, platform Platform, username string) (*Subscription, error) {
	streamer, err := r.FindCreateStreamer(ctx, platform, username)
	if err != nil {
		return nil, err
	}

	const query = `
INSERT INTO stream_subscriptions (created_at, updated_at, guild_id, streamer_id, channel_id)
VALUES (now(), now(), $1, $2, $3)
ON CONFLICT (guild_id, streamer_id) DO UPDATE SET channel_id = $3, updated_at = now(), enabled = true
RETURNING ` + subscriptionColumns + `;`

	var sub Subscription
	err = r.db.GetContext(ctx, &sub, query, guildID, streamer.ID, channelID)
	return &sub, errors.WithStackIf(err)
}

func (r *Registry) DeleteSubscription(ctx context.Context, guildID, streamerID int64) error {
	const query = `DELETE FROM stream_subscriptions WHERE guild_id = $1 AND streamer_id = $2;`

	_, err := r.db.ExecContext(ctx, query, guildID, streamerID)
	return errors.WithStackIf(err)
}

// EnabledSubscriptions returns all enabled subscriptions.
func (r *Registry) EnabledSubscriptions(ctx context.Context) ([]*Subscription, error) {
	const query = `SELECT ` + subscriptionColumns + ` FROM stream_subscriptions WHERE enabled;`

	var out []*Subscription
	err := r.db.SelectContext(ctx, &out, query)
	return out, errors.WithStackIf(err)
}

func (r *Registry) EnabledSubscriptionsForGuild(ctx context.Context, guildID int64) ([]*Subscription, error) {
	const query = `SELECT ` + subscriptionColumns + ` FROM stream_subscriptions WHERE enabled AND guild_id = $1;`

	var out []*Subscription
	err := r.db.SelectContext(ctx, &out, query, guildID)
	return out, errors.WithStackIf(err)
}

// DisableChannelSubscriptions turns off all subscriptions posting to the
// given channel, used when the channel is gone or the bot lacks access.
func (r *Registry) DisableChannelSubscriptions(ctx context.Context, channelID int64) error {
	const query = `UPDATE stream_subscriptions SET enabled = false, updated_at = now() WHERE channel_id = $1;`

	_, err := r.db.ExecContext(ctx, query, channelID)
	return errors.WithStackIf(err)
}

// OpenAnnouncement returns the open announcement for (guild, streamer), or
// nil when there is none.
func (r *Registry) OpenAnnouncement(ctx context.Context, guildID, streamerID int64) (*Announcement, error) {
	const query = `
SELECT guild_id, streamer_id, channel_id, message_id, title, posted_at, updated_at
FROM stream_announcements WHERE guild_id = $1 AND streamer_id = $2;`

	var a Announcement
	err := r.db.GetContext(ctx, &a, query, guildID, streamerID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.WithStackIf(err)
	}

	return &a, nil
}

func (r *Registry) CreateAnnouncement(ctx context.Context, a *Announcement) error {
	const query = `
INSERT INTO stream_announcements (guild_id, streamer_id, channel_id, message_id, title, posted_at, updated_at)
VALUES ($1, $2, $3, $4, $5, now(), now());`

	_, err := r.db.ExecContext(ctx, query, a.GuildID, a.StreamerID, a.ChannelID, a.MessageID, a.Title)
	return errors.WithStackIf(err)
}

// TouchAnnouncement records an edit of the live message.
func (r *Registry) TouchAnnouncement(ctx context.Context, guildID, streamerID int64, title string) error {
	const query = `UPDATE stream_announcements SET title = $3, updated_at = now() WHERE guild_id = $1 AND streamer_id = $2;`

	_, err := r.db.ExecContext(ctx, query, guildID, streamerID, title)
	return errors.WithStackIf(err)
}

func (r *Registry) DeleteAnnouncement(ctx context.Context, guildID, streamerID int64) error {
	const query = `DELETE FROM stream_announcements WHERE guild_id = $1 AND streamer_id = $2;`

	_, err := r.db.ExecContext(ctx, query, guildID, streamerID)
	return errors.WithStackIf(err)
}

// PurgeAnnouncements drops every announcement row, run once on worker
// startup since any state from before the restart can't be trusted.
func (r *Registry) PurgeAnnouncements(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM stream_announcements;`)
	if err != nil {
		return 0, errors.WithStackIf(err)
	}

	n, _ := result.RowsAffected()
	return n, nil
}

// VodCursor returns the last announced video id for the streamer, empty when
// none was recorded yet.
func (r *Registry) VodCursor(ctx context.Context, streamerID int64) (string, error) {
	const query = `SELECT last_video_id FROM vod_cursors WHERE streamer_id = $1;`

	var id string
	err := r.db.GetContext(ctx, &id, query, streamerID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", errors.WithStackIf(err)
	}

	return id, nil
}

// AdvanceVodCursor moves the cursor forward, only called after a confirmed
// send.
func (r *Registry) AdvanceVodCursor(ctx context.Context, streamerID int64, videoID string) error {
	const query = `
INSERT INTO vod_cursors (streamer_id, last_video_id, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (streamer_id) DO UPDATE SET last_video_id = $2, updated_at = now();`

	_, err := r.db.ExecContext(ctx, query, streamerID, videoID)
	return errors.WithStackIf(err)
}
