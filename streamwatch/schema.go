package streamwatch

var DBSchemas = []string{`
CREATE TABLE IF NOT EXISTS streamers (
	id SERIAL PRIMARY KEY,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL,

	platform TEXT NOT NULL,
	username TEXT NOT NULL,
	platform_user_id TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',

	UNIQUE (platform, username)
);
`, `
CREATE TABLE IF NOT EXISTS stream_subscriptions (
	id SERIAL PRIMARY KEY,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL,
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL,

	guild_id BIGINT NOT NULL,
	streamer_id INT NOT NULL REFERENCES streamers(id) ON DELETE CASCADE,
	channel_id BIGINT NOT NULL,

	message_template TEXT,
	publish_live BOOLEAN NOT NULL DEFAULT TRUE,
	publish_vod BOOLEAN NOT NULL DEFAULT FALSE,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,

	UNIQUE (guild_id, streamer_id)
);
`, `
CREATE INDEX IF NOT EXISTS stream_subscriptions_streamer_idx ON stream_subscriptions (streamer_id);
`, `
CREATE TABLE IF NOT EXISTS stream_announcements (
	guild_id BIGINT NOT NULL,
	streamer_id INT NOT NULL,
	channel_id BIGINT NOT NULL,
	message_id BIGINT NOT NULL,

	title TEXT NOT NULL DEFAULT '',
	posted_at TIMESTAMP WITH TIME ZONE NOT NULL,
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL,

	PRIMARY KEY (guild_id, streamer_id)
);
`, `
CREATE TABLE IF NOT EXISTS vod_cursors (
	streamer_id INT PRIMARY KEY,
	last_video_id TEXT NOT NULL,
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL
);
`}
