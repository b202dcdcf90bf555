package streamwatch

import (
	"context"
	"net/http"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/nicklaw5/helix/v2"
)

// TwitchProber checks liveness through the helix api using a cached app
// access token. It also resolves logins to user ids and looks up the most
// recent archived vod.
type TwitchProber struct {
	clientID     string
	clientSecret string
	tokens       *TokenCache

	httpClient *http.Client
}

var (
	_ LiveProber       = (*TwitchProber)(nil)
	_ VODProber        = (*TwitchProber)(nil)
	_ IdentityResolver = (*TwitchProber)(nil)
)

func NewTwitchProber(clientID, clientSecret string) *TwitchProber {
	p := &TwitchProber{
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: time.Second * 15},
	}

	p.tokens = NewTokenCache(p.exchangeToken)
	return p
}

func (p *TwitchProber) Platform() Platform {
	return PlatformTwitch
}

func (p *TwitchProber) Resources() ResourceNeeds {
	return ResourceNeeds{}
}

func (p *TwitchProber) exchangeToken(ctx context.Context) (*AppToken, error) {
	client, err := helix.NewClient(&helix.Options{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		HTTPClient:   p.httpClient,
	})
	if err != nil {
		return nil, errors.WithStackIf(err)
	}

	resp, err := client.RequestAppAccessToken([]string{})
	if err != nil {
		return nil, errors.WithStackIf(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("twitch token exchange failed: %d %s", resp.StatusCode, resp.ErrorMessage)
	}

	return &AppToken{
		AccessToken: resp.Data.AccessToken,
		ExpiresAt:   time.Now().Add(time.Second * time.Duration(resp.Data.ExpiresIn)),
	}, nil
}

// apiClient builds a throwaway client around the cached token, the helix
// client itself isn't safe to share across concurrent probes.
func (p *TwitchProber) apiClient(token string) (*helix.Client, error) {
	return helix.NewClient(&helix.Options{
		ClientID:       p.clientID,
		AppAccessToken: token,
		HTTPClient:     p.httpClient,
	})
}

func (p *TwitchProber) CheckLive(ctx context.Context, streamer *Streamer, _ *BatchResources) ProbeResult {
	stream, result := p.getStream(ctx, streamer, true)
	if result != nil {
		return *result
	}

	if stream == nil {
		return ResultOffline()
	}

	return ResultLive(&LiveStatus{
		Title:        stream.Title,
		Game:         stream.GameName,
		URL:          "https://www.twitch.tv/" + stream.UserLogin,
		ThumbnailURL: formatThumbnail(stream.ThumbnailURL),
		StartedAt:    stream.StartedAt,
	})
}

// getStream returns the live stream of the streamer, nil when offline. A 401
// invalidates the cached token and retries once before giving up.
func (p *TwitchProber) getStream(ctx context.Context, streamer *Streamer, allowRetry bool) (*helix.Stream, *ProbeResult) {
	token, err := p.tokens.Token(ctx)
	if err != nil {
		r := ResultFailed(errors.WithMessage(err, "twitch token"))
		return nil, &r
	}

	client, err := p.apiClient(token)
	if err != nil {
		r := ResultFailed(err)
		return nil, &r
	}

	resp, err := client.GetStreams(&helix.StreamsParams{
		UserLogins: []string{streamer.Username},
		Type:       "live",
	})
	if err != nil {
		r := ResultFailed(errors.WithMessage(err, "twitch get streams"))
		return nil, &r
	}

	if resp.StatusCode == http.StatusUnauthorized {
		p.tokens.Invalidate(token)
		if allowRetry {
			return p.getStream(ctx, streamer, false)
		}

		r := ResultFailed(errors.NewPlain("twitch rejected the app token twice"))
		return nil, &r
	}

	if resp.StatusCode != http.StatusOK {
		r := ResultFailed(errors.Errorf("twitch get streams: %d %s", resp.StatusCode, resp.ErrorMessage))
		return nil, &r
	}

	if len(resp.Data.Streams) == 0 {
		return nil, nil
	}

	return &resp.Data.Streams[0], nil
}

func (p *TwitchProber) LatestUpload(ctx context.Context, streamer *Streamer) (*Upload, error) {
	if streamer.PlatformUserID == "" {
		return nil, errors.NewPlain("twitch user id not resolved yet")
	}

	token, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	client, err := p.apiClient(token)
	if err != nil {
		return nil, err
	}

	resp, err := client.GetVideos(&helix.VideosParams{
		UserID: streamer.PlatformUserID,
		Type:   "archive",
		First:  1,
	})
	if err != nil {
		return nil, errors.WithStackIf(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("twitch get videos: %d %s", resp.StatusCode, resp.ErrorMessage)
	}

	if len(resp.Data.Videos) == 0 {
		return nil, nil
	}

	video := resp.Data.Videos[0]
	published, _ := time.Parse(time.RFC3339, video.CreatedAt)

	return &Upload{
		VideoID:     video.ID,
		Title:       video.Title,
		URL:         video.URL,
		PublishedAt: published,
	}, nil
}

func (p *TwitchProber) ResolveIdentity(ctx context.Context, username string) (string, string, error) {
	token, err := p.tokens.Token(ctx)
	if err != nil {
		return "", "", err
	}

	client, err := p.apiClient(token)
	if err != nil {
		return "", "", err
	}

	resp, err := client.GetUsers(&helix.UsersParams{
		Logins: []string{username},
	})
	if err != nil {
		return "", "", errors.WithStackIf(err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", "", errors.Errorf("twitch get users: %d %s", resp.StatusCode, resp.ErrorMessage)
	}

	if len(resp.Data.Users) == 0 {
		return "", "", errors.NewPlain("twitch user not found: " + username)
	}

	return resp.Data.Users[0].ID, resp.Data.Users[0].DisplayName, nil
}

func formatThumbnail(templated string) string {
	replaced := strings.Replace(templated, "{width}", "1280", 1)
	return strings.Replace(replaced, "{height}", "720", 1)
}
