package streamwatch

import (
	"context"
	"net/http"
	"time"

	"emperror.dev/errors"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// KickProber checks liveness through kick's channel endpoint. Kick blocks
// requests with a default Go TLS fingerprint, so every request goes through
// a pooled spoofed client presenting a real Chrome handshake.
type KickProber struct{}

var _ LiveProber = (*KickProber)(nil)

func NewKickProber() *KickProber {
	return &KickProber{}
}

func (p *KickProber) Platform() Platform {
	return PlatformKick
}

func (p *KickProber) Resources() ResourceNeeds {
	return ResourceNeeds{SpoofedClient: true}
}

type kickChannelResponse struct {
	Livestream *struct {
		IsLive       bool   `json:"is_live"`
		SessionTitle string `json:"session_title"`
		CreatedAt    string `json:"created_at"`
		Categories   []struct {
			Name string `json:"name"`
		} `json:"categories"`
		Thumbnail struct {
			URL string `json:"url"`
		} `json:"thumbnail"`
	} `json:"livestream"`
}

func (p *KickProber) CheckLive(ctx context.Context, streamer *Streamer, res *BatchResources) ProbeResult {
	if res == nil || res.Spoofed == nil {
		return ResultFailed(ErrPoolExhausted)
	}

	status, body, err := res.Spoofed.Get(ctx, "https://kick.com/api/v2/channels/"+streamer.Username)
	if err != nil {
		return ResultFailed(errors.WithMessage(err, "kick channel request"))
	}

	if status == http.StatusNotFound {
		return ResultOffline()
	}

	if status != http.StatusOK {
		return ResultFailed(errors.Errorf("kick channel request: status %d", status))
	}

	var decoded kickChannelResponse
	err = json.Unmarshal(body, &decoded)
	if err != nil {
		return ResultFailed(errors.WithMessage(err, "kick channel response"))
	}

	if decoded.Livestream == nil || !decoded.Livestream.IsLive {
		return ResultOffline()
	}

	startedAt, _ := time.Parse("2006-01-02 15:04:05", decoded.Livestream.CreatedAt)

	game := ""
	if len(decoded.Livestream.Categories) > 0 {
		game = decoded.Livestream.Categories[0].Name
	}

	return ResultLive(&LiveStatus{
		Title:        decoded.Livestream.SessionTitle,
		Game:         game,
		URL:          "https://kick.com/" + streamer.Username,
		ThumbnailURL: decoded.Livestream.Thumbnail.URL,
		StartedAt:    startedAt,
	})
}
