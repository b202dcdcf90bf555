package streamwatch

import (
	"context"
	"net/http"
	"time"

	"emperror.dev/errors"
)

// PicartoProber hits the public channel API, no auth or fingerprint games
// needed.
type PicartoProber struct {
	httpClient *http.Client
}

var _ LiveProber = (*PicartoProber)(nil)

func NewPicartoProber() *PicartoProber {
	return &PicartoProber{
		httpClient: &http.Client{Timeout: time.Second * 15},
	}
}

func (p *PicartoProber) Platform() Platform {
	return PlatformPicarto
}

func (p *PicartoProber) Resources() ResourceNeeds {
	return ResourceNeeds{}
}

type picartoChannelResponse struct {
	Online     bool   `json:"online"`
	Title      string `json:"title"`
	Category   string `json:"category"`
	Thumbnails struct {
		Web string `json:"web"`
	} `json:"thumbnails"`
}

func (p *PicartoProber) CheckLive(ctx context.Context, streamer *Streamer, res *BatchResources) ProbeResult {
	req, err := http.NewRequestWithContext(ctx, "GET", "https://api.picarto.tv/api/v1/channel/name/"+streamer.Username, nil)
	if err != nil {
		return ResultFailed(errors.WithMessage(err, "picarto channel request"))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return ResultFailed(errors.WithMessage(err, "picarto channel request"))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ResultOffline()
	}

	if resp.StatusCode != http.StatusOK {
		return ResultFailed(errors.Errorf("picarto channel request: status %d", resp.StatusCode))
	}

	var decoded picartoChannelResponse
	err = json.NewDecoder(resp.Body).Decode(&decoded)
	if err != nil {
		return ResultFailed(errors.WithMessage(err, "picarto channel response"))
	}

	if !decoded.Online {
		return ResultOffline()
	}

	return ResultLive(&LiveStatus{
		Title:        decoded.Title,
		Game:         decoded.Category,
		URL:          "https://picarto.tv/" + streamer.Username,
		ThumbnailURL: decoded.Thumbnails.Web,
	})
}
