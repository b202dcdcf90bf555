package streamwatch

import (
	"context"
	"strings"
	"time"
)

// Browser-driven probes scrape the channel page through a stealth tab on the
// shared batch browser. Scraping is unreliable by nature, so every failure
// mode here (navigation error, timeout, marker not found) resolves to
// offline rather than a probe failure. A flaky page must never look like an
// outage and it must never produce a false live announcement either.

const browserPageTimeout = time.Second * 20

// fetchChannelHTML opens a stealth tab, navigates to the channel page and
// returns the rendered document HTML. Empty string on any failure.
func fetchChannelHTML(ctx context.Context, sess *BrowserSession, url string) string {
	ctx, cancel := context.WithTimeout(ctx, browserPageTimeout)
	defer cancel()

	page, err := sess.StealthPage(ctx)
	if err != nil {
		logger.WithError(err).Warn("failed opening stealth page")
		return ""
	}
	defer page.Close()

	err = page.Navigate(url)
	if err != nil {
		return ""
	}

	err = page.WaitLoad()
	if err != nil {
		return ""
	}

	html, err := page.HTML()
	if err != nil {
		return ""
	}

	return html
}

func pageTitle(page string) string {
	const marker = `property="og:title" content="`
	i := strings.Index(page, marker)
	if i < 0 {
		return ""
	}

	rest := page[i+len(marker):]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return ""
	}

	return rest[:end]
}

// TikTokProber inspects the embedded room state on the /live page. Status 2
// means the room is currently broadcasting.
type TikTokProber struct{}

var _ LiveProber = (*TikTokProber)(nil)

func NewTikTokProber() *TikTokProber {
	return &TikTokProber{}
}

func (p *TikTokProber) Platform() Platform {
	return PlatformTikTok
}

func (p *TikTokProber) Resources() ResourceNeeds {
	return ResourceNeeds{Browser: true}
}

func (p *TikTokProber) CheckLive(ctx context.Context, streamer *Streamer, res *BatchResources) ProbeResult {
	if res == nil || res.Browser == nil {
		return ResultOffline()
	}

	url := "https://www.tiktok.com/@" + streamer.Username + "/live"
	html := fetchChannelHTML(ctx, res.Browser, url)
	if html == "" {
		return ResultOffline()
	}

	if !strings.Contains(html, `"status":2`) {
		return ResultOffline()
	}

	return ResultLive(&LiveStatus{
		Title: pageTitle(html),
		URL:   url,
	})
}

// YouTubeProber loads the channel's /live redirect target and looks for the
// player's live marker. An upcoming premiere also carries isLive metadata,
// hence the extra isLiveNow check.
type YouTubeProber struct{}

var _ LiveProber = (*YouTubeProber)(nil)

func NewYouTubeProber() *YouTubeProber {
	return &YouTubeProber{}
}

func (p *YouTubeProber) Platform() Platform {
	return PlatformYouTube
}

func (p *YouTubeProber) Resources() ResourceNeeds {
	return ResourceNeeds{Browser: true}
}

func (p *YouTubeProber) CheckLive(ctx context.Context, streamer *Streamer, res *BatchResources) ProbeResult {
	if res == nil || res.Browser == nil {
		return ResultOffline()
	}

	html := fetchChannelHTML(ctx, res.Browser, "https://www.youtube.com/@"+streamer.Username+"/live")
	if html == "" {
		return ResultOffline()
	}

	if !strings.Contains(html, `"isLiveNow":true`) {
		return ResultOffline()
	}

	watchURL := "https://www.youtube.com/@" + streamer.Username + "/live"
	if i := strings.Index(html, `"videoId":"`); i >= 0 {
		rest := html[i+len(`"videoId":"`):]
		if end := strings.Index(rest, `"`); end > 0 {
			watchURL = "https://www.youtube.com/watch?v=" + rest[:end]
		}
	}

	return ResultLive(&LiveStatus{
		Title: pageTitle(html),
		URL:   watchURL,
	})
}
