package streamwatch

import (
	"context"
	"io"
	"sync"
	"time"

	"emperror.dev/errors"
	fhttp "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// ErrPoolExhausted is returned when a pooled resource could not be acquired
// within the timeout; the batch item is skipped, not failed hard.
var ErrPoolExhausted = errors.NewPlain("resource pool exhausted")

// BrowserSession is the shared headless browser handle for one batch. Page
// cost is seconds rather than milliseconds, so a batch reuses one browser
// process instead of launching one per streamer.
type BrowserSession struct {
	browser *rod.Browser
}

// StealthPage opens a new tab with the anti-bot-detection patches applied.
// The caller owns the page and has to close it.
func (s *BrowserSession) StealthPage(ctx context.Context) (*rod.Page, error) {
	page, err := stealth.Page(s.browser)
	if err != nil {
		return nil, errors.WithMessage(err, "create stealth page")
	}

	return page.Context(ctx), nil
}

// BrowserPool lazily launches a single headless Chromium and hands it out
// with a refcount. Acquire/Release pairs bracket a batch; Close tears the
// browser process down.
type BrowserPool struct {
	mu         sync.Mutex
	sess       *BrowserSession
	refs       int
	closeAsked bool
}

func NewBrowserPool() *BrowserPool {
	return &BrowserPool{}
}

func (p *BrowserPool) Acquire(ctx context.Context) (*BrowserSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closeAsked {
		return nil, ErrPoolExhausted
	}

	if p.sess == nil {
		sess, err := launchBrowser()
		if err != nil {
			return nil, err
		}
		p.sess = sess
	}

	p.refs++
	return p.sess, nil
}

func (p *BrowserPool) Release(s *BrowserSession) {
	if s == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.refs--
	if p.refs < 1 && p.closeAsked {
		p.closeLocked()
	}
}

// Close shuts the browser process down, waiting for in-flight batches to
// release it first.
func (p *BrowserPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closeAsked = true
	if p.refs < 1 {
		p.closeLocked()
	}
}

func (p *BrowserPool) closeLocked() {
	if p.sess != nil {
		p.sess.browser.Close()
		p.sess = nil
	}
}

func launchBrowser() (*BrowserSession, error) {
	u, err := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Set("no-sandbox").
		Set("disable-dev-shm-usage").
		Launch()
	if err != nil {
		return nil, errors.WithMessage(err, "launch headless browser")
	}

	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		return nil, errors.WithMessage(err, "connect to headless browser")
	}

	return &BrowserSession{browser: browser}, nil
}

type spoofedDoer interface {
	Do(req *fhttp.Request) (*fhttp.Response, error)
}

// SpoofedClient is an http client that presents a real Chrome TLS handshake;
// platforms that block default Go client fingerprints accept it.
type SpoofedClient struct {
	client spoofedDoer
}

// Get performs a GET with browser-like headers.
func (c *SpoofedClient) Get(ctx context.Context, url string) (status int, body []byte, err error) {
	req, err := fhttp.NewRequestWithContext(ctx, fhttp.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}

	req.Header = fhttp.Header{
		"accept":          {"application/json, text/plain, */*"},
		"accept-language": {"en-US,en;q=0.9"},
		"user-agent":      {"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"},
		fhttp.HeaderOrderKey: {
			"accept",
			"accept-language",
			"user-agent",
		},
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}

	return resp.StatusCode, body, nil
}

// SpoofedClientPool is a fixed-size pool of TLS-fingerprint-spoofing
// clients with an explicit get/put lifecycle.
type SpoofedClientPool struct {
	pool           chan *SpoofedClient
	acquireTimeout time.Duration
}

func NewSpoofedClientPool(size int) (*SpoofedClientPool, error) {
	p := &SpoofedClientPool{
		pool:           make(chan *SpoofedClient, size),
		acquireTimeout: time.Second * 10,
	}

	for i := 0; i < size; i++ {
		opts := []tls_client.HttpClientOption{
			tls_client.WithTimeoutSeconds(15),
			tls_client.WithClientProfile(profiles.Chrome_120),
			tls_client.WithNotFollowRedirects(),
		}

		client, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), opts...)
		if err != nil {
			return nil, errors.WithMessage(err, "build spoofed client")
		}

		p.pool <- &SpoofedClient{client: client}
	}

	return p, nil
}

func (p *SpoofedClientPool) Get(ctx context.Context) (*SpoofedClient, error) {
	select {
	case c := <-p.pool:
		return c, nil
	case <-time.After(p.acquireTimeout):
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *SpoofedClientPool) Put(c *SpoofedClient) {
	if c == nil {
		return
	}

	select {
	case p.pool <- c:
	default:
	}
}
