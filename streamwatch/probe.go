package streamwatch

import (
	"context"
	"time"
)

// Platform identifies a supported streaming platform.
type Platform string

const (
	PlatformTwitch  Platform = "twitch"
	PlatformKick    Platform = "kick"
	PlatformTikTok  Platform = "tiktok"
	PlatformYouTube Platform = "youtube"
	PlatformPicarto Platform = "picarto"
)

// LiveStatus is the transient result of one live check, it is never
// persisted.
type LiveStatus struct {
	Title        string
	Game         string
	URL          string
	ThumbnailURL string
	StartedAt    time.Time
}

// Upload is the most recent published video of a streamer.
type Upload struct {
	VideoID     string
	Title       string
	URL         string
	PublishedAt time.Time
}

type ProbeOutcome int

const (
	// OutcomeOffline means the streamer was checked and is not live.
	OutcomeOffline ProbeOutcome = iota
	// OutcomeLive means the streamer is live, Status carries the metadata.
	OutcomeLive
	// OutcomeFailed means the check itself failed, nothing is known about
	// the streamer's state and no announcement transition may happen.
	OutcomeFailed
)

func (o ProbeOutcome) String() string {
	switch o {
	case OutcomeLive:
		return "live"
	case OutcomeFailed:
		return "failed"
	default:
		return "offline"
	}
}

// ProbeResult is the tagged result of a live check. Probes always return one
// of these, errors never cross the probe boundary.
type ProbeResult struct {
	Outcome ProbeOutcome
	Status  *LiveStatus
	Err     error
}

func ResultLive(status *LiveStatus) ProbeResult {
	return ProbeResult{Outcome: OutcomeLive, Status: status}
}

func ResultOffline() ProbeResult {
	return ProbeResult{Outcome: OutcomeOffline}
}

func ResultFailed(err error) ProbeResult {
	return ProbeResult{Outcome: OutcomeFailed, Err: err}
}

// ResourceNeeds declares which pooled batch resources a prober requires.
type ResourceNeeds struct {
	Browser       bool
	SpoofedClient bool
}

// BatchResources holds the pooled resources acquired once per orchestrator
// batch. Fields the batch's probers don't need stay nil.
type BatchResources struct {
	Browser *BrowserSession
	Spoofed *SpoofedClient
}

// LiveProber checks whether a single streamer is live. Implementations never
// panic across this boundary and never return errors, failures are folded
// into the result.
type LiveProber interface {
	Platform() Platform
	Resources() ResourceNeeds
	CheckLive(ctx context.Context, streamer *Streamer, res *BatchResources) ProbeResult
}

// VODProber is implemented by probers that can also look up the latest
// published video of a streamer.
type VODProber interface {
	LatestUpload(ctx context.Context, streamer *Streamer) (*Upload, error)
}

// IdentityResolver is implemented by probers that can resolve a username to
// the platform's stable user id and display name.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, username string) (platformUserID, displayName string, err error)
}

// ProberRegistry maps platforms to their probers, callers dispatch through
// it instead of branching on the platform at every call site.
type ProberRegistry struct {
	probers map[Platform]LiveProber
}

func NewProberRegistry() *ProberRegistry {
	return &ProberRegistry{
		probers: make(map[Platform]LiveProber),
	}
}

func (r *ProberRegistry) Register(p LiveProber) {
	r.probers[p.Platform()] = p
}

func (r *ProberRegistry) Get(platform Platform) LiveProber {
	return r.probers[platform]
}

// VODProber returns the platform's prober if it supports upload lookups.
func (r *ProberRegistry) VODProber(platform Platform) VODProber {
	if vp, ok := r.probers[platform].(VODProber); ok {
		return vp
	}
	return nil
}

// IdentityResolver returns the platform's prober if it supports id
// resolution.
func (r *ProberRegistry) IdentityResolver(platform Platform) IdentityResolver {
	if ir, ok := r.probers[platform].(IdentityResolver); ok {
		return ir
	}
	return nil
}

// Needs merges the resource needs of the probers for the given platforms.
func (r *ProberRegistry) Needs(platforms []Platform) ResourceNeeds {
	var needs ResourceNeeds
	for _, platform := range platforms {
		p := r.Get(platform)
		if p == nil {
			continue
		}

		n := p.Resources()
		needs.Browser = needs.Browser || n.Browser
		needs.SpoofedClient = needs.SpoofedClient || n.SpoofedClient
	}

	return needs
}
