package streamwatch

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricProbes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "herald_streamwatch_probes_total",
	Help: "Total streamer probes by platform and outcome",
}, []string{"platform", "outcome"})

// DefaultProbeTimeout bounds a single streamer check. Browser-driven checks
// dominate this, API checks finish well under it.
const DefaultProbeTimeout = time.Second * 30

// CheckResult pairs a streamer with the outcome of its probe.
type CheckResult struct {
	Streamer *Streamer
	Result   ProbeResult
}

// CheckOrchestrator fans a batch of streamers out to their platform probers.
// Expensive shared resources (the headless browser, the spoofed TLS client)
// are acquired once per batch and handed to every probe that declared a need
// for them. One slow or broken streamer never holds up the rest of the
// batch.
type CheckOrchestrator struct {
	registry *ProberRegistry
	browsers *BrowserPool
	spoofed  *SpoofedClientPool

	ProbeTimeout time.Duration
}

func NewCheckOrchestrator(registry *ProberRegistry, browsers *BrowserPool, spoofed *SpoofedClientPool) *CheckOrchestrator {
	return &CheckOrchestrator{
		registry:     registry,
		browsers:     browsers,
		spoofed:      spoofed,
		ProbeTimeout: DefaultProbeTimeout,
	}
}

// CheckAll probes every streamer concurrently and returns one result per
// streamer, sorted by display name. It only ever returns an error for
// batch-wide problems; individual probe failures come back as failed
// results.
func (o *CheckOrchestrator) CheckAll(ctx context.Context, streamers []*Streamer) []*CheckResult {
	if len(streamers) < 1 {
		return nil
	}

	platforms := make([]Platform, 0, len(streamers))
	for _, s := range streamers {
		platforms = append(platforms, s.Platform)
	}

	res := o.acquireResources(ctx, o.registry.Needs(platforms))
	defer o.releaseResources(res)

	results := make([]*CheckResult, len(streamers))
	var wg sync.WaitGroup
	for i, s := range streamers {
		i, s := i, s
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := o.checkOne(ctx, s, res)
			metricProbes.With(prometheus.Labels{"platform": string(s.Platform), "outcome": result.Outcome.String()}).Inc()
			results[i] = &CheckResult{
				Streamer: s,
				Result:   result,
			}
		}()
	}
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Streamer.Name() < results[j].Streamer.Name()
	})

	return results
}

// acquireResources grabs whatever the batch's platforms need. A pool that
// cannot deliver is logged and left nil; the affected probes see the nil
// resource and skip themselves instead of failing the whole batch.
func (o *CheckOrchestrator) acquireResources(ctx context.Context, needs ResourceNeeds) *BatchResources {
	res := &BatchResources{}

	if needs.Browser && o.browsers != nil {
		sess, err := o.browsers.Acquire(ctx)
		if err != nil {
			logger.WithError(err).Error("failed acquiring batch browser, skipping browser platforms")
		} else {
			res.Browser = sess
		}
	}

	if needs.SpoofedClient && o.spoofed != nil {
		client, err := o.spoofed.Get(ctx)
		if err != nil {
			logger.WithError(err).Error("failed acquiring spoofed client, skipping fingerprint platforms")
		} else {
			res.Spoofed = client
		}
	}

	return res
}

func (o *CheckOrchestrator) releaseResources(res *BatchResources) {
	if res.Browser != nil {
		o.browsers.Release(res.Browser)
	}
	if res.Spoofed != nil {
		o.spoofed.Put(res.Spoofed)
	}
}

// checkOne runs a single probe under its own deadline. Panics stay inside
// this boundary and come back as failed results.
func (o *CheckOrchestrator) checkOne(ctx context.Context, streamer *Streamer, res *BatchResources) (result ProbeResult) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithField("streamer", streamer.ID).Errorf("recovered from panic in probe: %v\n%s", r, stack)
			result = ResultFailed(errors.Errorf("probe panic: %v", r))
		}
	}()

	prober := o.registry.Get(streamer.Platform)
	if prober == nil {
		return ResultFailed(errors.Errorf("no prober registered for platform %s", streamer.Platform))
	}

	ctx, cancel := context.WithTimeout(ctx, o.ProbeTimeout)
	defer cancel()

	return prober.CheckLive(ctx, streamer, res)
}
