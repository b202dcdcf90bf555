package streamwatch

import (
	"context"
	"strconv"
	"sync"
	"time"

	"emperror.dev/errors"

	"github.com/heraldbot/herald/common/config"
	"github.com/heraldbot/herald/common/jobqueue"
)

const (
	SweepInterval        = time.Minute * 3
	VodCheckInterval     = time.Minute * 30
	RosterSyncInterval   = time.Hour * 6
	IdentitySyncInterval = time.Hour
)

var (
	confSweepInterval    = config.RegisterOption("herald.streamwatch.sweep_interval", "Seconds between global live sweeps", 180)
	confVodCheckInterval = config.RegisterOption("herald.streamwatch.vod_check_interval", "Seconds between vod checks per streamer", 1800)
)

func sweepInterval() time.Duration {
	if d := confSweepInterval.GetDuration(); d > 0 {
		return d
	}
	return SweepInterval
}

func vodCheckInterval() time.Duration {
	if d := confVodCheckInterval.GetDuration(); d > 0 {
		return d
	}
	return VodCheckInterval
}

const sweepTimeout = time.Minute * 2

type vodJobData struct {
	StreamerID int64 `json:"streamer_id"`
}

func vodJobID(streamerID int64) string {
	return "vod_check:" + strconv.FormatInt(streamerID, 10)
}

func (p *Plugin) registerHandlers() {
	p.worker.RegisterHandler("live_sweep", nil, p.handleLiveSweep)
	p.worker.RegisterHandler("vod_check", vodJobData{}, p.handleVodCheck)
	p.worker.RegisterHandler("roster_sync", nil, p.handleRosterSync)
	p.worker.RegisterHandler("identity_sync", nil, p.handleIdentitySync)
}

func (p *Plugin) StartFeed() {
	// announcements from a previous run may reference streams long over,
	// a purge here makes the first sweep repost anything genuinely live
	n, err := p.registry.PurgeAnnouncements(context.Background())
	if err != nil {
		logger.WithError(err).Error("failed purging stale announcements")
	} else if n > 0 {
		logger.Infof("purged %d stale announcements", n)
	}

	p.worker.Run()
}

func (p *Plugin) StopFeed(wg *sync.WaitGroup) {
	var workerDone sync.WaitGroup
	workerDone.Add(1)
	p.worker.Stop(&workerDone)
	workerDone.Wait()

	p.browsers.Close()
	wg.Done()
}

// ScheduleJobs upserts the recurring jobs under their stable ids. Running it
// again is a no-op for jobs that already exist; it never creates a second
// timer for the same id.
func (p *Plugin) ScheduleJobs() error {
	err := p.queue.Add("live_sweep", nil, jobqueue.AddOptions{Repeat: sweepInterval()})
	if err != nil {
		return errors.WithMessage(err, "schedule live_sweep")
	}

	err = p.queue.Add("roster_sync", nil, jobqueue.AddOptions{Repeat: RosterSyncInterval})
	if err != nil {
		return errors.WithMessage(err, "schedule roster_sync")
	}

	err = p.queue.Add("identity_sync", nil, jobqueue.AddOptions{Repeat: IdentitySyncInterval})
	if err != nil {
		return errors.WithMessage(err, "schedule identity_sync")
	}

	return p.syncVodJobs(context.Background())
}

// syncVodJobs keeps exactly one vod_check job per streamer that still has a
// vod-enabled subscription, retiring jobs whose predicate no longer holds.
func (p *Plugin) syncVodJobs(ctx context.Context) error {
	streamers, err := p.registry.VodStreamers(ctx)
	if err != nil {
		return errors.WithMessage(err, "list vod streamers")
	}

	wanted := make(map[string]bool, len(streamers))
	for _, s := range streamers {
		id := vodJobID(s.ID)
		wanted[id] = true

		err = p.queue.Add("vod_check", vodJobData{StreamerID: s.ID}, jobqueue.AddOptions{
			JobID:  id,
			Repeat: vodCheckInterval(),
		})
		if err != nil {
			return errors.WithMessagef(err, "schedule %s", id)
		}
	}

	existing, err := p.queue.JobIDs("vod_check:")
	if err != nil {
		return errors.WithMessage(err, "list vod jobs")
	}

	for _, id := range existing {
		if wanted[id] {
			continue
		}

		err = p.queue.Retire(id)
		if err != nil {
			return errors.WithMessagef(err, "retire %s", id)
		}

		logger.WithField("job", id).Info("retired orphaned vod job")
	}

	return nil
}

func (p *Plugin) handleLiveSweep(job *jobqueue.Job, data interface{}) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	return false, p.RunGlobalSweep(ctx)
}

// RunGlobalSweep probes every streamer with at least one enabled
// subscription and applies the results to all their subscriptions. Safe to
// run concurrently with itself in the replay sense: applying the same
// results twice changes nothing.
func (p *Plugin) RunGlobalSweep(ctx context.Context) error {
	streamers, err := p.registry.ActiveStreamers(ctx)
	if err != nil {
		return errors.WithMessage(err, "list active streamers")
	}

	if len(streamers) < 1 {
		return nil
	}

	subs, err := p.registry.EnabledSubscriptions(ctx)
	if err != nil {
		return errors.WithMessage(err, "list subscriptions")
	}

	byStreamer := make(map[int64][]*Subscription)
	for _, sub := range subs {
		byStreamer[sub.StreamerID] = append(byStreamer[sub.StreamerID], sub)
	}

	results := p.orchestrator.CheckAll(ctx, streamers)

	live := 0
	for _, r := range results {
		if r.Result.Outcome == OutcomeLive {
			live++
		}

		for _, sub := range byStreamer[r.Streamer.ID] {
			if !sub.PublishLive {
				continue
			}

			err = p.manager.HandleLiveStatus(ctx, sub, r.Streamer, r.Result)
			if err != nil {
				logger.WithError(err).WithField("guild", sub.GuildID).WithField("streamer", r.Streamer.ID).Error("failed applying live status")
			}
		}
	}

	logger.Infof("sweep done, %d/%d live", live, len(results))
	return nil
}

func (p *Plugin) handleVodCheck(job *jobqueue.Job, data interface{}) (bool, error) {
	d := data.(*vodJobData)

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	streamer, err := p.registry.Streamer(ctx, d.StreamerID)
	if err != nil {
		return true, errors.WithMessage(err, "load streamer")
	}

	if streamer == nil {
		// deleted since scheduling, drop the job
		return false, p.queue.Retire(job.ID)
	}

	prober := p.probers.VODProber(streamer.Platform)
	if prober == nil {
		return false, nil
	}

	upload, err := prober.LatestUpload(ctx, streamer)
	if err != nil {
		return true, errors.WithMessage(err, "latest upload")
	}

	subs, err := p.registry.EnabledSubscriptions(ctx)
	if err != nil {
		return true, errors.WithMessage(err, "list subscriptions")
	}

	forStreamer := make([]*Subscription, 0, 4)
	for _, sub := range subs {
		if sub.StreamerID == streamer.ID && sub.PublishVod {
			forStreamer = append(forStreamer, sub)
		}
	}

	err = p.manager.HandleUpload(ctx, streamer, upload, forStreamer)
	if err != nil {
		return true, err
	}

	return false, nil
}

func (p *Plugin) handleRosterSync(job *jobqueue.Job, data interface{}) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	n, err := p.registry.DeleteOrphanStreamers(ctx)
	if err != nil {
		return true, errors.WithMessage(err, "delete orphan streamers")
	}

	if n > 0 {
		logger.Infof("roster sync removed %d orphaned streamers", n)
	}

	return false, p.syncVodJobs(ctx)
}

func (p *Plugin) handleIdentitySync(job *jobqueue.Job, data interface{}) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	streamers, err := p.registry.StreamersMissingID(ctx)
	if err != nil {
		return true, errors.WithMessage(err, "list streamers missing platform id")
	}

	for _, s := range streamers {
		resolver := p.probers.IdentityResolver(s.Platform)
		if resolver == nil {
			continue
		}

		userID, displayName, err := resolver.ResolveIdentity(ctx, s.Username)
		if err != nil {
			logger.WithError(err).WithField("streamer", s.ID).Warn("failed resolving streamer identity")
			continue
		}

		err = p.registry.UpdateStreamerIdentity(ctx, s.ID, userID, displayName)
		if err != nil {
			return true, errors.WithMessage(err, "update streamer identity")
		}
	}

	return false, nil
}
