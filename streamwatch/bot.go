package streamwatch

import (
	"context"

	"emperror.dev/errors"
)

// GuildLiveStatus is one currently-live streamer merged with the guild's
// subscription for it.
type GuildLiveStatus struct {
	Streamer     *Streamer
	Subscription *Subscription
	Status       *LiveStatus
}

// CheckCommunityLiveStatus probes every streamer the guild subscribes to and
// returns the live ones, ordered by display name. Nothing is persisted and
// individual probe failures are reported as simply not live; an error only
// comes back when the whole lookup fails.
func (p *Plugin) CheckCommunityLiveStatus(ctx context.Context, guildID int64) ([]*GuildLiveStatus, error) {
	subs, err := p.registry.EnabledSubscriptionsForGuild(ctx, guildID)
	if err != nil {
		return nil, errors.WithMessage(err, "list guild subscriptions")
	}

	if len(subs) < 1 {
		return nil, nil
	}

	bySub := make(map[int64][]*Subscription, len(subs))
	streamers := make([]*Streamer, 0, len(subs))
	for _, sub := range subs {
		if len(bySub[sub.StreamerID]) == 0 {
			streamer, err := p.registry.Streamer(ctx, sub.StreamerID)
			if err != nil {
				return nil, errors.WithMessage(err, "load streamer")
			}
			if streamer == nil {
				continue
			}
			streamers = append(streamers, streamer)
		}
		bySub[sub.StreamerID] = append(bySub[sub.StreamerID], sub)
	}

	results := p.orchestrator.CheckAll(ctx, streamers)

	out := make([]*GuildLiveStatus, 0, len(results))
	for _, r := range results {
		if r.Result.Outcome != OutcomeLive {
			continue
		}

		for _, sub := range bySub[r.Streamer.ID] {
			out = append(out, &GuildLiveStatus{
				Streamer:     r.Streamer,
				Subscription: sub,
				Status:       r.Result.Status,
			})
		}
	}

	return out, nil
}
