// Package streamwatch watches streamers across several platforms and keeps
// exactly one live announcement per streamer per subscribed guild, plus
// new-upload notifications for subscriptions that opted into them.
package streamwatch

import (
	"github.com/heraldbot/herald/common"
	"github.com/heraldbot/herald/common/config"
	"github.com/heraldbot/herald/common/jobqueue"
	"github.com/heraldbot/herald/feeds"
)

var (
	confTwitchClientID     = config.RegisterOption("herald.twitch.client_id", "Twitch api client id", "")
	confTwitchClientSecret = config.RegisterOption("herald.twitch.client_secret", "Twitch api client secret", "")
	confSpoofedClients     = config.RegisterOption("herald.streamwatch.spoofed_clients", "Number of pooled fingerprint-spoofed http clients", 2)
	confProbeTimeout       = config.RegisterOption("herald.streamwatch.probe_timeout", "Seconds allowed for a single streamer probe", 30)
)

var logger = common.GetPluginLogger(&Plugin{})

type Plugin struct {
	registry     *Registry
	probers      *ProberRegistry
	browsers     *BrowserPool
	spoofed      *SpoofedClientPool
	orchestrator *CheckOrchestrator
	manager      *AnnouncementManager

	queue  *jobqueue.Queue
	worker *jobqueue.Worker
}

func (p *Plugin) PluginInfo() *common.PluginInfo {
	return &common.PluginInfo{
		Name:     "StreamWatch",
		SysName:  "streamwatch",
		Category: common.PluginCategoryFeeds,
	}
}

func RegisterPlugin() {
	common.InitSchemas("streamwatch", DBSchemas...)

	p := &Plugin{
		registry: NewRegistry(common.PQ),
		probers:  NewProberRegistry(),
		browsers: NewBrowserPool(),
	}

	spoofed, err := NewSpoofedClientPool(confSpoofedClients.GetInt())
	if err != nil {
		logger.WithError(err).Error("failed creating spoofed client pool, fingerprint platforms disabled")
	} else {
		p.spoofed = spoofed
	}

	p.probers.Register(NewTwitchProber(confTwitchClientID.GetString(), confTwitchClientSecret.GetString()))
	p.probers.Register(NewKickProber())
	p.probers.Register(NewTikTokProber())
	p.probers.Register(NewYouTubeProber())
	p.probers.Register(NewPicartoProber())

	p.orchestrator = NewCheckOrchestrator(p.probers, p.browsers, p.spoofed)
	if d := confProbeTimeout.GetDuration(); d > 0 {
		p.orchestrator.ProbeTimeout = d
	}
	p.manager = NewAnnouncementManager(p.registry, NewDiscordSender(common.BotSession))

	p.queue = jobqueue.NewQueue("streamwatch", jobqueue.NewRedisBackend(common.RedisPool, "streamwatch"))
	p.worker = jobqueue.NewWorker(p.queue)
	p.registerHandlers()

	common.RegisterPlugin(p)
	feeds.RegisterPlugin(p)
}
