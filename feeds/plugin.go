package feeds

import (
	"sync"

	"github.com/heraldbot/herald/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var MetricPostedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "herald_feeds_posted_messages_total",
	Help: "Total feed messages posted",
}, []string{"source"})

var logger = common.GetFixedPrefixLogger("feeds")

// Plugin is a feed plugin that runs a background poller/worker.
type Plugin interface {
	common.Plugin

	StartFeed()
	StopFeed(*sync.WaitGroup)
}

var Plugins []Plugin

// RegisterPlugin registers a feed plugin, the plugin has to be registered
// with common as well.
func RegisterPlugin(plugin Plugin) {
	Plugins = append(Plugins, plugin)
}

// Run starts the provided feeds, or all registered ones if which is empty.
func Run(which []string) {
	for _, plugin := range Plugins {
		if len(which) > 0 && !containsFeed(which, plugin.PluginInfo().SysName) {
			continue
		}

		logger.Info("starting feed ", plugin.PluginInfo().Name)
		go plugin.StartFeed()
	}
}

func Stop(wg *sync.WaitGroup) {
	for _, plugin := range Plugins {
		logger.Info("stopping feed ", plugin.PluginInfo().Name)
		wg.Add(1)
		go plugin.StopFeed(wg)
	}
}

func containsFeed(feeds []string, name string) bool {
	for _, v := range feeds {
		if v == name {
			return true
		}
	}

	return false
}
