package common

import "emperror.dev/errors"

var ErrBotTokenNotSet = errors.NewPlain("discord bot token not set")

type PluginCategory string

const (
	PluginCategoryCore  PluginCategory = "core"
	PluginCategoryFeeds PluginCategory = "feeds"
)

type PluginInfo struct {
	Name     string
	SysName  string
	Category PluginCategory
}

type Plugin interface {
	PluginInfo() *PluginInfo
}

var Plugins []Plugin

// RegisterPlugin registers a plugin, should only be called before the
// processes are started.
func RegisterPlugin(plugin Plugin) {
	Plugins = append(Plugins, plugin)

	logger.Debug("registered plugin: ", plugin.PluginInfo().Name)
}
