package kafkasink

import (
	"octopusspain/pkg/plugin"
)

func init() {
	plugin.Register(plugin.PluginInfo{
		Name:        "kafka",
		Description: "Per-account change events on a Kafka topic",
		Priority:    plugin.PriorityDefault,
		Order:       60,
		Factory:     createPlugin,
	})
}

func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	c := ctx.Config.Kafka
	if len(c.Brokers) == 0 {
		return nil, plugin.ErrDisabled
	}
	sink, err := New(Config{Brokers: c.Brokers, Topic: c.Topic}, ctx.Integration, ctx.Logger)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

func (s *Sink) Name() string {
	return "kafka"
}
