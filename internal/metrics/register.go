package metrics

import (
	"context"

	"octopusspain/internal/coordinator"
	"octopusspain/pkg/plugin"
)

func init() {
	plugin.Register(plugin.PluginInfo{
		Name:        "metrics",
		Description: "Prometheus gauges from snapshots and refresh counters",
		Priority:    plugin.PriorityDefault,
		Order:       10, // Before the sinks so the first events are counted
		Factory:     createPlugin,
	})
}

func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	if ctx.Registerer == nil {
		return nil, plugin.ErrDisabled
	}
	collector, recorder := NewCollector(ctx.Integration), NewRecorder()
	if err := Register(ctx.Registerer, collector, recorder); err != nil {
		return nil, err
	}
	return &pluginAdapter{ctx: ctx, recorder: recorder}, nil
}

// pluginAdapter feeds refresh events to the recorder while started.
type pluginAdapter struct {
	ctx      *plugin.Context
	recorder *Recorder
	sub      coordinator.Subscription
}

func (p *pluginAdapter) Name() string {
	return "metrics"
}

func (p *pluginAdapter) Start(context.Context) error {
	p.sub = p.ctx.Integration.Subscribe(p.recorder.Observe)
	return nil
}

func (p *pluginAdapter) Stop() error {
	if p.sub != nil {
		p.sub.Unsubscribe()
	}
	return nil
}
