package mqtt

import (
	"context"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"octopusspain/pkg/plugin"
)

func init() {
	plugin.Register(plugin.PluginInfo{
		Name:        "mqtt",
		Description: "Retained per-account snapshots and availability on MQTT",
		Priority:    plugin.PriorityDefault,
		Order:       50,
		Factory:     createPlugin,
	})
}

func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	c := ctx.Config.MQTT
	if c.Broker == "" {
		return nil, plugin.ErrDisabled
	}
	return &pluginAdapter{
		cfg: Config{
			Broker:      c.Broker,
			ClientID:    c.ClientID,
			Username:    c.Username,
			Password:    c.Password,
			TopicPrefix: c.TopicPrefix,
			QoS:         c.QoS,
		},
		ctx:    ctx,
		logger: ctx.Logger.Named("mqtt"),
	}, nil
}

// pluginAdapter connects on Start so a broker outage fails startup loudly.
type pluginAdapter struct {
	cfg    Config
	ctx    *plugin.Context
	logger *zap.Logger

	client paho.Client
	bridge *Bridge
}

func (p *pluginAdapter) Name() string {
	return "mqtt"
}

func (p *pluginAdapter) Start(context.Context) error {
	client, err := Connect(p.cfg, p.logger)
	if err != nil {
		return err
	}
	p.client = client
	p.bridge = NewBridge(client, p.ctx.Integration, p.cfg, p.ctx.Logger)
	return p.bridge.Start()
}

func (p *pluginAdapter) Stop() error {
	var errs error
	if p.bridge != nil {
		errs = multierr.Append(errs, p.bridge.Stop())
	}
	if p.client != nil {
		p.client.Disconnect(250)
	}
	return errs
}
