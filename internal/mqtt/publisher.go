// Package mqtt mirrors the bridge's snapshots to an MQTT broker as retained
// JSON messages, one topic per account and tier, plus an availability topic.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"octopusspain/internal/coordinator"
	"octopusspain/pkg/host"
)

// Availability payloads published on <prefix>/status.
const (
	AvailabilityOnline         = "online"
	AvailabilityOffline        = "offline"
	AvailabilityReauthRequired = "reauth_required"
)

const publishTimeout = 10 * time.Second

var errPublishTimeout = errors.New("publish timed out")

// Publisher is the part of paho.Client the bridge uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Config holds the broker settings.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// StatusTopic returns the availability topic for prefix.
func StatusTopic(prefix string) string {
	return prefix + "/status"
}

// AccountTopic returns the retained topic of one account's tier data.
func AccountTopic(prefix, account string, tier coordinator.Tier) string {
	return fmt.Sprintf("%s/%s/%s", prefix, sanitize(account), tier)
}

// sanitize drops the MQTT wildcard and separator characters from a topic level.
func sanitize(level string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, level)
}

// Connect dials the broker with an offline last-will on the status topic.
func Connect(cfg Config, logger *zap.Logger) (paho.Client, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetWill(StatusTopic(cfg.TopicPrefix), AvailabilityOffline, cfg.QoS, true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(_ paho.Client) {
		logger.Info("MQTT connected", zap.String("broker", cfg.Broker))
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, errPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return client, nil
}

// accountPayload is the retained message of one account and tier.
type accountPayload struct {
	Tier      coordinator.Tier        `json:"tier"`
	UpdatedAt time.Time               `json:"updated_at"`
	PassID    string                  `json:"pass_id,omitempty"`
	Data      coordinator.AccountData `json:"data"`
}

// Bridge republishes every successful refresh pass and keeps the
// availability topic in line with the integration state.
type Bridge struct {
	pub    Publisher
	integ  host.Integration
	prefix string
	qos    byte
	logger *zap.Logger

	mu           sync.Mutex
	sub          coordinator.Subscription
	availability string
}

// NewBridge creates a bridge. Nothing is published until Start.
func NewBridge(pub Publisher, integ host.Integration, cfg Config, logger *zap.Logger) *Bridge {
	return &Bridge{
		pub:    pub,
		integ:  integ,
		prefix: cfg.TopicPrefix,
		qos:    cfg.QoS,
		logger: logger.Named("mqtt"),
	}
}

// Start publishes the current snapshots and subscribes to later passes.
func (b *Bridge) Start() error {
	var errs error
	for _, tier := range coordinator.Tiers {
		if snap := b.integ.Snapshot(tier); !snap.IsEmpty() {
			errs = multierr.Append(errs, b.publishSnapshot(snap))
		}
	}
	errs = multierr.Append(errs, b.syncAvailability())

	b.mu.Lock()
	b.sub = b.integ.Subscribe(b.handle)
	b.mu.Unlock()

	b.logger.Info("MQTT bridge started", zap.String("prefix", b.prefix))
	return errs
}

// Stop unsubscribes and marks the bridge offline.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if b.sub != nil {
		b.sub.Unsubscribe()
		b.sub = nil
	}
	b.mu.Unlock()

	return b.setAvailability(AvailabilityOffline)
}

func (b *Bridge) handle(e coordinator.Event) {
	if e.Err == nil && e.Snapshot != nil {
		if err := b.publishSnapshot(e.Snapshot); err != nil {
			b.logger.Warn("Failed to publish snapshot",
				zap.String("tier", string(e.Tier)),
				zap.Error(err))
		}
	}
	if err := b.syncAvailability(); err != nil {
		b.logger.Warn("Failed to publish availability", zap.Error(err))
	}
}

func (b *Bridge) publishSnapshot(snap *coordinator.Snapshot) error {
	var errs error
	for _, number := range snap.AccountNumbers() {
		payload, err := json.Marshal(accountPayload{
			Tier:      snap.Tier,
			UpdatedAt: snap.UpdatedAt,
			PassID:    snap.PassID,
			Data:      snap.Accounts[number],
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("encode %s: %w", number, err))
			continue
		}
		errs = multierr.Append(errs, b.publish(AccountTopic(b.prefix, number, snap.Tier), payload))
	}
	b.logger.Debug("Snapshot published",
		zap.String("tier", string(snap.Tier)),
		zap.Int("accounts", len(snap.Accounts)))
	return errs
}

func (b *Bridge) syncAvailability() error {
	switch b.integ.Status().State {
	case host.StateReady:
		return b.setAvailability(AvailabilityOnline)
	case host.StateReauthRequired:
		return b.setAvailability(AvailabilityReauthRequired)
	default:
		return b.setAvailability(AvailabilityOffline)
	}
}

// setAvailability publishes only on change.
func (b *Bridge) setAvailability(value string) error {
	b.mu.Lock()
	if b.availability == value {
		b.mu.Unlock()
		return nil
	}
	b.availability = value
	b.mu.Unlock()

	b.logger.Info("Availability changed", zap.String("availability", value))
	if err := b.publish(StatusTopic(b.prefix), []byte(value)); err != nil {
		b.mu.Lock()
		b.availability = ""
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *Bridge) publish(topic string, payload []byte) error {
	token := b.pub.Publish(topic, b.qos, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%s: %w", topic, errPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w", topic, err)
	}
	return nil
}
