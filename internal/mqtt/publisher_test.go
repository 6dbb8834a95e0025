package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"octopusspain/internal/config"
	"octopusspain/internal/coordinator"
	"octopusspain/internal/kraken"
	"octopusspain/pkg/host"
	"octopusspain/pkg/host/hosttest"
	"octopusspain/pkg/plugin"
)

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakePublisher struct {
	mu       sync.Mutex
	messages []message
	err      error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message{topic, qos, retained, payload.([]byte)})
	return newFakeToken(p.err)
}

func (p *fakePublisher) byTopic(topic string) []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []message
	for _, m := range p.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func billingSnapshot() *coordinator.Snapshot {
	return &coordinator.Snapshot{
		Tier: coordinator.TierBilling,
		Accounts: map[string]coordinator.AccountData{
			"A-1": {Number: "A-1", Billing: &kraken.BillingSnapshot{CreditBalance: 12.5}},
			"A-2": {Number: "A-2", Err: kraken.ErrLedgerMissing},
		},
		UpdatedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		PassID:    "pass-7",
	}
}

func newTestBridge(t *testing.T, integ host.Integration) (*Bridge, *fakePublisher) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	pub := &fakePublisher{}
	b := NewBridge(pub, integ, Config{TopicPrefix: "octo", QoS: 1}, logger)
	return b, pub
}

func TestAccountTopic(t *testing.T) {
	assert.Equal(t, "octo/A-1/billing", AccountTopic("octo", "A-1", coordinator.TierBilling))
	assert.Equal(t, "octo/A_1_x_/devices", AccountTopic("octo", "A/1+x#", coordinator.TierDevices))
	assert.Equal(t, "octo/status", StatusTopic("octo"))
}

func TestBridge_StartPublishesCurrentState(t *testing.T) {
	integ := hosttest.NewFakeIntegration()
	integ.SetSnapshot(billingSnapshot())
	b, pub := newTestBridge(t, integ)

	require.NoError(t, b.Start())
	assert.Equal(t, 1, integ.Subscribers())

	// The empty devices tier is not published.
	assert.Empty(t, pub.byTopic("octo/A-1/devices"))

	msgs := pub.byTopic("octo/A-1/billing")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].retained)
	assert.Equal(t, byte(1), msgs[0].qos)

	var payload struct {
		Tier   string `json:"tier"`
		PassID string `json:"pass_id"`
		Data   struct {
			Number  string `json:"number"`
			Billing struct {
				CreditBalance float64 `json:"credit_balance"`
			} `json:"billing"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].payload, &payload))
	assert.Equal(t, "billing", payload.Tier)
	assert.Equal(t, "pass-7", payload.PassID)
	assert.Equal(t, "A-1", payload.Data.Number)
	assert.Equal(t, 12.5, payload.Data.Billing.CreditBalance)

	failed := pub.byTopic("octo/A-2/billing")
	require.Len(t, failed, 1)
	assert.Contains(t, string(failed[0].payload), `"error":"`)

	status := pub.byTopic("octo/status")
	require.Len(t, status, 1)
	assert.Equal(t, AvailabilityOnline, string(status[0].payload))
}

func TestBridge_HandlesEvents(t *testing.T) {
	integ := hosttest.NewFakeIntegration()
	b, pub := newTestBridge(t, integ)
	require.NoError(t, b.Start())

	integ.Emit(coordinator.Event{Tier: coordinator.TierBilling, Snapshot: billingSnapshot()})
	assert.Len(t, pub.byTopic("octo/A-1/billing"), 1)

	// A failed pass publishes no data but updates availability once.
	before := pub.count()
	integ.SetState(host.StateReauthRequired)
	integ.Emit(coordinator.Event{
		Tier:     coordinator.TierBilling,
		Snapshot: billingSnapshot(),
		Err:      &kraken.AuthError{Op: "getAccountBillingInfo"},
	})
	integ.Emit(coordinator.Event{
		Tier:     coordinator.TierDevices,
		Snapshot: &coordinator.Snapshot{Tier: coordinator.TierDevices},
		Err:      &kraken.AuthError{Op: "getDevices"},
	})
	assert.Equal(t, before+1, pub.count())

	status := pub.byTopic("octo/status")
	require.Len(t, status, 2)
	assert.Equal(t, AvailabilityReauthRequired, string(status[1].payload))
}

func TestBridge_Stop(t *testing.T) {
	integ := hosttest.NewFakeIntegration()
	b, pub := newTestBridge(t, integ)
	require.NoError(t, b.Start())

	require.NoError(t, b.Stop())
	assert.Equal(t, 0, integ.Subscribers())

	status := pub.byTopic("octo/status")
	require.Len(t, status, 2)
	assert.Equal(t, AvailabilityOffline, string(status[1].payload))
}

func TestBridge_PublishError(t *testing.T) {
	integ := hosttest.NewFakeIntegration()
	integ.SetSnapshot(billingSnapshot())
	b, pub := newTestBridge(t, integ)
	pub.err = errors.New("not connected")

	err := b.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "octo/A-1/billing")

	// Availability is retried on the next event once the broker is back.
	pub.err = nil
	integ.Emit(coordinator.Event{Tier: coordinator.TierBilling, Snapshot: billingSnapshot()})
	status := pub.byTopic("octo/status")
	require.Len(t, status, 2)
	assert.Equal(t, AvailabilityOnline, string(status[1].payload))
}

func TestCreatePlugin(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	cfg := config.Default()
	ctx := plugin.NewContext(hosttest.NewFakeIntegration(), logger, cfg, nil)

	_, err := createPlugin(ctx)
	assert.ErrorIs(t, err, plugin.ErrDisabled)

	cfg.MQTT.Broker = "tcp://localhost:1883"
	p, err := createPlugin(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mqtt", p.Name())
	assert.NoError(t, p.Stop())
}
