package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"octopusspain/internal/config"
	"octopusspain/internal/coordinator"
	"octopusspain/internal/kraken"
	"octopusspain/pkg/host/hosttest"
	"octopusspain/pkg/plugin"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

func devicesSnapshot(pass string, soc int) *coordinator.Snapshot {
	device := kraken.Device{
		ID: "ev-1",
		Preferences: &kraken.ChargePreferences{Schedule: kraken.Schedule{
			{DayOfWeek: kraken.Monday, Time: "07:00", Max: soc},
		}},
	}
	return &coordinator.Snapshot{
		Tier: coordinator.TierDevices,
		Accounts: map[string]coordinator.AccountData{
			"A-1": {Number: "A-1", Devices: []kraken.Device{device}},
			"A-2": {Number: "A-2"},
		},
		UpdatedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		PassID:    pass,
	}
}

func newTestSink(t *testing.T) (*Sink, *fakeWriter, *hosttest.FakeIntegration) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	integ := hosttest.NewFakeIntegration()
	w := &fakeWriter{}
	return newWithWriter(integ, w, logger), w, integ
}

func TestNew_Validation(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	integ := hosttest.NewFakeIntegration()

	_, err := New(Config{Topic: "events"}, integ, logger)
	assert.ErrorIs(t, err, errNoBrokers)

	_, err = New(Config{Brokers: []string{"localhost:9092"}, Topic: " "}, integ, logger)
	assert.ErrorIs(t, err, errNoTopic)

	s, err := New(Config{Brokers: []string{"localhost:9092"}, Topic: "events"}, integ, logger)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestSink_Messages(t *testing.T) {
	s, _, _ := newTestSink(t)

	msgs := s.messages(coordinator.Event{Tier: coordinator.TierDevices, Snapshot: devicesSnapshot("p1", 80)})
	require.Len(t, msgs, 2)
	assert.Equal(t, "A-1", string(msgs[0].Key))
	assert.Equal(t, "A-2", string(msgs[1].Key))

	var ev ChangeEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &ev))
	assert.Equal(t, TypeAccountChanged, ev.Type)
	assert.Equal(t, coordinator.TierDevices, ev.Tier)
	assert.Equal(t, "p1", ev.PassID)
	require.NotNil(t, ev.Data)
	assert.Equal(t, 80, ev.Data.Devices[0].Preferences.Schedule[0].Max)

	// Unchanged data emits nothing, a change only for that account.
	assert.Empty(t, s.messages(coordinator.Event{Tier: coordinator.TierDevices, Snapshot: devicesSnapshot("p2", 80)}))
	msgs = s.messages(coordinator.Event{Tier: coordinator.TierDevices, Snapshot: devicesSnapshot("p3", 70)})
	require.Len(t, msgs, 1)
	assert.Equal(t, "A-1", string(msgs[0].Key))

	msgs = s.messages(coordinator.Event{
		Tier:     coordinator.TierBilling,
		Snapshot: &coordinator.Snapshot{Tier: coordinator.TierBilling, PassID: "p0"},
		Err:      errors.New("upstream down"),
	})
	require.Len(t, msgs, 1)
	assert.Equal(t, "billing", string(msgs[0].Key))
	require.NoError(t, json.Unmarshal(msgs[0].Value, &ev))
	assert.Equal(t, TypeRefreshFailed, ev.Type)
	assert.Equal(t, "upstream down", ev.Error)
}

func TestSink_StartStop(t *testing.T) {
	s, w, integ := newTestSink(t)
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 1, integ.Subscribers())

	integ.Emit(coordinator.Event{Tier: coordinator.TierDevices, Snapshot: devicesSnapshot("p1", 80)})

	require.Eventually(t, func() bool { return len(w.written()) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.Equal(t, 0, integ.Subscribers())
	assert.True(t, w.closed)
}

func TestSink_WriteErrorDoesNotStop(t *testing.T) {
	s, w, integ := newTestSink(t)
	w.mu.Lock()
	w.err = errors.New("broker unavailable")
	w.mu.Unlock()
	require.NoError(t, s.Start(context.Background()))

	integ.Emit(coordinator.Event{Tier: coordinator.TierDevices, Snapshot: devicesSnapshot("p1", 80)})

	w.mu.Lock()
	w.err = nil
	w.mu.Unlock()
	integ.Emit(coordinator.Event{Tier: coordinator.TierDevices, Snapshot: devicesSnapshot("p2", 60)})

	require.NoError(t, s.Stop())

	// Whether or not the first batch was lost, the latest change arrives.
	msgs := w.written()
	require.NotEmpty(t, msgs)
	var ev ChangeEvent
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].Value, &ev))
	assert.Equal(t, "A-1", ev.Account)
	assert.Equal(t, 60, ev.Data.Devices[0].Preferences.Schedule[0].Max)
}

func TestCreatePlugin(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	cfg := config.Default()
	ctx := plugin.NewContext(hosttest.NewFakeIntegration(), logger, cfg, nil)

	_, err := createPlugin(ctx)
	assert.ErrorIs(t, err, plugin.ErrDisabled)

	cfg.Kafka.Brokers = []string{"localhost:9092"}
	p, err := createPlugin(ctx)
	require.NoError(t, err)
	assert.Equal(t, "kafka", p.Name())
}
