// Package kafkasink publishes per-account change events to a Kafka topic
// whenever a refresh pass changes an account's data.
package kafkasink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"octopusspain/internal/coordinator"
	"octopusspain/pkg/host"
)

// Event types.
const (
	TypeAccountChanged = "account_changed"
	TypeRefreshFailed  = "refresh_failed"
)

const (
	queueSize    = 256
	maxBatch     = 64
	writeTimeout = 10 * time.Second
)

var (
	errNoBrokers = errors.New("at least one broker is required")
	errNoTopic   = errors.New("topic must not be empty")
)

// Config holds the writer settings.
type Config struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ChangeEvent is the JSON value of every message. Account events are keyed
// by account number, failures by tier.
type ChangeEvent struct {
	Type      string                   `json:"type"`
	Tier      coordinator.Tier         `json:"tier"`
	Account   string                   `json:"account,omitempty"`
	PassID    string                   `json:"pass_id,omitempty"`
	UpdatedAt time.Time                `json:"updated_at"`
	Data      *coordinator.AccountData `json:"data,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// Sink turns coordinator events into Kafka messages. Writes happen on a
// background goroutine; when the queue is full new events are dropped.
type Sink struct {
	integ  host.Integration
	writer messageWriter
	logger *zap.Logger
	queue  chan kafka.Message

	mu   sync.Mutex
	sub  coordinator.Subscription
	last map[string][]byte

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a sink backed by a kafka.Writer.
func New(cfg Config, integ host.Integration, logger *zap.Logger) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errNoBrokers
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errNoTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           100 * time.Millisecond,
		AllowAutoTopicCreation: false,
	}
	return newWithWriter(integ, w, logger), nil
}

func newWithWriter(integ host.Integration, w messageWriter, logger *zap.Logger) *Sink {
	return &Sink{
		integ:  integ,
		writer: w,
		logger: logger.Named("kafka"),
		queue:  make(chan kafka.Message, queueSize),
		last:   make(map[string][]byte),
	}
}

// Start subscribes to refresh events and launches the writer loop.
func (s *Sink) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)

	s.mu.Lock()
	s.sub = s.integ.Subscribe(s.handle)
	s.mu.Unlock()

	s.logger.Info("Kafka sink started")
	return nil
}

// Stop unsubscribes, flushes queued messages and closes the writer.
func (s *Sink) Stop() error {
	s.mu.Lock()
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.logger.Info("Kafka sink stopped")
	return s.writer.Close()
}

func (s *Sink) handle(e coordinator.Event) {
	for _, msg := range s.messages(e) {
		select {
		case s.queue <- msg:
		default:
			s.logger.Warn("Kafka queue full, dropping event",
				zap.String("tier", string(e.Tier)),
				zap.ByteString("key", msg.Key))
		}
	}
}

// messages builds the messages for one pass. An account is only emitted
// when its data differs from what was last emitted for it.
func (s *Sink) messages(e coordinator.Event) []kafka.Message {
	if e.Err != nil {
		ev := ChangeEvent{Type: TypeRefreshFailed, Tier: e.Tier, Error: e.Err.Error(), UpdatedAt: time.Now().UTC()}
		if e.Snapshot != nil {
			ev.PassID = e.Snapshot.PassID
		}
		value, err := json.Marshal(ev)
		if err != nil {
			return nil
		}
		return []kafka.Message{{Key: []byte(e.Tier), Value: value}}
	}
	if e.Snapshot == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []kafka.Message
	for _, number := range e.Snapshot.AccountNumbers() {
		data := e.Snapshot.Accounts[number]
		raw, err := json.Marshal(data)
		if err != nil {
			s.logger.Warn("Failed to encode account", zap.String("account", number), zap.Error(err))
			continue
		}
		key := string(e.Tier) + "/" + number
		if prev, ok := s.last[key]; ok && bytes.Equal(prev, raw) {
			continue
		}

		value, err := json.Marshal(ChangeEvent{
			Type:      TypeAccountChanged,
			Tier:      e.Tier,
			Account:   number,
			PassID:    e.Snapshot.PassID,
			UpdatedAt: e.Snapshot.UpdatedAt,
			Data:      &data,
		})
		if err != nil {
			continue
		}
		s.last[key] = raw
		out = append(out, kafka.Message{
			Key:   []byte(number),
			Value: value,
			Headers: []kafka.Header{
				{Key: "tier", Value: []byte(e.Tier)},
			},
		})
	}
	return out
}

func (s *Sink) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case msg := <-s.queue:
			s.write(s.batch(msg))
		case <-ctx.Done():
			// Drain what is already queued.
			for {
				select {
				case msg := <-s.queue:
					s.write(s.batch(msg))
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) batch(first kafka.Message) []kafka.Message {
	batch := []kafka.Message{first}
	for len(batch) < maxBatch {
		select {
		case msg := <-s.queue:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

func (s *Sink) write(batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.writer.WriteMessages(ctx, batch...); err != nil {
		s.logger.Error("Failed to write Kafka messages",
			zap.Int("count", len(batch)),
			zap.Error(err))
		return
	}
	s.logger.Debug("Kafka messages written", zap.Int("count", len(batch)))
}
