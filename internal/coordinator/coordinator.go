package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"octopusspain/internal/clock"
	"octopusspain/internal/kraken"
)

const (
	DefaultDevicesInterval = 5 * time.Minute
	DefaultBillingInterval = time.Hour
	DefaultPassTimeout     = 2 * time.Minute

	// accounts fetched concurrently within one pass
	fetchConcurrency = 4
)

// Config holds the per-tier refresh intervals.
type Config struct {
	DevicesInterval time.Duration
	BillingInterval time.Duration
	PassTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.DevicesInterval <= 0 {
		c.DevicesInterval = DefaultDevicesInterval
	}
	if c.BillingInterval <= 0 {
		c.BillingInterval = DefaultBillingInterval
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = DefaultPassTimeout
	}
	return c
}

func (c Config) interval(tier Tier) time.Duration {
	if tier == TierBilling {
		return c.BillingInterval
	}
	return c.DevicesInterval
}

type subscription struct {
	id          int
	coordinator *Coordinator
}

func (s *subscription) Unsubscribe() {
	s.coordinator.unsubscribe(s.id)
}

// subscriber delivers events to one handler on its own goroutine, in the
// order the passes finished. The queue is unbounded so a slow handler never
// holds up a pass.
type subscriber struct {
	handler Handler

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
	done  chan struct{}
}

func newSubscriber(handler Handler) *subscriber {
	s := &subscriber{
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			e := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.handler(e)
		}
	}
}

func (s *subscriber) close() {
	close(s.done)
}

// Coordinator owns one cached snapshot per tier and refreshes it on a
// schedule or on demand. At most one pass per tier is in flight; concurrent
// requests for a tier share it.
type Coordinator struct {
	api    kraken.API
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger
	group  singleflight.Group

	mu        sync.RWMutex
	snapshots map[Tier]*Snapshot
	status    map[Tier]*Status

	subsMu      sync.RWMutex
	subscribers map[int]*subscriber
	nextSubID   int

	passDone map[Tier]chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a coordinator. No pass runs until RequestRefresh or Start.
func New(api kraken.API, cfg Config, logger *zap.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		api:         api,
		cfg:         cfg,
		clock:       clock.NewRealClock(),
		logger:      logger.Named("coordinator"),
		snapshots:   make(map[Tier]*Snapshot),
		status:      make(map[Tier]*Status),
		subscribers: make(map[int]*subscriber),
		passDone:    make(map[Tier]chan struct{}),
	}
	for _, tier := range Tiers {
		c.status[tier] = &Status{Tier: tier, State: StateIdle, Interval: cfg.interval(tier)}
		c.passDone[tier] = make(chan struct{}, 1)
	}
	return c
}

// SetClock replaces the clock. Call before Start.
func (c *Coordinator) SetClock(clk clock.Clock) {
	c.clock = clk
}

// Snapshot returns the latest successful snapshot of tier, or an empty one
// if no pass has succeeded yet. It never waits for a pass.
func (c *Coordinator) Snapshot(tier Tier) *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if snap, ok := c.snapshots[tier]; ok {
		return snap
	}
	return &Snapshot{Tier: tier, Accounts: map[string]AccountData{}}
}

// Status returns a copy of tier's status.
func (c *Coordinator) Status(tier Tier) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.status[tier]; ok {
		return *st
	}
	return Status{Tier: tier}
}

// RequestRefresh runs a pass for tier, or joins the one in flight, and waits
// for it. Cancelling ctx abandons the wait but not the pass.
func (c *Coordinator) RequestRefresh(ctx context.Context, tier Tier) error {
	if _, ok := c.passDone[tier]; !ok {
		return fmt.Errorf("%w %q", ErrUnknownTier, tier)
	}

	ch := c.group.DoChan(string(tier), func() (interface{}, error) {
		return nil, c.runPass(tier)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.logger.Debug("Joined in-flight refresh", zap.String("tier", string(tier)))
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers handler for refresh events. Each handler gets its own
// goroutine and sees events in the order the passes completed.
func (c *Coordinator) Subscribe(handler Handler) Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	c.nextSubID++
	id := c.nextSubID
	c.subscribers[id] = newSubscriber(handler)
	return &subscription{id: id, coordinator: c}
}

func (c *Coordinator) unsubscribe(id int) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if sub, ok := c.subscribers[id]; ok {
		sub.close()
		delete(c.subscribers, id)
	}
}

func (c *Coordinator) notifySubscribers(event Event) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()

	for _, sub := range c.subscribers {
		sub.push(event)
	}
}

// Start launches one scheduler loop per tier. Each tier refreshes one
// interval after its previous pass finished.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	for _, tier := range Tiers {
		c.wg.Add(1)
		go c.schedule(ctx, tier)
	}
	c.logger.Info("Refresh scheduler started",
		zap.Duration("devices_interval", c.cfg.DevicesInterval),
		zap.Duration("billing_interval", c.cfg.BillingInterval))
}

// Stop ends the scheduler loops and waits for them to exit. A pass in
// flight finishes in the background.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) schedule(ctx context.Context, tier Tier) {
	defer c.wg.Done()

	interval := c.cfg.interval(tier)
	timer := c.clock.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.passDone[tier]:
			if !timer.Stop() {
				select {
				case <-timer.C():
				default:
				}
			}
			timer.Reset(interval)
		case <-timer.C():
			if err := c.RequestRefresh(ctx, tier); err != nil && ctx.Err() == nil {
				c.logger.Warn("Scheduled refresh failed",
					zap.String("tier", string(tier)),
					zap.Error(err))
			}
			timer.Reset(interval)
		}
	}
}

func (c *Coordinator) runPass(tier Tier) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PassTimeout)
	defer cancel()

	c.mu.Lock()
	c.status[tier].State = StateRefreshing
	c.mu.Unlock()

	start := c.clock.Now()
	snap, err := c.fetch(ctx, tier)
	elapsed := c.clock.Since(start)

	defer func() {
		select {
		case c.passDone[tier] <- struct{}{}:
		default:
		}
	}()

	if err != nil {
		authFailed := kraken.IsAuthError(err) || errors.Is(err, kraken.ErrUnauthenticated)

		c.mu.Lock()
		st := c.status[tier]
		st.State = StateFailed
		st.Err = err
		st.LastError = err.Error()
		st.AuthFailed = authFailed
		previous := c.snapshots[tier]
		c.mu.Unlock()

		c.logger.Error("Refresh failed, keeping previous snapshot",
			zap.String("tier", string(tier)),
			zap.Bool("auth_failed", authFailed),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))

		if previous == nil {
			previous = &Snapshot{Tier: tier, Accounts: map[string]AccountData{}}
		}
		c.notifySubscribers(Event{Tier: tier, Snapshot: previous, Err: err, Duration: elapsed})
		return err
	}

	c.mu.Lock()
	c.snapshots[tier] = snap
	st := c.status[tier]
	st.State = StateIdle
	st.LastSuccess = snap.UpdatedAt
	st.Err = nil
	st.LastError = ""
	st.AuthFailed = false
	c.mu.Unlock()

	c.logger.Info("Refreshed snapshot",
		zap.String("tier", string(tier)),
		zap.String("pass_id", snap.PassID),
		zap.Int("accounts", len(snap.Accounts)),
		zap.Duration("elapsed", elapsed))

	c.notifySubscribers(Event{Tier: tier, Snapshot: snap, Duration: elapsed})
	return nil
}

// fetch builds a complete snapshot or fails as a whole. Only a missing
// ledger is tolerated, and only for the account it affects.
func (c *Coordinator) fetch(ctx context.Context, tier Tier) (*Snapshot, error) {
	numbers, err := c.api.ListAccountNumbers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	var mu sync.Mutex
	accounts := make(map[string]AccountData, len(numbers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, number := range numbers {
		number := number
		g.Go(func() error {
			data, err := c.fetchAccount(gctx, tier, number)
			if err != nil {
				return err
			}
			mu.Lock()
			accounts[number] = data
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Snapshot{
		Tier:      tier,
		Accounts:  accounts,
		UpdatedAt: c.clock.Now(),
		PassID:    uuid.NewString(),
	}, nil
}

func (c *Coordinator) fetchAccount(ctx context.Context, tier Tier, number string) (AccountData, error) {
	data := AccountData{Number: number}

	switch tier {
	case TierBilling:
		billing, err := c.api.GetBilling(ctx, number)
		if errors.Is(err, kraken.ErrLedgerMissing) {
			c.logger.Warn("Electricity ledger missing",
				zap.String("account", number))
			data.Err = err
			return data, nil
		}
		if err != nil {
			return data, fmt.Errorf("billing for %s: %w", number, err)
		}
		data.Billing = billing

	case TierDevices:
		devices, err := c.api.ListDevices(ctx, number)
		if err != nil {
			return data, fmt.Errorf("devices for %s: %w", number, err)
		}
		data.Devices = devices
	}

	return data, nil
}
