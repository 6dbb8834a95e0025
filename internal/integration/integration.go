// Package integration owns the bridge's lifecycle: it validates credentials,
// performs the first refresh of every tier, runs the scheduler and exposes
// the host contract until unloaded.
package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"octopusspain/internal/coordinator"
	"octopusspain/internal/kraken"
	"octopusspain/internal/schedule"
	"octopusspain/pkg/host"
)

// ErrMissingCredentials is returned by Setup when email or password is empty.
var ErrMissingCredentials = errors.New("email and password are required")

// Config is the setup configuration.
type Config struct {
	Email       string
	Password    string
	Coordinator coordinator.Config
}

// Integration implements host.Integration.
type Integration struct {
	api      kraken.API
	cfg      Config
	logger   *zap.Logger
	coord    *coordinator.Coordinator
	schedule *schedule.Service

	mu     sync.RWMutex
	loaded bool

	// loadMu serializes the first refresh and scheduler start.
	loadMu sync.Mutex
}

var _ host.Integration = (*Integration)(nil)

// New wires the coordinator and schedule service around api. Nothing talks
// to the network until Setup.
func New(api kraken.API, cfg Config, logger *zap.Logger) *Integration {
	logger = logger.Named("integration")
	coord := coordinator.New(api, cfg.Coordinator, logger)
	return &Integration{
		api:      api,
		cfg:      cfg,
		logger:   logger,
		coord:    coord,
		schedule: schedule.NewService(api, coord, logger),
	}
}

// Coordinator exposes the underlying coordinator, e.g. to swap its clock in tests.
func (i *Integration) Coordinator() *coordinator.Coordinator {
	return i.coord
}

// Setup logs in, refreshes every tier once and starts the scheduler. If any
// step fails the integration stays unloaded and Setup may be retried. Setup
// on a loaded integration is a no-op.
func (i *Integration) Setup(ctx context.Context) error {
	if i.isLoaded() {
		return nil
	}

	i.mu.RLock()
	email, password := i.cfg.Email, i.cfg.Password
	i.mu.RUnlock()
	if email == "" || password == "" {
		return ErrMissingCredentials
	}

	i.logger.Info("Setting up Octopus Spain integration")

	if _, err := i.api.Login(ctx, email, password); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return i.load(ctx)
}

func (i *Integration) load(ctx context.Context) error {
	i.loadMu.Lock()
	defer i.loadMu.Unlock()
	if i.isLoaded() {
		return nil
	}

	for _, tier := range coordinator.Tiers {
		if err := i.coord.RequestRefresh(ctx, tier); err != nil {
			return fmt.Errorf("first %s refresh: %w", tier, err)
		}
	}

	i.coord.Start(context.Background())

	i.mu.Lock()
	i.loaded = true
	i.mu.Unlock()

	i.logger.Info("Integration ready",
		zap.Int("accounts", len(i.coord.Snapshot(coordinator.TierBilling).Accounts)))
	return nil
}

func (i *Integration) isLoaded() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.loaded
}

// Reauthenticate replaces the credentials after the host collected new ones,
// then refreshes every tier. On an integration that is not loaded yet it
// completes the setup with the new credentials.
func (i *Integration) Reauthenticate(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return ErrMissingCredentials
	}
	if _, err := i.api.Login(ctx, email, password); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	i.mu.Lock()
	i.cfg.Email, i.cfg.Password = email, password
	i.mu.Unlock()
	i.logger.Info("Credentials replaced")

	if !i.isLoaded() {
		return i.load(ctx)
	}

	var errs error
	for _, tier := range coordinator.Tiers {
		if err := i.coord.RequestRefresh(ctx, tier); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s refresh: %w", tier, err))
		}
	}
	return errs
}

// Unload stops the scheduler. Snapshots stay readable.
func (i *Integration) Unload() {
	i.mu.Lock()
	wasLoaded := i.loaded
	i.loaded = false
	i.mu.Unlock()

	if !wasLoaded {
		return
	}
	i.coord.Stop()
	i.logger.Info("Integration unloaded")
}

func (i *Integration) Snapshot(tier coordinator.Tier) *coordinator.Snapshot {
	return i.coord.Snapshot(tier)
}

func (i *Integration) Subscribe(handler coordinator.Handler) coordinator.Subscription {
	return i.coord.Subscribe(handler)
}

func (i *Integration) RequestRefresh(ctx context.Context, tier coordinator.Tier) error {
	return i.coord.RequestRefresh(ctx, tier)
}

func (i *Integration) SetDayTime(ctx context.Context, account string, day kraken.Weekday, at string) error {
	return i.schedule.SetDayTime(ctx, account, day, at)
}

func (i *Integration) SetDaySoc(ctx context.Context, account string, day kraken.Weekday, soc int) error {
	return i.schedule.SetDaySoc(ctx, account, day, soc)
}

func (i *Integration) BoostCharge(ctx context.Context, account string) error {
	return i.schedule.BoostCharge(ctx, account)
}

// EffectiveSchedule returns the account's weekly schedule with defaults filled in.
func (i *Integration) EffectiveSchedule(account string) (kraken.Schedule, error) {
	return i.schedule.EffectiveSchedule(account)
}

// Status reports reauth_required while the latest pass of any tier failed
// authentication.
func (i *Integration) Status() host.Status {
	i.mu.RLock()
	loaded := i.loaded
	i.mu.RUnlock()

	st := host.Status{State: host.StateReady}
	if !loaded {
		st.State = host.StateNotReady
	}
	for _, tier := range coordinator.Tiers {
		ts := i.coord.Status(tier)
		if ts.AuthFailed {
			st.State = host.StateReauthRequired
		}
		st.Tiers = append(st.Tiers, ts)
	}
	return st
}
