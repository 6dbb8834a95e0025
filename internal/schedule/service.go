package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"octopusspain/internal/coordinator"
	"octopusspain/internal/kraken"
)

var (
	// ErrDeviceNotFound means the account has no device whose schedule can be
	// written. No request is made.
	ErrDeviceNotFound = errors.New("no charge-controllable device for account")

	// ErrInvalidInput covers unknown days, malformed times and SOC values out
	// of range.
	ErrInvalidInput = errors.New("invalid schedule input")
)

// Snapshots is the part of the coordinator the service reads from and
// refreshes after a write.
type Snapshots interface {
	Snapshot(tier coordinator.Tier) *coordinator.Snapshot
	RequestRefresh(ctx context.Context, tier coordinator.Tier) error
}

// written remembers the last schedule sent to a device and the devices
// snapshot it was based on.
type written struct {
	schedule kraken.Schedule
	passID   string
}

// Service performs read-modify-write updates of device charge schedules.
type Service struct {
	api    kraken.API
	snaps  Snapshots
	logger *zap.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	written map[string]written
}

// NewService creates a schedule service.
func NewService(api kraken.API, snaps Snapshots, logger *zap.Logger) *Service {
	return &Service{
		api:     api,
		snaps:   snaps,
		logger:  logger.Named("schedule"),
		locks:   make(map[string]*sync.Mutex),
		written: make(map[string]written),
	}
}

// SetDayTime sets the departure time of one weekday.
func (s *Service) SetDayTime(ctx context.Context, account string, day kraken.Weekday, at string) error {
	if day.Index() < 0 {
		return fmt.Errorf("%w: unknown day %q", ErrInvalidInput, day)
	}
	if err := kraken.ValidateTime(at); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s.apply(ctx, account, day, &at, nil)
}

// SetDaySoc sets the target state of charge of one weekday.
func (s *Service) SetDaySoc(ctx context.Context, account string, day kraken.Weekday, soc int) error {
	if day.Index() < 0 {
		return fmt.Errorf("%w: unknown day %q", ErrInvalidInput, day)
	}
	if err := kraken.ValidateSoc(soc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s.apply(ctx, account, day, nil, &soc)
}

// BoostCharge asks the account's charger to charge immediately.
func (s *Service) BoostCharge(ctx context.Context, account string) error {
	ok, err := s.api.TriggerImmediateCharge(ctx, account)
	if err != nil {
		return fmt.Errorf("boost charge for %s: %w", account, err)
	}
	if !ok {
		return fmt.Errorf("boost charge for %s was not acknowledged", account)
	}

	s.logger.Info("Boost charge requested", zap.String("account", account))
	s.refresh(ctx)
	return nil
}

// EffectiveSchedule returns the account's weekly schedule as it would be
// written, with defaults filled in.
func (s *Service) EffectiveSchedule(account string) (kraken.Schedule, error) {
	device, snap, err := s.device(account)
	if err != nil {
		return nil, err
	}
	return Merge(s.current(device, snap), "", nil, nil), nil
}

func (s *Service) apply(ctx context.Context, account string, day kraken.Weekday, at *string, soc *int) error {
	device, snap, unlock, err := s.lockDevice(account)
	if err != nil {
		s.logger.Warn("No device to update",
			zap.String("account", account),
			zap.String("day", string(day)))
		return err
	}
	defer unlock()

	merged := Merge(s.current(device, snap), day, at, soc)
	mode, unit := kraken.ModeCharge, kraken.UnitPercentage
	if p := device.Preferences; p != nil {
		if p.Mode != "" {
			mode = p.Mode
		}
		if p.Unit != "" {
			unit = p.Unit
		}
	}

	if err := s.api.SetDevicePreferences(ctx, device.ID, mode, merged, unit); err != nil {
		return fmt.Errorf("set preferences for device %s: %w", device.ID, err)
	}

	s.mu.Lock()
	s.written[device.ID] = written{schedule: merged, passID: snap.PassID}
	s.mu.Unlock()

	fields := []zap.Field{
		zap.String("account", account),
		zap.String("device_id", device.ID),
		zap.String("day", string(day)),
	}
	if at != nil {
		fields = append(fields, zap.String("time", *at))
	}
	if soc != nil {
		fields = append(fields, zap.Int("soc", *soc))
	}
	s.logger.Info("Charge schedule updated", fields...)

	s.refresh(ctx)
	return nil
}

// current returns the schedule a write should build on: the device's schedule
// in snap, unless this service wrote a newer one that snap predates.
func (s *Service) current(device kraken.Device, snap *coordinator.Snapshot) kraken.Schedule {
	s.mu.Lock()
	w, ok := s.written[device.ID]
	s.mu.Unlock()

	if ok && w.passID == snap.PassID {
		return w.schedule
	}
	if device.Preferences == nil {
		return nil
	}
	return device.Preferences.Schedule
}

// device picks the account's schedulable device from the latest devices
// snapshot: the first one with charge preferences, else the first one.
func (s *Service) device(account string) (kraken.Device, *coordinator.Snapshot, error) {
	snap := s.snaps.Snapshot(coordinator.TierDevices)
	data, ok := snap.Account(account)
	if !ok || len(data.Devices) == 0 {
		return kraken.Device{}, snap, fmt.Errorf("account %s: %w", account, ErrDeviceNotFound)
	}
	for _, d := range data.Devices {
		if d.Preferences != nil {
			return d, snap, nil
		}
	}
	return data.Devices[0], snap, nil
}

// lockDevice picks the account's device and holds its write lock. The device
// is read again under the lock so a write queued behind another one builds on
// its result; if a refresh swapped the device meanwhile, the new one is locked
// instead.
func (s *Service) lockDevice(account string) (kraken.Device, *coordinator.Snapshot, func(), error) {
	device, _, err := s.device(account)
	if err != nil {
		return kraken.Device{}, nil, nil, err
	}
	for {
		lock := s.deviceLock(device.ID)
		lock.Lock()

		current, snap, err := s.device(account)
		if err != nil {
			lock.Unlock()
			return kraken.Device{}, nil, nil, err
		}
		if current.ID == device.ID {
			return current, snap, lock.Unlock, nil
		}
		lock.Unlock()

		s.logger.Debug("Device changed while waiting for its lock",
			zap.String("account", account),
			zap.String("previous", device.ID),
			zap.String("device_id", current.ID))
		device = current
	}
}

func (s *Service) deviceLock(deviceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[deviceID] = lock
	}
	return lock
}

// refresh asks for a devices-tier pass. The write already succeeded, so a
// failed refresh is only logged.
func (s *Service) refresh(ctx context.Context) {
	if err := s.snaps.RequestRefresh(ctx, coordinator.TierDevices); err != nil {
		s.logger.Warn("Devices refresh after write failed", zap.Error(err))
	}
}
