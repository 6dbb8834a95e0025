// Package hosttest provides an in-memory host.Integration for tests.
package hosttest

import (
	"context"
	"fmt"
	"sync"

	"octopusspain/internal/coordinator"
	"octopusspain/internal/kraken"
	"octopusspain/internal/schedule"
	"octopusspain/pkg/host"
)

// FakeIntegration implements host.Integration in memory. Write actions are
// recorded as strings and return the configured error.
type FakeIntegration struct {
	mu       sync.Mutex
	snaps    map[coordinator.Tier]*coordinator.Snapshot
	handlers map[int]coordinator.Handler
	nextID   int
	state    string
	err      error
	calls    []string
	sched    map[string]kraken.Schedule
}

var _ host.Integration = (*FakeIntegration)(nil)

// NewFakeIntegration returns a ready integration with empty snapshots.
func NewFakeIntegration() *FakeIntegration {
	return &FakeIntegration{
		snaps:    make(map[coordinator.Tier]*coordinator.Snapshot),
		handlers: make(map[int]coordinator.Handler),
		state:    host.StateReady,
		sched:    make(map[string]kraken.Schedule),
	}
}

// SetSnapshot replaces the snapshot of snap.Tier.
func (f *FakeIntegration) SetSnapshot(snap *coordinator.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[snap.Tier] = snap
}

// SetState sets the state reported by Status.
func (f *FakeIntegration) SetState(state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

// SetError makes every action return err. Nil clears it.
func (f *FakeIntegration) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// SetSchedule makes account known to EffectiveSchedule.
func (f *FakeIntegration) SetSchedule(account string, sched kraken.Schedule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sched[account] = sched
}

// Emit delivers e to every subscriber synchronously.
func (f *FakeIntegration) Emit(e coordinator.Event) {
	f.mu.Lock()
	handlers := make([]coordinator.Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
}

// Subscribers returns the number of active subscriptions.
func (f *FakeIntegration) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

// Calls returns the recorded actions, e.g. "soc A-1 MONDAY 70".
func (f *FakeIntegration) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeIntegration) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *FakeIntegration) Snapshot(tier coordinator.Tier) *coordinator.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if snap, ok := f.snaps[tier]; ok {
		return snap
	}
	return &coordinator.Snapshot{Tier: tier, Accounts: map[string]coordinator.AccountData{}}
}

func (f *FakeIntegration) Subscribe(handler coordinator.Handler) coordinator.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.handlers[id] = handler
	return &fakeSubscription{unsubscribe: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}}
}

func (f *FakeIntegration) RequestRefresh(ctx context.Context, tier coordinator.Tier) error {
	return f.record("refresh " + string(tier))
}

func (f *FakeIntegration) SetDayTime(ctx context.Context, account string, day kraken.Weekday, at string) error {
	return f.record(fmt.Sprintf("time %s %s %s", account, day, at))
}

func (f *FakeIntegration) SetDaySoc(ctx context.Context, account string, day kraken.Weekday, soc int) error {
	return f.record(fmt.Sprintf("soc %s %s %d", account, day, soc))
}

func (f *FakeIntegration) BoostCharge(ctx context.Context, account string) error {
	return f.record("boost " + account)
}

func (f *FakeIntegration) Reauthenticate(ctx context.Context, email, password string) error {
	if err := f.record("reauth " + email); err != nil {
		return err
	}
	f.SetState(host.StateReady)
	return nil
}

func (f *FakeIntegration) EffectiveSchedule(account string) (kraken.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sched, ok := f.sched[account]
	if !ok {
		return nil, schedule.ErrDeviceNotFound
	}
	return sched, nil
}

func (f *FakeIntegration) Status() host.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := host.Status{State: f.state}
	for _, tier := range coordinator.Tiers {
		st.Tiers = append(st.Tiers, coordinator.Status{
			Tier:       tier,
			State:      coordinator.StateIdle,
			AuthFailed: f.state == host.StateReauthRequired,
		})
	}
	return st
}

type fakeSubscription struct {
	once        sync.Once
	unsubscribe func()
}

func (s *fakeSubscription) Unsubscribe() {
	s.once.Do(s.unsubscribe)
}
