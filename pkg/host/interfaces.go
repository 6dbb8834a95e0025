// Package host defines the contract the home-automation host consumes: read
// the cached snapshots, subscribe to refreshes and trigger the write actions.
//
// The implementation is internal/integration.
package host

import (
	"context"

	"octopusspain/internal/coordinator"
	"octopusspain/internal/kraken"
)

// Integration states reported by Status.
const (
	StateNotReady       = "not_ready"
	StateReady          = "ready"
	StateReauthRequired = "reauth_required"
)

// Status summarises the integration for the host.
type Status struct {
	State string               `json:"state"`
	Tiers []coordinator.Status `json:"tiers"`
}

// Integration is the read/subscribe/act surface of the bridge.
type Integration interface {
	// Snapshot returns the latest snapshot of tier without blocking.
	Snapshot(tier coordinator.Tier) *coordinator.Snapshot

	// Subscribe registers a handler called after every refresh pass.
	Subscribe(handler coordinator.Handler) coordinator.Subscription

	// RequestRefresh runs or joins a refresh pass and waits for it.
	RequestRefresh(ctx context.Context, tier coordinator.Tier) error

	// SetDayTime, SetDaySoc and BoostCharge refresh the devices tier after a
	// successful write.
	SetDayTime(ctx context.Context, account string, day kraken.Weekday, at string) error
	SetDaySoc(ctx context.Context, account string, day kraken.Weekday, soc int) error
	BoostCharge(ctx context.Context, account string) error

	// EffectiveSchedule returns the weekly schedule a write would start from.
	EffectiveSchedule(account string) (kraken.Schedule, error)

	// Reauthenticate logs in with new credentials and refreshes every tier.
	// It is the way out of StateReauthRequired.
	Reauthenticate(ctx context.Context, email, password string) error

	Status() Status
}
