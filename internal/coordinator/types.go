package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"octopusspain/internal/kraken"
)

// Tier is a polling tier with its own interval and snapshot.
type Tier string

const (
	TierDevices Tier = "devices"
	TierBilling Tier = "billing"
)

// Tiers lists every tier.
var Tiers = []Tier{TierDevices, TierBilling}

// ErrUnknownTier is returned for a tier name that is not in Tiers.
var ErrUnknownTier = errors.New("unknown tier")

// ParseTier accepts a tier name in any casing.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	for _, tier := range Tiers {
		if t == tier {
			return tier, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownTier, s)
}

// State is the refresh state of a tier.
type State string

const (
	StateIdle       State = "idle"
	StateRefreshing State = "refreshing"
	StateFailed     State = "failed"
)

// AccountData is the per-account content of a snapshot. Only the field
// matching the snapshot's tier is populated. Err is set when the account's
// data could not be produced in an otherwise successful pass.
type AccountData struct {
	Number  string                  `json:"number"`
	Billing *kraken.BillingSnapshot `json:"billing,omitempty"`
	Devices []kraken.Device         `json:"devices,omitempty"`
	Err     error                   `json:"-"`
}

func (a AccountData) MarshalJSON() ([]byte, error) {
	type plain AccountData
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(a)}
	if a.Err != nil {
		out.Error = a.Err.Error()
	}
	return json.Marshal(out)
}

// Snapshot is the immutable result of one successful refresh pass.
type Snapshot struct {
	Tier      Tier                   `json:"tier"`
	Accounts  map[string]AccountData `json:"accounts"`
	UpdatedAt time.Time              `json:"updated_at"`
	PassID    string                 `json:"pass_id,omitempty"`
}

// Account returns the data of one account.
func (s *Snapshot) Account(number string) (AccountData, bool) {
	a, ok := s.Accounts[number]
	return a, ok
}

// AccountNumbers returns the snapshot's account numbers in sorted order.
func (s *Snapshot) AccountNumbers() []string {
	numbers := make([]string, 0, len(s.Accounts))
	for n := range s.Accounts {
		numbers = append(numbers, n)
	}
	sort.Strings(numbers)
	return numbers
}

// IsEmpty reports whether no pass has succeeded yet.
func (s *Snapshot) IsEmpty() bool {
	return s.UpdatedAt.IsZero()
}

// Status describes a tier's refresh state.
type Status struct {
	Tier        Tier          `json:"tier"`
	State       State         `json:"state"`
	Interval    time.Duration `json:"interval"`
	LastSuccess time.Time     `json:"last_success"`
	LastError   string        `json:"last_error,omitempty"`
	AuthFailed  bool          `json:"auth_failed"`
	Err         error         `json:"-"`
}

// Event is delivered to subscribers after every pass. On failure Err is set
// and Snapshot is the retained previous snapshot.
type Event struct {
	Tier     Tier
	Snapshot *Snapshot
	Err      error
	Duration time.Duration
}

// Handler receives refresh events.
type Handler func(Event)

// Subscription represents an active refresh subscription
type Subscription interface {
	Unsubscribe()
}
