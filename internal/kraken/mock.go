package kraken

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// PreferenceCall records a SetDevicePreferences call for testing
type PreferenceCall struct {
	DeviceID string
	Mode     string
	Unit     string
	Schedule Schedule
}

// MockClient implements API in memory for testing. Writes through
// SetDevicePreferences are applied to the stored devices so a later
// ListDevices observes them, like the real server.
type MockClient struct {
	mu       sync.Mutex
	email    string
	password string
	token    string
	accounts []string
	billing  map[string]*BillingSnapshot
	devices  map[string][]Device
	errs     map[string]error
	hooks    map[string]func()
	calls    map[string]int

	preferenceCalls []PreferenceCall
	boostCalls      []string
}

var _ API = (*MockClient)(nil)

// NewMockClient creates a mock that accepts the given credentials.
func NewMockClient(email, password string) *MockClient {
	return &MockClient{
		email:    email,
		password: password,
		billing:  make(map[string]*BillingSnapshot),
		devices:  make(map[string][]Device),
		errs:     make(map[string]error),
		hooks:    make(map[string]func()),
		calls:    make(map[string]int),
	}
}

// SetAccounts sets the account numbers returned by ListAccountNumbers.
func (m *MockClient) SetAccounts(accounts ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = slices.Clone(accounts)
}

// SetBilling sets the billing snapshot of an account.
func (m *MockClient) SetBilling(account string, snap *BillingSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.billing[account] = snap
}

// SetDevices sets the devices of an account.
func (m *MockClient) SetDevices(account string, devices []Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[account] = cloneDevices(devices)
}

// SetError makes method fail with err until cleared with a nil err. Method is
// the API method name, e.g. "GetBilling".
func (m *MockClient) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, method)
		return
	}
	m.errs[method] = err
}

// SetHook runs fn at the start of every call to method, outside the mock's lock.
func (m *MockClient) SetHook(method string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn == nil {
		delete(m.hooks, method)
		return
	}
	m.hooks[method] = fn
}

// CallCount returns how many times method was called.
func (m *MockClient) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// PreferenceCalls returns the recorded SetDevicePreferences calls.
func (m *MockClient) PreferenceCalls() []PreferenceCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.preferenceCalls)
}

// BoostCalls returns the accounts TriggerImmediateCharge was called for.
func (m *MockClient) BoostCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.boostCalls)
}

// enter counts the call, runs the hook and returns the injected error.
func (m *MockClient) enter(method string) error {
	m.mu.Lock()
	m.calls[method]++
	hook := m.hooks[method]
	m.mu.Unlock()

	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errs[method]
}

func (m *MockClient) Login(ctx context.Context, email, password string) (string, error) {
	if err := m.enter("Login"); err != nil {
		return "", err
	}
	if email != m.email || password != m.password {
		return "", &AuthError{Op: opObtainToken, Code: "KT-CT-1138", Message: "Invalid credentials"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = fmt.Sprintf("mock-token-%d", m.calls["Login"])
	return m.token, nil
}

func (m *MockClient) ListAccountNumbers(ctx context.Context) ([]string, error) {
	if err := m.enter("ListAccountNumbers"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.accounts), nil
}

func (m *MockClient) GetBilling(ctx context.Context, account string) (*BillingSnapshot, error) {
	if err := m.enter("GetBilling"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.billing[account]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", account, ErrLedgerMissing)
	}
	out := *snap
	if snap.LastInvoice != nil {
		inv := *snap.LastInvoice
		out.LastInvoice = &inv
	}
	return &out, nil
}

func (m *MockClient) ListDevices(ctx context.Context, account string) ([]Device, error) {
	if err := m.enter("ListDevices"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneDevices(m.devices[account]), nil
}

func (m *MockClient) SetDevicePreferences(ctx context.Context, deviceID, mode string, schedule Schedule, unit string) error {
	if err := schedule.Validate(); err != nil {
		return err
	}
	if err := m.enter("SetDevicePreferences"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.preferenceCalls = append(m.preferenceCalls, PreferenceCall{
		DeviceID: deviceID,
		Mode:     mode,
		Unit:     unit,
		Schedule: slices.Clone(schedule),
	})
	for account, devices := range m.devices {
		for i := range devices {
			if devices[i].ID == deviceID {
				devices[i].Preferences = &ChargePreferences{Mode: mode, Unit: unit, Schedule: slices.Clone(schedule)}
				m.devices[account] = devices
			}
		}
	}
	return nil
}

func (m *MockClient) TriggerImmediateCharge(ctx context.Context, account string) (bool, error) {
	if err := m.enter("TriggerImmediateCharge"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boostCalls = append(m.boostCalls, account)
	return true, nil
}

func cloneDevices(devices []Device) []Device {
	if devices == nil {
		return nil
	}
	out := make([]Device, len(devices))
	for i, d := range devices {
		out[i] = d
		out[i].Alerts = slices.Clone(d.Alerts)
		if d.Preferences != nil {
			p := *d.Preferences
			p.Schedule = slices.Clone(d.Preferences.Schedule)
			out[i].Preferences = &p
		}
		if d.ChargePoint != nil {
			cp := *d.ChargePoint
			out[i].ChargePoint = &cp
		}
		if d.Status.ChargeLimit != nil {
			cl := *d.Status.ChargeLimit
			out[i].Status.ChargeLimit = &cl
		}
	}
	return out
}
