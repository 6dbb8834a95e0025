package kraken

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultEndpoint is the Octopus Energy Spain Kraken GraphQL endpoint.
	DefaultEndpoint = "https://api.oees-kraken.energy/v1/graphql/"

	// DefaultTimeout bounds every HTTP round trip.
	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 4 << 20
)

// API is the typed surface of the Kraken account-management API.
type API interface {
	Login(ctx context.Context, email, password string) (string, error)
	ListAccountNumbers(ctx context.Context) ([]string, error)
	GetBilling(ctx context.Context, account string) (*BillingSnapshot, error)
	ListDevices(ctx context.Context, account string) ([]Device, error)
	SetDevicePreferences(ctx context.Context, deviceID, mode string, schedule Schedule, unit string) error
	TriggerImmediateCharge(ctx context.Context, account string) (bool, error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithRateLimit paces requests to at most rps per second with bursts of
// burst requests.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
		}
	}
}

// Client implements API over HTTP.
type Client struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu       sync.RWMutex
	token    string
	email    string
	password string

	// loginMu serializes re-authentication so concurrent callers holding the
	// same rejected token trigger a single login.
	loginMu sync.Mutex
}

var _ API = (*Client)(nil)

// NewClient creates a client for the given GraphQL endpoint. An empty endpoint
// selects DefaultEndpoint.
func NewClient(endpoint string, logger *zap.Logger, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: DefaultTimeout},
		logger:   logger.Named("kraken"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HasToken reports whether a token is currently held.
func (c *Client) HasToken() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

// Login exchanges credentials for a token. On failure the previously held
// token and credentials are left untouched.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	if email == "" || password == "" {
		return "", &AuthError{Op: opObtainToken, Message: "email and password are required"}
	}

	token, err := c.obtainToken(ctx, email, password)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.token = token
	c.email = email
	c.password = password
	c.mu.Unlock()

	c.logger.Info("Authenticated with Kraken", zap.String("endpoint", c.endpoint))
	return token, nil
}

// ListAccountNumbers returns the account numbers visible to the authenticated user.
func (c *Client) ListAccountNumbers(ctx context.Context) ([]string, error) {
	var out struct {
		Viewer struct {
			Accounts []struct {
				Number string `json:"number"`
			} `json:"accounts"`
		} `json:"viewer"`
	}
	if err := c.authenticated(ctx, opAccounts, accountsQuery, nil, &out); err != nil {
		return nil, err
	}

	numbers := make([]string, 0, len(out.Viewer.Accounts))
	for _, a := range out.Viewer.Accounts {
		if a.Number != "" {
			numbers = append(numbers, a.Number)
		}
	}
	return numbers, nil
}

// GetBilling returns the normalized billing state of an account.
func (c *Client) GetBilling(ctx context.Context, account string) (*BillingSnapshot, error) {
	var out billingResponse
	vars := map[string]any{"account": account}
	if err := c.authenticated(ctx, opBilling, billingQuery, vars, &out); err != nil {
		return nil, err
	}

	snap, err := normalizeBilling(out.AccountBillingInfo.Ledgers)
	if err != nil {
		if errors.Is(err, ErrLedgerMissing) {
			return nil, fmt.Errorf("account %s: %w", account, err)
		}
		return nil, &APIError{Op: opBilling, Err: err}
	}
	return snap, nil
}

// ListDevices returns the devices registered on an account.
func (c *Client) ListDevices(ctx context.Context, account string) ([]Device, error) {
	var out struct {
		Devices []deviceWire `json:"devices"`
	}
	vars := map[string]any{"account": account}
	if err := c.authenticated(ctx, opDevices, devicesQuery, vars, &out); err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(out.Devices))
	for _, dw := range out.Devices {
		devices = append(devices, dw.toDevice())
	}
	return devices, nil
}

// SetDevicePreferences replaces the full weekly charge schedule of a device.
// The schedule must hold exactly one valid entry per weekday; anything else
// fails with ErrInvalidSchedule before a request is made.
func (c *Client) SetDevicePreferences(ctx context.Context, deviceID, mode string, schedule Schedule, unit string) error {
	if deviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidSchedule)
	}
	if err := schedule.Validate(); err != nil {
		return err
	}
	if mode == "" {
		mode = ModeCharge
	}
	if unit == "" {
		unit = UnitPercentage
	}

	entries := make([]map[string]any, 0, len(Weekdays))
	for _, day := range Weekdays {
		ds, _ := schedule.Day(day)
		entries = append(entries, map[string]any{
			"dayOfWeek": string(day),
			"time":      ds.Time,
			"max":       strconv.Itoa(ds.Max),
		})
	}
	vars := map[string]any{
		"input": map[string]any{
			"deviceId":  deviceID,
			"mode":      mode,
			"schedules": entries,
			"unit":      unit,
		},
	}

	var out struct {
		SetDevicePreferences *struct {
			ID string `json:"id"`
		} `json:"setDevicePreferences"`
	}
	if err := c.authenticated(ctx, opSetPreferences, setPreferencesMutation, vars, &out); err != nil {
		return err
	}

	c.logger.Info("Updated device charge preferences",
		zap.String("device_id", deviceID),
		zap.String("mode", mode),
		zap.String("unit", unit))
	return nil
}

// TriggerImmediateCharge asks the account's charger to start charging now.
// The returned bool reports whether the server acknowledged the request.
func (c *Client) TriggerImmediateCharge(ctx context.Context, account string) (bool, error) {
	var out struct {
		TriggerBoostCharge *struct {
			ID string `json:"id"`
		} `json:"triggerBoostCharge"`
	}
	vars := map[string]any{"input": map[string]any{"accountNumber": account}}
	if err := c.authenticated(ctx, opTriggerBoost, triggerBoostMutation, vars, &out); err != nil {
		return false, err
	}
	return out.TriggerBoostCharge != nil, nil
}

// authenticated runs op with the current token. If the server rejects the
// token it logs in again once and retries once.
func (c *Client) authenticated(ctx context.Context, op, query string, vars map[string]any, out any) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	err = c.execute(ctx, op, query, vars, token, out)
	if !IsAuthError(err) {
		return err
	}

	c.logger.Warn("Token rejected, re-authenticating",
		zap.String("operation", op),
		zap.Error(err))

	token, err = c.reauthenticate(ctx, token)
	if err != nil {
		return err
	}
	return c.execute(ctx, op, query, vars, token, out)
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	token := c.token
	hasCredentials := c.email != ""
	c.mu.RUnlock()

	if token != "" {
		return token, nil
	}
	if !hasCredentials {
		return "", ErrUnauthenticated
	}
	return c.reauthenticate(ctx, "")
}

// reauthenticate replaces stale with a fresh token. If another caller already
// replaced it, that token is reused.
func (c *Client) reauthenticate(ctx context.Context, stale string) (string, error) {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	c.mu.RLock()
	current, email, password := c.token, c.email, c.password
	c.mu.RUnlock()

	if current != "" && current != stale {
		return current, nil
	}
	if email == "" {
		return "", ErrUnauthenticated
	}

	token, err := c.obtainToken(ctx, email, password)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return token, nil
}

func (c *Client) obtainToken(ctx context.Context, email, password string) (string, error) {
	var out struct {
		ObtainKrakenToken *struct {
			Token string `json:"token"`
		} `json:"obtainKrakenToken"`
	}
	vars := map[string]any{
		"input": map[string]any{"email": email, "password": password},
	}

	err := c.execute(ctx, opObtainToken, obtainTokenMutation, vars, "", &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && len(apiErr.Errors) > 0 {
			ge := apiErr.Errors[0]
			return "", &AuthError{Op: opObtainToken, Code: ge.Extensions.ErrorCode, Message: ge.Message}
		}
		return "", err
	}
	if out.ObtainKrakenToken == nil || out.ObtainKrakenToken.Token == "" {
		return "", &AuthError{Op: opObtainToken, Message: "no token in response"}
	}
	return out.ObtainKrakenToken.Token, nil
}

type graphQLRequest struct {
	OperationName string         `json:"operationName"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors"`
}

// execute performs one GraphQL round trip and decodes "data" into out.
func (c *Client) execute(ctx context.Context, op, query string, vars map[string]any, token string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &APIError{Op: op, Err: fmt.Errorf("rate limit: %w", err)}
		}
	}

	payload, err := json.Marshal(graphQLRequest{OperationName: op, Query: query, Variables: vars})
	if err != nil {
		return &APIError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return &APIError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	c.logger.Debug("GraphQL round trip",
		zap.String("operation", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Op: op, Message: fmt.Sprintf("http %d", resp.StatusCode)}
	}

	var envelope graphQLResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		if resp.StatusCode >= http.StatusMultipleChoices {
			return &APIError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected response: %s", snippet(body))}
		}
		return &APIError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	// Any errors entry is a failure, whatever the status code.
	if len(envelope.Errors) > 0 {
		if authErr := authFromGraphQL(op, envelope.Errors); authErr != nil {
			return authErr
		}
		return &APIError{Op: op, StatusCode: resp.StatusCode, Errors: envelope.Errors}
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return &APIError{Op: op, StatusCode: resp.StatusCode}
	}

	if out == nil {
		return nil
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Err: errors.New("response has no data")}
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode data: %w", err)}
	}
	return nil
}

func snippet(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
