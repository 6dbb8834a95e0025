package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"octopusspain/internal/api"
	"octopusspain/internal/coordinator"
	"octopusspain/internal/kraken"
	"octopusspain/pkg/host"
	"octopusspain/pkg/testutil"
)

const (
	testEmail    = "user@example.com"
	testPassword = "secret"
)

func newStubServer(t *testing.T) *testutil.MockKrakenServer {
	t.Helper()
	server := testutil.NewMockKrakenServer(testEmail, testPassword)
	t.Cleanup(server.Close)

	server.SetAccounts("A-1")
	server.SetLedgers("A-1",
		testutil.Ledger("SPAIN_ELECTRICITY_LEDGER", 12345, testutil.Statement(5000,
			"2024-01-31T22:00:00+00:00", "2024-03-01T00:00:00+00:00", "2024-03-05")),
		testutil.Ledger("SOLAR_WALLET_LEDGER", 700, nil),
	)
	server.SetDevices("A-1", testutil.Vehicle("ev-1",
		[3]any{"MONDAY", "07:00:00", 90},
		[3]any{"TUESDAY", "07:00:00", 90},
	))
	return server
}

func newIntegration(t *testing.T, server *testutil.MockKrakenServer, password string) *Integration {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	client := kraken.NewClient(server.URL(), logger)
	integ := New(client, Config{Email: testEmail, Password: password}, logger)
	t.Cleanup(integ.Unload)
	return integ
}

func TestIntegration_Setup(t *testing.T) {
	ctx := context.Background()

	t.Run("missing credentials", func(t *testing.T) {
		server := newStubServer(t)
		integ := newIntegration(t, server, "")

		assert.ErrorIs(t, integ.Setup(ctx), ErrMissingCredentials)
		assert.Empty(t, server.Requests())
	})

	t.Run("rejected credentials", func(t *testing.T) {
		server := newStubServer(t)
		integ := newIntegration(t, server, "wrong")

		err := integ.Setup(ctx)
		assert.True(t, kraken.IsAuthError(err))
		assert.Equal(t, host.StateNotReady, integ.Status().State)
		assert.Equal(t, 0, server.Count("getAccountNames"))
	})

	t.Run("first refresh populates every tier", func(t *testing.T) {
		server := newStubServer(t)
		integ := newIntegration(t, server, testPassword)

		require.NoError(t, integ.Setup(ctx))
		assert.Equal(t, host.StateReady, integ.Status().State)

		billing, ok := integ.Snapshot(coordinator.TierBilling).Account("A-1")
		require.True(t, ok)
		assert.InDelta(t, 123.45, billing.Billing.CreditBalance, 1e-9)
		assert.InDelta(t, 7.0, billing.Billing.SolarWalletBalance, 1e-9)
		assert.Equal(t, "2024-02-29", billing.Billing.LastInvoice.ConsumptionEnd.String())

		devices, ok := integ.Snapshot(coordinator.TierDevices).Account("A-1")
		require.True(t, ok)
		require.Len(t, devices.Devices, 1)
		assert.Equal(t, "ev-1", devices.Devices[0].ID)
	})

	t.Run("first refresh failure", func(t *testing.T) {
		server := newStubServer(t)
		server.SetResponse("getDevices", `{"data":null,"errors":[{"message":"boom"}]}`)
		integ := newIntegration(t, server, testPassword)

		err := integ.Setup(ctx)
		var apiErr *kraken.APIError
		assert.ErrorAs(t, err, &apiErr)
		assert.Equal(t, host.StateNotReady, integ.Status().State)
	})
}

func TestIntegration_ScheduleWriteEndToEnd(t *testing.T) {
	server := newStubServer(t)
	integ := newIntegration(t, server, testPassword)
	ctx := context.Background()
	require.NoError(t, integ.Setup(ctx))

	events := make(chan coordinator.Event, 8)
	sub := integ.Subscribe(func(e coordinator.Event) { events <- e })
	defer sub.Unsubscribe()

	require.NoError(t, integ.SetDaySoc(ctx, "A-1", kraken.Wednesday, 65))

	req, ok := server.LastRequest("setDevicePreferences")
	require.True(t, ok)
	input := req.Variables["input"].(map[string]any)
	assert.Equal(t, "ev-1", input["deviceId"])
	schedules := input["schedules"].([]any)
	require.Len(t, schedules, 7)
	wed := schedules[2].(map[string]any)
	assert.Equal(t, "WEDNESDAY", wed["dayOfWeek"])
	assert.Equal(t, "08:00", wed["time"])
	assert.Equal(t, "65", wed["max"])
	mon := schedules[0].(map[string]any)
	assert.Equal(t, "07:00", mon["time"])
	assert.Equal(t, "90", mon["max"])

	select {
	case e := <-events:
		assert.Equal(t, coordinator.TierDevices, e.Tier)
		require.NoError(t, e.Err)
		data, _ := e.Snapshot.Account("A-1")
		day, ok := data.Devices[0].Preferences.Schedule.Day(kraken.Wednesday)
		require.True(t, ok)
		assert.Equal(t, 65, day.Max)
	case <-time.After(2 * time.Second):
		t.Fatal("no refresh event after write")
	}

	schedule, err := integ.EffectiveSchedule("A-1")
	require.NoError(t, err)
	assert.Len(t, schedule, 7)
}

func TestIntegration_ReauthRequired(t *testing.T) {
	server := newStubServer(t)
	integ := newIntegration(t, server, testPassword)
	ctx := context.Background()
	require.NoError(t, integ.Setup(ctx))

	// An expired token is renewed transparently.
	server.ExpireTokens()
	require.NoError(t, integ.RequestRefresh(ctx, coordinator.TierBilling))
	assert.Equal(t, host.StateReady, integ.Status().State)

	// A token the server keeps rejecting surfaces as reauth_required.
	server.RejectAllTokens(true)
	err := integ.RequestRefresh(ctx, coordinator.TierBilling)
	assert.True(t, kraken.IsAuthError(err))
	assert.Equal(t, host.StateReauthRequired, integ.Status().State)

	server.RejectAllTokens(false)
	require.NoError(t, integ.Reauthenticate(ctx, testEmail, testPassword))
	assert.Equal(t, host.StateReady, integ.Status().State)
}

func TestIntegration_BoostCharge(t *testing.T) {
	server := newStubServer(t)
	integ := newIntegration(t, server, testPassword)
	ctx := context.Background()
	require.NoError(t, integ.Setup(ctx))

	require.NoError(t, integ.BoostCharge(ctx, "A-1"))
	assert.Equal(t, 1, server.Count("triggerBoostCharge"))
	assert.Equal(t, 2, server.Count("getDevices"))
}

func TestIntegration_ReauthenticateCompletesSetup(t *testing.T) {
	server := newStubServer(t)
	integ := newIntegration(t, server, "wrong")
	ctx := context.Background()

	require.True(t, kraken.IsAuthError(integ.Setup(ctx)))
	assert.Equal(t, host.StateNotReady, integ.Status().State)

	assert.True(t, kraken.IsAuthError(integ.Reauthenticate(ctx, testEmail, "still wrong")))
	assert.Equal(t, host.StateNotReady, integ.Status().State)

	require.NoError(t, integ.Reauthenticate(ctx, testEmail, testPassword))
	assert.Equal(t, host.StateReady, integ.Status().State)
	assert.False(t, integ.Snapshot(coordinator.TierDevices).IsEmpty())

	// A later Setup, e.g. from a retry loop, leaves the loaded integration alone.
	before := server.Count("obtainKrakenToken")
	require.NoError(t, integ.Setup(ctx))
	assert.Equal(t, before, server.Count("obtainKrakenToken"))
}

func TestIntegration_APIBeforeSetup(t *testing.T) {
	server := newStubServer(t)
	server.SetStatus("getAccountBillingInfo", http.StatusBadGateway)
	integ := newIntegration(t, server, testPassword)
	logger, _ := zap.NewDevelopment()
	h := api.NewServer(integ, logger, api.Options{}).Handler()

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	// A transient failure leaves setup pending; the API still answers.
	require.Error(t, integ.Setup(context.Background()))

	assert.Equal(t, http.StatusOK, get("/health").Code)

	w := get("/api/status")
	require.Equal(t, http.StatusOK, w.Code)
	var st host.Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, host.StateNotReady, st.State)

	w = get("/api/snapshots/billing")
	require.Equal(t, http.StatusOK, w.Code)
	var snap coordinator.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.Empty(t, snap.Accounts)

	server.SetStatus("getAccountBillingInfo", 0)
	require.NoError(t, integ.Setup(context.Background()))
	w = get("/api/status")
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, host.StateReady, st.State)
}
