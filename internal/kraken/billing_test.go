package kraken

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"octopusspain/pkg/testutil"
)

func decodeLedgers(t *testing.T, ledgers ...map[string]any) []ledgerWire {
	t.Helper()
	raw, err := json.Marshal(ledgers)
	require.NoError(t, err)
	var out []ledgerWire
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestNormalizeBilling(t *testing.T) {
	t.Run("converts minor units and shifts dates", func(t *testing.T) {
		ledgers := decodeLedgers(t,
			testutil.Ledger(ledgerElectricity, -2050, testutil.Statement(12345,
				"2024-01-31T22:00:00+00:00",
				"2024-03-01T00:00:00+00:00",
				"2024-03-05")),
			testutil.Ledger(ledgerSolarWallet, 1999, nil),
		)

		snap, err := normalizeBilling(ledgers)
		require.NoError(t, err)
		assert.InDelta(t, -20.50, snap.CreditBalance, 1e-9)
		assert.InDelta(t, 19.99, snap.SolarWalletBalance, 1e-9)

		require.NotNil(t, snap.LastInvoice)
		assert.InDelta(t, 123.45, snap.LastInvoice.Amount, 1e-9)
		assert.Equal(t, Date{2024, time.February, 1}, snap.LastInvoice.ConsumptionStart)
		assert.Equal(t, Date{2024, time.February, 29}, snap.LastInvoice.ConsumptionEnd)
		assert.Equal(t, Date{2024, time.March, 5}, snap.LastInvoice.IssuedDate)
	})

	t.Run("date-only end date lands on the previous day", func(t *testing.T) {
		ledgers := decodeLedgers(t,
			testutil.Ledger(ledgerElectricity, 0, testutil.Statement(100,
				"2024-02-01", "2024-03-01", "2024-03-02")),
		)

		snap, err := normalizeBilling(ledgers)
		require.NoError(t, err)
		assert.Equal(t, "2024-02-01", snap.LastInvoice.ConsumptionStart.String())
		assert.Equal(t, "2024-02-29", snap.LastInvoice.ConsumptionEnd.String())
	})

	t.Run("dates keep the server offset", func(t *testing.T) {
		ledgers := decodeLedgers(t,
			testutil.Ledger(ledgerElectricity, 0, testutil.Statement(100,
				"2024-01-31T23:00:00+01:00", "2024-03-01T00:00:00+01:00", "2024-03-02")),
		)

		snap, err := normalizeBilling(ledgers)
		require.NoError(t, err)
		assert.Equal(t, "2024-02-01", snap.LastInvoice.ConsumptionStart.String())
		assert.Equal(t, "2024-02-29", snap.LastInvoice.ConsumptionEnd.String())
	})

	t.Run("missing solar wallet defaults to zero", func(t *testing.T) {
		ledgers := decodeLedgers(t, testutil.Ledger(ledgerElectricity, 500, nil))

		snap, err := normalizeBilling(ledgers)
		require.NoError(t, err)
		assert.Zero(t, snap.SolarWalletBalance)
		assert.InDelta(t, 5.0, snap.CreditBalance, 1e-9)
	})

	t.Run("no statements yields a nil invoice", func(t *testing.T) {
		ledgers := decodeLedgers(t,
			testutil.Ledger(ledgerElectricity, 500, nil),
			testutil.Ledger(ledgerSolarWallet, 250, nil),
		)

		snap, err := normalizeBilling(ledgers)
		require.NoError(t, err)
		assert.Nil(t, snap.LastInvoice)
		assert.InDelta(t, 2.5, snap.SolarWalletBalance, 1e-9)
	})

	t.Run("missing electricity ledger", func(t *testing.T) {
		ledgers := decodeLedgers(t, testutil.Ledger(ledgerSolarWallet, 250, nil))

		_, err := normalizeBilling(ledgers)
		assert.ErrorIs(t, err, ErrLedgerMissing)
	})

	t.Run("unparseable date", func(t *testing.T) {
		ledgers := decodeLedgers(t,
			testutil.Ledger(ledgerElectricity, 0, testutil.Statement(100, "yesterday", "2024-03-01", "2024-03-02")),
		)

		_, err := normalizeBilling(ledgers)
		assert.Error(t, err)
	})
}

func TestClient_GetBilling(t *testing.T) {
	client, server := newTestClient(t)
	ctx := context.Background()
	server.SetLedgers("A-1",
		testutil.Ledger(ledgerElectricity, 12345, testutil.Statement(4210,
			"2024-01-31T22:00:00+00:00", "2024-03-01T00:00:00+00:00", "2024-03-05")),
	)
	server.SetLedgers("A-2", testutil.Ledger(ledgerSolarWallet, 10, nil))

	_, err := client.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	snap, err := client.GetBilling(ctx, "A-1")
	require.NoError(t, err)
	assert.InDelta(t, 123.45, snap.CreditBalance, 1e-9)
	assert.InDelta(t, 42.10, snap.LastInvoice.Amount, 1e-9)

	req, _ := server.LastRequest(opBilling)
	assert.Equal(t, "A-1", req.Variables["account"])

	_, err = client.GetBilling(ctx, "A-2")
	assert.ErrorIs(t, err, ErrLedgerMissing)
}
