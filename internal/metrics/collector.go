// Package metrics exposes the bridge's snapshots and refresh activity as
// Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"octopusspain/internal/coordinator"
	"octopusspain/pkg/host"
)

const namespace = "octopus_spain"

// Source is the read side of the integration the collector scrapes.
type Source interface {
	Snapshot(tier coordinator.Tier) *coordinator.Snapshot
	Status() host.Status
}

// Collector implements prometheus.Collector over the latest snapshots. Values
// are read at scrape time, so nothing is stored between scrapes.
type Collector struct {
	source Source

	creditBalance      *prometheus.Desc
	solarWalletBalance *prometheus.Desc
	invoiceAmount      *prometheus.Desc
	invoiceIssued      *prometheus.Desc
	invoicePeriodEnd   *prometheus.Desc
	deviceInfo         *prometheus.Desc
	deviceSuspended    *prometheus.Desc
	scheduleTargetSoc  *prometheus.Desc
	scheduleDeparture  *prometheus.Desc
	accountError       *prometheus.Desc
	tierLastSuccess    *prometheus.Desc
	tierAuthFailed     *prometheus.Desc
	integrationState   *prometheus.Desc
}

// NewCollector creates a collector reading from source.
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		creditBalance: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "credit_balance_euros"),
			"Electricity ledger balance in euros",
			[]string{"account"}, nil,
		),
		solarWalletBalance: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "solar_wallet_balance_euros"),
			"Solar wallet balance in euros",
			[]string{"account"}, nil,
		),
		invoiceAmount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "last_invoice", "amount_euros"),
			"Gross amount of the latest invoice in euros",
			[]string{"account"}, nil,
		),
		invoiceIssued: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "last_invoice", "issued_timestamp_seconds"),
			"Issue date of the latest invoice",
			[]string{"account"}, nil,
		),
		invoicePeriodEnd: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "last_invoice", "period_end_timestamp_seconds"),
			"Last consumption day covered by the latest invoice",
			[]string{"account"}, nil,
		),
		deviceInfo: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "device", "info"),
			"Smart-flex device metadata",
			[]string{"account", "device", "name", "type", "status"}, nil,
		),
		deviceSuspended: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "device", "suspended"),
			"Device smart control is suspended (1=yes, 0=no)",
			[]string{"account", "device"}, nil,
		),
		scheduleTargetSoc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "schedule", "target_soc_percent"),
			"Target state of charge per weekday",
			[]string{"account", "device", "day"}, nil,
		),
		scheduleDeparture: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "schedule", "departure_minutes"),
			"Departure time per weekday in minutes after midnight",
			[]string{"account", "device", "day"}, nil,
		),
		accountError: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "account", "error"),
			"Whether the account's data could not be fetched in the latest pass",
			[]string{"account", "tier"}, nil,
		),
		tierLastSuccess: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tier", "last_success_timestamp_seconds"),
			"Time of the latest successful refresh pass",
			[]string{"tier"}, nil,
		),
		tierAuthFailed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tier", "auth_failed"),
			"Whether the latest pass failed authentication",
			[]string{"tier"}, nil,
		),
		integrationState: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "state"),
			"Integration state (1 for the current state)",
			[]string{"state"}, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.creditBalance
	ch <- c.solarWalletBalance
	ch <- c.invoiceAmount
	ch <- c.invoiceIssued
	ch <- c.invoicePeriodEnd
	ch <- c.deviceInfo
	ch <- c.deviceSuspended
	ch <- c.scheduleTargetSoc
	ch <- c.scheduleDeparture
	ch <- c.accountError
	ch <- c.tierLastSuccess
	ch <- c.tierAuthFailed
	ch <- c.integrationState
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.collectBilling(ch, c.source.Snapshot(coordinator.TierBilling))
	c.collectDevices(ch, c.source.Snapshot(coordinator.TierDevices))

	status := c.source.Status()
	for _, state := range []string{host.StateNotReady, host.StateReady, host.StateReauthRequired} {
		ch <- prometheus.MustNewConstMetric(c.integrationState, prometheus.GaugeValue,
			boolValue(status.State == state), state)
	}
	for _, ts := range status.Tiers {
		tier := string(ts.Tier)
		if !ts.LastSuccess.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.tierLastSuccess, prometheus.GaugeValue,
				float64(ts.LastSuccess.Unix()), tier)
		}
		ch <- prometheus.MustNewConstMetric(c.tierAuthFailed, prometheus.GaugeValue,
			boolValue(ts.AuthFailed), tier)
	}
}

func (c *Collector) collectBilling(ch chan<- prometheus.Metric, snap *coordinator.Snapshot) {
	for _, number := range snap.AccountNumbers() {
		data := snap.Accounts[number]
		ch <- prometheus.MustNewConstMetric(c.accountError, prometheus.GaugeValue,
			boolValue(data.Err != nil), number, string(coordinator.TierBilling))

		b := data.Billing
		if b == nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.creditBalance, prometheus.GaugeValue, b.CreditBalance, number)
		ch <- prometheus.MustNewConstMetric(c.solarWalletBalance, prometheus.GaugeValue, b.SolarWalletBalance, number)

		inv := b.LastInvoice
		if inv == nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.invoiceAmount, prometheus.GaugeValue, inv.Amount, number)
		if !inv.IssuedDate.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.invoiceIssued, prometheus.GaugeValue,
				float64(inv.IssuedDate.Time().Unix()), number)
		}
		if !inv.ConsumptionEnd.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.invoicePeriodEnd, prometheus.GaugeValue,
				float64(inv.ConsumptionEnd.Time().Unix()), number)
		}
	}
}

func (c *Collector) collectDevices(ch chan<- prometheus.Metric, snap *coordinator.Snapshot) {
	for _, number := range snap.AccountNumbers() {
		data := snap.Accounts[number]
		ch <- prometheus.MustNewConstMetric(c.accountError, prometheus.GaugeValue,
			boolValue(data.Err != nil), number, string(coordinator.TierDevices))

		for _, d := range data.Devices {
			ch <- prometheus.MustNewConstMetric(c.deviceInfo, prometheus.GaugeValue, 1,
				number, d.ID, d.Name, d.Type, d.Status.Current)
			ch <- prometheus.MustNewConstMetric(c.deviceSuspended, prometheus.GaugeValue,
				boolValue(d.Status.Suspended), number, d.ID)

			if d.Preferences == nil {
				continue
			}
			for _, day := range d.Preferences.Schedule {
				ch <- prometheus.MustNewConstMetric(c.scheduleTargetSoc, prometheus.GaugeValue,
					float64(day.Max), number, d.ID, string(day.DayOfWeek))
				if m, ok := minutesOfDay(day.Time); ok {
					ch <- prometheus.MustNewConstMetric(c.scheduleDeparture, prometheus.GaugeValue,
						float64(m), number, d.ID, string(day.DayOfWeek))
				}
			}
		}
	}
}

func minutesOfDay(hhmm string) (int, bool) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
