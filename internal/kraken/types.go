package kraken

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Weekday is the Kraken day-of-week name used in charge schedules.
type Weekday string

const (
	Monday    Weekday = "MONDAY"
	Tuesday   Weekday = "TUESDAY"
	Wednesday Weekday = "WEDNESDAY"
	Thursday  Weekday = "THURSDAY"
	Friday    Weekday = "FRIDAY"
	Saturday  Weekday = "SATURDAY"
	Sunday    Weekday = "SUNDAY"
)

// Weekdays is the canonical order of a weekly schedule.
var Weekdays = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}

// ParseWeekday accepts any casing of a day name ("monday", "Monday", "MONDAY").
func ParseWeekday(s string) (Weekday, error) {
	day := Weekday(strings.ToUpper(strings.TrimSpace(s)))
	for _, d := range Weekdays {
		if d == day {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown day of week %q", s)
}

// Index returns the position of d in Weekdays, or -1.
func (d Weekday) Index() int {
	for i, w := range Weekdays {
		if w == d {
			return i
		}
	}
	return -1
}

const (
	DeviceTypeElectricVehicle = "ELECTRIC_VEHICLES"
	DeviceTypeBattery         = "BATTERIES"
	DeviceTypeInverter        = "INVERTERS"
	DeviceTypeChargePoint     = "CHARGE_POINTS"

	ModeCharge      = "CHARGE"
	UnitPercentage  = "PERCENTAGE"
	DefaultDayTime  = "08:00"
	DefaultDayMax   = 80
	dateLayout      = "2006-01-02"
	scheduleTimeLen = len("15:04")
)

// Date is a calendar date without a time of day.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// IsZero reports whether d is the zero date.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// Time returns midnight UTC of d.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	t, err := time.Parse(dateLayout, string(b))
	if err != nil {
		return err
	}
	*d = DateOf(t)
	return nil
}

// BillingSnapshot is the normalized billing state of one account.
type BillingSnapshot struct {
	SolarWalletBalance float64  `json:"solar_wallet_balance"`
	CreditBalance      float64  `json:"credit_balance"`
	LastInvoice        *Invoice `json:"last_invoice"`
}

// Invoice is the most recent statement of the electricity ledger.
type Invoice struct {
	Amount           float64 `json:"amount"`
	IssuedDate       Date    `json:"issued_date"`
	ConsumptionStart Date    `json:"consumption_start"`
	ConsumptionEnd   Date    `json:"consumption_end"`
}

// Device is a smart-flex device registered on an account.
type Device struct {
	ID                  string             `json:"id"`
	Name                string             `json:"name"`
	Type                string             `json:"type"`
	Make                string             `json:"make,omitempty"`
	Model               string             `json:"model,omitempty"`
	IntegrationDeviceID string             `json:"integration_device_id,omitempty"`
	Status              DeviceStatus       `json:"status"`
	Alerts              []Alert            `json:"alerts,omitempty"`
	ChargePoint         *ChargePoint       `json:"charge_point,omitempty"`
	Preferences         *ChargePreferences `json:"preferences,omitempty"`
}

// DeviceStatus is the current status block of a device.
type DeviceStatus struct {
	Current      string       `json:"current"`
	CurrentState string       `json:"current_state"`
	Suspended    bool         `json:"suspended"`
	ChargeLimit  *ChargeLimit `json:"charge_limit,omitempty"`
}

// ChargeLimit reports a state-of-charge limit violation.
type ChargeLimit struct {
	Violated      bool      `json:"violated"`
	UpperSocLimit int       `json:"upper_soc_limit"`
	Timestamp     time.Time `json:"timestamp"`
}

// Alert is a message published against a device.
type Alert struct {
	Message     string    `json:"message"`
	PublishedAt time.Time `json:"published_at"`
}

// ChargePoint describes the charger variant a vehicle is paired with.
type ChargePoint struct {
	Model             string  `json:"model"`
	PowerKW           float64 `json:"power_kw"`
	Amperage          float64 `json:"amperage"`
	IntegrationStatus string  `json:"integration_status"`
	IntegrationLive   bool    `json:"integration_live"`
}

// ChargePreferences is the smart-charging configuration of a vehicle.
type ChargePreferences struct {
	Mode     string   `json:"mode"`
	Unit     string   `json:"unit"`
	Schedule Schedule `json:"schedule"`
}

// DaySchedule is the charge target for one weekday.
type DaySchedule struct {
	DayOfWeek Weekday `json:"day_of_week"`
	Time      string  `json:"time"`
	Max       int     `json:"max"`
}

// Schedule is a weekly schedule ordered by weekday.
type Schedule []DaySchedule

// Day returns the entry for day, if present.
func (s Schedule) Day(day Weekday) (DaySchedule, bool) {
	for _, ds := range s {
		if ds.DayOfWeek == day {
			return ds, true
		}
	}
	return DaySchedule{}, false
}

// Validate checks that s holds exactly one valid entry per weekday.
func (s Schedule) Validate() error {
	if len(s) != len(Weekdays) {
		return fmt.Errorf("%w: %d entries, want %d", ErrInvalidSchedule, len(s), len(Weekdays))
	}
	seen := make(map[Weekday]bool, len(Weekdays))
	for _, ds := range s {
		if ds.DayOfWeek.Index() < 0 {
			return fmt.Errorf("%w: unknown day %q", ErrInvalidSchedule, ds.DayOfWeek)
		}
		if seen[ds.DayOfWeek] {
			return fmt.Errorf("%w: duplicate day %s", ErrInvalidSchedule, ds.DayOfWeek)
		}
		seen[ds.DayOfWeek] = true
		if err := ValidateTime(ds.Time); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSchedule, ds.DayOfWeek, err)
		}
		if err := ValidateSoc(ds.Max); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSchedule, ds.DayOfWeek, err)
		}
	}
	return nil
}

// ValidateTime checks a 24h "HH:MM" string.
func ValidateTime(s string) error {
	if len(s) != scheduleTimeLen {
		return fmt.Errorf("time %q is not HH:MM", s)
	}
	if _, err := time.Parse("15:04", s); err != nil {
		return fmt.Errorf("time %q is not HH:MM", s)
	}
	return nil
}

// ValidateSoc checks a state-of-charge percentage.
func ValidateSoc(soc int) error {
	if soc < 0 || soc > 100 {
		return fmt.Errorf("soc %d out of range [0,100]", soc)
	}
	return nil
}

// flexNumber decodes a JSON number, a numeric string or null.
type flexNumber struct {
	value float64
	valid bool
}

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*n = flexNumber{}
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", string(b), err)
	}
	*n = flexNumber{value: v, valid: true}
	return nil
}

func (n flexNumber) Int() int {
	return int(math.Round(n.value))
}

// parseKrakenTime parses the timestamp forms the API returns. Naive values
// keep UTC as their location so calendar truncation is unaffected.
func parseKrakenTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05",
		dateLayout,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
