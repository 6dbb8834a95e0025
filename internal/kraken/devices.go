package kraken

import (
	"slices"
	"time"
)

type deviceWire struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	DeviceType          string `json:"deviceType"`
	Make                string `json:"make"`
	Model               string `json:"model"`
	IntegrationDeviceID string `json:"integrationDeviceId"`
	Status              *struct {
		Current            string `json:"current"`
		CurrentState       string `json:"currentState"`
		IsSuspended        bool   `json:"isSuspended"`
		StateOfChargeLimit *struct {
			IsLimitViolated bool       `json:"isLimitViolated"`
			Timestamp       string     `json:"timestamp"`
			UpperSocLimit   flexNumber `json:"upperSocLimit"`
		} `json:"stateOfChargeLimit"`
	} `json:"status"`
	Alerts []struct {
		Message     string `json:"message"`
		PublishedAt string `json:"publishedAt"`
	} `json:"alerts"`
	ChargePointVariant *struct {
		Amperage          flexNumber `json:"amperage"`
		IntegrationStatus string     `json:"integrationStatus"`
		IsIntegrationLive bool       `json:"isIntegrationLive"`
		Model             string     `json:"model"`
		PowerInKw         flexNumber `json:"powerInKw"`
	} `json:"chargePointVariant"`
	Preferences *struct {
		Mode      string `json:"mode"`
		Unit      string `json:"unit"`
		Schedules []struct {
			DayOfWeek string     `json:"dayOfWeek"`
			Time      string     `json:"time"`
			Max       flexNumber `json:"max"`
		} `json:"schedules"`
	} `json:"preferences"`
}

func (dw deviceWire) toDevice() Device {
	d := Device{
		ID:                  dw.ID,
		Name:                dw.Name,
		Type:                dw.DeviceType,
		Make:                dw.Make,
		Model:               dw.Model,
		IntegrationDeviceID: dw.IntegrationDeviceID,
	}

	if st := dw.Status; st != nil {
		d.Status = DeviceStatus{
			Current:      st.Current,
			CurrentState: st.CurrentState,
			Suspended:    st.IsSuspended,
		}
		if lim := st.StateOfChargeLimit; lim != nil {
			d.Status.ChargeLimit = &ChargeLimit{
				Violated:      lim.IsLimitViolated,
				UpperSocLimit: lim.UpperSocLimit.Int(),
				Timestamp:     optionalTime(lim.Timestamp),
			}
		}
	}

	for _, a := range dw.Alerts {
		d.Alerts = append(d.Alerts, Alert{Message: a.Message, PublishedAt: optionalTime(a.PublishedAt)})
	}

	if cp := dw.ChargePointVariant; cp != nil {
		d.ChargePoint = &ChargePoint{
			Model:             cp.Model,
			PowerKW:           cp.PowerInKw.value,
			Amperage:          cp.Amperage.value,
			IntegrationStatus: cp.IntegrationStatus,
			IntegrationLive:   cp.IsIntegrationLive,
		}
	}

	if p := dw.Preferences; p != nil {
		prefs := &ChargePreferences{Mode: p.Mode, Unit: p.Unit}
		for _, s := range p.Schedules {
			day, err := ParseWeekday(s.DayOfWeek)
			if err != nil {
				continue
			}
			prefs.Schedule = append(prefs.Schedule, DaySchedule{
				DayOfWeek: day,
				Time:      wireTime(s.Time),
				Max:       s.Max.Int(),
			})
		}
		slices.SortStableFunc(prefs.Schedule, func(a, b DaySchedule) int {
			return a.DayOfWeek.Index() - b.DayOfWeek.Index()
		})
		d.Preferences = prefs
	}

	return d
}

// wireTime trims the seconds from an "HH:MM:SS" schedule time.
func wireTime(s string) string {
	if len(s) > scheduleTimeLen {
		return s[:scheduleTimeLen]
	}
	return s
}

func optionalTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := parseKrakenTime(s)
	if err != nil {
		return time.Time{}
	}
	return t
}
