package services

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/stringwatch/stringwatch/internal/database"
)

// AggregateService maintains the hourly and daily per-string rollups.
// Buckets are aligned to the site's wall clock, configured as a fixed UTC
// offset; rollups are recomputed from raw readings on every call, so
// re-running a window is idempotent.
type AggregateService struct {
	db  *gorm.DB
	loc *time.Location
}

// NewAggregateService creates an AggregateService. tzOffsetMinutes is the
// site's offset from UTC.
func NewAggregateService(db *gorm.DB, tzOffsetMinutes int) *AggregateService {
	return &AggregateService{
		db:  db,
		loc: time.FixedZone("site", tzOffsetMinutes*60),
	}
}

// HourStart returns the start of now's hour bucket on the site clock
func (s *AggregateService) HourStart(now time.Time) time.Time {
	local := now.In(s.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, s.loc)
}

// DayStart returns the start of now's day bucket on the site clock
func (s *AggregateService) DayStart(now time.Time) time.Time {
	local := now.In(s.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
}

type stats struct {
	avgVoltage float64
	avgCurrent float64
	avgPower   float64
	minCurrent *float64
	maxCurrent *float64
	samples    int
}

// computeStats averages only positive samples. Nighttime zero rows are never
// written, but defensive zero and negative values from vendor glitches still
// must not drag the averages down.
func computeStats(readings []database.StringReading) stats {
	var st stats
	st.samples = len(readings)
	var vSum, vN, iSum, iN, pSum, pN float64
	for _, r := range readings {
		if r.Voltage > 0 {
			vSum += r.Voltage
			vN++
		}
		if r.Current > 0 {
			iSum += r.Current
			iN++
			if st.minCurrent == nil || r.Current < *st.minCurrent {
				c := r.Current
				st.minCurrent = &c
			}
			if st.maxCurrent == nil || r.Current > *st.maxCurrent {
				c := r.Current
				st.maxCurrent = &c
			}
		}
		if r.Power > 0 {
			pSum += r.Power
			pN++
		}
	}
	if vN > 0 {
		st.avgVoltage = round(vSum/vN, 2)
	}
	if iN > 0 {
		st.avgCurrent = round(iSum/iN, 3)
	}
	if pN > 0 {
		st.avgPower = round(pSum/pN, 2)
	}
	return st
}

// UpdateHourly recomputes the current hour bucket for every string of a device
func (s *AggregateService) UpdateHourly(deviceID, plantID string, maxStrings int, now time.Time) error {
	hourStart := s.HourStart(now)
	for n := 1; n <= maxStrings; n++ {
		readings, err := database.ReadingsForDeviceSince(s.db, deviceID, hourStart, n)
		if err != nil {
			return fmt.Errorf("hourly readings for %s string %d: %w", deviceID, n, err)
		}
		if len(readings) == 0 {
			continue
		}
		st := computeStats(readings)
		agg := database.HourlyAggregate{
			DeviceID:     deviceID,
			PlantID:      plantID,
			StringNumber: n,
			Hour:         hourStart,
			AvgVoltage:   st.avgVoltage,
			AvgCurrent:   st.avgCurrent,
			AvgPower:     st.avgPower,
			MinCurrent:   st.minCurrent,
			MaxCurrent:   st.maxCurrent,
		}
		if err := database.UpsertHourlyAggregate(s.db, &agg); err != nil {
			return fmt.Errorf("upsert hourly for %s string %d: %w", deviceID, n, err)
		}
	}
	return nil
}

// UpdateDaily recomputes the current day bucket for every string of a device,
// including the health score: the string's average producing current as a
// percentage of the device-wide average, clamped to [0,100]. A device with
// no producing readings scores every string 100; an idle day is not a fault.
func (s *AggregateService) UpdateDaily(deviceID, plantID string, maxStrings int, now time.Time) error {
	dayStart := s.DayStart(now)

	deviceReadings, err := database.ReadingsForDeviceSince(s.db, deviceID, dayStart, 0)
	if err != nil {
		return fmt.Errorf("daily readings for %s: %w", deviceID, err)
	}
	var iSum, iN float64
	for _, r := range deviceReadings {
		if r.Current > 0 {
			iSum += r.Current
			iN++
		}
	}
	deviceAvgCurrent := 0.0
	if iN > 0 {
		deviceAvgCurrent = iSum / iN
	}

	for n := 1; n <= maxStrings; n++ {
		readings, err := database.ReadingsForDeviceSince(s.db, deviceID, dayStart, n)
		if err != nil {
			return fmt.Errorf("daily readings for %s string %d: %w", deviceID, n, err)
		}
		if len(readings) == 0 {
			continue
		}
		st := computeStats(readings)

		healthScore := 100.0
		if deviceAvgCurrent > 0 {
			healthScore = st.avgCurrent / deviceAvgCurrent * 100
			if healthScore > 100 {
				healthScore = 100
			}
			if healthScore < 0 {
				healthScore = 0
			}
		}

		agg := database.DailyAggregate{
			DeviceID:     deviceID,
			PlantID:      plantID,
			StringNumber: n,
			Date:         dayStart,
			AvgVoltage:   st.avgVoltage,
			AvgCurrent:   st.avgCurrent,
			AvgPower:     st.avgPower,
			MinCurrent:   st.minCurrent,
			MaxCurrent:   st.maxCurrent,
			HealthScore:  round(healthScore, 2),
		}
		if err := database.UpsertDailyAggregate(s.db, &agg); err != nil {
			return fmt.Errorf("upsert daily for %s string %d: %w", deviceID, n, err)
		}
	}
	return nil
}
