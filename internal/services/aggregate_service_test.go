package services_test

import (
	"math"
	"testing"
	"time"

	"github.com/stringwatch/stringwatch/internal/database"
	"github.com/stringwatch/stringwatch/internal/services"
	"github.com/stringwatch/stringwatch/internal/testhelpers"
)

func TestUpdateHourly_AveragesPositiveSamples(t *testing.T) {
	db := testhelpers.OpenTestDB(t)
	testhelpers.SeedPlant(t, db, "P1", "fusionsolar")
	testhelpers.SeedDevice(t, db, "D1", "P1", "fusionsolar", database.DeviceTypeFusionSolarString)

	now := time.Date(2026, 6, 15, 12, 40, 0, 0, time.UTC)
	testhelpers.SeedReading(t, db, "D1", "P1", 1, 600, 10.0, now.Add(-30*time.Minute))
	testhelpers.SeedReading(t, db, "D1", "P1", 1, 610, 12.0, now.Add(-20*time.Minute))
	testhelpers.SeedReading(t, db, "D1", "P1", 1, 0, 8.0, now.Add(-10*time.Minute))
	// Previous hour, must not leak into this bucket.
	testhelpers.SeedReading(t, db, "D1", "P1", 1, 500, 2.0, now.Add(-90*time.Minute))

	svc := services.NewAggregateService(db, 0)
	if err := svc.UpdateHourly("D1", "P1", 2, now); err != nil {
		t.Fatalf("UpdateHourly failed: %v", err)
	}

	aggs, err := database.HourlyAggregatesForDevice(db, "D1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("HourlyAggregatesForDevice failed: %v", err)
	}
	if len(aggs) != 1 {
		t.Fatalf("expected 1 aggregate row, got %d", len(aggs))
	}
	agg := aggs[0]
	if agg.StringNumber != 1 {
		t.Errorf("unexpected string number %d", agg.StringNumber)
	}
	// Voltage average skips the zero sample; current average includes all
	// three positive samples.
	if agg.AvgVoltage != 605.0 {
		t.Errorf("expected avg voltage 605.0, got %f", agg.AvgVoltage)
	}
	if agg.AvgCurrent != 10.0 {
		t.Errorf("expected avg current 10.0, got %f", agg.AvgCurrent)
	}
	if agg.MinCurrent == nil || *agg.MinCurrent != 8.0 {
		t.Errorf("expected min current 8.0, got %v", agg.MinCurrent)
	}
	if agg.MaxCurrent == nil || *agg.MaxCurrent != 12.0 {
		t.Errorf("expected max current 12.0, got %v", agg.MaxCurrent)
	}
}

func TestUpdateHourly_Idempotent(t *testing.T) {
	db := testhelpers.OpenTestDB(t)
	testhelpers.SeedPlant(t, db, "P1", "growatt")
	testhelpers.SeedDevice(t, db, "D1", "P1", "growatt", database.DeviceTypeGrowattMax)

	now := time.Date(2026, 6, 15, 9, 15, 0, 0, time.UTC)
	testhelpers.SeedReading(t, db, "D1", "P1", 1, 540, 11.0, now.Add(-5*time.Minute))

	svc := services.NewAggregateService(db, 0)
	if err := svc.UpdateHourly("D1", "P1", 1, now); err != nil {
		t.Fatalf("first UpdateHourly failed: %v", err)
	}

	testhelpers.SeedReading(t, db, "D1", "P1", 1, 542, 13.0, now)
	if err := svc.UpdateHourly("D1", "P1", 1, now.Add(time.Minute)); err != nil {
		t.Fatalf("second UpdateHourly failed: %v", err)
	}

	aggs, _ := database.HourlyAggregatesForDevice(db, "D1", now.Add(-time.Hour))
	if len(aggs) != 1 {
		t.Fatalf("expected single row after recompute, got %d", len(aggs))
	}
	if aggs[0].AvgCurrent != 12.0 {
		t.Errorf("expected recomputed avg 12.0, got %f", aggs[0].AvgCurrent)
	}
}

func TestUpdateDaily_HealthScore(t *testing.T) {
	db := testhelpers.OpenTestDB(t)
	testhelpers.SeedPlant(t, db, "P1", "solis")
	testhelpers.SeedDevice(t, db, "D1", "P1", "solis", database.DeviceTypeSolisInverter)

	now := time.Date(2026, 6, 15, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ts := now.Add(time.Duration(-i) * time.Hour)
		testhelpers.SeedReading(t, db, "D1", "P1", 1, 600, 12.0, ts)
		testhelpers.SeedReading(t, db, "D1", "P1", 2, 600, 6.0, ts)
	}

	svc := services.NewAggregateService(db, 0)
	if err := svc.UpdateDaily("D1", "P1", 2, now); err != nil {
		t.Fatalf("UpdateDaily failed: %v", err)
	}

	aggs, err := database.DailyAggregatesForDevice(db, "D1", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DailyAggregatesForDevice failed: %v", err)
	}
	if len(aggs) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(aggs))
	}

	byString := make(map[int]database.DailyAggregate)
	for _, a := range aggs {
		byString[a.StringNumber] = a
	}
	// Device average is 9.0A. String 1 at 12.0A exceeds it and clamps to
	// 100; string 2 at 6.0A scores 66.67.
	if byString[1].HealthScore != 100.0 {
		t.Errorf("expected clamped score 100, got %f", byString[1].HealthScore)
	}
	if math.Abs(byString[2].HealthScore-66.67) > 0.01 {
		t.Errorf("expected score 66.67, got %f", byString[2].HealthScore)
	}
}

func TestUpdateDaily_IdleDeviceScores100(t *testing.T) {
	db := testhelpers.OpenTestDB(t)
	testhelpers.SeedPlant(t, db, "P1", "solis")
	testhelpers.SeedDevice(t, db, "D1", "P1", "solis", database.DeviceTypeSolisInverter)

	now := time.Date(2026, 6, 15, 23, 0, 0, 0, time.UTC)
	// Only a non-producing sample survives somehow; voltage present,
	// current zero.
	reading := database.StringReading{
		DeviceID: "D1", PlantID: "P1", StringNumber: 1,
		Voltage: 420.0, Current: 0, Power: 0,
		Timestamp: now.Add(-time.Hour),
	}
	if err := database.InsertReadings(db, []database.StringReading{reading}); err != nil {
		t.Fatalf("InsertReadings failed: %v", err)
	}

	svc := services.NewAggregateService(db, 0)
	if err := svc.UpdateDaily("D1", "P1", 1, now); err != nil {
		t.Fatalf("UpdateDaily failed: %v", err)
	}

	aggs, _ := database.DailyAggregatesForDevice(db, "D1", now.Add(-24*time.Hour))
	if len(aggs) != 1 {
		t.Fatalf("expected 1 row, got %d", len(aggs))
	}
	if aggs[0].HealthScore != 100.0 {
		t.Errorf("expected idle day to score 100, got %f", aggs[0].HealthScore)
	}
}

func TestBuckets_FollowSiteOffset(t *testing.T) {
	db := testhelpers.OpenTestDB(t)

	// 01:30 UTC on the 15th is 09:30 on the 15th at UTC+8, but 21:30 on
	// the 14th at UTC-4.
	now := time.Date(2026, 6, 15, 1, 30, 0, 0, time.UTC)

	east := services.NewAggregateService(db, 480)
	if day := east.DayStart(now); !day.Equal(time.Date(2026, 6, 14, 16, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected UTC+8 day start: %s", day.UTC())
	}

	west := services.NewAggregateService(db, -240)
	if day := west.DayStart(now); !day.Equal(time.Date(2026, 6, 14, 4, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected UTC-4 day start: %s", day.UTC())
	}
	if hour := west.HourStart(now); !hour.Equal(time.Date(2026, 6, 15, 1, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected UTC-4 hour start: %s", hour.UTC())
	}
}
