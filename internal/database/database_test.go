package database_test

import (
	"testing"
	"time"

	"github.com/stringwatch/stringwatch/internal/database"
	"github.com/stringwatch/stringwatch/internal/testhelpers"
)

func TestUpsertPlants_CreateThenUpdate(t *testing.T) {
	db := testhelpers.OpenTestDB(t)
	now := time.Now()

	plants := []database.PlantUpsert{
		{ID: "NE-1001", Name: "North Field", CapacityKW: testhelpers.FloatPtr(110), Health: database.PlantHealthHealthy, Provider: "fusionsolar"},
	}
	if err := database.UpsertPlants(db, plants, now); err != nil {
		t.Fatalf("UpsertPlants returned error: %v", err)
	}

	plants[0].Name = "North Field A"
	plants[0].Health = database.PlantHealthFaulty
	if err := database.UpsertPlants(db, plants, now.Add(time.Minute)); err != nil {
		t.Fatalf("UpsertPlants update returned error: %v", err)
	}

	stored, err := database.ListPlants(db, "fusionsolar")
	if err != nil {
		t.Fatalf("ListPlants returned error: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 plant, got %d", len(stored))
	}
	if stored[0].Name != "North Field A" {
		t.Errorf("expected updated name, got %q", stored[0].Name)
	}
	if stored[0].HealthState != database.PlantHealthFaulty {
		t.Errorf("expected health state faulty, got %v", stored[0].HealthState)
	}
}

func TestSetDeviceMaxStrings_NeverShrinks(t *testing.T) {
	db := testhelpers.OpenTestDB(t)
	testhelpers.SeedPlant(t, db, "P1", "growatt")
	testhelpers.SeedDevice(t, db, "D1", "P1", "growatt", database.DeviceTypeGrowattMax)

	if err := database.SetDeviceMaxStrings(db, "D1", 8); err != nil {
		t.Fatalf("SetDeviceMaxStrings returned error: %v", err)
	}
	// Fewer channels in a later reading must not shrink the stored count.
	if err := database.SetDeviceMaxStrings(db, "D1", 4); err != nil {
		t.Fatalf("SetDeviceMaxStrings returned error: %v", err)
	}

	device, err := database.GetDevice(db, "D1")
	if err != nil {
		t.Fatalf("GetDevice returned error: %v", err)
	}
	if device.MaxStrings == nil || *device.MaxStrings != 8 {
		t.Errorf("expected max_strings 8, got %v", device.MaxStrings)
	}

	if err := database.SetDeviceMaxStrings(db, "D1", 12); err != nil {
		t.Fatalf("SetDeviceMaxStrings returned error: %v", err)
	}
	device, _ = database.GetDevice(db, "D1")
	if device.MaxStrings == nil || *device.MaxStrings != 12 {
		t.Errorf("expected max_strings to grow to 12, got %v", device.MaxStrings)
	}
}

func TestUpsertDevices_UpdateKeepsMaxStrings(t *testing.T) {
	db := testhelpers.OpenTestDB(t)
	testhelpers.SeedPlant(t, db, "P1", "solis")
	now := time.Now()

	devices := []database.DeviceUpsert{
		{ID: "INV-9", PlantID: "P1", Name: "SN-9", DeviceTypeID: database.DeviceTypeSolisInverter, MaxStrings: testhelpers.IntPtr(4), Provider: "solis"},
	}
	if err := database.UpsertDevices(db, devices, now); err != nil {
		t.Fatalf("UpsertDevices returned error: %v", err)
	}

	// A later sync without a string count must not null it out.
	devices[0].MaxStrings = nil
	devices[0].Name = "SN-9b"
	if err := database.UpsertDevices(db, devices, now.Add(time.Hour)); err != nil {
		t.Fatalf("UpsertDevices update returned error: %v", err)
	}

	device, err := database.GetDevice(db, "INV-9")
	if err != nil {
		t.Fatalf("GetDevice returned error: %v", err)
	}
	if device.Name != "SN-9b" {
		t.Errorf("expected updated name, got %q", device.Name)
	}
	if device.MaxStrings == nil || *device.MaxStrings != 4 {
		t.Errorf("expected max_strings preserved at 4, got %v", device.MaxStrings)
	}
}

func TestDeleteReadingsBefore(t *testing.T) {
	db := testhelpers.OpenTestDB(t)
	testhelpers.SeedPlant(t, db, "P1", "growatt")
	testhelpers.SeedDevice(t, db, "D1", "P1", "growatt", database.DeviceTypeGrowattMax)

	now := time.Now()
	testhelpers.SeedReading(t, db, "D1", "P1", 1, 540, 11.8, now.AddDate(0, 0, -31))
	testhelpers.SeedReading(t, db, "D1", "P1", 1, 541, 11.9, now)

	deleted, err := database.DeleteReadingsBefore(db, now.AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("DeleteReadingsBefore returned error: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted reading, got %d", deleted)
	}

	remaining, err := database.ReadingsForDeviceSince(db, "D1", now.AddDate(0, 0, -60), 0)
	if err != nil {
		t.Fatalf("ReadingsForDeviceSince returned error: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("expected 1 remaining reading, got %d", len(remaining))
	}
}

func TestUpsertHourlyAggregate_Idempotent(t *testing.T) {
	db := testhelpers.OpenTestDB(t)
	testhelpers.SeedPlant(t, db, "P1", "solis")
	testhelpers.SeedDevice(t, db, "D1", "P1", "solis", database.DeviceTypeSolisInverter)

	hour := time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC)
	agg := &database.HourlyAggregate{
		DeviceID: "D1", PlantID: "P1", StringNumber: 2, Hour: hour,
		AvgVoltage: 540.1, AvgCurrent: 11.5, AvgPower: 6211.2,
		MinCurrent: testhelpers.FloatPtr(11.0), MaxCurrent: testhelpers.FloatPtr(12.0),
	}
	if err := database.UpsertHourlyAggregate(db, agg); err != nil {
		t.Fatalf("UpsertHourlyAggregate returned error: %v", err)
	}

	again := &database.HourlyAggregate{
		DeviceID: "D1", PlantID: "P1", StringNumber: 2, Hour: hour,
		AvgVoltage: 540.1, AvgCurrent: 11.5, AvgPower: 6211.2,
		MinCurrent: testhelpers.FloatPtr(11.0), MaxCurrent: testhelpers.FloatPtr(12.0),
	}
	if err := database.UpsertHourlyAggregate(db, again); err != nil {
		t.Fatalf("second UpsertHourlyAggregate returned error: %v", err)
	}

	stored, err := database.HourlyAggregatesForDevice(db, "D1", hour.Add(-time.Hour))
	if err != nil {
		t.Fatalf("HourlyAggregatesForDevice returned error: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 hourly row after re-upsert, got %d", len(stored))
	}
	if stored[0].AvgCurrent != 11.5 {
		t.Errorf("expected avg current 11.5, got %f", stored[0].AvgCurrent)
	}
}

func TestResolveAlert_IdempotentLastWriteWins(t *testing.T) {
	db := testhelpers.OpenTestDB(t)
	testhelpers.SeedPlant(t, db, "P1", "growatt")
	testhelpers.SeedDevice(t, db, "D1", "P1", "growatt", database.DeviceTypeGrowattMax)
	alert := testhelpers.SeedOpenAlert(t, db, "D1", "P1", 3, database.AlertSeverityCritical)

	first := time.Now().Add(-time.Minute)
	if err := database.ResolveAlert(db, alert.ID, "", first); err != nil {
		t.Fatalf("ResolveAlert returned error: %v", err)
	}

	// Operator resolution after engine resolution simply overwrites.
	second := time.Now()
	if err := database.ResolveAlert(db, alert.ID, "ops@example.com", second); err != nil {
		t.Fatalf("second ResolveAlert returned error: %v", err)
	}

	stored, err := database.GetAlert(db, alert.ID)
	if err != nil {
		t.Fatalf("GetAlert returned error: %v", err)
	}
	if stored.ResolvedAt == nil {
		t.Fatal("expected alert to be resolved")
	}
	if stored.ResolvedBy == nil || *stored.ResolvedBy != "ops@example.com" {
		t.Errorf("expected resolved_by 'ops@example.com', got %v", stored.ResolvedBy)
	}

	open, err := database.OpenAlertsForDevice(db, "D1")
	if err != nil {
		t.Fatalf("OpenAlertsForDevice returned error: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected no open alerts, got %d", len(open))
	}
}

func TestListAlerts_StatusFilter(t *testing.T) {
	db := testhelpers.OpenTestDB(t)
	testhelpers.SeedPlant(t, db, "P1", "growatt")
	testhelpers.SeedDevice(t, db, "D1", "P1", "growatt", database.DeviceTypeGrowattMax)

	open := testhelpers.SeedOpenAlert(t, db, "D1", "P1", 1, database.AlertSeverityInfo)
	resolved := testhelpers.SeedOpenAlert(t, db, "D1", "P1", 2, database.AlertSeverityWarning)
	if err := database.ResolveAlert(db, resolved.ID, "", time.Now()); err != nil {
		t.Fatalf("ResolveAlert returned error: %v", err)
	}

	openList, err := database.ListAlerts(db, "open", 0)
	if err != nil {
		t.Fatalf("ListAlerts(open) returned error: %v", err)
	}
	if len(openList) != 1 || openList[0].ID != open.ID {
		t.Errorf("expected only the open alert, got %d rows", len(openList))
	}

	resolvedList, err := database.ListAlerts(db, "resolved", 0)
	if err != nil {
		t.Fatalf("ListAlerts(resolved) returned error: %v", err)
	}
	if len(resolvedList) != 1 || resolvedList[0].ID != resolved.ID {
		t.Errorf("expected only the resolved alert, got %d rows", len(resolvedList))
	}

	all, err := database.ListAlerts(db, "", 0)
	if err != nil {
		t.Fatalf("ListAlerts(all) returned error: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 alerts, got %d", len(all))
	}
}
