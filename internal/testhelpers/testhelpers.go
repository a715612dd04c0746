// Package testhelpers provides reusable testing utilities for stringwatch.
//
// This package contains:
// - In-memory database setup
// - Model builders for plants, devices, readings and alerts
package testhelpers

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/stringwatch/stringwatch/internal/database"
)

// OpenTestDB opens an in-memory sqlite database with the full schema
// migrated. Each call returns an isolated database.
func OpenTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// SeedPlant creates a plant row with sane defaults
func SeedPlant(t *testing.T, db *gorm.DB, id, provider string) database.Plant {
	t.Helper()

	plant := database.Plant{
		ID:          id,
		Name:        "Plant " + id,
		HealthState: database.PlantHealthHealthy,
		Provider:    provider,
		LastSynced:  time.Now(),
	}
	if err := db.Create(&plant).Error; err != nil {
		t.Fatalf("failed to seed plant %s: %v", id, err)
	}
	return plant
}

// SeedDevice creates a device row belonging to the given plant
func SeedDevice(t *testing.T, db *gorm.DB, id, plantID, provider string, deviceTypeID int) database.Device {
	t.Helper()

	device := database.Device{
		ID:           id,
		PlantID:      plantID,
		Name:         "Inverter " + id,
		DeviceTypeID: deviceTypeID,
		Provider:     provider,
		LastSynced:   time.Now(),
	}
	if err := db.Create(&device).Error; err != nil {
		t.Fatalf("failed to seed device %s: %v", id, err)
	}
	return device
}

// SeedReading appends one string reading at the given timestamp
func SeedReading(t *testing.T, db *gorm.DB, deviceID, plantID string, stringNumber int, voltage, current float64, ts time.Time) database.StringReading {
	t.Helper()

	reading := database.StringReading{
		DeviceID:     deviceID,
		PlantID:      plantID,
		StringNumber: stringNumber,
		Voltage:      voltage,
		Current:      current,
		Power:        voltage * current,
		Timestamp:    ts,
	}
	if err := db.Create(&reading).Error; err != nil {
		t.Fatalf("failed to seed reading: %v", err)
	}
	return reading
}

// SeedOpenAlert creates an unresolved alert for the given string
func SeedOpenAlert(t *testing.T, db *gorm.DB, deviceID, plantID string, stringNumber int, severity database.AlertSeverity) database.Alert {
	t.Helper()

	alert := database.Alert{
		DeviceID:     deviceID,
		PlantID:      plantID,
		StringNumber: stringNumber,
		Severity:     severity,
		Message:      "seeded alert",
	}
	if err := db.Create(&alert).Error; err != nil {
		t.Fatalf("failed to seed alert: %v", err)
	}
	return alert
}

// FloatPtr returns a pointer to the given float64
func FloatPtr(v float64) *float64 {
	return &v
}

// IntPtr returns a pointer to the given int
func IntPtr(v int) *int {
	return &v
}
