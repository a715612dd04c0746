package database

import (
	"time"
)

// PlantHealthState mirrors the vendor-neutral health classification stored
// on plants. Numeric values are part of the persisted schema.
type PlantHealthState int

const (
	PlantHealthDisconnected PlantHealthState = 1
	PlantHealthFaulty       PlantHealthState = 2
	PlantHealthHealthy      PlantHealthState = 3
)

func (s PlantHealthState) String() string {
	switch s {
	case PlantHealthHealthy:
		return "healthy"
	case PlantHealthFaulty:
		return "faulty"
	case PlantHealthDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Device type classifiers. FusionSolar reports 1 (string inverter) and 38
// (residential inverter); Growatt and Solis types are assigned locally.
const (
	DeviceTypeFusionSolarString      = 1
	DeviceTypeFusionSolarResidential = 38
	DeviceTypeGrowattMax             = 100
	DeviceTypeGrowattSphS            = 101
	DeviceTypeSolisInverter          = 200
)

// Plant represents one physical site owned by a vendor account
type Plant struct {
	ID          string           `gorm:"primaryKey;size:64" json:"id"`
	Name        string           `gorm:"size:255" json:"name"`
	CapacityKW  *float64         `json:"capacity_kw"`
	Address     *string          `gorm:"size:512" json:"address"`
	Latitude    *float64         `json:"latitude"`
	Longitude   *float64         `json:"longitude"`
	HealthState PlantHealthState `gorm:"index" json:"health_state"`
	Provider    string           `gorm:"size:32;index" json:"provider"`
	LastSynced  time.Time        `json:"last_synced"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Device represents one inverter belonging to a plant
type Device struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	PlantID      string    `gorm:"size:64;index;not null" json:"plant_id"`
	Name         string    `gorm:"size:255" json:"name"`
	Model        *string   `gorm:"size:255" json:"model"`
	DeviceTypeID int       `gorm:"index" json:"device_type_id"`
	// MaxStrings is discovered lazily from the first reading that reports
	// string channels. Set once, never shrunk.
	MaxStrings *int      `json:"max_strings"`
	Provider   string    `gorm:"size:32;index" json:"provider"`
	LastSynced time.Time `json:"last_synced"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StringReading is the atomic telemetry unit: one string channel of one
// device at one instant. Append-only; rows are never updated.
type StringReading struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	DeviceID     string    `gorm:"size:64;index:idx_readings_device_ts;not null" json:"device_id"`
	PlantID      string    `gorm:"size:64;index;not null" json:"plant_id"`
	StringNumber int       `gorm:"not null" json:"string_number"`
	Voltage      float64   `json:"voltage"`
	Current      float64   `json:"current"`
	Power        float64   `json:"power"`
	Timestamp    time.Time `gorm:"index:idx_readings_device_ts;index" json:"timestamp"`
}

// AlertSeverity is the alert tier derived from a string's gap below its peers
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "INFO"
	AlertSeverityWarning  AlertSeverity = "WARNING"
	AlertSeverityCritical AlertSeverity = "CRITICAL"
)

// Alert records one underperformance episode for a string. At most one open
// alert (resolved_at IS NULL) exists per (device, string, severity); the
// alert engine enforces this, severity transitions close and reopen.
type Alert struct {
	ID            uint          `gorm:"primaryKey" json:"id"`
	DeviceID      string        `gorm:"size:64;index:idx_alerts_device_string;not null" json:"device_id"`
	PlantID       string        `gorm:"size:64;index;not null" json:"plant_id"`
	StringNumber  int           `gorm:"index:idx_alerts_device_string;not null" json:"string_number"`
	Severity      AlertSeverity `gorm:"size:16;index;not null" json:"severity"`
	Message       string        `gorm:"size:512" json:"message"`
	ExpectedValue *float64      `json:"expected_value"`
	ActualValue   *float64      `json:"actual_value"`
	GapPercent    *float64      `json:"gap_percent"`
	CreatedAt     time.Time     `json:"created_at"`
	ResolvedAt    *time.Time    `gorm:"index" json:"resolved_at"`
	ResolvedBy    *string       `gorm:"size:255" json:"resolved_by"`
}

// IsOpen reports whether the alert has not been resolved yet
func (a *Alert) IsOpen() bool {
	return a.ResolvedAt == nil
}

// HourlyAggregate holds per-string statistics for one hour bucket.
// Upserted by (device_id, string_number, hour).
type HourlyAggregate struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	DeviceID     string    `gorm:"size:64;uniqueIndex:idx_hourly_key;not null" json:"device_id"`
	PlantID      string    `gorm:"size:64;index;not null" json:"plant_id"`
	StringNumber int       `gorm:"uniqueIndex:idx_hourly_key;not null" json:"string_number"`
	Hour         time.Time `gorm:"uniqueIndex:idx_hourly_key;not null" json:"hour"`
	AvgVoltage   float64   `json:"avg_voltage"`
	AvgCurrent   float64   `json:"avg_current"`
	AvgPower     float64   `json:"avg_power"`
	MinCurrent   *float64  `json:"min_current"`
	MaxCurrent   *float64  `json:"max_current"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DailyAggregate holds per-string statistics plus a health score for one
// day bucket. Upserted by (device_id, string_number, date).
type DailyAggregate struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	DeviceID     string    `gorm:"size:64;uniqueIndex:idx_daily_key;not null" json:"device_id"`
	PlantID      string    `gorm:"size:64;index;not null" json:"plant_id"`
	StringNumber int       `gorm:"uniqueIndex:idx_daily_key;not null" json:"string_number"`
	Date         time.Time `gorm:"uniqueIndex:idx_daily_key;not null" json:"date"`
	AvgVoltage   float64   `json:"avg_voltage"`
	AvgCurrent   float64   `json:"avg_current"`
	AvgPower     float64   `json:"avg_power"`
	MinCurrent   *float64  `json:"min_current"`
	MaxCurrent   *float64  `json:"max_current"`
	// HealthScore is the string's average current as a percentage of the
	// device average for the day, clamped to [0,100].
	HealthScore float64   `json:"health_score"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName overrides for explicit table naming
func (Plant) TableName() string {
	return "plants"
}

func (Device) TableName() string {
	return "devices"
}

func (StringReading) TableName() string {
	return "string_readings"
}

func (Alert) TableName() string {
	return "alerts"
}

func (HourlyAggregate) TableName() string {
	return "string_hourly"
}

func (DailyAggregate) TableName() string {
	return "string_daily"
}
