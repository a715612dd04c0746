package database

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertHourlyAggregate writes one hour bucket keyed by
// (device_id, string_number, hour). Re-running with the same underlying
// readings produces identical stored values.
func UpsertHourlyAggregate(db *gorm.DB, agg *HourlyAggregate) error {
	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}, {Name: "string_number"}, {Name: "hour"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"avg_voltage", "avg_current", "avg_power",
			"min_current", "max_current", "updated_at",
		}),
	}).Create(agg).Error
}

// UpsertDailyAggregate writes one day bucket keyed by
// (device_id, string_number, date).
func UpsertDailyAggregate(db *gorm.DB, agg *DailyAggregate) error {
	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}, {Name: "string_number"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"avg_voltage", "avg_current", "avg_power",
			"min_current", "max_current", "health_score", "updated_at",
		}),
	}).Create(agg).Error
}

// HourlyAggregatesForDevice returns hour buckets of one device at or after
// the given instant, oldest first.
func HourlyAggregatesForDevice(db *gorm.DB, deviceID string, since time.Time) ([]HourlyAggregate, error) {
	var aggs []HourlyAggregate
	err := db.Where("device_id = ? AND hour >= ?", deviceID, since).
		Order("hour asc, string_number asc").Find(&aggs).Error
	if err != nil {
		return nil, err
	}
	return aggs, nil
}

// DailyAggregatesForDevice returns day buckets of one device at or after
// the given instant, oldest first.
func DailyAggregatesForDevice(db *gorm.DB, deviceID string, since time.Time) ([]DailyAggregate, error) {
	var aggs []DailyAggregate
	err := db.Where("device_id = ? AND date >= ?", deviceID, since).
		Order("date asc, string_number asc").Find(&aggs).Error
	if err != nil {
		return nil, err
	}
	return aggs, nil
}
