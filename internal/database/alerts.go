package database

import (
	"time"

	"gorm.io/gorm"
)

// OpenAlertsForDevice returns all unresolved alerts of one device
func OpenAlertsForDevice(db *gorm.DB, deviceID string) ([]Alert, error) {
	var alerts []Alert
	err := db.Where("device_id = ? AND resolved_at IS NULL", deviceID).
		Order("string_number asc").Find(&alerts).Error
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

// CreateAlert inserts a new open alert
func CreateAlert(db *gorm.DB, alert *Alert) error {
	return db.Create(alert).Error
}

// ResolveAlert marks an alert resolved. resolvedBy is empty when the engine
// resolves on recovery, and carries the operator identity for manual
// resolution. Resolution is idempotent; last write wins.
func ResolveAlert(db *gorm.DB, alertID uint, resolvedBy string, at time.Time) error {
	updates := map[string]interface{}{"resolved_at": at}
	if resolvedBy != "" {
		updates["resolved_by"] = resolvedBy
	}
	return db.Model(&Alert{}).Where("id = ?", alertID).Updates(updates).Error
}

// GetAlert fetches one alert by ID
func GetAlert(db *gorm.DB, alertID uint) (*Alert, error) {
	var alert Alert
	if err := db.First(&alert, alertID).Error; err != nil {
		return nil, err
	}
	return &alert, nil
}

// ListAlerts returns alerts filtered by status. status is "open",
// "resolved" or "" for all; results are newest first, capped at limit.
func ListAlerts(db *gorm.DB, status string, limit int) ([]Alert, error) {
	var alerts []Alert
	q := db.Order("created_at desc")
	switch status {
	case "open":
		q = q.Where("resolved_at IS NULL")
	case "resolved":
		q = q.Where("resolved_at IS NOT NULL")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}
