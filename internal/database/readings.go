package database

import (
	"log"
	"time"

	"gorm.io/gorm"
)

// InsertReadings appends a batch of string readings. Readings are immutable;
// there is no update path.
func InsertReadings(db *gorm.DB, readings []StringReading) error {
	if len(readings) == 0 {
		return nil
	}
	return db.Create(&readings).Error
}

// ReadingsForDeviceSince returns all readings of a device at or after the
// given instant, for one string when stringNumber > 0.
func ReadingsForDeviceSince(db *gorm.DB, deviceID string, since time.Time, stringNumber int) ([]StringReading, error) {
	var readings []StringReading
	q := db.Where("device_id = ? AND timestamp >= ?", deviceID, since)
	if stringNumber > 0 {
		q = q.Where("string_number = ?", stringNumber)
	}
	if err := q.Order("timestamp asc").Find(&readings).Error; err != nil {
		return nil, err
	}
	return readings, nil
}

// DeleteReadingsBefore removes raw readings older than the cutoff and
// returns the number of rows deleted. Aggregates are retained independently.
func DeleteReadingsBefore(db *gorm.DB, cutoff time.Time) (int64, error) {
	result := db.Where("timestamp < ?", cutoff).Delete(&StringReading{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("Retention: deleted %d readings older than %s", result.RowsAffected, cutoff.Format(time.RFC3339))
	}
	return result.RowsAffected, nil
}
