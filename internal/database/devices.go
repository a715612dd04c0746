package database

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceUpsert carries the vendor-reported attributes of one inverter
type DeviceUpsert struct {
	ID           string
	PlantID      string
	Name         string
	Model        *string
	DeviceTypeID int
	// MaxStrings is only written on create, or later through
	// SetDeviceMaxStrings once the first reading reveals it.
	MaxStrings *int
	Provider   string
}

// UpsertDevices writes the given devices inside one transaction, keyed by
// the vendor device identifier. max_strings is intentionally excluded from
// the update set so a later topology sync can never shrink it.
func UpsertDevices(db *gorm.DB, devices []DeviceUpsert, now time.Time) error {
	if len(devices) == 0 {
		return nil
	}
	return db.Transaction(func(tx *gorm.DB) error {
		for _, d := range devices {
			row := Device{
				ID:           d.ID,
				PlantID:      d.PlantID,
				Name:         d.Name,
				Model:        d.Model,
				DeviceTypeID: d.DeviceTypeID,
				MaxStrings:   d.MaxStrings,
				Provider:     d.Provider,
				LastSynced:   now,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"plant_id", "name", "model", "device_type_id",
					"provider", "last_synced", "updated_at",
				}),
			}).Create(&row).Error
			if err != nil {
				return err
			}
			// A device sync that reports a string count (Solis does) may
			// still grow max_strings on an existing row.
			if d.MaxStrings != nil {
				if err := setMaxStringsTx(tx, d.ID, *d.MaxStrings); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// SetDeviceMaxStrings records the discovered string count. The value is
// grow-only: it is set when null and raised when a reading reports more
// channels, never lowered.
func SetDeviceMaxStrings(db *gorm.DB, deviceID string, maxStrings int) error {
	return setMaxStringsTx(db, deviceID, maxStrings)
}

func setMaxStringsTx(db *gorm.DB, deviceID string, maxStrings int) error {
	if maxStrings <= 0 {
		return nil
	}
	return db.Model(&Device{}).
		Where("id = ? AND (max_strings IS NULL OR max_strings < ?)", deviceID, maxStrings).
		Update("max_strings", maxStrings).Error
}

// ListDevices returns devices for a provider, optionally restricted to the
// given device type IDs.
func ListDevices(db *gorm.DB, provider string, deviceTypeIDs []int) ([]Device, error) {
	var devices []Device
	q := db.Where("provider = ?", provider).Order("id asc")
	if len(deviceTypeIDs) > 0 {
		q = q.Where("device_type_id IN ?", deviceTypeIDs)
	}
	if err := q.Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// ListDevicesByPlant returns all devices of one plant
func ListDevicesByPlant(db *gorm.DB, plantID string) ([]Device, error) {
	var devices []Device
	if err := db.Where("plant_id = ?", plantID).Order("id asc").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// GetDevice fetches one device by ID
func GetDevice(db *gorm.DB, deviceID string) (*Device, error) {
	var device Device
	if err := db.First(&device, "id = ?", deviceID).Error; err != nil {
		return nil, err
	}
	return &device, nil
}
