package database

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PlantUpsert carries the vendor-reported attributes of one plant
type PlantUpsert struct {
	ID         string
	Name       string
	CapacityKW *float64
	Address    *string
	Latitude   *float64
	Longitude  *float64
	Health     PlantHealthState
	Provider   string
}

// UpsertPlants writes the given plants inside one transaction, keyed by the
// vendor plant code.
func UpsertPlants(db *gorm.DB, plants []PlantUpsert, now time.Time) error {
	if len(plants) == 0 {
		return nil
	}
	return db.Transaction(func(tx *gorm.DB) error {
		for _, p := range plants {
			row := Plant{
				ID:          p.ID,
				Name:        p.Name,
				CapacityKW:  p.CapacityKW,
				Address:     p.Address,
				Latitude:    p.Latitude,
				Longitude:   p.Longitude,
				HealthState: p.Health,
				Provider:    p.Provider,
				LastSynced:  now,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"name", "capacity_kw", "address", "latitude", "longitude",
					"health_state", "provider", "last_synced", "updated_at",
				}),
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdatePlantHealth refreshes only the health state of one plant
func UpdatePlantHealth(db *gorm.DB, plantID string, health PlantHealthState) error {
	return db.Model(&Plant{}).Where("id = ?", plantID).
		Update("health_state", health).Error
}

// ListPlants returns all plants, optionally filtered by provider
func ListPlants(db *gorm.DB, provider string) ([]Plant, error) {
	var plants []Plant
	q := db.Order("id asc")
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	if err := q.Find(&plants).Error; err != nil {
		return nil, err
	}
	return plants, nil
}

// PlantIDs returns the IDs of all plants owned by a provider
func PlantIDs(db *gorm.DB, provider string) ([]string, error) {
	var ids []string
	err := db.Model(&Plant{}).Where("provider = ?", provider).
		Order("id asc").Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
