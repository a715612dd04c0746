// Package providers defines the contract every vendor cloud client
// implements, plus the shared retry, error-classification and caching
// plumbing they build on. Each vendor lives in its own subpackage; callers
// dispatch on the provider name and never inspect vendor payloads directly.
package providers

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/stringwatch/stringwatch/internal/database"
)

// Provider names as stored on plants and devices
const (
	ProviderFusionSolar = "fusionsolar"
	ProviderGrowatt     = "growatt"
	ProviderSolis       = "solis"
)

// PlantInfo is the vendor-neutral description of one site
type PlantInfo struct {
	ID         string
	Name       string
	CapacityKW *float64
	Address    *string
	Latitude   *float64
	Longitude  *float64
	Health     database.PlantHealthState
}

// DeviceInfo is the vendor-neutral description of one inverter
type DeviceInfo struct {
	ID           string
	PlantID      string
	Name         string
	Model        *string
	DeviceTypeID int
	// MaxStrings is set when the vendor reports the string count during
	// device sync (Solis does); nil means it will be discovered from the
	// first reading.
	MaxStrings *int
}

// RawReading is one device's latest telemetry payload, flattened to the
// vendor's numeric field map. The normalizer interprets the fields.
type RawReading struct {
	DeviceID   string
	DeviceType string
	Fields     map[string]float64
}

// Client is the contract a vendor cloud API adapter fulfills. The deviceType
// argument of LatestReadings selects the vendor's device-class endpoint
// variant; implementations batch where the API allows it and degrade to
// per-device calls where it does not.
type Client interface {
	// Provider returns the provider name (e.g. "growatt")
	Provider() string

	// ListPlants returns all plants visible to the account
	ListPlants(ctx context.Context) ([]PlantInfo, error)

	// ListDevices returns the inverters of the given plants
	ListDevices(ctx context.Context, plantIDs []string) ([]DeviceInfo, error)

	// LatestReadings returns the most recent raw telemetry for the given
	// devices of one device type
	LatestReadings(ctx context.Context, deviceIDs []string, deviceType string) ([]RawReading, error)
}

// NumericFields flattens a decoded JSON object into a float64 field map.
// Vendors mix numbers, numeric strings and non-numeric metadata in one
// object; anything that does not parse as a number is dropped.
func NumericFields(raw map[string]interface{}) map[string]float64 {
	fields := make(map[string]float64, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case float64:
			fields[key] = v
		case json.Number:
			if f, err := v.Float64(); err == nil {
				fields[key] = f
			}
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				fields[key] = f
			}
		case bool:
			// Vendor booleans (lost, online flags) are not telemetry.
		case int:
			fields[key] = float64(v)
		}
	}
	return fields
}
