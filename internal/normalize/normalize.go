// Package normalize turns raw vendor field maps into per-string channel
// readings. Each vendor names its DC input fields differently; the
// normalizers are pure functions over the flattened field map and know
// nothing about transport or persistence.
package normalize

import (
	"fmt"
	"strconv"

	"github.com/stringwatch/stringwatch/internal/database"
	"github.com/stringwatch/stringwatch/internal/providers"
)

// Hard upper bound on probed string numbers across all vendors
const maxProbeStrings = 32

// Growatt MPPT fallback limits per device class
const (
	growattMaxMPPT  = 16
	growattSphSMPPT = 3
)

// Channel is one string's normalized electrical values
type Channel struct {
	StringNumber int
	Voltage      float64
	Current      float64
	Power        float64
}

// Normalize dispatches on the provider name. maxStrings is a vendor hint
// (Solis reports it up front); zero means probe the full range. Channels
// where voltage and current are both zero are dropped, so an empty result
// for a device that is merely dark at night is normal.
func Normalize(provider string, deviceTypeID, maxStrings int, fields map[string]float64) ([]Channel, error) {
	switch provider {
	case providers.ProviderFusionSolar:
		return fusionSolarChannels(fields), nil
	case providers.ProviderGrowatt:
		return growattChannels(deviceTypeID, fields), nil
	case providers.ProviderSolis:
		return solisChannels(maxStrings, fields), nil
	default:
		return nil, fmt.Errorf("normalize: unknown provider %q", provider)
	}
}

// HighestString returns the largest string number in channels, used to
// learn a device's string count from its first reporting cycle.
func HighestString(channels []Channel) int {
	highest := 0
	for _, ch := range channels {
		if ch.StringNumber > highest {
			highest = ch.StringNumber
		}
	}
	return highest
}

func active(voltage, current float64) bool {
	return voltage != 0 || current != 0
}

// fusionSolarChannels reads pv{N}_u / pv{N}_i pairs. The KPI map always
// carries both fields for a wired input, so a missing voltage key means
// the input does not exist.
func fusionSolarChannels(fields map[string]float64) []Channel {
	var channels []Channel
	for n := 1; n <= maxProbeStrings; n++ {
		prefix := "pv" + strconv.Itoa(n)
		voltage, hasV := fields[prefix+"_u"]
		current, hasI := fields[prefix+"_i"]
		if !hasV && !hasI {
			continue
		}
		if !active(voltage, current) {
			continue
		}
		channels = append(channels, Channel{
			StringNumber: n,
			Voltage:      voltage,
			Current:      current,
			Power:        voltage * current,
		})
	}
	return channels
}

// growattChannels prefers the per-string fields (vString{N} /
// currentString{N}) that max-class inverters report. Devices that only
// expose MPPT-level telemetry fall back to vpv/ipv/ppv, capped at the
// class's tracker count.
func growattChannels(deviceTypeID int, fields map[string]float64) []Channel {
	var channels []Channel
	sawStringField := false
	for n := 1; n <= maxProbeStrings; n++ {
		suffix := strconv.Itoa(n)
		voltage, hasV := fields["vString"+suffix]
		current, hasI := fields["currentString"+suffix]
		if !hasV && !hasI {
			continue
		}
		sawStringField = true
		if !active(voltage, current) {
			continue
		}
		channels = append(channels, Channel{
			StringNumber: n,
			Voltage:      voltage,
			Current:      current,
			Power:        voltage * current,
		})
	}
	if sawStringField {
		return channels
	}

	limit := growattMaxMPPT
	if deviceTypeID == database.DeviceTypeGrowattSphS {
		limit = growattSphSMPPT
	}
	for n := 1; n <= limit; n++ {
		suffix := strconv.Itoa(n)
		voltage, hasV := fields["vpv"+suffix]
		current, hasI := fields["ipv"+suffix]
		if !hasV && !hasI {
			continue
		}
		if !active(voltage, current) {
			continue
		}
		power, hasP := fields["ppv"+suffix]
		if !hasP {
			power = voltage * current
		}
		channels = append(channels, Channel{
			StringNumber: n,
			Voltage:      voltage,
			Current:      current,
			Power:        power,
		})
	}
	return channels
}

// solisChannels reads uPv{N} / iPv{N} / pow{N} up to the device's reported
// string count. The detail payload carries all 32 slots regardless of
// wiring, so the count hint is what keeps phantom strings out.
func solisChannels(maxStrings int, fields map[string]float64) []Channel {
	limit := maxStrings
	if limit <= 0 || limit > maxProbeStrings {
		limit = maxProbeStrings
	}
	var channels []Channel
	for n := 1; n <= limit; n++ {
		suffix := strconv.Itoa(n)
		voltage, hasV := fields["uPv"+suffix]
		current, hasI := fields["iPv"+suffix]
		if !hasV && !hasI {
			continue
		}
		if !active(voltage, current) {
			continue
		}
		power := fields["pow"+suffix]
		if power == 0 {
			power = voltage * current
		}
		channels = append(channels, Channel{
			StringNumber: n,
			Voltage:      voltage,
			Current:      current,
			Power:        power,
		})
	}
	return channels
}
