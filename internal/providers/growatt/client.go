// Package growatt implements the providers.Client contract against the
// Growatt OpenAPI. Plant topology comes from the paginated V1 JSON API;
// device lists and last-data snapshots come from the form-encoded V4
// "new-api" endpoints. Both authenticate with a static token header.
package growatt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stringwatch/stringwatch/internal/config"
	"github.com/stringwatch/stringwatch/internal/database"
	"github.com/stringwatch/stringwatch/internal/providers"
)

// V1 and V4 use different error fields and codes
const (
	v1CodeRateLimited  = 10012
	v4CodeRateLimited  = 102
	v4CodeNoPermission = 12

	rateLimitWait = 30 * time.Second
)

// Client talks to one Growatt OpenAPI account
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	cache   *providers.Cache
}

// NewClient creates a Growatt client from the provider configuration
func NewClient(cfg config.GrowattConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: 30 * time.Second},
		cache:   providers.NewCache(),
	}
}

// Provider returns the provider name
func (c *Client) Provider() string {
	return providers.ProviderGrowatt
}

// v1Get performs one V1 GET with retry. Non-rate-limit V1 errors are
// treated as transient; the API reports spurious failures under load.
func (c *Client) v1Get(ctx context.Context, path string, out interface{}) error {
	return providers.WithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("growatt v1 request: %w", err)
		}
		req.Header.Set("token", c.token)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("growatt GET %s failed: %w", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("growatt GET %s: HTTP %d", path, resp.StatusCode)
		}

		var envelope struct {
			ErrorCode int             `json:"error_code"`
			ErrorMsg  string          `json:"error_msg"`
			Data      json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("growatt GET %s decode: %w", path, err)
		}

		if envelope.ErrorCode == v1CodeRateLimited {
			log.Printf("[Growatt] Rate limited on %s, backing off", path)
			return &providers.RateLimitError{Provider: c.Provider(), Code: envelope.ErrorCode, Wait: rateLimitWait}
		}
		if envelope.ErrorCode != 0 {
			return &providers.APIError{Provider: c.Provider(), Code: envelope.ErrorCode, Message: envelope.ErrorMsg, Retryable: true}
		}

		if out != nil && len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, out); err != nil {
				return fmt.Errorf("growatt GET %s data decode: %w", path, err)
			}
		}
		return nil
	})
}

// v4Post performs one V4 form POST with retry
func (c *Client) v4Post(ctx context.Context, path string, form url.Values, out interface{}) error {
	return providers.WithRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("growatt v4 request: %w", err)
		}
		req.Header.Set("token", c.token)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("growatt POST %s failed: %w", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("growatt POST %s: HTTP %d", path, resp.StatusCode)
		}

		var envelope struct {
			Code    *int            `json:"code"`
			Message string          `json:"message"`
			Data    json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("growatt POST %s decode: %w", path, err)
		}

		if envelope.Code != nil {
			switch *envelope.Code {
			case 0:
			case v4CodeRateLimited:
				log.Printf("[Growatt] Rate limited on %s, backing off", path)
				return &providers.RateLimitError{Provider: c.Provider(), Code: *envelope.Code, Wait: rateLimitWait}
			case v4CodeNoPermission:
				return &providers.APIError{Provider: c.Provider(), Code: *envelope.Code, Message: "permission denied", Retryable: false}
			default:
				return &providers.APIError{Provider: c.Provider(), Code: *envelope.Code, Message: envelope.Message, Retryable: true}
			}
		}

		if out != nil && len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, out); err != nil {
				return fmt.Errorf("growatt POST %s data decode: %w", path, err)
			}
		}
		return nil
	})
}

// Plant status values: 1=online, 3=bat online (sph-s), 2=fault,
// 0=waiting, 4=offline.
func healthFromPlantStatus(status int) database.PlantHealthState {
	switch status {
	case 1, 3:
		return database.PlantHealthHealthy
	case 2:
		return database.PlantHealthFaulty
	default:
		return database.PlantHealthDisconnected
	}
}

type plantPage struct {
	Pages  int `json:"pages"`
	Plants []struct {
		PlantID   json.Number `json:"plant_id"`
		Name      string      `json:"name"`
		PeakPower float64     `json:"peak_power"`
		City      string      `json:"city"`
		Status    int         `json:"status"`
	} `json:"plants"`
}

// ListPlants walks the paginated V1 plant list
func (c *Client) ListPlants(ctx context.Context) ([]providers.PlantInfo, error) {
	if cached, ok := c.cache.Get("plants"); ok {
		return cached.([]providers.PlantInfo), nil
	}

	var plants []providers.PlantInfo
	totalPages := 1
	for page := 1; page <= totalPages; page++ {
		var data plantPage
		if err := c.v1Get(ctx, fmt.Sprintf("/v1/plant/list?page=%d", page), &data); err != nil {
			return nil, err
		}
		if page == 1 && data.Pages > 1 {
			totalPages = data.Pages
		}
		for _, p := range data.Plants {
			info := providers.PlantInfo{
				ID:     p.PlantID.String(),
				Name:   p.Name,
				Health: healthFromPlantStatus(p.Status),
			}
			if p.PeakPower > 0 {
				capacity := p.PeakPower
				info.CapacityKW = &capacity
			}
			if p.City != "" {
				city := p.City
				info.Address = &city
			}
			plants = append(plants, info)
		}
	}

	c.cache.Set("plants", plants, providers.TopologyTTL)
	return plants, nil
}

func deviceTypeID(deviceType string) int {
	if deviceType == "sph-s" {
		return database.DeviceTypeGrowattSphS
	}
	return database.DeviceTypeGrowattMax
}

type v4Device struct {
	DeviceSN     string      `json:"deviceSn"`
	DeviceType   string      `json:"deviceType"`
	PlantID      json.Number `json:"plantId"`
	DataloggerSN string      `json:"dataloggerSn"`
}

// flattenDeviceGroups handles both shapes the V4 API returns: a flat array,
// or an object grouped by device type key ({"max": [...], "sph-s": [...]}).
func flattenDeviceGroups(raw json.RawMessage) ([]v4Device, error) {
	var flat []v4Device
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat, nil
	}
	var grouped map[string][]v4Device
	if err := json.Unmarshal(raw, &grouped); err != nil {
		return nil, fmt.Errorf("growatt device list shape: %w", err)
	}
	keys := make([]string, 0, len(grouped))
	for key := range grouped {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		flat = append(flat, grouped[key]...)
	}
	return flat, nil
}

// ListDevices returns inverters mapped to their plants. The V4 list carries
// plantId for most devices; any without one are resolved through the V1
// per-plant device list.
func (c *Client) ListDevices(ctx context.Context, plantIDs []string) ([]providers.DeviceInfo, error) {
	sorted := append([]string(nil), plantIDs...)
	sort.Strings(sorted)
	cacheKey := "devices_" + strings.Join(sorted, ",")
	if cached, ok := c.cache.Get(cacheKey); ok {
		return cached.([]providers.DeviceInfo), nil
	}

	var raw json.RawMessage
	if err := c.v4Post(ctx, "/v4/new-api/queryDeviceList", url.Values{}, &raw); err != nil {
		return nil, err
	}
	list, err := flattenDeviceGroups(raw)
	if err != nil {
		return nil, err
	}

	plantBySN := make(map[string]string)
	unmapped := 0
	for _, d := range list {
		if d.DeviceSN == "" {
			continue
		}
		if d.PlantID.String() != "" && d.PlantID.String() != "0" {
			plantBySN[d.DeviceSN] = d.PlantID.String()
		} else {
			unmapped++
		}
	}
	if unmapped > 0 {
		log.Printf("[Growatt] %d devices without plantId, resolving via V1 device list", unmapped)
		if err := c.resolvePlantsV1(ctx, plantIDs, plantBySN); err != nil {
			return nil, err
		}
	}

	var devices []providers.DeviceInfo
	for _, d := range list {
		if d.DeviceSN == "" {
			continue
		}
		plantID, ok := plantBySN[d.DeviceSN]
		if !ok {
			log.Printf("[Growatt] Device %s has no known plant, skipping", d.DeviceSN)
			continue
		}
		devices = append(devices, providers.DeviceInfo{
			ID:           d.DeviceSN,
			PlantID:      plantID,
			Name:         d.DeviceSN,
			DeviceTypeID: deviceTypeID(d.DeviceType),
		})
	}

	c.cache.Set(cacheKey, devices, providers.TopologyTTL)
	return devices, nil
}

func (c *Client) resolvePlantsV1(ctx context.Context, plantIDs []string, plantBySN map[string]string) error {
	for _, plantID := range plantIDs {
		var data struct {
			Devices []struct {
				DeviceSN string `json:"device_sn"`
			} `json:"devices"`
		}
		err := c.v1Get(ctx, "/v1/device/list?plant_id="+url.QueryEscape(plantID), &data)
		if err != nil {
			return err
		}
		for _, d := range data.Devices {
			if d.DeviceSN != "" {
				if _, mapped := plantBySN[d.DeviceSN]; !mapped {
					plantBySN[d.DeviceSN] = plantID
				}
			}
		}
	}
	return nil
}

// VendorDeviceType returns the V4 device type key for an internal type ID
func VendorDeviceType(typeID int) string {
	if typeID == database.DeviceTypeGrowattSphS {
		return "sph-s"
	}
	return "max"
}

// LatestReadings fetches the last-data snapshot for up to 100 devices of
// one V4 device type key ("max" or "sph-s") in a single call.
func (c *Client) LatestReadings(ctx context.Context, deviceIDs []string, deviceType string) ([]providers.RawReading, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	sorted := append([]string(nil), deviceIDs...)
	sort.Strings(sorted)
	cacheKey := "lastdata_" + deviceType + "_" + strings.Join(sorted, ",")
	if cached, ok := c.cache.Get(cacheKey); ok {
		return cached.([]providers.RawReading), nil
	}

	var data map[string][]map[string]interface{}
	err := c.v4Post(ctx, "/v4/new-api/queryLastData", url.Values{
		"deviceType": {deviceType},
		"deviceSn":   {strings.Join(deviceIDs, ",")},
	}, &data)
	if err != nil {
		return nil, err
	}

	items := data[deviceType]
	readings := make([]providers.RawReading, 0, len(items))
	for _, item := range items {
		sn := deviceSN(item)
		if sn == "" {
			continue
		}
		readings = append(readings, providers.RawReading{
			DeviceID:   sn,
			DeviceType: deviceType,
			Fields:     providers.NumericFields(item),
		})
	}

	c.cache.Set(cacheKey, readings, providers.ReadingsTTL)
	return readings, nil
}

// deviceSN extracts the serial from a last-data item. The V4 API is not
// consistent about the field name across device types.
func deviceSN(item map[string]interface{}) string {
	for _, key := range []string{"serialNum", "deviceSn", "sn"} {
		if v, ok := item[key]; ok {
			switch sn := v.(type) {
			case string:
				if sn != "" {
					return sn
				}
			case float64:
				return strconv.FormatFloat(sn, 'f', -1, 64)
			}
		}
	}
	return ""
}
