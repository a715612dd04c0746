// Package soliscloud implements the providers.Client contract against the
// SolisCloud platform API. Every call is a signed JSON POST: HMAC-SHA1 over
// the verb, body MD5, content type, date and path, sent as an
// `Authorization: API key:signature` header. The platform enforces roughly
// two requests per second, so calls are spaced client-side.
package soliscloud

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stringwatch/stringwatch/internal/config"
	"github.com/stringwatch/stringwatch/internal/database"
	"github.com/stringwatch/stringwatch/internal/providers"
)

// Minimum spacing between requests against the platform's ~2/s quota
const minRequestInterval = 520 * time.Millisecond

// Client talks to one SolisCloud API key pair
type Client struct {
	baseURL   string
	keyID     string
	keySecret string
	http      *http.Client
	cache     *providers.Cache

	mu          sync.Mutex
	lastRequest time.Time
}

// NewClient creates a SolisCloud client from the provider configuration
func NewClient(cfg config.SolisConfig) *Client {
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		keyID:     cfg.KeyID,
		keySecret: cfg.KeySecret,
		http:      &http.Client{Timeout: 30 * time.Second},
		cache:     providers.NewCache(),
	}
}

// Provider returns the provider name
func (c *Client) Provider() string {
	return providers.ProviderSolis
}

// sign builds the authentication headers for one request. The signature's
// content type is bare "application/json" while the request header carries
// the charset suffix; the platform rejects the call if either side differs.
func (c *Client) sign(body []byte, path string) map[string]string {
	date := time.Now().UTC().Format(http.TimeFormat)

	sum := md5.Sum(body)
	contentMD5 := base64.StdEncoding.EncodeToString(sum[:])

	stringToSign := "POST\n" + contentMD5 + "\napplication/json\n" + date + "\n" + path
	mac := hmac.New(sha1.New, []byte(c.keySecret))
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"Content-Type":  "application/json;charset=UTF-8",
		"Content-MD5":   contentMD5,
		"Date":          date,
		"Authorization": "API " + c.keyID + ":" + signature,
	}
}

// pace blocks until minRequestInterval has passed since the previous request
func (c *Client) pace(ctx context.Context) error {
	c.mu.Lock()
	wait := minRequestInterval - time.Since(c.lastRequest)
	c.lastRequest = time.Now()
	if wait > 0 {
		c.lastRequest = c.lastRequest.Add(wait)
	}
	c.mu.Unlock()

	if wait > 0 {
		return providers.Sleep(ctx, wait)
	}
	return nil
}

func (c *Client) request(ctx context.Context, path string, payload interface{}, out interface{}) error {
	return providers.WithRetry(ctx, func() error {
		if err := c.pace(ctx); err != nil {
			return err
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("solis marshal payload: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("solis request: %w", err)
		}
		for key, value := range c.sign(body, path) {
			req.Header.Set(key, value)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("solis %s failed: %w", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("solis %s: HTTP %d", path, resp.StatusCode)
		}

		var envelope struct {
			Code string          `json:"code"`
			Msg  string          `json:"msg"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("solis %s decode: %w", path, err)
		}
		if envelope.Code != "0" {
			code, _ := strconv.Atoi(envelope.Code)
			return &providers.APIError{Provider: c.Provider(), Code: code, Message: envelope.Msg, Retryable: false}
		}

		if out != nil && len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, out); err != nil {
				return fmt.Errorf("solis %s data decode: %w", path, err)
			}
		}
		return nil
	})
}

// Station state values: 1=online, 2=offline, 3=alarm
func healthFromStationState(state int) database.PlantHealthState {
	switch state {
	case 1:
		return database.PlantHealthHealthy
	case 3:
		return database.PlantHealthFaulty
	default:
		return database.PlantHealthDisconnected
	}
}

type stationPage struct {
	Page struct {
		Records []struct {
			ID          json.Number `json:"id"`
			StationName string      `json:"stationName"`
			Capacity    float64     `json:"capacity"`
			State       int         `json:"state"`
		} `json:"records"`
	} `json:"page"`
}

// ListPlants returns all stations visible to the API key
func (c *Client) ListPlants(ctx context.Context) ([]providers.PlantInfo, error) {
	if cached, ok := c.cache.Get("plants"); ok {
		return cached.([]providers.PlantInfo), nil
	}

	var data stationPage
	err := c.request(ctx, "/v1/api/userStationList", map[string]int{"pageNo": 1, "pageSize": 100}, &data)
	if err != nil {
		return nil, err
	}

	plants := make([]providers.PlantInfo, 0, len(data.Page.Records))
	for _, s := range data.Page.Records {
		info := providers.PlantInfo{
			ID:     s.ID.String(),
			Name:   s.StationName,
			Health: healthFromStationState(s.State),
		}
		if s.Capacity > 0 {
			capacity := s.Capacity
			info.CapacityKW = &capacity
		}
		plants = append(plants, info)
	}

	c.cache.Set("plants", plants, providers.TopologyTTL)
	return plants, nil
}

type inverterPage struct {
	Page struct {
		Records []struct {
			ID          json.Number `json:"id"`
			SN          string      `json:"sn"`
			StationID   json.Number `json:"stationId"`
			DCInputType int         `json:"dcInputType"`
		} `json:"records"`
	} `json:"page"`
}

// ListDevices fetches the inverter list station by station. The platform
// reports the string count up front as dcInputType, which counts from zero.
func (c *Client) ListDevices(ctx context.Context, plantIDs []string) ([]providers.DeviceInfo, error) {
	var devices []providers.DeviceInfo
	for _, plantID := range plantIDs {
		cacheKey := "inverters_" + plantID
		if cached, ok := c.cache.Get(cacheKey); ok {
			devices = append(devices, cached.([]providers.DeviceInfo)...)
			continue
		}

		var data inverterPage
		err := c.request(ctx, "/v1/api/inverterList", map[string]interface{}{
			"pageNo":    1,
			"pageSize":  100,
			"stationId": plantID,
		}, &data)
		if err != nil {
			return nil, err
		}

		plantDevices := make([]providers.DeviceInfo, 0, len(data.Page.Records))
		for _, inv := range data.Page.Records {
			stationID := inv.StationID.String()
			if stationID == "" || stationID == "0" {
				stationID = plantID
			}
			maxStrings := inv.DCInputType + 1
			plantDevices = append(plantDevices, providers.DeviceInfo{
				ID:           inv.ID.String(),
				PlantID:      stationID,
				Name:         inv.SN,
				DeviceTypeID: database.DeviceTypeSolisInverter,
				MaxStrings:   &maxStrings,
			})
		}

		c.cache.Set(cacheKey, plantDevices, providers.TopologyTTL)
		devices = append(devices, plantDevices...)
	}
	return devices, nil
}

// LatestReadings fetches inverter detail per device; the platform has no
// batch telemetry endpoint, so the request pacing dominates cycle time.
func (c *Client) LatestReadings(ctx context.Context, deviceIDs []string, deviceType string) ([]providers.RawReading, error) {
	readings := make([]providers.RawReading, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		cacheKey := "detail_" + deviceID
		if cached, ok := c.cache.Get(cacheKey); ok {
			readings = append(readings, cached.(providers.RawReading))
			continue
		}

		var data map[string]interface{}
		err := c.request(ctx, "/v1/api/inverterDetail", map[string]string{"id": deviceID, "sn": ""}, &data)
		if err != nil {
			return nil, err
		}

		reading := providers.RawReading{
			DeviceID:   deviceID,
			DeviceType: deviceType,
			Fields:     providers.NumericFields(data),
		}
		c.cache.Set(cacheKey, reading, providers.ReadingsTTL)
		readings = append(readings, reading)
	}
	return readings, nil
}
