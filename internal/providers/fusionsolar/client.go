// Package fusionsolar implements the providers.Client contract against the
// Huawei FusionSolar (SmartPVMS) northbound API: JSON POST endpoints behind
// an XSRF session cookie obtained from a login call.
package fusionsolar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stringwatch/stringwatch/internal/config"
	"github.com/stringwatch/stringwatch/internal/database"
	"github.com/stringwatch/stringwatch/internal/providers"
)

// Session tokens are valid for 30 minutes; refresh 60s early so a token
// never expires mid-request.
const tokenValidity = 30*time.Minute - time.Minute

// Vendor failCodes with dedicated handling
const (
	failCodeTokenExpired = 305
	failCodeUnauthorized = 401
	failCodeRateLimited  = 407
	failCodeTooManyCalls = 429
)

// Inverter device type classifiers reported by getDevList
var inverterTypeIDs = map[int]bool{
	database.DeviceTypeFusionSolarString:      true,
	database.DeviceTypeFusionSolarResidential: true,
}

// Client talks to one FusionSolar account
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	cache    *providers.Cache

	mu           sync.Mutex
	xsrfToken    string
	tokenCreated time.Time
}

// NewClient creates a FusionSolar client from the provider configuration
func NewClient(cfg config.FusionSolarConfig) *Client {
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Timeout: 30 * time.Second},
		cache:    providers.NewCache(),
	}
}

// Provider returns the provider name
func (c *Client) Provider() string {
	return providers.ProviderFusionSolar
}

type apiEnvelope struct {
	Success  bool            `json:"success"`
	FailCode int             `json:"failCode"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data"`
}

func (c *Client) login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"userName":   c.username,
		"systemCode": c.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/thirdData/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fusionsolar login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fusionsolar login failed: %w", err)
	}
	defer resp.Body.Close()

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("fusionsolar login decode: %w", err)
	}
	if !envelope.Success && envelope.FailCode != 0 {
		return &providers.AuthError{Provider: c.Provider(), Code: envelope.FailCode, Message: envelope.Message}
	}

	token := ""
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "XSRF-TOKEN" {
			token = cookie.Value
			break
		}
	}
	if token == "" {
		return &providers.AuthError{Provider: c.Provider(), Code: 0, Message: "XSRF-TOKEN not found in login response"}
	}

	c.mu.Lock()
	c.xsrfToken = token
	c.tokenCreated = time.Now()
	c.mu.Unlock()

	log.Printf("[FusionSolar] Login successful")
	return nil
}

func (c *Client) currentToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.xsrfToken == "" || time.Since(c.tokenCreated) >= tokenValidity {
		return "", false
	}
	return c.xsrfToken, true
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.xsrfToken = ""
	c.mu.Unlock()
}

func (c *Client) ensureAuth(ctx context.Context) (string, error) {
	if token, ok := c.currentToken(); ok {
		return token, nil
	}
	if err := c.login(ctx); err != nil {
		return "", err
	}
	token, _ := c.currentToken()
	return token, nil
}

// request performs one authenticated endpoint call with the shared retry
// budget. Session-expiry failCodes force a re-login inside the attempt;
// rate-limit failCodes map to a vendor-signaled wait.
func (c *Client) request(ctx context.Context, endpoint string, payload interface{}, out interface{}) error {
	attempt := 0
	return providers.WithRetry(ctx, func() error {
		attempt++

		token, err := c.ensureAuth(ctx)
		if err != nil {
			return err
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("fusionsolar marshal payload: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("fusionsolar request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("XSRF-TOKEN", token)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("fusionsolar %s failed: %w", endpoint, err)
		}
		defer resp.Body.Close()

		var envelope apiEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("fusionsolar %s decode: %w", endpoint, err)
		}

		switch envelope.FailCode {
		case failCodeTokenExpired, failCodeUnauthorized:
			log.Printf("[FusionSolar] Token expired, re-authenticating...")
			c.invalidateToken()
			return &providers.AuthError{Provider: c.Provider(), Code: envelope.FailCode, Message: "session expired"}
		case failCodeRateLimited, failCodeTooManyCalls:
			wait := time.Duration(attempt) * 5 * time.Second
			if wait > 30*time.Second {
				wait = 30 * time.Second
			}
			return &providers.RateLimitError{Provider: c.Provider(), Code: envelope.FailCode, Wait: wait}
		}

		if !envelope.Success && envelope.FailCode != 0 {
			return &providers.APIError{Provider: c.Provider(), Code: envelope.FailCode, Message: envelope.Message, Retryable: false}
		}

		if out != nil && len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, out); err != nil {
				return fmt.Errorf("fusionsolar %s data decode: %w", endpoint, err)
			}
		}
		return nil
	})
}

type stationList struct {
	List []struct {
		PlantCode    string   `json:"plantCode"`
		PlantName    string   `json:"plantName"`
		Capacity     *float64 `json:"capacity"`
		PlantAddress string   `json:"plantAddress"`
		Latitude     *float64 `json:"latitude"`
		Longitude    *float64 `json:"longitude"`
		HealthState  int      `json:"healthState"`
	} `json:"list"`
}

// ListPlants returns all stations of the account. FusionSolar's healthState
// already uses the 1=disconnected/2=faulty/3=healthy convention the schema
// stores.
func (c *Client) ListPlants(ctx context.Context) ([]providers.PlantInfo, error) {
	if cached, ok := c.cache.Get("plants"); ok {
		return cached.([]providers.PlantInfo), nil
	}

	var data stationList
	err := c.request(ctx, "/thirdData/stations", map[string]int{"pageNo": 1, "pageSize": 100}, &data)
	if err != nil {
		return nil, err
	}

	plants := make([]providers.PlantInfo, 0, len(data.List))
	for _, s := range data.List {
		health := database.PlantHealthState(s.HealthState)
		if health < database.PlantHealthDisconnected || health > database.PlantHealthHealthy {
			health = database.PlantHealthDisconnected
		}
		var address *string
		if s.PlantAddress != "" {
			addr := s.PlantAddress
			address = &addr
		}
		plants = append(plants, providers.PlantInfo{
			ID:         s.PlantCode,
			Name:       s.PlantName,
			CapacityKW: s.Capacity,
			Address:    address,
			Latitude:   s.Latitude,
			Longitude:  s.Longitude,
			Health:     health,
		})
	}

	c.cache.Set("plants", plants, providers.TopologyTTL)
	return plants, nil
}

type deviceList []struct {
	ID              int64  `json:"id"`
	DevName         string `json:"devName"`
	DevTypeID       int    `json:"devTypeId"`
	StationCode     string `json:"stationCode"`
	SoftwareVersion string `json:"softwareVersion"`
}

// ListDevices returns the inverters of the given stations. Non-inverter
// device classes (meters, loggers) are filtered out.
func (c *Client) ListDevices(ctx context.Context, plantIDs []string) ([]providers.DeviceInfo, error) {
	if len(plantIDs) == 0 {
		return nil, nil
	}
	sorted := append([]string(nil), plantIDs...)
	sort.Strings(sorted)
	cacheKey := "devices_" + strings.Join(sorted, ",")
	if cached, ok := c.cache.Get(cacheKey); ok {
		return cached.([]providers.DeviceInfo), nil
	}

	var data deviceList
	err := c.request(ctx, "/thirdData/getDevList", map[string]string{"stationCodes": strings.Join(plantIDs, ",")}, &data)
	if err != nil {
		return nil, err
	}

	var devices []providers.DeviceInfo
	for _, d := range data {
		if !inverterTypeIDs[d.DevTypeID] {
			continue
		}
		var model *string
		if d.SoftwareVersion != "" {
			m := d.SoftwareVersion
			model = &m
		}
		devices = append(devices, providers.DeviceInfo{
			ID:           strconv.FormatInt(d.ID, 10),
			PlantID:      d.StationCode,
			Name:         d.DevName,
			Model:        model,
			DeviceTypeID: d.DevTypeID,
		})
	}

	c.cache.Set(cacheKey, devices, providers.TopologyTTL)
	return devices, nil
}

type realtimeList []struct {
	DevID       json.Number            `json:"devId"`
	DataItemMap map[string]interface{} `json:"dataItemMap"`
}

// LatestReadings fetches real-time KPIs for up to 100 devices of one type
// in a single call. deviceType is the numeric devTypeId as a string.
func (c *Client) LatestReadings(ctx context.Context, deviceIDs []string, deviceType string) ([]providers.RawReading, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	sorted := append([]string(nil), deviceIDs...)
	sort.Strings(sorted)
	cacheKey := "realtime_" + deviceType + "_" + strings.Join(sorted, ",")
	if cached, ok := c.cache.Get(cacheKey); ok {
		return cached.([]providers.RawReading), nil
	}

	devTypeID, err := strconv.Atoi(deviceType)
	if err != nil {
		return nil, fmt.Errorf("fusionsolar invalid device type %q: %w", deviceType, err)
	}

	var data realtimeList
	err = c.request(ctx, "/thirdData/getDevRealKpi", map[string]interface{}{
		"devIds":    strings.Join(deviceIDs, ","),
		"devTypeId": devTypeID,
	}, &data)
	if err != nil {
		return nil, err
	}

	readings := make([]providers.RawReading, 0, len(data))
	for _, d := range data {
		readings = append(readings, providers.RawReading{
			DeviceID:   d.DevID.String(),
			DeviceType: deviceType,
			Fields:     providers.NumericFields(d.DataItemMap),
		})
	}

	c.cache.Set(cacheKey, readings, providers.ReadingsTTL)
	return readings, nil
}

// Logout ends the session server-side. Errors are ignored; the token is
// dropped either way.
func (c *Client) Logout(ctx context.Context) {
	token, ok := c.currentToken()
	if !ok {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/thirdData/logout", nil)
	if err == nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("XSRF-TOKEN", token)
		if resp, err := c.http.Do(req); err == nil {
			resp.Body.Close()
		}
	}
	c.invalidateToken()
}
