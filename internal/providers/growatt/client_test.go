package growatt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stringwatch/stringwatch/internal/config"
	"github.com/stringwatch/stringwatch/internal/database"
	"github.com/stringwatch/stringwatch/internal/providers"
)

func newTestClient(baseURL string) *Client {
	c := NewClient(config.GrowattConfig{BaseURL: baseURL, Token: "test-token"})
	c.http = &http.Client{Timeout: 5 * time.Second}
	return c
}

func TestListPlants_PaginatesAndMapsStatus(t *testing.T) {
	var pagesServed []string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/plant/list", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("token") != "test-token" {
			t.Errorf("missing token header")
		}
		page := r.URL.Query().Get("page")
		pagesServed = append(pagesServed, page)
		switch page {
		case "1":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error_code": 0,
				"data": map[string]interface{}{
					"pages": 2,
					"plants": []map[string]interface{}{
						{"plant_id": 91001, "name": "Alpha", "peak_power": 30.0, "city": "Lisbon", "status": 1},
						{"plant_id": 91002, "name": "Beta", "status": 2},
					},
				},
			})
		case "2":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error_code": 0,
				"data": map[string]interface{}{
					"pages": 2,
					"plants": []map[string]interface{}{
						{"plant_id": 91003, "name": "Gamma", "status": 4},
					},
				},
			})
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv.URL)
	plants, err := c.ListPlants(context.Background())
	if err != nil {
		t.Fatalf("ListPlants failed: %v", err)
	}
	if len(plants) != 3 {
		t.Fatalf("expected 3 plants across pages, got %d", len(plants))
	}
	if len(pagesServed) != 2 {
		t.Errorf("expected 2 page fetches, got %v", pagesServed)
	}
	if plants[0].ID != "91001" || plants[0].Health != database.PlantHealthHealthy {
		t.Errorf("unexpected plant: %+v", plants[0])
	}
	if plants[0].CapacityKW == nil || *plants[0].CapacityKW != 30.0 {
		t.Errorf("expected capacity 30.0, got %+v", plants[0].CapacityKW)
	}
	if plants[1].Health != database.PlantHealthFaulty {
		t.Errorf("expected status 2 to map to faulty, got %v", plants[1].Health)
	}
	if plants[2].Health != database.PlantHealthDisconnected {
		t.Errorf("expected status 4 to map to disconnected, got %v", plants[2].Health)
	}
}

func TestListDevices_GroupedResponseWithV1Fallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v4/new-api/queryDeviceList", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{
				"max": []map[string]interface{}{
					{"deviceSn": "MAX001", "deviceType": "max", "plantId": 91001},
					{"deviceSn": "MAX002", "deviceType": "max"},
				},
				"sph-s": []map[string]interface{}{
					{"deviceSn": "SPH001", "deviceType": "sph-s", "plantId": 91002},
				},
			},
		})
	})
	mux.HandleFunc("/v1/device/list", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("plant_id") != "91001" {
			json.NewEncoder(w).Encode(map[string]interface{}{"error_code": 0, "data": map[string]interface{}{"devices": []interface{}{}}})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error_code": 0,
			"data": map[string]interface{}{
				"devices": []map[string]interface{}{{"device_sn": "MAX002"}},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv.URL)
	devices, err := c.ListDevices(context.Background(), []string{"91001", "91002"})
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(devices))
	}

	byID := make(map[string]providers.DeviceInfo)
	for _, d := range devices {
		byID[d.ID] = d
	}
	if d := byID["MAX001"]; d.PlantID != "91001" || d.DeviceTypeID != database.DeviceTypeGrowattMax {
		t.Errorf("unexpected MAX001: %+v", d)
	}
	if d := byID["MAX002"]; d.PlantID != "91001" {
		t.Errorf("expected V1 fallback to map MAX002 to 91001, got %+v", d)
	}
	if d := byID["SPH001"]; d.DeviceTypeID != database.DeviceTypeGrowattSphS {
		t.Errorf("expected sph-s type, got %+v", d)
	}
}

func TestListDevices_CacheKeyedByPlantSet(t *testing.T) {
	var v4Calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v4/new-api/queryDeviceList", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&v4Calls, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"data": []map[string]interface{}{
				{"deviceSn": "MAX001", "deviceType": "max"},
			},
		})
	})
	mux.HandleFunc("/v1/device/list", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("plant_id") != "91002" {
			json.NewEncoder(w).Encode(map[string]interface{}{"error_code": 0, "data": map[string]interface{}{"devices": []interface{}{}}})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error_code": 0,
			"data": map[string]interface{}{
				"devices": []map[string]interface{}{{"device_sn": "MAX001"}},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv.URL)
	first, err := c.ListDevices(context.Background(), []string{"91001"})
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(first) != 0 {
		t.Fatalf("expected no devices resolvable under plant 91001, got %d", len(first))
	}

	// A different plant set must not be served from the first call's cache.
	second, err := c.ListDevices(context.Background(), []string{"91002"})
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(second) != 1 || second[0].PlantID != "91002" {
		t.Fatalf("expected MAX001 resolved to 91002, got %+v", second)
	}
	if atomic.LoadInt32(&v4Calls) != 2 {
		t.Errorf("expected 2 device list fetches for distinct plant sets, got %d", v4Calls)
	}

	// Repeating the same plant set hits the cache.
	if _, err := c.ListDevices(context.Background(), []string{"91002"}); err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if atomic.LoadInt32(&v4Calls) != 2 {
		t.Errorf("expected cache hit for repeated plant set, got %d fetches", v4Calls)
	}
}

func TestLatestReadings_ExtractsSerialVariants(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v4/new-api/queryLastData", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("deviceType") != "max" {
			t.Errorf("unexpected deviceType: %q", r.PostForm.Get("deviceType"))
		}
		if r.PostForm.Get("deviceSn") != "MAX001,MAX002" {
			t.Errorf("unexpected deviceSn: %q", r.PostForm.Get("deviceSn"))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{
				"max": []map[string]interface{}{
					{"serialNum": "MAX001", "vString1": 540.0, "currentString1": 11.8, "lost": false},
					{"deviceSn": "MAX002", "vpv1": "538.5", "ipv1": 10.2},
				},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv.URL)
	readings, err := c.LatestReadings(context.Background(), []string{"MAX001", "MAX002"}, "max")
	if err != nil {
		t.Fatalf("LatestReadings failed: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(readings))
	}
	if readings[0].DeviceID != "MAX001" || readings[0].Fields["vString1"] != 540.0 {
		t.Errorf("unexpected reading: %+v", readings[0])
	}
	if readings[1].DeviceID != "MAX002" || readings[1].Fields["vpv1"] != 538.5 {
		t.Errorf("expected deviceSn fallback and numeric string parse, got %+v", readings[1])
	}
}

func TestV4_PermissionDeniedIsNonRetryable(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v4/new-api/queryLastData", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 12})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.LatestReadings(context.Background(), []string{"MAX001"}, "max")
	if !providers.IsNonRetryable(err) {
		t.Fatalf("expected non-retryable permission error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestV1_TransientErrorRetried(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/plant/list", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			json.NewEncoder(w).Encode(map[string]interface{}{"error_code": 500, "error_msg": "system error"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error_code": 0,
			"data": map[string]interface{}{
				"pages":  1,
				"plants": []map[string]interface{}{{"plant_id": 91001, "name": "Alpha", "status": 1}},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv.URL)
	plants, err := c.ListPlants(context.Background())
	if err != nil {
		t.Fatalf("expected recovery after transient error, got %v", err)
	}
	if len(plants) != 1 {
		t.Errorf("expected 1 plant, got %d", len(plants))
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestVendorDeviceType(t *testing.T) {
	if got := VendorDeviceType(database.DeviceTypeGrowattSphS); got != "sph-s" {
		t.Errorf("expected sph-s, got %s", got)
	}
	if got := VendorDeviceType(database.DeviceTypeGrowattMax); got != "max" {
		t.Errorf("expected max, got %s", got)
	}
}
