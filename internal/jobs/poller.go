// Package jobs contains the background loops: the fixed-cadence poll
// orchestrator that drives the vendor clients, and the raw-reading
// retention job.
package jobs

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stringwatch/stringwatch/internal/database"
	"github.com/stringwatch/stringwatch/internal/normalize"
	"github.com/stringwatch/stringwatch/internal/providers"
	"github.com/stringwatch/stringwatch/internal/services"
)

// Topology (plants, devices) is refreshed on this cadence; readings are
// fetched every cycle.
const topologySyncInterval = time.Hour

// Vendors cap realtime batch sizes; 100 is the smallest common limit
const maxBatchSize = 100

// ReadingSink receives stored readings for optional fan-out (MQTT)
type ReadingSink interface {
	PublishReadings(readings []database.StringReading)
}

// DeviceError records one device or batch failure inside a cycle
type DeviceError struct {
	DeviceID string `json:"device_id"`
	Error    string `json:"error"`
}

// CycleReport summarizes one provider's poll cycle
type CycleReport struct {
	ID             string        `json:"id"`
	Provider       string        `json:"provider"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	Skipped        bool          `json:"skipped"`
	SkipReason     string        `json:"skip_reason,omitempty"`
	PlantsSynced   int           `json:"plants_synced"`
	DevicesSynced  int           `json:"devices_synced"`
	DevicesPolled  int           `json:"devices_polled"`
	ReadingsStored int           `json:"readings_stored"`
	AlertsCreated  int           `json:"alerts_created"`
	AlertsResolved int           `json:"alerts_resolved"`
	DeviceErrors   []DeviceError `json:"device_errors,omitempty"`
}

// ProviderRunner drives one vendor through a poll cycle. Each runner owns
// its topology sync gates and its overlap guard; a cycle that is still
// running when the next tick arrives is skipped, never queued.
type ProviderRunner struct {
	client     providers.Client
	db         *gorm.DB
	alerts     *services.AlertService
	aggregates *services.AggregateService
	sinks      []ReadingSink

	// vendorType maps an internal device type ID to the vendor's device
	// class selector for realtime calls.
	vendorType func(int) string

	mu             sync.Mutex
	running        bool
	lastPlantSync  time.Time
	lastDeviceSync time.Time
}

// NewProviderRunner creates a runner for one vendor client
func NewProviderRunner(client providers.Client, db *gorm.DB, alerts *services.AlertService, aggregates *services.AggregateService, sinks ...ReadingSink) *ProviderRunner {
	return &ProviderRunner{
		client:     client,
		db:         db,
		alerts:     alerts,
		aggregates: aggregates,
		sinks:      sinks,
		vendorType: strconv.Itoa,
	}
}

// SetVendorTypeMapper overrides the device type mapping for vendors whose
// realtime API keys on something other than the numeric type ID.
func (r *ProviderRunner) SetVendorTypeMapper(mapper func(int) string) {
	r.vendorType = mapper
}

func (r *ProviderRunner) tryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	r.running = true
	return true
}

func (r *ProviderRunner) release() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// RunCycle executes one poll cycle and returns its report
func (r *ProviderRunner) RunCycle(ctx context.Context) *CycleReport {
	report := &CycleReport{
		ID:        uuid.NewString(),
		Provider:  r.client.Provider(),
		StartedAt: time.Now(),
	}

	if !r.tryAcquire() {
		report.Skipped = true
		report.SkipReason = "previous cycle still running"
		report.FinishedAt = time.Now()
		log.Printf("[Poller] %s: previous cycle still running, skipping", report.Provider)
		return report
	}
	defer r.release()

	log.Printf("[Poller] %s: starting cycle %s", report.Provider, report.ID)

	now := time.Now()
	plantsSyncedThisCycle := false
	if now.Sub(r.lastPlantSync) >= topologySyncInterval {
		if err := r.syncPlants(ctx, report); err != nil {
			log.Printf("[Poller] %s: plant sync failed: %v", report.Provider, err)
		} else {
			r.lastPlantSync = now
			plantsSyncedThisCycle = true
		}
	}
	if now.Sub(r.lastDeviceSync) >= topologySyncInterval {
		if err := r.syncDevices(ctx, report); err != nil {
			log.Printf("[Poller] %s: device sync failed: %v", report.Provider, err)
		} else {
			r.lastDeviceSync = now
		}
	}
	if !plantsSyncedThisCycle {
		if err := r.refreshPlantHealth(ctx); err != nil {
			log.Printf("[Poller] %s: health refresh failed: %v", report.Provider, err)
		}
	}

	r.pollReadings(ctx, report)

	report.FinishedAt = time.Now()
	log.Printf("[Poller] %s: cycle %s complete: %d devices, %d readings, %d alerts created, %d resolved, %d errors",
		report.Provider, report.ID, report.DevicesPolled, report.ReadingsStored,
		report.AlertsCreated, report.AlertsResolved, len(report.DeviceErrors))
	return report
}

func (r *ProviderRunner) syncPlants(ctx context.Context, report *CycleReport) error {
	plants, err := r.client.ListPlants(ctx)
	if err != nil {
		return err
	}
	upserts := make([]database.PlantUpsert, 0, len(plants))
	for _, p := range plants {
		upserts = append(upserts, database.PlantUpsert{
			ID:         p.ID,
			Name:       p.Name,
			CapacityKW: p.CapacityKW,
			Address:    p.Address,
			Latitude:   p.Latitude,
			Longitude:  p.Longitude,
			Health:     p.Health,
			Provider:   r.client.Provider(),
		})
	}
	if err := database.UpsertPlants(r.db, upserts, time.Now()); err != nil {
		return err
	}
	report.PlantsSynced = len(upserts)
	return nil
}

func (r *ProviderRunner) syncDevices(ctx context.Context, report *CycleReport) error {
	plantIDs, err := database.PlantIDs(r.db, r.client.Provider())
	if err != nil {
		return err
	}
	if len(plantIDs) == 0 {
		return nil
	}
	devices, err := r.client.ListDevices(ctx, plantIDs)
	if err != nil {
		return err
	}
	upserts := make([]database.DeviceUpsert, 0, len(devices))
	for _, d := range devices {
		upserts = append(upserts, database.DeviceUpsert{
			ID:           d.ID,
			PlantID:      d.PlantID,
			Name:         d.Name,
			Model:        d.Model,
			DeviceTypeID: d.DeviceTypeID,
			MaxStrings:   d.MaxStrings,
			Provider:     r.client.Provider(),
		})
	}
	if err := database.UpsertDevices(r.db, upserts, time.Now()); err != nil {
		return err
	}
	report.DevicesSynced = len(upserts)
	return nil
}

// refreshPlantHealth applies the vendor's current health states without a
// full topology rewrite. The client may serve this from its topology cache;
// health then updates at the cache's cadence, which is acceptable drift.
func (r *ProviderRunner) refreshPlantHealth(ctx context.Context) error {
	plants, err := r.client.ListPlants(ctx)
	if err != nil {
		return err
	}
	for _, p := range plants {
		if err := database.UpdatePlantHealth(r.db, p.ID, p.Health); err != nil {
			return err
		}
	}
	return nil
}

func (r *ProviderRunner) pollReadings(ctx context.Context, report *CycleReport) {
	devices, err := database.ListDevices(r.db, r.client.Provider(), nil)
	if err != nil {
		log.Printf("[Poller] %s: listing devices failed: %v", report.Provider, err)
		return
	}
	if len(devices) == 0 {
		return
	}

	deviceByID := make(map[string]*database.Device, len(devices))
	byType := make(map[int][]string)
	for i := range devices {
		d := &devices[i]
		deviceByID[d.ID] = d
		byType[d.DeviceTypeID] = append(byType[d.DeviceTypeID], d.ID)
	}

	for typeID, ids := range byType {
		for start := 0; start < len(ids); start += maxBatchSize {
			end := start + maxBatchSize
			if end > len(ids) {
				end = len(ids)
			}
			batch := ids[start:end]

			readings, err := r.client.LatestReadings(ctx, batch, r.vendorType(typeID))
			if err != nil {
				for _, id := range batch {
					report.DeviceErrors = append(report.DeviceErrors, DeviceError{DeviceID: id, Error: err.Error()})
				}
				log.Printf("[Poller] %s: batch fetch failed for %d devices: %v", report.Provider, len(batch), err)
				continue
			}

			for _, raw := range readings {
				device, ok := deviceByID[raw.DeviceID]
				if !ok {
					continue
				}
				if err := r.processDevice(device, raw, report); err != nil {
					report.DeviceErrors = append(report.DeviceErrors, DeviceError{DeviceID: device.ID, Error: err.Error()})
					log.Printf("[Poller] %s: device %s failed: %v", report.Provider, device.ID, err)
				}
			}
		}
	}
}

// processDevice normalizes, stores and evaluates one device's snapshot. A
// failure here is isolated to the device; the rest of the batch proceeds.
func (r *ProviderRunner) processDevice(device *database.Device, raw providers.RawReading, report *CycleReport) error {
	report.DevicesPolled++

	hint := 0
	if device.MaxStrings != nil {
		hint = *device.MaxStrings
	}
	channels, err := normalize.Normalize(r.client.Provider(), device.DeviceTypeID, hint, raw.Fields)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return nil
	}

	maxStrings := hint
	if highest := normalize.HighestString(channels); highest > maxStrings {
		maxStrings = highest
		if err := database.SetDeviceMaxStrings(r.db, device.ID, highest); err != nil {
			return err
		}
		device.MaxStrings = &maxStrings
	}

	now := time.Now()
	rows := make([]database.StringReading, 0, len(channels))
	for _, ch := range channels {
		rows = append(rows, database.StringReading{
			DeviceID:     device.ID,
			PlantID:      device.PlantID,
			StringNumber: ch.StringNumber,
			Voltage:      ch.Voltage,
			Current:      ch.Current,
			Power:        ch.Power,
			Timestamp:    now,
		})
	}
	if err := database.InsertReadings(r.db, rows); err != nil {
		return err
	}
	report.ReadingsStored += len(rows)

	for _, sink := range r.sinks {
		sink.PublishReadings(rows)
	}

	eval, err := r.alerts.Evaluate(device.ID, device.PlantID, channels, now)
	if err != nil {
		return err
	}
	report.AlertsCreated += eval.Created
	report.AlertsResolved += eval.Resolved

	if err := r.aggregates.UpdateHourly(device.ID, device.PlantID, maxStrings, now); err != nil {
		return err
	}
	return r.aggregates.UpdateDaily(device.ID, device.PlantID, maxStrings, now)
}

// Poller fans a shared ticker out to all provider runners
type Poller struct {
	interval time.Duration
	runners  []*ProviderRunner
	stop     chan struct{}
	done     chan struct{}
}

// NewPoller creates a poller driving the given runners
func NewPoller(interval time.Duration, runners ...*ProviderRunner) *Poller {
	return &Poller{
		interval: interval,
		runners:  runners,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the poll loop. The first cycle runs immediately.
func (p *Poller) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		log.Printf("[Poller] Started with interval %s for %d providers", p.interval, len(p.runners))

		p.RunAll(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.RunAll(ctx)
			case <-p.stop:
				log.Printf("[Poller] Stopped")
				return
			case <-ctx.Done():
				log.Printf("[Poller] Context cancelled, stopping")
				return
			}
		}
	}()
}

// RunAll runs one cycle on every runner concurrently and returns the reports
func (p *Poller) RunAll(ctx context.Context) []*CycleReport {
	reports := make([]*CycleReport, len(p.runners))
	var wg sync.WaitGroup
	for i, runner := range p.runners {
		wg.Add(1)
		go func(i int, runner *ProviderRunner) {
			defer wg.Done()
			reports[i] = runner.RunCycle(ctx)
		}(i, runner)
	}
	wg.Wait()
	return reports
}

// Stop halts the poll loop and waits for it to exit
func (p *Poller) Stop() {
	close(p.stop)
	<-p.done
}
