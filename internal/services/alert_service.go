package services

import (
	"fmt"
	"log"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/stringwatch/stringwatch/internal/database"
	"github.com/stringwatch/stringwatch/internal/normalize"
)

// Current above this threshold marks a string as producing
const activeCurrentThreshold = 0.1

// Below this combined average the gap math is dominated by dawn/dusk noise
// and the whole cycle is skipped.
const minEvaluationCurrent = 1.0

// Gap thresholds in percent below the peer average
const (
	gapInfoThreshold     = 10.0
	gapWarningThreshold  = 25.0
	gapCriticalThreshold = 50.0
)

// AlertSink receives alert lifecycle events. Sinks must not block; slow
// deliveries are the sink's problem, not the poll cycle's.
type AlertSink interface {
	AlertOpened(alert database.Alert)
	AlertResolved(alert database.Alert)
}

// AlertService evaluates per-string underperformance and manages the alert
// lifecycle with hysteresis: an open alert survives as long as the same
// string keeps matching the same severity, and is resolved the first
// evaluated cycle it stops matching.
type AlertService struct {
	db    *gorm.DB
	sinks []AlertSink
}

// NewAlertService creates an AlertService writing through db
func NewAlertService(db *gorm.DB, sinks ...AlertSink) *AlertService {
	return &AlertService{db: db, sinks: sinks}
}

// Evaluation summarizes one alert engine pass over a device
type Evaluation struct {
	Skipped    bool
	SkipReason string
	Created    int
	Resolved   int
}

type stringKey struct {
	stringNumber int
	severity     database.AlertSeverity
}

func severityForGap(gapPercent float64) (database.AlertSeverity, bool) {
	switch {
	case gapPercent > gapCriticalThreshold:
		return database.AlertSeverityCritical, true
	case gapPercent > gapWarningThreshold:
		return database.AlertSeverityWarning, true
	case gapPercent > gapInfoThreshold:
		return database.AlertSeverityInfo, true
	default:
		return "", false
	}
}

func round(v float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Round(v*scale) / scale
}

// Evaluate runs the gap analysis for one device's current cycle. Cycles with
// fewer than two producing strings, or with too little combined current, are
// skipped entirely: no alerts are created and none are resolved, so a fault
// detected at noon stays open through the night.
func (s *AlertService) Evaluate(deviceID, plantID string, channels []normalize.Channel, now time.Time) (Evaluation, error) {
	var active []normalize.Channel
	total := 0.0
	for _, ch := range channels {
		if ch.Current > activeCurrentThreshold {
			active = append(active, ch)
			total += ch.Current
		}
	}

	if len(active) < 2 {
		return Evaluation{Skipped: true, SkipReason: "fewer than 2 producing strings"}, nil
	}
	if total/float64(len(active)) < minEvaluationCurrent {
		return Evaluation{Skipped: true, SkipReason: "combined average below evaluation floor"}, nil
	}

	// Each string is measured against the average of its peers, not an
	// average that includes itself. With few strings the self-inclusive
	// average drags toward the faulty string and understates the gap.
	type finding struct {
		channel    normalize.Channel
		peerAvg    float64
		gapPercent float64
	}
	desired := make(map[stringKey]finding)
	for _, ch := range active {
		peerAvg := (total - ch.Current) / float64(len(active)-1)
		if peerAvg <= 0 {
			continue
		}
		gapPercent := (peerAvg - ch.Current) / peerAvg * 100
		severity, matched := severityForGap(gapPercent)
		if !matched {
			continue
		}
		desired[stringKey{ch.StringNumber, severity}] = finding{channel: ch, peerAvg: peerAvg, gapPercent: gapPercent}
	}

	open, err := database.OpenAlertsForDevice(s.db, deviceID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("load open alerts for %s: %w", deviceID, err)
	}

	var eval Evaluation
	stillOpen := make(map[stringKey]bool)
	for _, alert := range open {
		key := stringKey{alert.StringNumber, alert.Severity}
		if _, matches := desired[key]; matches {
			stillOpen[key] = true
			continue
		}
		if err := database.ResolveAlert(s.db, alert.ID, "", now); err != nil {
			return eval, fmt.Errorf("resolve alert %d: %w", alert.ID, err)
		}
		eval.Resolved++
		resolved := alert
		resolved.ResolvedAt = &now
		s.notifyResolved(resolved)
		log.Printf("[Alerts] Resolved %s alert for device %s string %d", alert.Severity, deviceID, alert.StringNumber)
	}

	for key, f := range desired {
		if stillOpen[key] {
			continue
		}
		expected := round(f.peerAvg, 3)
		actual := round(f.channel.Current, 3)
		gap := round(f.gapPercent, 1)
		alert := database.Alert{
			DeviceID:      deviceID,
			PlantID:       plantID,
			StringNumber:  key.stringNumber,
			Severity:      key.severity,
			Message:       fmt.Sprintf("String %d is %.1f%% below average", key.stringNumber, f.gapPercent),
			ExpectedValue: &expected,
			ActualValue:   &actual,
			GapPercent:    &gap,
			CreatedAt:     now,
		}
		if err := database.CreateAlert(s.db, &alert); err != nil {
			return eval, fmt.Errorf("create alert for %s string %d: %w", deviceID, key.stringNumber, err)
		}
		eval.Created++
		s.notifyOpened(alert)
		log.Printf("[Alerts] %s: device %s string %d is %.1f%% below average", key.severity, deviceID, key.stringNumber, f.gapPercent)
	}

	return eval, nil
}

// Resolve closes an alert on behalf of an operator
func (s *AlertService) Resolve(alertID uint, resolvedBy string, now time.Time) (*database.Alert, error) {
	alert, err := database.GetAlert(s.db, alertID)
	if err != nil {
		return nil, err
	}
	if !alert.IsOpen() {
		return alert, nil
	}
	if err := database.ResolveAlert(s.db, alertID, resolvedBy, now); err != nil {
		return nil, err
	}
	alert.ResolvedAt = &now
	alert.ResolvedBy = &resolvedBy
	s.notifyResolved(*alert)
	return alert, nil
}

func (s *AlertService) notifyOpened(alert database.Alert) {
	for _, sink := range s.sinks {
		sink.AlertOpened(alert)
	}
}

func (s *AlertService) notifyResolved(alert database.Alert) {
	for _, sink := range s.sinks {
		sink.AlertResolved(alert)
	}
}
