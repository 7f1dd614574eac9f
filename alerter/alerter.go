// Package alerter provides frame-health alerting for outputs.
package alerter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NaveLIL/erez-frameclock/config"
	"github.com/NaveLIL/erez-frameclock/logger"
	"github.com/NaveLIL/erez-frameclock/models"
	"github.com/NaveLIL/erez-frameclock/output"
)

// AlertHandler is a function that handles an alert.
type AlertHandler func(alert *models.Alert)

// alertKey scopes cooldowns per output so a stutter on one display does
// not suppress alerts for another.
type alertKey struct {
	alertType models.AlertType
	output    string
}

// Alerter watches output health stats and triggers alerts when frame
// scheduling degrades.
type Alerter struct {
	config     *config.AlertsConfig
	log        *logger.Logger
	handlers   []AlertHandler
	handlersMu sync.RWMutex

	// Cooldown tracking
	lastAlerts map[alertKey]time.Time
	alertsMu   sync.Mutex

	// Alert history
	history   []*models.Alert
	historyMu sync.RWMutex

	// State
	running bool
	mu      sync.RWMutex
}

// New creates a new Alerter with the given configuration.
func New(cfg *config.AlertsConfig) *Alerter {
	return &Alerter{
		config:     cfg,
		log:        logger.Get(),
		lastAlerts: make(map[alertKey]time.Time),
		history:    make([]*models.Alert, 0, 100),
	}
}

// Start starts the alerter.
func (a *Alerter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.mu.Unlock()

	a.log.Info("Alerter started")
	return nil
}

// Stop stops the alerter.
func (a *Alerter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}

	a.running = false
	a.log.Info("Alerter stopped")
}

// AddHandler adds an alert handler.
func (a *Alerter) AddHandler(handler AlertHandler) {
	a.handlersMu.Lock()
	defer a.handlersMu.Unlock()
	a.handlers = append(a.handlers, handler)
}

// Check evaluates one output's stats against the thresholds and triggers
// alerts.
func (a *Alerter) Check(stats output.Stats) {
	a.mu.RLock()
	if !a.running || !a.config.Enabled {
		a.mu.RUnlock()
		return
	}
	a.mu.RUnlock()

	refreshIntervalUs := stats.RefreshIntervalUs()
	if refreshIntervalUs == 0 {
		return
	}

	// Consecutive missed presentations
	if a.config.MissedFrameStreak > 0 &&
		stats.Summary.MissedStreak >= a.config.MissedFrameStreak {
		a.triggerAlert(models.AlertTypeMissedFrames, stats.Name,
			fmt.Sprintf("Output %s missed %d consecutive frames (threshold: %d)",
				stats.Name, stats.Summary.MissedStreak, a.config.MissedFrameStreak),
			float64(stats.Summary.MissedStreak),
			float64(a.config.MissedFrameStreak))
	}

	// A frame pending presentation for far too long stalls scheduling
	// for its output.
	stallLimitUs := int64(a.config.StallFactor * float64(refreshIntervalUs))
	if stallLimitUs > 0 && stats.OldestPendingUs >= stallLimitUs {
		a.triggerAlert(models.AlertTypeStalledFrame, stats.Name,
			fmt.Sprintf("Output %s has a frame unresolved for %d us (limit: %d us)",
				stats.Name, stats.OldestPendingUs, stallLimitUs),
			float64(stats.OldestPendingUs),
			float64(stallLimitUs))
	}

	// Dispatch lateness spike
	if a.config.LatenessThresholdUs > 0 &&
		stats.Summary.MaxLatenessUs >= a.config.LatenessThresholdUs {
		a.triggerAlert(models.AlertTypeLatenessSpike, stats.Name,
			fmt.Sprintf("Output %s dispatch lateness reached %d us (threshold: %d us)",
				stats.Name, stats.Summary.MaxLatenessUs, a.config.LatenessThresholdUs),
			float64(stats.Summary.MaxLatenessUs),
			float64(a.config.LatenessThresholdUs))
	}
}

// triggerAlert creates and dispatches an alert if cooldown has passed.
func (a *Alerter) triggerAlert(alertType models.AlertType, outputName, message string, value, threshold float64) {
	key := alertKey{alertType: alertType, output: outputName}

	a.alertsMu.Lock()

	// Check cooldown
	if lastTime, ok := a.lastAlerts[key]; ok {
		if time.Since(lastTime) < a.config.Cooldown {
			a.alertsMu.Unlock()
			return
		}
	}

	// Update last alert time
	a.lastAlerts[key] = time.Now()
	a.alertsMu.Unlock()

	alert := &models.Alert{
		Type:      alertType,
		Output:    outputName,
		Message:   message,
		Value:     value,
		Threshold: threshold,
		Timestamp: time.Now(),
	}

	a.historyMu.Lock()
	a.history = append(a.history, alert)
	// Keep only last 100 alerts
	if len(a.history) > 100 {
		a.history = a.history[len(a.history)-100:]
	}
	a.historyMu.Unlock()

	a.log.Alert(string(alertType), "%s", message)

	a.handlersMu.RLock()
	handlers := make([]AlertHandler, len(a.handlers))
	copy(handlers, a.handlers)
	a.handlersMu.RUnlock()

	for _, handler := range handlers {
		go handler(alert)
	}
}

// GetHistory returns the alert history.
func (a *Alerter) GetHistory() []*models.Alert {
	a.historyMu.RLock()
	defer a.historyMu.RUnlock()

	result := make([]*models.Alert, len(a.history))
	copy(result, a.history)
	return result
}

// GetRecentAlerts returns alerts from the last n minutes.
func (a *Alerter) GetRecentAlerts(minutes int) []*models.Alert {
	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)

	a.historyMu.RLock()
	defer a.historyMu.RUnlock()

	var result []*models.Alert
	for _, alert := range a.history {
		if alert.Timestamp.After(cutoff) {
			result = append(result, alert)
		}
	}
	return result
}
