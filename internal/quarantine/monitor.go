// Package quarantine detects shadow-banned accounts from sighting behavior.
//
// Counters are instance-local and never persisted: durable per-sighting
// history would amplify writes badly at scan throughput, so detection is
// best effort per process and resets on restart.
package quarantine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fletling/trainervault/internal/account"
	"github.com/fletling/trainervault/internal/metrics"
	"github.com/fletling/trainervault/internal/notify"
)

// Config tunes the detector thresholds.
type Config struct {
	// Window bounds how long counters accumulate before they are judged or
	// discarded.
	Window time.Duration
	// MinSightings is the minimum sighting count required before an
	// all-common window can trip.
	MinSightings int
	// MaxEncounterMiss trips the detector once this many expected encounter
	// detail calls came back empty within one window.
	MaxEncounterMiss int
	// CheckCooldown rate-limits detection per account; checks inside the
	// cooldown are no-ops.
	CheckCooldown time.Duration
	// MaxParallelChecks bounds simultaneous trip handling, because each trip
	// may post an audit notification.
	MaxParallelChecks int64
	// CommonSpecies is the allowlist of species a shadow-banned account can
	// still see. Anything else counts as uncommon.
	CommonSpecies []int
}

// record holds one account's counters for the current quarantine window.
type record struct {
	windowStart   time.Time
	lastCheck     time.Time
	sightings     int
	uncommon      int
	encounterMiss int
}

// Monitor keeps per-account sliding-window counters and trips when a window
// looks shadow banned: plenty of sightings, or repeated encounter misses,
// with not a single uncommon species among them.
type Monitor struct {
	cfg    Config
	common map[int]bool
	clock  account.Clock
	hook   *notify.Webhook
	logger *zap.Logger
	gate   *semaphore.Weighted

	mu      sync.Mutex
	records map[string]*record
}

// New builds a Monitor. hook may be nil when no audit endpoint is configured.
func New(cfg Config, clock account.Clock, hook *notify.Webhook, logger *zap.Logger) *Monitor {
	metrics.Init()
	if cfg.MaxParallelChecks <= 0 {
		cfg.MaxParallelChecks = 1
	}
	// Non-positive thresholds would trip on the first all-common window.
	if cfg.MinSightings <= 0 {
		cfg.MinSightings = 1
	}
	if cfg.MaxEncounterMiss <= 0 {
		cfg.MaxEncounterMiss = 1
	}
	common := make(map[int]bool, len(cfg.CommonSpecies))
	for _, id := range cfg.CommonSpecies {
		common[id] = true
	}
	return &Monitor{
		cfg:     cfg,
		common:  common,
		clock:   clock,
		hook:    hook,
		logger:  logger.Named("quarantine"),
		gate:    semaphore.NewWeighted(cfg.MaxParallelChecks),
		records: make(map[string]*record),
	}
}

// rollIfStale discards an expired window before the next mutation, so stale
// history never influences a trip decision. Caller holds m.mu.
func (m *Monitor) rollIfStale(rec *record, now time.Time) {
	if now.Sub(rec.windowStart) <= m.cfg.Window {
		return
	}
	rec.windowStart = now
	rec.sightings = 0
	rec.uncommon = 0
	rec.encounterMiss = 0
}

func (m *Monitor) recordFor(username string, now time.Time) *record {
	rec, ok := m.records[username]
	if !ok {
		rec = &record{windowStart: now}
		m.records[username] = rec
	}
	m.rollIfStale(rec, now)
	return rec
}

// RecordSighting counts one sighting for username. Species outside the
// common allowlist also bump the uncommon counter, which vetoes any trip.
func (m *Monitor) RecordSighting(username string, pokemonID int) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recordFor(username, now)
	rec.sightings++
	if !m.common[pokemonID] {
		rec.uncommon++
	}
}

// RecordEncounterMiss counts an expected encounter detail call that returned
// nothing, the classic shadow-ban symptom.
func (m *Monitor) RecordEncounterMiss(username string) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recordFor(username, now)
	rec.encounterMiss++
}

// Forget drops username's window, typically after it hibernates.
func (m *Monitor) Forget(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, username)
}

// Check judges username's current window. It returns nil when the account
// looks healthy or the per-account cooldown has not elapsed, and
// account.ErrShadowBanned on a trip. The caller must hibernate the account
// under account.ReasonShadowBanned; the monitor only detects.
func (m *Monitor) Check(ctx context.Context, username string) error {
	now := m.clock.Now()

	m.mu.Lock()
	rec, ok := m.records[username]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	m.rollIfStale(rec, now)
	if !rec.lastCheck.IsZero() && now.Sub(rec.lastCheck) < m.cfg.CheckCooldown {
		m.mu.Unlock()
		return nil
	}
	rec.lastCheck = now

	sightings := rec.sightings
	uncommon := rec.uncommon
	misses := rec.encounterMiss
	windowStart := rec.windowStart
	m.mu.Unlock()

	metrics.ObserveShadowBanCheck()

	tripped := uncommon == 0 &&
		(sightings > m.cfg.MinSightings || misses >= m.cfg.MaxEncounterMiss)
	if !tripped {
		m.logger.Debug("shadow-ban check passed",
			zap.String("username", username),
			zap.Int("sightings", sightings),
			zap.Int("uncommon", uncommon),
			zap.Int("encounter_miss", misses),
		)
		return nil
	}

	// The gate bounds simultaneous trips so a wave of detections cannot
	// flood the audit endpoint.
	if err := m.gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire detection gate: %w", err)
	}
	defer m.gate.Release(1)

	metrics.ObserveShadowBanTrip()
	m.logger.Info("account determined to be shadow banned",
		zap.String("username", username),
		zap.Int("sightings", sightings),
		zap.Int("uncommon", uncommon),
		zap.Int("encounter_miss", misses),
	)

	if m.hook.Enabled() {
		embed := notify.Embed{
			Title: "Shadow ban detected",
			Description: fmt.Sprintf(
				"%s sightings=%d uncommon=%d encounter_miss=%d window_start=%s",
				username, sightings, uncommon, misses,
				windowStart.UTC().Format(time.RFC3339),
			),
			Color: notify.ColorRed,
		}
		if err := m.hook.Post(ctx, embed); err != nil {
			// Best effort: a dead audit endpoint must not mask the trip.
			m.logger.Warn("shadow-ban audit post failed", zap.Error(err))
		}
	}

	// Discard the window so the account starts clean if it is ever swapped
	// back in.
	m.Forget(username)

	return account.ErrShadowBanned
}

// Counters returns a copy of username's current window for the stats API.
func (m *Monitor) Counters(username string) (sightings, uncommon, encounterMiss int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, found := m.records[username]
	if !found {
		return 0, 0, 0, false
	}
	return rec.sightings, rec.uncommon, rec.encounterMiss, true
}
