package scheduler

import (
	"testing"
	"time"

	"github.com/pixelforge/pixelforge/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDefaultsFillsZeroValues(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, 15*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, "repair", cfg.ReconcileMode)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 25, cfg.OutboxBatchSize)
}

func TestWithDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		RunInterval:       30 * time.Second,
		ReconcileInterval: time.Hour,
		ReconcileMode:     "detect",
		BatchSize:         10,
		OutboxBatchSize:   5,
	}.withDefaults()
	assert.Equal(t, 30*time.Second, cfg.RunInterval)
	assert.Equal(t, time.Hour, cfg.ReconcileInterval)
	assert.Equal(t, "detect", cfg.ReconcileMode)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 5, cfg.OutboxBatchSize)
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestIsJobEnabled(t *testing.T) {
	all := &Scheduler{cfg: Config{}.withDefaults()}
	assert.True(t, all.isJobEnabled("sweep_reservations"))
	assert.True(t, all.isJobEnabled("reconcile"))

	scoped := &Scheduler{cfg: Config{EnabledJobs: []string{"outbox_dispatch", "Reconcile"}}.withDefaults()}
	assert.True(t, scoped.isJobEnabled("outbox_dispatch"))
	assert.True(t, scoped.isJobEnabled("reconcile"))
	assert.False(t, scoped.isJobEnabled("sweep_reservations"))
}

func TestReconcileDueTracksInterval(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	s := &Scheduler{cfg: Config{}.withDefaults(), clock: clk}

	// first run is always due
	assert.True(t, s.reconcileDue())

	s.lastReconcile = clk.Now()
	assert.False(t, s.reconcileDue())

	clk.Advance(14 * time.Minute)
	assert.False(t, s.reconcileDue())

	clk.Advance(time.Minute)
	assert.True(t, s.reconcileDue())
}
