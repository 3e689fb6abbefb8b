// Package reconcile periodically aligns actual container state with the
// set of monitored tenants and keeps the bus informed of both.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flopro/nexus/internal/clock"
	"github.com/flopro/nexus/internal/logging"
	"github.com/flopro/nexus/internal/metrics"
)

// Runtime is the slice of the runtime manager the reconciler needs.
type Runtime interface {
	ListRunningTenantIDs(ctx context.Context) ([]string, error)
	IsRunning(ctx context.Context, tenantID string) (bool, string, error)
}

// Monitors manages per-tenant bridge monitors.
type Monitors interface {
	Start(tenantID string)
	Stop(tenantID string)
	MonitoredTenantIDs() []string
}

// Publisher pushes events onto the tenant bus.
type Publisher interface {
	Publish(ctx context.Context, tenantID, eventType string, payload any)
}

// Reconciler sweeps every interval: tenants found on disk or as running
// containers get a status event, running ones get a monitor.
type Reconciler struct {
	rt         Runtime
	monitors   Monitors
	pub        Publisher
	tenantRoot string
	interval   time.Duration
	clk        clock.Clock
	log        *logging.Logger

	cron *cron.Cron

	mu              sync.Mutex
	lastReconcileAt *time.Time
}

// New wires a Reconciler; call Start to begin sweeping.
func New(rt Runtime, monitors Monitors, pub Publisher, tenantRoot string, interval time.Duration, clk clock.Clock, log *logging.Logger) *Reconciler {
	return &Reconciler{
		rt:         rt,
		monitors:   monitors,
		pub:        pub,
		tenantRoot: tenantRoot,
		interval:   interval,
		clk:        clk,
		log:        log,
	}
}

// Start schedules the periodic sweep and runs one immediately.
func (r *Reconciler) Start(ctx context.Context) error {
	r.cron = cron.New()
	spec := fmt.Sprintf("@every %s", r.interval)
	if _, err := r.cron.AddFunc(spec, func() { r.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule reconcile: %w", err)
	}
	r.cron.Start()
	go r.Sweep(ctx)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// LastReconcileAt reports when the last sweep completed, nil before the
// first one.
func (r *Reconciler) LastReconcileAt() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReconcileAt
}

// Sweep runs one reconcile cycle.
func (r *Reconciler) Sweep(ctx context.Context) {
	seen := make(map[string]bool)

	entries, err := os.ReadDir(r.tenantRoot)
	if err != nil {
		r.log.Warn("tenant root unreadable", "path", r.tenantRoot, "error", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			seen[entry.Name()] = true
		}
	}

	runningIDs, err := r.rt.ListRunningTenantIDs(ctx)
	if err != nil {
		r.log.Warn("container listing failed during reconcile", "error", err)
	}
	for _, id := range runningIDs {
		seen[id] = true
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		running, statusText, err := r.rt.IsRunning(ctx, id)
		if err != nil {
			r.log.Warn("state probe failed during reconcile", "tenant_id", id, "error", err)
			continue
		}
		if running {
			r.monitors.Start(id)
			r.pub.Publish(ctx, id, "runtime.status", map[string]any{"state": "running", "status": statusText})
		} else {
			r.pub.Publish(ctx, id, "runtime.status", map[string]any{"state": "paused", "status": statusText})
		}
	}

	// Best effort: drop monitors for tenants gone from both disk and the
	// engine.
	for _, id := range r.monitors.MonitoredTenantIDs() {
		if !seen[id] {
			r.log.Info("pruning monitor for vanished tenant", "tenant_id", id)
			r.monitors.Stop(id)
		}
	}

	now := r.clk.Now().UTC()
	r.mu.Lock()
	r.lastReconcileAt = &now
	r.mu.Unlock()
	metrics.ReconcileCycles.Inc()
}
