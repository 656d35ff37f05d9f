// File: internal/syncer/run.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/ctibridge/api/schemas"
	"github.com/xkilldash9x/ctibridge/internal/observability"
)

// friendlyTimeLayout formats work unit names, e.g. "Silobreaker run @ 2024-05-01 12:00:00".
const friendlyTimeLayout = "2006-01-02 15:04:05"

// ErrNothingToDo is returned by a Job's Plan when the run window is empty.
var ErrNothingToDo = errors.New("nothing to do")

// Job is one forward connector run.
type Job interface {
	// Name is the connector name used for state, work units and metrics.
	Name() string
	// Plan inspects the previous state before any work unit is opened.
	// Returning ErrNothingToDo skips the run without touching state.
	Plan(prev *schemas.SyncState, now time.Time) error
	// Execute performs the run, submitting bundles through run.
	Execute(ctx context.Context, run *Run) error
}

// Run carries the per-run context handed to a Job.
type Run struct {
	WorkID   string
	Started  time.Time
	Previous *schemas.SyncState

	connector string
	sender    schemas.BundleSender
	metrics   *observability.Metrics
	cursor    string
	sent      int
}

// NewRun creates a run whose cursor starts at the one stored in prev.
// Drivers build runs this way; it is exported for executing a Job directly.
func NewRun(connector, workID string, started time.Time, prev *schemas.SyncState, sender schemas.BundleSender, metrics *observability.Metrics) *Run {
	run := &Run{
		WorkID:    workID,
		Started:   started,
		Previous:  prev,
		connector: connector,
		sender:    sender,
		metrics:   metrics,
	}
	if prev != nil {
		run.cursor = prev.Cursor
	}
	return run
}

// Send submits one bundle under this run's work unit. Nil bundles are ignored.
func (r *Run) Send(ctx context.Context, b *schemas.Bundle) error {
	if b == nil {
		return nil
	}
	if err := r.sender.SendBundle(ctx, r.WorkID, b); err != nil {
		return fmt.Errorf("failed to send bundle %s: %w", b.ID(), err)
	}
	r.sent++
	r.metrics.ObserveBundle(r.connector)
	return nil
}

// Cursor returns the watermark to resume from, initially the stored one.
func (r *Run) Cursor() string { return r.cursor }

// SetCursor records the watermark to persist when the run succeeds.
func (r *Run) SetCursor(c string) { r.cursor = c }

// Sent returns the number of bundles submitted so far.
func (r *Run) Sent() int { return r.sent }

// Driver executes jobs to completion against the platform. The stored state
// is advanced only when a job finishes without error.
type Driver struct {
	platform schemas.Platform
	log      *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithNow overrides the clock.
func WithNow(now func() time.Time) DriverOption {
	return func(d *Driver) { d.now = now }
}

// WithMetrics attaches metrics.
func WithMetrics(m *observability.Metrics) DriverOption {
	return func(d *Driver) { d.metrics = m }
}

// NewDriver creates a run driver.
func NewDriver(platform schemas.Platform, logger *zap.Logger, opts ...DriverOption) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Driver{
		platform: platform,
		log:      logger.Named("driver"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunOnce performs a single run of job. Cancellation aborts without writing state.
func (d *Driver) RunOnce(ctx context.Context, job Job) error {
	name := job.Name()
	log := d.log.With(zap.String("connector", name))
	started := d.now().UTC()

	prev, err := d.platform.GetState(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load state for %s: %w", name, err)
	}
	if prev.HasRun() {
		log.Info("Connector last run", zap.Time("last_run", *prev.LastRun))
	} else {
		log.Info("Connector has never run")
	}

	if err := job.Plan(prev, started); err != nil {
		if errors.Is(err, ErrNothingToDo) {
			log.Info("Run window is empty, nothing to do")
			return nil
		}
		return err
	}

	friendly := fmt.Sprintf("%s run @ %s", name, started.Format(friendlyTimeLayout))
	workID, err := d.platform.InitiateWork(ctx, name, friendly)
	if err != nil {
		return fmt.Errorf("failed to initiate work for %s: %w", name, err)
	}
	log = log.With(zap.String("work_id", workID))

	run := NewRun(name, workID, started, prev, d.platform, d.metrics)

	if err := job.Execute(ctx, run); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Info("Connector stopped, run aborted gracefully", zap.Int("bundles", run.sent))
			return err
		}
		log.Error("Run failed, state not advanced", zap.Int("bundles", run.sent), zap.Error(err))
		if cerr := d.platform.CompleteWork(ctx, workID, fmt.Sprintf("Run failed: %v", err)); cerr != nil {
			log.Warn("Failed to close work unit", zap.Error(cerr))
		}
		return err
	}

	state := schemas.SyncState{LastRun: &started, Cursor: run.cursor}
	if err := d.platform.SetState(ctx, name, state); err != nil {
		return fmt.Errorf("failed to store state for %s: %w", name, err)
	}
	message := fmt.Sprintf("Connector successfully run (%d bundles), storing last_run as %s", run.sent, started.Format(time.RFC3339))
	if err := d.platform.CompleteWork(ctx, workID, message); err != nil {
		return fmt.Errorf("failed to complete work %s: %w", workID, err)
	}
	log.Info(message)
	return nil
}
