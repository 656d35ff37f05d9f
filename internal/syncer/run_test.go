package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/ctibridge/api/schemas"
	"github.com/xkilldash9x/ctibridge/internal/observability"
)

type fakePlatform struct {
	mu        sync.Mutex
	states    map[string]schemas.SyncState
	works     []string
	completed map[string]string
	bundles   []string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{states: map[string]schemas.SyncState{}, completed: map[string]string{}}
}

func (p *fakePlatform) SendBundle(_ context.Context, workID string, b *schemas.Bundle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bundles = append(p.bundles, workID+"/"+b.ID())
	return nil
}

func (p *fakePlatform) GetState(_ context.Context, connector string) (*schemas.SyncState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[connector]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (p *fakePlatform) SetState(_ context.Context, connector string, s schemas.SyncState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[connector] = s
	return nil
}

func (p *fakePlatform) InitiateWork(_ context.Context, _, friendlyName string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.works = append(p.works, friendlyName)
	return "work-1", nil
}

func (p *fakePlatform) CompleteWork(_ context.Context, workID, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed[workID] = message
	return nil
}

func (p *fakePlatform) Close() error { return nil }

type stubJob struct {
	name    string
	planErr error
	execute func(ctx context.Context, run *Run) error
	calls   int
}

func (j *stubJob) Name() string { return j.name }

func (j *stubJob) Plan(*schemas.SyncState, time.Time) error { return j.planErr }

func (j *stubJob) Execute(ctx context.Context, run *Run) error {
	j.calls++
	if j.execute == nil {
		return nil
	}
	return j.execute(ctx, run)
}

func TestDriver_RunOnce(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return fixed }

	t.Run("should send bundles and advance state on success", func(t *testing.T) {
		platform := newFakePlatform()
		metrics, err := observability.NewMetrics(nil)
		require.NoError(t, err)
		d := NewDriver(platform, zap.NewNop(), WithNow(now), WithMetrics(metrics))

		job := &stubJob{name: "Silobreaker", execute: func(ctx context.Context, run *Run) error {
			assert.Equal(t, "work-1", run.WorkID)
			require.NoError(t, run.Send(ctx, schemas.NewBundle()))
			require.NoError(t, run.Send(ctx, nil))
			run.SetCursor("2024-05-01T11:59:59.000Z")
			return nil
		}}

		require.NoError(t, d.RunOnce(ctx, job))

		assert.Equal(t, []string{"Silobreaker run @ 2024-05-01 12:00:00"}, platform.works)
		assert.Len(t, platform.bundles, 1)
		state := platform.states["Silobreaker"]
		require.NotNil(t, state.LastRun)
		assert.True(t, fixed.Equal(*state.LastRun))
		assert.Equal(t, "2024-05-01T11:59:59.000Z", state.Cursor)
		assert.Contains(t, platform.completed["work-1"], "successfully run")
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BundleCount("Silobreaker")))
	})

	t.Run("should hand the stored cursor to the job", func(t *testing.T) {
		platform := newFakePlatform()
		last := fixed.Add(-time.Hour)
		platform.states["ThreatMatch"] = schemas.SyncState{LastRun: &last, Cursor: "c1"}
		d := NewDriver(platform, zap.NewNop(), WithNow(now))

		var seen string
		job := &stubJob{name: "ThreatMatch", execute: func(_ context.Context, run *Run) error {
			seen = run.Cursor()
			assert.True(t, run.Previous.HasRun())
			return nil
		}}
		require.NoError(t, d.RunOnce(ctx, job))
		assert.Equal(t, "c1", seen)
		assert.Equal(t, "c1", platform.states["ThreatMatch"].Cursor, "an untouched cursor is carried forward")
	})

	t.Run("should not write state when the run fails", func(t *testing.T) {
		platform := newFakePlatform()
		d := NewDriver(platform, zap.NewNop(), WithNow(now))
		boom := errors.New("boom")

		err := d.RunOnce(ctx, &stubJob{name: "X", execute: func(context.Context, *Run) error { return boom }})
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, platform.states)
		assert.Contains(t, platform.completed["work-1"], "Run failed")
	})

	t.Run("should abort without state or completion when cancelled", func(t *testing.T) {
		platform := newFakePlatform()
		d := NewDriver(platform, zap.NewNop(), WithNow(now))
		cctx, cancel := context.WithCancel(ctx)

		err := d.RunOnce(cctx, &stubJob{name: "X", execute: func(ctx context.Context, run *Run) error {
			require.NoError(t, run.Send(ctx, schemas.NewBundle()))
			cancel()
			return ctx.Err()
		}})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, platform.states)
		assert.Empty(t, platform.completed)
		assert.Len(t, platform.bundles, 1, "bundles sent before the interrupt stand")
	})

	t.Run("should skip the run when the window is empty", func(t *testing.T) {
		platform := newFakePlatform()
		d := NewDriver(platform, zap.NewNop(), WithNow(now))
		job := &stubJob{name: "X", planErr: ErrNothingToDo}

		require.NoError(t, d.RunOnce(ctx, job))
		assert.Zero(t, job.calls)
		assert.Empty(t, platform.works)
		assert.Empty(t, platform.states)
	})
}

func TestEvery(t *testing.T) {
	t.Run("should run immediately and stop on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		calls := 0
		err := Every(ctx, time.Millisecond, "test", func(context.Context) error {
			calls++
			if calls == 3 {
				cancel()
			}
			return errors.New("transient")
		}, zap.NewNop())

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("should drive a job through the driver", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		platform := newFakePlatform()
		d := NewDriver(platform, zap.NewNop())
		job := &stubJob{name: "Loop"}
		job.execute = func(context.Context, *Run) error {
			cancel()
			return nil
		}

		require.NoError(t, d.Loop(ctx, job, time.Hour))
		assert.Equal(t, 1, job.calls)
		assert.Contains(t, platform.states, "Loop")
	})
}
