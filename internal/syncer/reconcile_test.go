package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/ctibridge/api/schemas"
	"github.com/xkilldash9x/ctibridge/internal/network"
	"github.com/xkilldash9x/ctibridge/internal/observability"
)

// fakeRemote is an in-memory RemoteIndicatorAPI keyed by remote id.
type fakeRemote struct {
	records  map[string]string // remote id -> external id
	next     int
	calls    []string
	failOn   map[string]error // "verb:externalID" -> error
	supports func(schemas.Observable) bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{records: map[string]string{}}
}

func (f *fakeRemote) seed(externalID string) string {
	f.next++
	id := fmt.Sprintf("remote-%d", f.next)
	f.records[id] = externalID
	return id
}

func (f *fakeRemote) fail(verb, externalID string) error {
	return f.failOn[verb+":"+externalID]
}

func (f *fakeRemote) Search(_ context.Context, externalID string) ([]schemas.RemoteIndicatorRecord, error) {
	f.calls = append(f.calls, "search:"+externalID)
	if err := f.fail("search", externalID); err != nil {
		return nil, err
	}
	var out []schemas.RemoteIndicatorRecord
	for id, ext := range f.records {
		if ext == externalID {
			out = append(out, schemas.RemoteIndicatorRecord{RemoteID: id, ExternalID: ext})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out, nil
}

func (f *fakeRemote) List(context.Context) ([]schemas.RemoteIndicatorRecord, error) {
	f.calls = append(f.calls, "list")
	var out []schemas.RemoteIndicatorRecord
	for id, ext := range f.records {
		out = append(out, schemas.RemoteIndicatorRecord{RemoteID: id, ExternalID: ext})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out, nil
}

func (f *fakeRemote) Create(_ context.Context, obs schemas.Observable) (*schemas.RemoteIndicatorRecord, error) {
	ext := obs.ExternalID()
	f.calls = append(f.calls, "create:"+ext)
	if f.supports != nil && !f.supports(obs) {
		return nil, schemas.ErrUnsupportedObservable
	}
	if err := f.fail("create", ext); err != nil {
		return nil, err
	}
	id := f.seed(ext)
	return &schemas.RemoteIndicatorRecord{RemoteID: id, ExternalID: ext}, nil
}

func (f *fakeRemote) Update(_ context.Context, remoteID string, obs schemas.Observable) error {
	ext := obs.ExternalID()
	f.calls = append(f.calls, "update:"+remoteID+":"+ext)
	return f.fail("update", ext)
}

func (f *fakeRemote) Delete(_ context.Context, remoteID string) error {
	ext := f.records[remoteID]
	f.calls = append(f.calls, "delete:"+remoteID)
	if err := f.fail("delete", ext); err != nil {
		return err
	}
	delete(f.records, remoteID)
	return nil
}

func observable(id, typ, value string) schemas.Observable {
	return schemas.Observable{ID: id, Type: typ, Value: value}
}

func TestReconciler_Reconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("should create indicators absent remotely", func(t *testing.T) {
		remote := newFakeRemote()
		metrics, err := observability.NewMetrics(nil)
		require.NoError(t, err)
		r := NewReconciler(remote, zap.NewNop(), metrics)

		res, err := r.Reconcile(ctx, []schemas.Observable{observable("ipv4-addr--1", "ipv4-addr", "1.2.3.4")}, false)
		require.NoError(t, err)

		assert.Equal(t, ReconcileResult{Created: 1}, res)
		assert.Equal(t, []string{"search:ipv4-addr--1", "create:ipv4-addr--1"}, remote.calls)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ReconcileCount("create", "success")))
	})

	t.Run("should update in place when one match exists", func(t *testing.T) {
		remote := newFakeRemote()
		remoteID := remote.seed("domain-name--1")
		r := NewReconciler(remote, zap.NewNop(), nil)

		res, err := r.Reconcile(ctx, []schemas.Observable{observable("domain-name--1", "domain-name", "evil.example")}, false)
		require.NoError(t, err)

		assert.Equal(t, ReconcileResult{Updated: 1}, res)
		assert.Contains(t, remote.calls, "update:"+remoteID+":domain-name--1")
	})

	t.Run("should delete remote records with no local counterpart when pruning", func(t *testing.T) {
		remote := newFakeRemote()
		keep := remote.seed("url--keep")
		orphan := remote.seed("url--gone")
		r := NewReconciler(remote, zap.NewNop(), nil)

		res, err := r.Reconcile(ctx, []schemas.Observable{observable("url--keep", "url", "http://a")}, true)
		require.NoError(t, err)

		assert.Equal(t, ReconcileResult{Updated: 1, Deleted: 1}, res)
		assert.Contains(t, remote.calls, "delete:"+orphan)
		assert.NotContains(t, remote.calls, "delete:"+keep)
		assert.Len(t, remote.records, 1)
	})

	t.Run("should leave orphans alone without pruning", func(t *testing.T) {
		remote := newFakeRemote()
		remote.seed("url--gone")
		r := NewReconciler(remote, zap.NewNop(), nil)

		_, err := r.Reconcile(ctx, nil, false)
		require.NoError(t, err)
		assert.Empty(t, remote.calls)
	})

	t.Run("should isolate a failing candidate and continue", func(t *testing.T) {
		remote := newFakeRemote()
		remote.failOn = map[string]error{"create:ipv4-addr--bad": errors.New("400 bad request")}
		metrics, err := observability.NewMetrics(nil)
		require.NoError(t, err)
		r := NewReconciler(remote, zap.NewNop(), metrics)

		res, err := r.Reconcile(ctx, []schemas.Observable{
			observable("ipv4-addr--bad", "ipv4-addr", "10.0.0.1"),
			observable("ipv4-addr--good", "ipv4-addr", "10.0.0.2"),
		}, false)
		require.NoError(t, err)

		assert.Equal(t, ReconcileResult{Created: 1, Failed: 1}, res)
		assert.Contains(t, remote.calls, "create:ipv4-addr--good")
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ReconcileCount("create", "failure")))
	})

	t.Run("should skip unsupported observable types", func(t *testing.T) {
		remote := newFakeRemote()
		remote.supports = func(o schemas.Observable) bool { return o.Type != "mutex" }
		r := NewReconciler(remote, zap.NewNop(), nil)

		res, err := r.Reconcile(ctx, []schemas.Observable{observable("mutex--1", "mutex", "Global\\x")}, false)
		require.NoError(t, err)
		assert.Equal(t, ReconcileResult{Skipped: 1}, res)
		assert.Empty(t, remote.records)
	})

	t.Run("should abort the batch on authentication failure", func(t *testing.T) {
		remote := newFakeRemote()
		authErr := fmt.Errorf("%w: token rejected", network.ErrAuthentication)
		remote.failOn = map[string]error{"search:a": authErr}
		r := NewReconciler(remote, zap.NewNop(), nil)

		_, err := r.Reconcile(ctx, []schemas.Observable{
			observable("a", "ipv4-addr", "1.1.1.1"),
			observable("b", "ipv4-addr", "2.2.2.2"),
		}, false)
		assert.ErrorIs(t, err, network.ErrAuthentication)
		assert.NotContains(t, remote.calls, "search:b")
	})

	t.Run("should correlate on the platform internal id", func(t *testing.T) {
		remote := newFakeRemote()
		r := NewReconciler(remote, zap.NewNop(), nil)
		obs := observable("ipv4-addr--std", "ipv4-addr", "9.9.9.9")
		obs.Extensions = map[string]schemas.ObservableExtension{
			schemas.PlatformExtensionID: {ID: "internal-42"},
		}

		_, err := r.Reconcile(ctx, []schemas.Observable{obs}, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"search:internal-42", "create:internal-42"}, remote.calls)
	})
}

func TestReconciler_HandleEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("should upsert on create and update events", func(t *testing.T) {
		remote := newFakeRemote()
		r := NewReconciler(remote, zap.NewNop(), nil)
		obs := observable("ipv6-addr--1", "ipv6-addr", "::1")

		action, err := r.HandleEvent(ctx, Event{Type: EventCreate, Observable: obs})
		require.NoError(t, err)
		assert.Equal(t, ActionCreate, action)

		action, err = r.HandleEvent(ctx, Event{Type: EventUpdate, Observable: obs})
		require.NoError(t, err)
		assert.Equal(t, ActionUpdate, action)
		assert.Len(t, remote.records, 1)
	})

	t.Run("should delete every matching record on delete events", func(t *testing.T) {
		remote := newFakeRemote()
		remote.seed("file--1")
		remote.seed("file--1")
		r := NewReconciler(remote, zap.NewNop(), nil)

		action, err := r.HandleEvent(ctx, Event{Type: EventDelete, Observable: observable("file--1", "file", "")})
		require.NoError(t, err)
		assert.Equal(t, ActionDelete, action)
		assert.Empty(t, remote.records)
	})

	t.Run("should skip deletes with nothing remote", func(t *testing.T) {
		r := NewReconciler(newFakeRemote(), zap.NewNop(), nil)
		action, err := r.HandleEvent(ctx, Event{Type: EventDelete, Observable: observable("x", "url", "")})
		require.NoError(t, err)
		assert.Equal(t, ActionSkip, action)
	})

	t.Run("should reject unknown event types", func(t *testing.T) {
		r := NewReconciler(newFakeRemote(), zap.NewNop(), nil)
		_, err := r.HandleEvent(ctx, Event{Type: "merge"})
		assert.Error(t, err)
	})
}
