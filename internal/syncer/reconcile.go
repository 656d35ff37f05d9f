// File: internal/syncer/reconcile.go
package syncer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/ctibridge/api/schemas"
	"github.com/xkilldash9x/ctibridge/internal/network"
	"github.com/xkilldash9x/ctibridge/internal/observability"
)

// Action is a reconciliation decision for one candidate.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionSkip   Action = "skip"
)

// EventType names a platform-side lifecycle event for an observable.
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is a single streamed change to a platform observable.
type Event struct {
	Type       EventType          `json:"type"`
	Observable schemas.Observable `json:"data"`
}

// ReconcileResult tallies the outcome of one batch reconciliation.
type ReconcileResult struct {
	Created int
	Updated int
	Deleted int
	Skipped int
	Failed  int
}

// Reconciler keeps the remote product's indicator set aligned with the local
// candidate set. Every candidate is handled independently; a failure on one
// is logged and counted, and the batch continues.
type Reconciler struct {
	api     schemas.RemoteIndicatorAPI
	log     *zap.Logger
	metrics *observability.Metrics
}

// NewReconciler creates a reconciler over the given remote API.
func NewReconciler(api schemas.RemoteIndicatorAPI, logger *zap.Logger, metrics *observability.Metrics) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		api:     api,
		log:     logger.Named("reconciler"),
		metrics: metrics,
	}
}

// Reconcile creates or updates a remote indicator for every candidate. With
// prune set, remote records whose external id matches no candidate are
// deleted. Only cancellation and authentication failures abort the batch.
func (r *Reconciler) Reconcile(ctx context.Context, candidates []schemas.Observable, prune bool) (ReconcileResult, error) {
	var res ReconcileResult
	local := make(map[string]struct{}, len(candidates))

	for _, obs := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		externalID := obs.ExternalID()
		local[externalID] = struct{}{}

		action, err := r.upsert(ctx, obs)
		if IsFatal(err) {
			return res, err
		}
		res.count(action, err)
	}

	if !prune {
		return res, nil
	}

	remote, err := r.api.List(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list remote indicators for pruning: %w", err)
	}
	for _, rec := range remote {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, ok := local[rec.ExternalID]; ok || rec.ExternalID == "" {
			continue
		}
		err := r.delete(ctx, rec)
		if IsFatal(err) {
			return res, err
		}
		res.count(ActionDelete, err)
	}
	return res, nil
}

// HandleEvent applies one streamed change. Create and update events upsert;
// delete events remove every remote record carrying the observable's id.
func (r *Reconciler) HandleEvent(ctx context.Context, ev Event) (Action, error) {
	switch ev.Type {
	case EventCreate, EventUpdate:
		return r.upsert(ctx, ev.Observable)
	case EventDelete:
		externalID := ev.Observable.ExternalID()
		matches, err := r.api.Search(ctx, externalID)
		if err != nil {
			r.log.Error("Failed to search remote indicators", zap.String("external_id", externalID), zap.Error(err))
			return ActionDelete, err
		}
		if len(matches) == 0 {
			r.log.Debug("Nothing to delete", zap.String("external_id", externalID))
			return ActionSkip, nil
		}
		var errs []error
		for _, rec := range matches {
			errs = append(errs, r.delete(ctx, rec))
		}
		return ActionDelete, errors.Join(errs...)
	default:
		return ActionSkip, fmt.Errorf("unknown event type %q", ev.Type)
	}
}

func (r *Reconciler) upsert(ctx context.Context, obs schemas.Observable) (Action, error) {
	externalID := obs.ExternalID()
	log := r.log.With(zap.String("external_id", externalID), zap.String("observable_type", obs.Type))

	matches, err := r.api.Search(ctx, externalID)
	if err != nil {
		log.Error("Failed to search remote indicators", zap.Error(err))
		return ActionSkip, err
	}

	if len(matches) == 0 {
		rec, err := r.api.Create(ctx, obs)
		if errors.Is(err, schemas.ErrUnsupportedObservable) {
			log.Debug("Observable type not supported remotely, skipping")
			return ActionSkip, nil
		}
		r.metrics.ObserveReconcile(string(ActionCreate), err)
		if err != nil {
			log.Error("Failed to create remote indicator", zap.Error(err))
			return ActionCreate, err
		}
		remoteID := ""
		if rec != nil {
			remoteID = rec.RemoteID
		}
		log.Info("Created remote indicator", zap.String("remote_id", remoteID))
		return ActionCreate, nil
	}

	if len(matches) > 1 {
		log.Warn("Multiple remote indicators share an external id, updating the first", zap.Int("matches", len(matches)))
	}
	remoteID := matches[0].RemoteID
	err = r.api.Update(ctx, remoteID, obs)
	if errors.Is(err, schemas.ErrUnsupportedObservable) {
		log.Debug("Observable type not supported remotely, skipping")
		return ActionSkip, nil
	}
	r.metrics.ObserveReconcile(string(ActionUpdate), err)
	if err != nil {
		log.Error("Failed to update remote indicator", zap.String("remote_id", remoteID), zap.Error(err))
		return ActionUpdate, err
	}
	log.Info("Updated remote indicator", zap.String("remote_id", remoteID))
	return ActionUpdate, nil
}

func (r *Reconciler) delete(ctx context.Context, rec schemas.RemoteIndicatorRecord) error {
	err := r.api.Delete(ctx, rec.RemoteID)
	r.metrics.ObserveReconcile(string(ActionDelete), err)
	if err != nil {
		r.log.Error("Failed to delete remote indicator",
			zap.String("external_id", rec.ExternalID),
			zap.String("remote_id", rec.RemoteID),
			zap.Error(err),
		)
		return err
	}
	r.log.Info("Deleted remote indicator", zap.String("external_id", rec.ExternalID), zap.String("remote_id", rec.RemoteID))
	return nil
}

func (res *ReconcileResult) count(action Action, err error) {
	if err != nil {
		res.Failed++
		return
	}
	switch action {
	case ActionCreate:
		res.Created++
	case ActionUpdate:
		res.Updated++
	case ActionDelete:
		res.Deleted++
	default:
		res.Skipped++
	}
}

// IsFatal reports errors that end a run or batch instead of being isolated to
// one item: cancellation and authentication failures.
func IsFatal(err error) bool {
	return err != nil && (errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, network.ErrAuthentication))
}
