package schemas

import (
	"context"
)

// -- Platform Collaborator Interfaces --

// BundleSender accepts assembled bundles for ingestion by the central platform.
// The platform is responsible for idempotent merging on its side.
type BundleSender interface {
	// SendBundle submits one bundle as part of the given work unit.
	SendBundle(ctx context.Context, workID string, bundle *Bundle) error
}

// StateStore persists the small per-connector SyncState between runs.
type StateStore interface {
	// GetState returns the stored state, or nil when the connector never ran.
	GetState(ctx context.Context, connector string) (*SyncState, error)
	// SetState replaces the stored state.
	SetState(ctx context.Context, connector string, state SyncState) error
}

// WorkTracker records the lifecycle of one run on the platform.
type WorkTracker interface {
	// InitiateWork opens a work unit and returns its identifier.
	InitiateWork(ctx context.Context, connector, friendlyName string) (string, error)
	// CompleteWork marks a work unit as processed.
	CompleteWork(ctx context.Context, workID, message string) error
}

// Platform is the full outbound platform contract used by forward connectors.
type Platform interface {
	BundleSender
	StateStore
	WorkTracker
	Close() error
}

// -- Remote Security Product Interface --

// RemoteIndicatorAPI is the REST surface of the external security product that
// receives locally-derived indicators.
type RemoteIndicatorAPI interface {
	// Search returns the remote records whose externalId equals the given id.
	Search(ctx context.Context, externalID string) ([]RemoteIndicatorRecord, error)
	// List returns every remote record visible to this integration.
	List(ctx context.Context) ([]RemoteIndicatorRecord, error)
	// Create registers a new remote indicator for the observable.
	Create(ctx context.Context, obs Observable) (*RemoteIndicatorRecord, error)
	// Update replaces the remote indicator's content in place.
	Update(ctx context.Context, remoteID string, obs Observable) error
	// Delete removes the remote indicator.
	Delete(ctx context.Context, remoteID string) error
}
