package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/ctibridge/api/schemas"
	"github.com/xkilldash9x/ctibridge/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Work unit statuses.
const (
	WorkInProgress = "in_progress"
	WorkComplete   = "complete"
)

// ErrWorkNotFound is returned when completing an unknown work unit.
var ErrWorkNotFound = errors.New("work unit not found")

// Schema creates the tables the store writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS connector_state (
    connector  TEXT PRIMARY KEY,
    state      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS works (
    id           UUID PRIMARY KEY,
    connector    TEXT NOT NULL,
    name         TEXT NOT NULL,
    status       TEXT NOT NULL,
    message      TEXT NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS bundles (
    id           TEXT PRIMARY KEY,
    work_id      TEXT NOT NULL,
    object_count INTEGER NOT NULL,
    received_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS bundle_objects (
    bundle_id TEXT NOT NULL,
    object_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS cti_objects (
    id         TEXT PRIMARY KEY,
    type       TEXT NOT NULL,
    body       JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    last_seen  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS cti_relationships (
    id                TEXT PRIMARY KEY,
    relationship_type TEXT NOT NULL,
    source_ref        TEXT NOT NULL,
    target_ref        TEXT NOT NULL,
    body              JSONB NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL,
    last_seen         TIMESTAMPTZ NOT NULL
);
`

const (
	sqlSelectState = `SELECT state FROM connector_state WHERE connector = $1`
	sqlUpsertState = `
        INSERT INTO connector_state (connector, state, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (connector) DO UPDATE SET
            state = EXCLUDED.state,
            updated_at = EXCLUDED.updated_at;
    `
	sqlInsertWork = `
        INSERT INTO works (id, connector, name, status, started_at)
        VALUES ($1, $2, $3, $4, $5);
    `
	sqlCompleteWork = `
        UPDATE works SET status = $1, message = $2, completed_at = $3
        WHERE id = $4;
    `
	sqlInsertBundle = `
        INSERT INTO bundles (id, work_id, object_count, received_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (id) DO NOTHING;
    `
	sqlUpsertObject = `
        INSERT INTO cti_objects (id, type, body, created_at, last_seen)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (id) DO UPDATE SET
            type = EXCLUDED.type,
            body = EXCLUDED.body,
            last_seen = EXCLUDED.last_seen;
    `
	sqlUpsertRelationship = `
        INSERT INTO cti_relationships (id, relationship_type, source_ref, target_ref, body, created_at, last_seen)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE SET
            relationship_type = EXCLUDED.relationship_type,
            source_ref = EXCLUDED.source_ref,
            target_ref = EXCLUDED.target_ref,
            body = EXCLUDED.body,
            last_seen = EXCLUDED.last_seen;
    `
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Store is the PostgreSQL platform backend. Bundles are persisted as upserted
// objects and relationships, so resubmitting the same content is idempotent.
type Store struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

var _ schemas.Platform = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
		now:  time.Now,
	}, nil
}

// Connect opens a connection pool, verifies it and ensures the schema exists.
func Connect(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates any missing table.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// GetState implements schemas.StateStore.
func (s *Store) GetState(ctx context.Context, connector string) (*schemas.SyncState, error) {
	var data []byte
	if err := s.pool.QueryRow(ctx, sqlSelectState, connector).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state of %s: %w", connector, err)
	}
	return schemas.DecodeState(data)
}

// SetState implements schemas.StateStore.
func (s *Store) SetState(ctx context.Context, connector string, state schemas.SyncState) error {
	data, err := schemas.EncodeState(state)
	if err != nil {
		return fmt.Errorf("failed to encode state of %s: %w", connector, err)
	}
	if _, err := s.pool.Exec(ctx, sqlUpsertState, connector, data, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to write state of %s: %w", connector, err)
	}
	return nil
}

// InitiateWork implements schemas.WorkTracker.
func (s *Store) InitiateWork(ctx context.Context, connector, friendlyName string) (string, error) {
	id := uuid.NewString()
	if _, err := s.pool.Exec(ctx, sqlInsertWork, id, connector, friendlyName, WorkInProgress, s.now().UTC()); err != nil {
		return "", fmt.Errorf("failed to record work %q: %w", friendlyName, err)
	}
	return id, nil
}

// CompleteWork implements schemas.WorkTracker.
func (s *Store) CompleteWork(ctx context.Context, workID, message string) error {
	tag, err := s.pool.Exec(ctx, sqlCompleteWork, WorkComplete, message, s.now().UTC(), workID)
	if err != nil {
		return fmt.Errorf("failed to complete work %s: %w", workID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrWorkNotFound, workID)
	}
	return nil
}

// relationshipRefs is the part of a relationship body indexed in its own columns.
type relationshipRefs struct {
	RelationshipType string `json:"relationship_type"`
	SourceRef        string `json:"source_ref"`
	TargetRef        string `json:"target_ref"`
}

// SendBundle implements schemas.BundleSender. The bundle, its membership and
// every object are written in one transaction.
func (s *Store) SendBundle(ctx context.Context, workID string, b *schemas.Bundle) error {
	if b == nil {
		return fmt.Errorf("cannot persist a nil bundle")
	}
	objects := b.Objects()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	now := s.now().UTC()
	if _, err := tx.Exec(ctx, sqlInsertBundle, b.ID(), workID, len(objects), now); err != nil {
		return fmt.Errorf("failed to record bundle %s: %w", b.ID(), err)
	}
	if err := s.persistMembership(ctx, tx, b.ID(), objects); err != nil {
		return err
	}
	if err := s.persistObjects(ctx, tx, objects, now); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Bundle persisted", zap.String("bundle_id", b.ID()), zap.String("work_id", workID), zap.Int("objects", len(objects)))
	return nil
}

func (s *Store) persistMembership(ctx context.Context, tx pgx.Tx, bundleID string, objects []schemas.Object) error {
	if len(objects) == 0 {
		return nil
	}
	rows := make([][]any, len(objects))
	for i, o := range objects {
		rows[i] = []any{bundleID, o.ObjectID()}
	}
	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"bundle_objects"}, []string{"bundle_id", "object_id"}, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy bundle membership: %w", err)
	}
	if int(copyCount) != len(objects) {
		return fmt.Errorf("mismatch in copied membership count: expected %d, got %d", len(objects), copyCount)
	}
	return nil
}

func (s *Store) persistObjects(ctx context.Context, tx pgx.Tx, objects []schemas.Object, now time.Time) error {
	if len(objects) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, o := range objects {
		body, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("failed to encode object %s: %w", o.ObjectID(), err)
		}
		if o.ObjectType() != "relationship" {
			batch.Queue(sqlUpsertObject, o.ObjectID(), o.ObjectType(), body, now, now)
			continue
		}
		var refs relationshipRefs
		if err := json.Unmarshal(body, &refs); err != nil {
			return fmt.Errorf("failed to read relationship %s: %w", o.ObjectID(), err)
		}
		batch.Queue(sqlUpsertRelationship, o.ObjectID(), refs.RelationshipType, refs.SourceRef, refs.TargetRef, body, now, now)
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	for i := range objects {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert object %s (index %d): %w", objects[i].ObjectID(), i, err)
		}
	}
	return nil
}
