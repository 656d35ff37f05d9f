// File: internal/platform/nats.go
package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/xkilldash9x/ctibridge/api/schemas"
	"github.com/xkilldash9x/ctibridge/internal/config"
)

// WorkIDHeader carries the work unit of a published bundle.
const WorkIDHeader = "Ctibridge-Work-Id"

// Work unit statuses.
const (
	WorkInProgress = "in_progress"
	WorkComplete   = "complete"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrWorkNotFound is returned when completing an unknown work unit.
var ErrWorkNotFound = errors.New("work unit not found")

// WorkRecord is the stored form of one work unit.
type WorkRecord struct {
	ID          string     `json:"id"`
	Connector   string     `json:"connector"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Message     string     `json:"message,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NATS is the JetStream platform backend. Bundles are published to a stream,
// connector state and work units live in two key-value buckets.
type NATS struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	stream   jetstream.Stream
	state    jetstream.KeyValue
	works    jetstream.KeyValue
	cfg      config.NATSConfig
	log      *zap.Logger
	now      func() time.Time
	nakDelay time.Duration
	ownsConn bool
}

var _ schemas.Platform = (*NATS)(nil)

// Connect dials the configured server and prepares the platform on it.
// The connection is closed by Close.
func Connect(ctx context.Context, cfg config.NATSConfig, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("platform.nats")
	opts := []nats.Option{
		nats.Name("ctibridge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	p, err := NewNATS(ctx, nc, cfg, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.ownsConn = true
	return p, nil
}

// NewNATS prepares the stream and buckets on an existing connection.
func NewNATS(ctx context.Context, nc *nats.Conn, cfg config.NATSConfig, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	subjects := []string{cfg.BundleSubject}
	if cfg.EventSubject != "" && cfg.EventSubject != cfg.BundleSubject {
		subjects = append(subjects, cfg.EventSubject)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "CTI bundles and observable events",
		Subjects:    subjects,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.Stream, err)
	}

	state, err := getOrCreateBucket(ctx, js, cfg.StateBucket, "Connector sync state", 5)
	if err != nil {
		return nil, err
	}
	works, err := getOrCreateBucket(ctx, js, cfg.WorkBucket, "Connector work units", 1)
	if err != nil {
		return nil, err
	}

	return &NATS{
		nc:       nc,
		js:       js,
		stream:   stream,
		state:    state,
		works:    works,
		cfg:      cfg,
		log:      logger.Named("platform.nats"),
		now:      time.Now,
		nakDelay: 5 * time.Second,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name, description string, history uint8) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to open bucket %s: %w", name, err)
	}
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: description,
		History:     history,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return kv, nil
}

// stateKey maps a connector name onto the key alphabet of the bucket.
func stateKey(connector string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, connector)
}

// SendBundle implements schemas.BundleSender. The bundle id doubles as the
// JetStream message id so a retried publish is deduplicated by the server.
func (p *NATS) SendBundle(ctx context.Context, workID string, b *schemas.Bundle) error {
	data, err := schemas.EncodeBundle(b)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(p.cfg.BundleSubject)
	msg.Data = data
	msg.Header.Set(WorkIDHeader, workID)

	ack, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(b.ID()))
	if err != nil {
		return fmt.Errorf("failed to publish bundle %s: %w", b.ID(), err)
	}
	p.log.Debug("Bundle published",
		zap.String("bundle_id", b.ID()),
		zap.String("work_id", workID),
		zap.Uint64("seq", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate))
	return nil
}

// GetState implements schemas.StateStore.
func (p *NATS) GetState(ctx context.Context, connector string) (*schemas.SyncState, error) {
	entry, err := p.state.Get(ctx, stateKey(connector))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state of %s: %w", connector, err)
	}
	return schemas.DecodeState(entry.Value())
}

// SetState implements schemas.StateStore.
func (p *NATS) SetState(ctx context.Context, connector string, state schemas.SyncState) error {
	data, err := schemas.EncodeState(state)
	if err != nil {
		return fmt.Errorf("failed to encode state of %s: %w", connector, err)
	}
	if _, err := p.state.Put(ctx, stateKey(connector), data); err != nil {
		return fmt.Errorf("failed to write state of %s: %w", connector, err)
	}
	return nil
}

// InitiateWork implements schemas.WorkTracker.
func (p *NATS) InitiateWork(ctx context.Context, connector, friendlyName string) (string, error) {
	rec := WorkRecord{
		ID:        uuid.NewString(),
		Connector: connector,
		Name:      friendlyName,
		Status:    WorkInProgress,
		StartedAt: p.now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if _, err := p.works.Create(ctx, rec.ID, data); err != nil {
		return "", fmt.Errorf("failed to record work %q: %w", friendlyName, err)
	}
	return rec.ID, nil
}

// CompleteWork implements schemas.WorkTracker.
func (p *NATS) CompleteWork(ctx context.Context, workID, message string) error {
	entry, err := p.works.Get(ctx, workID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrWorkNotFound, workID)
		}
		return fmt.Errorf("failed to read work %s: %w", workID, err)
	}
	var rec WorkRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return fmt.Errorf("corrupt work record %s: %w", workID, err)
	}
	done := p.now().UTC()
	rec.Status = WorkComplete
	rec.Message = message
	rec.CompletedAt = &done

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := p.works.Update(ctx, workID, data, entry.Revision()); err != nil {
		return fmt.Errorf("failed to complete work %s: %w", workID, err)
	}
	return nil
}

// Work returns the stored record of a work unit.
func (p *NATS) Work(ctx context.Context, workID string) (*WorkRecord, error) {
	entry, err := p.works.Get(ctx, workID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkNotFound, workID)
		}
		return nil, err
	}
	var rec WorkRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("corrupt work record %s: %w", workID, err)
	}
	return &rec, nil
}

// Close drains the connection when the platform dialed it.
func (p *NATS) Close() error {
	if !p.ownsConn || p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
