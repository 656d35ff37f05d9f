// File: cmd/components.go
package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xkilldash9x/ctibridge/api/schemas"
	"github.com/xkilldash9x/ctibridge/internal/config"
	"github.com/xkilldash9x/ctibridge/internal/network"
	"github.com/xkilldash9x/ctibridge/internal/observability"
	"github.com/xkilldash9x/ctibridge/internal/platform"
	"github.com/xkilldash9x/ctibridge/internal/providers/sentinel"
	"github.com/xkilldash9x/ctibridge/internal/providers/silobreaker"
	"github.com/xkilldash9x/ctibridge/internal/providers/threatmatch"
	"github.com/xkilldash9x/ctibridge/internal/store"
	"github.com/xkilldash9x/ctibridge/internal/syncer"
)

// platformFactory opens the configured platform backend. Tests replace it.
var platformFactory = openPlatform

func openPlatform(ctx context.Context, pc config.PlatformConfig, logger *zap.Logger) (schemas.Platform, error) {
	switch pc.Backend {
	case config.BackendNATS:
		return platform.Connect(ctx, pc.NATS, logger)
	case config.BackendPostgres:
		return store.Connect(ctx, pc.Postgres, logger)
	default:
		return nil, fmt.Errorf("unsupported platform backend %q", pc.Backend)
	}
}

// components holds the long-lived dependencies shared by the commands.
type components struct {
	cfg        *config.Config
	logger     *zap.Logger
	registry   *prometheus.Registry
	metrics    *observability.Metrics
	httpClient *http.Client
	platform   schemas.Platform
}

// initializeComponents builds the shared HTTP client and metrics, and opens the
// platform when withPlatform is set.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger, withPlatform bool) (*components, error) {
	c := &components{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}

	metrics, err := observability.NewMetrics(c.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	c.metrics = metrics

	c.httpClient, err = network.NewClientFromConfig(cfg.Network, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP client: %w", err)
	}

	if withPlatform {
		if err := cfg.ValidateFor(config.SectionPlatform); err != nil {
			return nil, err
		}
		c.platform, err = platformFactory(ctx, cfg.Platform, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s platform: %w", cfg.Platform.Backend, err)
		}
		logger.Info("Platform connected", zap.String("backend", cfg.Platform.Backend))
	}
	return c, nil
}

// Shutdown releases the platform.
func (c *components) Shutdown() {
	if c.platform == nil {
		return
	}
	if err := c.platform.Close(); err != nil {
		c.logger.Warn("Failed to close platform", zap.Error(err))
	}
}

func (c *components) driver() *syncer.Driver {
	return syncer.NewDriver(c.platform, c.logger, syncer.WithMetrics(c.metrics))
}

func (c *components) silobreakerJob() (*silobreaker.Importer, error) {
	if err := c.cfg.ValidateFor(config.SectionSilobreaker); err != nil {
		return nil, err
	}
	client := silobreaker.NewClient(c.cfg.Silobreaker, c.cfg.Network, c.httpClient, c.logger, c.metrics)
	return silobreaker.NewImporter(c.cfg.Silobreaker, client, c.logger)
}

func (c *components) threatmatchJob() (*threatmatch.Importer, error) {
	if err := c.cfg.ValidateFor(config.SectionThreatMatch); err != nil {
		return nil, err
	}
	client := threatmatch.NewClient(c.cfg.ThreatMatch, c.cfg.Network, c.httpClient, c.logger, c.metrics)
	return threatmatch.NewImporter(c.cfg.ThreatMatch, client, c.logger)
}

func (c *components) reconciler() (*syncer.Reconciler, error) {
	if err := c.cfg.ValidateFor(config.SectionSentinel); err != nil {
		return nil, err
	}
	client := sentinel.NewClient(c.cfg.Sentinel, c.cfg.Network, c.httpClient, c.logger, c.metrics)
	return syncer.NewReconciler(client, c.logger, c.metrics), nil
}
