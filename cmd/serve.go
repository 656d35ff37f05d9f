// File: cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/ctibridge/internal/observability"
	"github.com/xkilldash9x/ctibridge/internal/platform"
	"github.com/xkilldash9x/ctibridge/internal/syncer"
)

// eventSource is a platform that streams observable events.
type eventSource interface {
	ConsumeEvents(ctx context.Context, handle platform.EventHandler) error
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run every enabled connector on its interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			if !cfg.Silobreaker.Enabled && !cfg.ThreatMatch.Enabled && !cfg.Sentinel.Enabled {
				return errors.New("no connector is enabled")
			}

			comps, err := initializeComponents(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer comps.Shutdown()

			listener, err := net.Listen("tcp", cfg.Serve.MetricsAddr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Serve.MetricsAddr, err)
			}
			return serve(ctx, comps, listener)
		},
	}
	cmd.Flags().String("metrics-addr", "", "address of the /metrics endpoint")
	_ = v.BindPFlag("serve.metrics_addr", cmd.Flags().Lookup("metrics-addr"))
	return cmd
}

// serve runs the enabled connectors and the metrics endpoint until ctx is done.
// Each connector runs in its own goroutine; its runs never overlap.
func serve(ctx context.Context, comps *components, listener net.Listener) error {
	cfg, logger := comps.cfg, comps.logger
	defer listener.Close()

	var runners []func(context.Context) error
	driver := comps.driver()
	if cfg.Silobreaker.Enabled {
		job, err := comps.silobreakerJob()
		if err != nil {
			return err
		}
		runners = append(runners, func(ctx context.Context) error { return driver.Loop(ctx, job, cfg.Silobreaker.Interval) })
	}
	if cfg.ThreatMatch.Enabled {
		job, err := comps.threatmatchJob()
		if err != nil {
			return err
		}
		runners = append(runners, func(ctx context.Context) error { return driver.Loop(ctx, job, cfg.ThreatMatch.Interval) })
	}
	if cfg.Sentinel.Enabled {
		reconciler, err := comps.reconciler()
		if err != nil {
			return err
		}
		source, ok := comps.platform.(eventSource)
		if !ok {
			return fmt.Errorf("the %s platform does not stream observable events", cfg.Platform.Backend)
		}
		runners = append(runners, func(ctx context.Context) error {
			return source.ConsumeEvents(ctx, func(ctx context.Context, ev syncer.Event) error {
				action, err := reconciler.HandleEvent(ctx, ev)
				if err != nil {
					return err
				}
				logger.Debug("Event handled", zap.String("observable", ev.Observable.ID), zap.String("action", string(action)))
				return nil
			})
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(comps.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		logger.Info("Serving metrics", zap.String("addr", listener.Addr().String()))
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	for _, run := range runners {
		g.Go(func() error { return run(gctx) })
	}

	err := g.Wait()
	if err == nil {
		logger.Info("Shutting down")
	}
	return err
}
