// File: internal/providers/silobreaker/importer.go
package silobreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/ctibridge/api/schemas"
	"github.com/xkilldash9x/ctibridge/internal/bundle"
	"github.com/xkilldash9x/ctibridge/internal/config"
	"github.com/xkilldash9x/ctibridge/internal/mapper"
	"github.com/xkilldash9x/ctibridge/internal/syncer"
)

// ConnectorName names the connector in state, work units and metrics.
const ConnectorName = "Silobreaker"

// defaultLookback applies when neither a previous run nor a start date is known.
const defaultLookback = 30 * 24 * time.Hour

var errSubmit = errors.New("bundle submission failed")

// Importer is the Silobreaker forward connector. Each run walks every
// configured list over the days elapsed since the previous run and submits
// one bundle per reportable document.
type Importer struct {
	client    *Client
	lists     []string
	startDate time.Time
	entities  *mapper.EntityMapper
	assembler *bundle.Assembler
	log       *zap.Logger

	deltaDays int
}

// NewImporter wires the entity mapper and assembler around client.
func NewImporter(cfg config.SilobreakerConfig, client *Client, logger *zap.Logger) (*Importer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var start time.Time
	if cfg.ImportStartDate != "" {
		t, err := config.ParseDate(cfg.ImportStartDate)
		if err != nil {
			return nil, fmt.Errorf("invalid silobreaker.import_start_date: %w", err)
		}
		start = t
	}

	author, err := bundle.NewAuthor(ConnectorName, "")
	if err != nil {
		return nil, err
	}
	opts := []bundle.Option{bundle.WithSummaryLimit(cfg.SummaryLimit)}
	if cfg.AttachFiles {
		opts = append(opts, bundle.WithDownloader(client))
	}

	log := logger.Named("silobreaker")
	return &Importer{
		client:    client,
		lists:     cfg.Lists,
		startDate: start,
		entities:  mapper.NewEntityMapper(client, log),
		assembler: bundle.NewAssembler(author, log, opts...),
		log:       log,
	}, nil
}

// Name implements syncer.Job.
func (i *Importer) Name() string { return ConnectorName }

// Plan computes the run window in whole days since the previous run, or since
// the configured start date on the first run.
func (i *Importer) Plan(prev *schemas.SyncState, now time.Time) error {
	since := i.startDate
	switch {
	case prev.HasRun():
		since = *prev.LastRun
	case since.IsZero():
		since = now.Add(-defaultLookback)
	}

	i.deltaDays = int(now.Sub(since) / (24 * time.Hour))
	i.log.Info("Days to process since last run", zap.Int("delta_days", i.deltaDays))
	if i.deltaDays < 1 {
		return syncer.ErrNothingToDo
	}
	return nil
}

// Execute implements syncer.Job. A list that cannot be resolved or searched is
// logged and skipped; cancellation, authentication failures and platform
// submission failures abort the run.
func (i *Importer) Execute(ctx context.Context, run *syncer.Run) error {
	i.log.Info("Processing lists", zap.Int("lists", len(i.lists)), zap.Int("delta_days", i.deltaDays))

	for _, list := range i.lists {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := i.importList(ctx, run, list); err != nil {
			if syncer.IsFatal(err) || errors.Is(err, errSubmit) {
				return err
			}
			i.log.Error("Failed to import list, continuing", zap.String("list_concerned", list), zap.Error(err))
		}
	}
	return nil
}

func (i *Importer) importList(ctx context.Context, run *syncer.Run, list string) error {
	expression, err := i.client.ListExpression(ctx, list)
	if err != nil {
		return err
	}
	if expression == "" {
		i.log.Error("No data found for list, please check your account activation and API key",
			zap.String("list_concerned", list))
		return nil
	}

	fetch := func(ctx context.Context, page int) (syncer.Page[Document], error) {
		res, err := i.client.Search(ctx, expression, i.deltaDays, page)
		if err != nil {
			return syncer.Page[Document]{}, err
		}
		return syncer.Page[Document]{Items: res.Items, TotalCount: res.TotalCount}, nil
	}
	handle := func(ctx context.Context, page int, docs []Document) error {
		i.log.Debug("Processing page", zap.String("list", list), zap.Int("page", page), zap.Int("documents", len(docs)))
		for _, doc := range docs {
			if err := i.processDocument(ctx, run, doc); err != nil {
				return err
			}
		}
		return nil
	}

	stats, err := syncer.Paginate(ctx, i.client.PageSize(), fetch, handle, i.log.With(zap.String("list", list)))
	if err != nil {
		return err
	}
	i.log.Info("List imported",
		zap.String("list", list),
		zap.Int("requests", stats.Requests),
		zap.Int("documents", stats.Items),
		zap.Int("failed_pages", stats.Failed))
	return nil
}

// processDocument maps and submits one document. Invalid documents are logged
// and skipped.
func (i *Importer) processDocument(ctx context.Context, run *syncer.Run, doc Document) error {
	if !doc.Reportable() {
		return nil
	}
	if err := doc.Validate(); err != nil {
		i.log.Warn("Skipping invalid document", zap.Error(err))
		return nil
	}
	published, err := doc.Published()
	if err != nil {
		i.log.Warn("Skipping document", zap.String("document", doc.Description), zap.Error(err))
		return nil
	}

	graph, err := i.entities.Map(ctx, doc.source(published, i.assembler.Author().ID))
	if err != nil {
		if syncer.IsFatal(err) {
			return err
		}
		i.log.Warn("Failed to map document", zap.String("document", doc.Description), zap.Error(err))
		return nil
	}
	b, err := i.assembler.Assemble(ctx, doc.report(published), graph)
	if err != nil {
		if syncer.IsFatal(err) {
			return err
		}
		i.log.Warn("Failed to assemble document", zap.String("document", doc.Description), zap.Error(err))
		return nil
	}
	if err := run.Send(ctx, b); err != nil {
		return fmt.Errorf("%w: %w", errSubmit, err)
	}
	return nil
}
