// File: internal/providers/threatmatch/importer.go
package threatmatch

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

const (
	// ConnectorName names the connector in state, work units and metrics.
	ConnectorName = "ThreatMatch"

	authorName        = "Security Alliance"
	authorDescription = "Security Alliance is a cyber threat intelligence product and services company, formed in 2007."

	// DefaultDateSince is the listing start when neither a previous run nor a
	// configured import date exists.
	DefaultDateSince = "2010-01-01 00:00"
	dateSinceLayout  = "2006-01-02 15:04"
	watermarkLayout  = "2006-01-02T15:04:05.000Z"
)

var errSubmit = errors.New("bundle submission failed")

// Importer is the ThreatMatch forward connector. Profiles and alerts are
// imported item by item; indicators are followed through the TAXII feed and
// their watermark is persisted as the run cursor.
type Importer struct {
	client    *Client
	cfg       config.ThreatMatchConfig
	corrector *mapper.Corrector
	assembler *bundle.Assembler
	log       *zap.Logger
}

// NewImporter creates the connector around client.
func NewImporter(cfg config.ThreatMatchConfig, client *Client, logger *zap.Logger) (*Importer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ImportFromDate != "" {
		if _, err := time.Parse(dateSinceLayout, cfg.ImportFromDate); err != nil {
			return nil, fmt.Errorf("invalid threatmatch.import_from_date: %w", err)
		}
	}
	author, err := bundle.NewAuthor(authorName, authorDescription)
	if err != nil {
		return nil, err
	}
	log := logger.Named("threatmatch")
	return &Importer{
		client:    client,
		cfg:       cfg,
		corrector: mapper.NewCorrector(author.ID, log),
		assembler: bundle.NewAssembler(author, log),
		log:       log,
	}, nil
}

// Name implements syncer.Job.
func (i *Importer) Name() string { return ConnectorName }

// Plan skips the run when the previous one is more recent than the interval
// minus one minute.
func (i *Importer) Plan(prev *schemas.SyncState, now time.Time) error {
	if !prev.HasRun() || i.cfg.Interval <= time.Minute {
		return nil
	}
	if elapsed := now.Sub(*prev.LastRun); elapsed <= i.cfg.Interval-time.Minute {
		i.log.Info("Connector will not run yet",
			zap.Duration("elapsed", elapsed),
			zap.Duration("next_run_in", i.cfg.Interval-elapsed))
		return syncer.ErrNothingToDo
	}
	return nil
}

// DateSince is the listing start of a run: the previous run, else the
// configured import date, else DefaultDateSince.
func (i *Importer) DateSince(prev *schemas.SyncState) string {
	switch {
	case prev.HasRun():
		return prev.LastRun.UTC().Format(dateSinceLayout)
	case i.cfg.ImportFromDate != "":
		return i.cfg.ImportFromDate
	default:
		return DefaultDateSince
	}
}

// Execute implements syncer.Job. A section that fails is logged and the next
// one runs; cancellation, authentication and submission failures abort.
func (i *Importer) Execute(ctx context.Context, run *syncer.Run) error {
	since := i.DateSince(run.Previous)
	i.log.Info("Importing", zap.String("date_since", since))

	sections := []struct {
		name    string
		enabled bool
		fn      func(context.Context, *syncer.Run, string) error
	}{
		{CollectionProfiles, i.cfg.ImportProfiles, i.collectionImporter(CollectionProfiles)},
		{CollectionAlerts, i.cfg.ImportAlerts, i.collectionImporter(CollectionAlerts)},
		{"indicators", i.cfg.ImportIOCs, i.importIndicators},
	}
	for _, s := range sections {
		if !s.enabled {
			continue
		}
		if err := s.fn(ctx, run, since); err != nil {
			if syncer.IsFatal(err) || errors.Is(err, errSubmit) {
				return err
			}
			i.log.Error("Failed to import section, continuing", zap.String("section", s.name), zap.Error(err))
		}
	}
	return nil
}

func (i *Importer) collectionImporter(collection string) func(context.Context, *syncer.Run, string) error {
	return func(ctx context.Context, run *syncer.Run, since string) error {
		listing, err := i.client.ListAll(ctx, collection, since)
		if err != nil {
			return err
		}
		if listing.Objects != nil {
			return i.submit(ctx, run, listing.Objects)
		}

		for _, id := range listing.IDs {
			objects, err := i.client.Item(ctx, collection, id)
			if err != nil {
				if syncer.IsFatal(err) {
					return err
				}
				i.log.Error("Could not fetch item", zap.String("collection", collection), zap.String("item", id), zap.Error(err))
				continue
			}
			if err := i.submit(ctx, run, objects); err != nil {
				return err
			}
		}
		i.log.Info("Collection imported", zap.String("collection", collection), zap.Int("items", len(listing.IDs)))
		return nil
	}
}

// importIndicators follows the TAXII indicator feed from the stored cursor,
// or from since on the first run, and records the watermark reached.
func (i *Importer) importIndicators(ctx context.Context, run *syncer.Run, since string) error {
	groupID, err := i.client.GroupID(ctx)
	if err != nil {
		return err
	}

	start := run.Cursor()
	if start == "" {
		t, err := time.Parse(dateSinceLayout, since)
		if err != nil {
			return fmt.Errorf("invalid date since %q: %w", since, err)
		}
		start = t.Format(watermarkLayout)
	}

	fetch := func(ctx context.Context, watermark string) (syncer.CursorPage[schemas.STIXObject], error) {
		return i.client.Indicators(ctx, groupID, watermark)
	}
	handle := func(ctx context.Context, objects []schemas.STIXObject) error {
		return i.submit(ctx, run, objects)
	}

	reached, err := syncer.FollowCursor(ctx, start, fetch, handle, i.log.With(zap.String("group", groupID)))
	run.SetCursor(reached)
	if err != nil {
		return err
	}
	i.log.Info("Indicators imported", zap.String("watermark", reached))
	return nil
}

// submit corrects one list or item and sends it as a single bundle.
func (i *Importer) submit(ctx context.Context, run *syncer.Run, objects []schemas.STIXObject) error {
	b := i.assembler.FromSTIX(i.corrector.Correct(objects))
	if err := run.Send(ctx, b); err != nil {
		return fmt.Errorf("%w: %w", errSubmit, err)
	}
	return nil
}
