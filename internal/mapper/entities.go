// File: internal/mapper/entities.go
package mapper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/ctibridge/api/schemas"
	"github.com/xkilldash9x/ctibridge/internal/knowledgegraph"
)

// DefaultScore is used whenever no usable risk score can be obtained.
const DefaultScore = 50

// ErrNoScore signals that the enrichment lookup succeeded but returned nothing usable.
var ErrNoScore = errors.New("no risk score available")

// Scorer resolves a risk score for one entity.
type Scorer interface {
	Score(ctx context.Context, entityType EntityType, value string) (int, error)
}

// RelatedEntity is one entity a provider extracted from a document.
type RelatedEntity struct {
	Type        EntityType `json:"Type"`
	Description string     `json:"Description"`
}

// SourceDocument is the provider-independent input of the entity mapper.
type SourceDocument struct {
	Entities           []RelatedEntity
	Published          time.Time
	AuthorID           string
	ExternalReferences []schemas.ExternalReference
}

// EntityMapper converts the related entities of a source document into a
// de-duplicated document graph with inferred relationships.
type EntityMapper struct {
	scorer Scorer
	log    *zap.Logger
}

// NewEntityMapper creates a mapper. A nil scorer disables enrichment.
func NewEntityMapper(scorer Scorer, logger *zap.Logger) *EntityMapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntityMapper{
		scorer: scorer,
		log:    logger.Named("EntityMapper"),
	}
}

// Map builds the document graph. Unknown entity types are dropped silently and
// enrichment failures degrade to DefaultScore; only context cancellation
// aborts the mapping. An empty graph means the document yields no bundle.
func (m *EntityMapper) Map(ctx context.Context, doc SourceDocument) (*knowledgegraph.DocumentGraph, error) {
	graph := knowledgegraph.NewDocumentGraph(m.log)
	buckets := NewBuckets()

	common := schemas.Properties{
		"object_marking_refs": []string{schemas.TLPGreenMarkingID},
	}
	if doc.AuthorID != "" {
		common["created_by_ref"] = doc.AuthorID
	}

	for _, entity := range doc.Entities {
		kind, ok := KindFor(entity.Type)
		if !ok {
			continue
		}

		score := DefaultScore
		if Scoreable(entity.Type) {
			s, err := m.score(ctx, entity)
			if err != nil {
				return nil, err
			}
			score = s
		}

		attrs := common.Clone()
		if kind.IsObservable() {
			attrs["x_opencti_score"] = score
			if len(doc.ExternalReferences) > 0 {
				attrs["external_references"] = doc.ExternalReferences
			}
		}

		node, err := knowledgegraph.MakeNode(kind, entity.Description, attrs)
		if err != nil {
			m.log.Warn("Skipping entity that cannot be mapped",
				zap.String("entity_type", string(entity.Type)),
				zap.String("entity", entity.Description),
				zap.Error(err),
			)
			continue
		}
		graph.AddNode(node)
		buckets.Add(node)

		if kind.IsObservable() {
			indicatorAttrs := common.Clone()
			indicatorAttrs["x_opencti_score"] = score
			indicator, basedOn, err := knowledgegraph.PairObservable(node, indicatorAttrs)
			if err != nil {
				return nil, fmt.Errorf("failed to pair observable %s: %w", node.ID, err)
			}
			graph.AddNode(indicator)
			if err := graph.AddEdge(basedOn); err != nil {
				return nil, err
			}
			buckets.Add(indicator)
		}
	}

	edges, err := InferEdges(buckets, doc.Published, common)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		if err := graph.AddEdge(e); err != nil {
			return nil, err
		}
	}
	if err := verifyPairing(graph); err != nil {
		return nil, err
	}
	return graph, nil
}

// verifyPairing checks that every indicator in the graph is based on an
// observable that is also a member.
func verifyPairing(graph *knowledgegraph.DocumentGraph) error {
	for _, obj := range graph.Objects() {
		indicator, ok := obj.(schemas.Node)
		if !ok || indicator.Kind != schemas.KindIndicator {
			continue
		}
		neighbors, err := graph.Neighbors(indicator.ID)
		if err != nil {
			return err
		}
		paired := false
		for _, n := range neighbors {
			if n.Kind.IsObservable() {
				paired = true
				break
			}
		}
		if !paired {
			return fmt.Errorf("indicator %s is not based on any observable in the graph", indicator.ID)
		}
	}
	return nil
}

// score performs the enrichment side lookup, degrading every failure except
// cancellation to DefaultScore.
func (m *EntityMapper) score(ctx context.Context, entity RelatedEntity) (int, error) {
	if m.scorer == nil {
		return DefaultScore, nil
	}
	s, err := m.scorer.Score(ctx, entity.Type, entity.Description)
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return 0, err
	case errors.Is(err, ErrNoScore):
		return DefaultScore, nil
	default:
		m.log.Warn("Enrichment lookup failed, using default score",
			zap.String("entity_type", string(entity.Type)),
			zap.String("entity", entity.Description),
			zap.Int("score", DefaultScore),
			zap.Error(err),
		)
		return DefaultScore, nil
	}
}
