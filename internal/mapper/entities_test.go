package mapper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/ctibridge/api/schemas"
	"github.com/xkilldash9x/ctibridge/internal/knowledgegraph"
)

const testAuthor = "identity--11111111-2222-3333-4444-555555555555"

var published = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

// stubScorer returns fixed scores per value and records every lookup.
type stubScorer struct {
	scores map[string]int
	err    error
	calls  []string
}

func (s *stubScorer) Score(_ context.Context, _ EntityType, value string) (int, error) {
	s.calls = append(s.calls, value)
	if s.err != nil {
		return 0, s.err
	}
	if v, ok := s.scores[value]; ok {
		return v, nil
	}
	return 0, ErrNoScore
}

func entities(pairs ...string) []RelatedEntity {
	out := make([]RelatedEntity, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, RelatedEntity{Type: EntityType(pairs[i]), Description: pairs[i+1]})
	}
	return out
}

func countEdges(g *knowledgegraph.DocumentGraph, kind schemas.RelationshipKind) int {
	return len(g.Edges(kind))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	t.Run("should place dual-role kinds in both buckets", func(t *testing.T) {
		assert.Equal(t, []Role{RoleThreat, RoleUser}, Classify(schemas.KindIntrusionSet))
		assert.Equal(t, []Role{RoleThreat, RoleUsed}, Classify(schemas.KindMalware))
	})

	t.Run("should leave identities out of every bucket", func(t *testing.T) {
		assert.Empty(t, Classify(schemas.KindOrganization))
		assert.Empty(t, Classify(schemas.KindIndividual))
	})

	t.Run("should classify observables and indicators", func(t *testing.T) {
		assert.Equal(t, []Role{RoleObservable}, Classify(schemas.KindHostname))
		assert.Equal(t, []Role{RoleIndicator}, Classify(schemas.KindIndicator))
	})

	t.Run("should map every queried entity type", func(t *testing.T) {
		for _, et := range EntityTypes {
			_, ok := KindFor(et)
			assert.True(t, ok, "entity type %s", et)
		}
		_, ok := KindFor("Keyphrase")
		assert.False(t, ok)
	})
}

func TestEntityMapper_Map(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("should infer the full cross product of threats and victims", func(t *testing.T) {
		m := NewEntityMapper(nil, zap.NewNop())
		g, err := m.Map(ctx, SourceDocument{
			Entities: entities(
				"ThreatActor", "APT1",
				"ThreatActor", "APT2",
				"Country", "France",
				"Country", "Spain",
				"City", "Lyon",
			),
			Published: published,
			AuthorID:  testAuthor,
		})
		require.NoError(t, err)

		assert.Equal(t, 2*3, countEdges(g, schemas.RelTargets))
		for _, e := range g.Edges(schemas.RelTargets) {
			assert.True(t, e.StartedAt.Equal(published))
			assert.Equal(t, testAuthor, e.Attributes["created_by_ref"])
		}
	})

	t.Run("should infer uses edges from actors to malware and techniques", func(t *testing.T) {
		m := NewEntityMapper(nil, zap.NewNop())
		g, err := m.Map(ctx, SourceDocument{
			Entities: entities(
				"ThreatActor", "APT1",
				"Malware", "Emotet",
				"MitreTechnique", "T1566 - Phishing",
			),
			Published: published,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, countEdges(g, schemas.RelUses))
	})

	t.Run("should treat malware as a threat for targeting", func(t *testing.T) {
		m := NewEntityMapper(nil, zap.NewNop())
		g, err := m.Map(ctx, SourceDocument{
			Entities:  entities("Malware", "Emotet", "Vulnerability", "CVE-2024-0001"),
			Published: published,
		})
		require.NoError(t, err)
		require.Equal(t, 1, countEdges(g, schemas.RelTargets))
		assert.Equal(t, 0, countEdges(g, schemas.RelUses))
	})

	t.Run("should pair every observable with an indicator and link both to threats", func(t *testing.T) {
		m := NewEntityMapper(nil, zap.NewNop())
		g, err := m.Map(ctx, SourceDocument{
			Entities: entities(
				"ThreatActor", "APT1",
				"Domain", "evil.example",
				"IPv4", "10.0.0.1",
			),
			Published: published,
		})
		require.NoError(t, err)

		assert.Equal(t, 2, countEdges(g, schemas.RelBasedOn))
		assert.Equal(t, 2, countEdges(g, schemas.RelRelatedTo))
		assert.Equal(t, 2, countEdges(g, schemas.RelIndicates))

		for _, e := range g.Edges(schemas.RelRelatedTo) {
			src, ok := g.Node(e.SourceID)
			require.True(t, ok)
			assert.True(t, src.Kind.IsObservable(), "related-to must start at the observable")
		}
		for _, e := range g.Edges(schemas.RelIndicates) {
			src, _ := g.Node(e.SourceID)
			assert.Equal(t, schemas.KindIndicator, src.Kind)
			assert.True(t, e.StartedAt.IsZero())
		}
	})

	t.Run("should drop unknown types and empty values", func(t *testing.T) {
		m := NewEntityMapper(nil, zap.NewNop())
		g, err := m.Map(ctx, SourceDocument{
			Entities:  entities("Keyphrase", "ransomware", "Country", "  ", "Company", "Acme"),
			Published: published,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, g.Len())
	})

	t.Run("should de-duplicate repeated entities", func(t *testing.T) {
		m := NewEntityMapper(nil, zap.NewNop())
		g, err := m.Map(ctx, SourceDocument{
			Entities: entities(
				"ThreatActor", "APT1",
				"ThreatActor", "apt1",
				"Country", "France",
			),
			Published: published,
		})
		require.NoError(t, err)
		assert.Equal(t, 3, g.Len(), "two nodes and one edge")
		assert.Equal(t, 1, countEdges(g, schemas.RelTargets))
	})

	t.Run("should return an empty graph for a document without entities", func(t *testing.T) {
		m := NewEntityMapper(nil, zap.NewNop())
		g, err := m.Map(ctx, SourceDocument{Published: published})
		require.NoError(t, err)
		assert.Zero(t, g.Len())
	})

	t.Run("should score only scoreable observables", func(t *testing.T) {
		scorer := &stubScorer{scores: map[string]int{"evil.example": 87}}
		m := NewEntityMapper(scorer, zap.NewNop())
		g, err := m.Map(ctx, SourceDocument{
			Entities:  entities("Malware", "Emotet", "Domain", "evil.example", "Email", "a@b.example"),
			Published: published,
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"evil.example", "a@b.example"}, scorer.calls)

		domain, ok := g.Node(knowledgegraph.StableID("domain-name", "evil.example"))
		require.True(t, ok)
		assert.Equal(t, 87, domain.Attributes["x_opencti_score"])

		email, ok := g.Node(knowledgegraph.StableID("email-addr", "a@b.example"))
		require.True(t, ok)
		assert.Equal(t, DefaultScore, email.Attributes["x_opencti_score"])
	})

	t.Run("should degrade enrichment failures to the default score", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		scorer := &stubScorer{err: errors.New("enrichment unavailable")}
		m := NewEntityMapper(scorer, zap.New(core))

		g, err := m.Map(ctx, SourceDocument{
			Entities:  entities("IPv4", "10.0.0.1"),
			Published: published,
		})
		require.NoError(t, err)
		node, ok := g.Node(knowledgegraph.StableID("ipv4-addr", "10.0.0.1"))
		require.True(t, ok)
		assert.Equal(t, DefaultScore, node.Attributes["x_opencti_score"])
		assert.Equal(t, 1, logs.FilterMessageSnippet("default score").Len())
	})

	t.Run("should abort on cancellation", func(t *testing.T) {
		scorer := &stubScorer{err: context.Canceled}
		m := NewEntityMapper(scorer, zap.NewNop())
		_, err := m.Map(ctx, SourceDocument{
			Entities:  entities("Subdomain", "mail.evil.example"),
			Published: published,
		})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("should attach external references to observables only", func(t *testing.T) {
		refs := []schemas.ExternalReference{{SourceName: "Silobreaker", URL: "https://example.com/doc"}}
		m := NewEntityMapper(nil, zap.NewNop())
		g, err := m.Map(ctx, SourceDocument{
			Entities:           entities("Domain", "evil.example", "Malware", "Emotet"),
			Published:          published,
			ExternalReferences: refs,
		})
		require.NoError(t, err)

		domain, _ := g.Node(knowledgegraph.StableID("domain-name", "evil.example"))
		assert.Equal(t, refs, domain.Attributes["external_references"])
		malware, _ := g.Node(knowledgegraph.StableID("malware", "emotet"))
		assert.NotContains(t, malware.Attributes, "external_references")
	})
}

func TestInferEdges(t *testing.T) {
	t.Parallel()

	t.Run("should skip self pairs", func(t *testing.T) {
		b := NewBuckets()
		malware, err := knowledgegraph.MakeNode(schemas.KindMalware, "Emotet", nil)
		require.NoError(t, err)
		b.Add(malware)
		b.Add(malware)

		edges, err := InferEdges(b, published, nil)
		require.NoError(t, err)
		assert.Empty(t, edges)
		assert.Len(t, b.Get(RoleThreat), 1)
	})
}

func TestVerifyPairing(t *testing.T) {
	t.Parallel()

	domain, err := knowledgegraph.MakeNode(schemas.KindDomain, "evil.example", nil)
	require.NoError(t, err)
	malware, err := knowledgegraph.MakeNode(schemas.KindMalware, "Emotet", nil)
	require.NoError(t, err)
	indicator, basedOn, err := knowledgegraph.PairObservable(domain, nil)
	require.NoError(t, err)
	indicates, err := knowledgegraph.MakeEdge(schemas.RelIndicates, indicator.ID, malware.ID, time.Time{}, nil)
	require.NoError(t, err)

	t.Run("should accept an indicator based on a member observable", func(t *testing.T) {
		g := knowledgegraph.NewDocumentGraph(zap.NewNop())
		g.AddNode(domain)
		g.AddNode(malware)
		g.AddNode(indicator)
		require.NoError(t, g.AddEdge(indicates))
		require.NoError(t, g.AddEdge(basedOn))
		assert.NoError(t, verifyPairing(g))
	})

	t.Run("should reject an indicator that only points at threats", func(t *testing.T) {
		g := knowledgegraph.NewDocumentGraph(zap.NewNop())
		g.AddNode(malware)
		g.AddNode(indicator)
		require.NoError(t, g.AddEdge(indicates))

		err := verifyPairing(g)
		require.Error(t, err)
		assert.Contains(t, err.Error(), indicator.ID)
	})

	t.Run("should hold for every mapped document", func(t *testing.T) {
		g, err := NewEntityMapper(nil, zap.NewNop()).Map(context.Background(), SourceDocument{
			Entities:  entities("Malware", "Emotet", "Domain", "evil.example", "IPv4", "10.0.0.1", "Subdomain", "c2.example"),
			Published: published,
		})
		require.NoError(t, err)
		assert.NoError(t, verifyPairing(g))
	})
}
