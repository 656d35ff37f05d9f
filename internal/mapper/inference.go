package mapper

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/ctibridge/api/schemas"
	"github.com/xkilldash9x/ctibridge/internal/knowledgegraph"
)

// Buckets groups the nodes of one document by inference role. Each node
// appears at most once per bucket and buckets keep insertion order.
type Buckets struct {
	members map[Role][]schemas.Node
	seen    map[Role]map[string]bool
}

// NewBuckets creates empty buckets.
func NewBuckets() *Buckets {
	return &Buckets{
		members: make(map[Role][]schemas.Node),
		seen:    make(map[Role]map[string]bool),
	}
}

// Add files the node into every bucket its kind is classified into.
func (b *Buckets) Add(node schemas.Node) {
	for _, role := range Classify(node.Kind) {
		if b.seen[role] == nil {
			b.seen[role] = make(map[string]bool)
		}
		if b.seen[role][node.ID] {
			continue
		}
		b.seen[role][node.ID] = true
		b.members[role] = append(b.members[role], node)
	}
}

// Get returns the members of a bucket.
func (b *Buckets) Get(role Role) []schemas.Node {
	return b.members[role]
}

// inferenceRule describes one cross product. When reverse is set the edge runs
// from the right-hand bucket to the left-hand one.
type inferenceRule struct {
	left, right Role
	kind        schemas.RelationshipKind
	reverse     bool
	timed       bool
}

var inferenceRules = []inferenceRule{
	{left: RoleThreat, right: RoleVictim, kind: schemas.RelTargets, timed: true},
	{left: RoleUser, right: RoleUsed, kind: schemas.RelUses, timed: true},
	{left: RoleThreat, right: RoleObservable, kind: schemas.RelRelatedTo, reverse: true, timed: true},
	{left: RoleThreat, right: RoleIndicator, kind: schemas.RelIndicates, reverse: true},
}

// InferEdges generates the full cross product of every inference rule:
// threats x victims (targets), users x used (uses), observables x threats
// (related-to) and indicators x threats (indicates). Timed rules carry
// startedAt; indicates edges never do.
func InferEdges(b *Buckets, startedAt time.Time, attrs schemas.Properties) ([]schemas.Edge, error) {
	var edges []schemas.Edge
	for _, rule := range inferenceRules {
		var at time.Time
		if rule.timed {
			at = startedAt
		}
		for _, l := range b.Get(rule.left) {
			for _, r := range b.Get(rule.right) {
				src, dst := l.ID, r.ID
				if rule.reverse {
					src, dst = dst, src
				}
				if src == dst {
					continue
				}
				edge, err := knowledgegraph.MakeEdge(rule.kind, src, dst, at, attrs)
				if err != nil {
					return nil, fmt.Errorf("failed to infer %s edge: %w", rule.kind, err)
				}
				edges = append(edges, edge)
			}
		}
	}
	return edges, nil
}
