package knowledgegraph

import (
	"fmt"

	"github.com/xkilldash9x/ctibridge/api/schemas"
	"go.uber.org/zap"
)

// DocumentGraph accumulates the nodes and edges produced for a single source
// document. Membership is de-duplicated by stable id and insertion order is
// preserved, which is the order objects are later written into the bundle.
//
// A DocumentGraph is owned by one document's processing and is not safe for
// concurrent use.
type DocumentGraph struct {
	order         []string
	nodes         map[string]schemas.Node
	edges         map[string]schemas.Edge
	outgoingEdges map[string][]string // Key: node ID, Value: edge IDs
	log           *zap.Logger
}

// NewDocumentGraph creates an empty graph.
func NewDocumentGraph(logger *zap.Logger) *DocumentGraph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentGraph{
		nodes:         make(map[string]schemas.Node),
		edges:         make(map[string]schemas.Edge),
		outgoingEdges: make(map[string][]string),
		log:           logger.Named("DocumentGraph"),
	}
}

// AddNode adds a node. It returns false when a node with the same id is
// already a member; the first occurrence wins.
func (g *DocumentGraph) AddNode(node schemas.Node) bool {
	if _, exists := g.nodes[node.ID]; exists {
		return false
	}
	g.nodes[node.ID] = node
	g.order = append(g.order, node.ID)
	g.log.Debug("Node added", zap.String("id", node.ID), zap.String("kind", string(node.Kind)))
	return true
}

// AddEdge adds an edge after validating that both endpoints are members.
// Adding an edge that is already a member is a no-op.
func (g *DocumentGraph) AddEdge(edge schemas.Edge) error {
	if _, exists := g.nodes[edge.SourceID]; !exists {
		return fmt.Errorf("source node with id '%s' not found for edge", edge.SourceID)
	}
	if _, exists := g.nodes[edge.TargetID]; !exists {
		return fmt.Errorf("target node with id '%s' not found for edge", edge.TargetID)
	}
	if _, exists := g.edges[edge.ID]; exists {
		return nil
	}

	g.edges[edge.ID] = edge
	g.outgoingEdges[edge.SourceID] = append(g.outgoingEdges[edge.SourceID], edge.ID)
	g.order = append(g.order, edge.ID)
	g.log.Debug("Edge added",
		zap.String("id", edge.ID),
		zap.String("kind", string(edge.Kind)),
		zap.String("source", edge.SourceID),
		zap.String("target", edge.TargetID),
	)
	return nil
}

// Len returns the number of member objects.
func (g *DocumentGraph) Len() int { return len(g.order) }

// IDs returns the ids of all members in insertion order.
func (g *DocumentGraph) IDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Objects returns all members in insertion order.
func (g *DocumentGraph) Objects() []schemas.Object {
	out := make([]schemas.Object, 0, len(g.order))
	for _, id := range g.order {
		if n, ok := g.nodes[id]; ok {
			out = append(out, n)
			continue
		}
		out = append(out, g.edges[id])
	}
	return out
}

// Node returns a member node by id.
func (g *DocumentGraph) Node(id string) (schemas.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Edges returns every member edge of the given kind in insertion order.
func (g *DocumentGraph) Edges(kind schemas.RelationshipKind) []schemas.Edge {
	var out []schemas.Edge
	for _, id := range g.order {
		if e, ok := g.edges[id]; ok && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Neighbors returns the nodes reachable over one outgoing edge from nodeID.
func (g *DocumentGraph) Neighbors(nodeID string) ([]schemas.Node, error) {
	if _, ok := g.nodes[nodeID]; !ok {
		return nil, fmt.Errorf("node with id '%s' not found", nodeID)
	}
	edgeIDs := g.outgoingEdges[nodeID]
	neighbors := make([]schemas.Node, 0, len(edgeIDs))
	for _, edgeID := range edgeIDs {
		edge := g.edges[edgeID]
		if n, ok := g.nodes[edge.TargetID]; ok {
			neighbors = append(neighbors, n)
		}
	}
	return neighbors, nil
}
