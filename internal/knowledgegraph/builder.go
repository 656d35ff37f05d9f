// File: internal/knowledgegraph/builder.go
package knowledgegraph

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/ctibridge/api/schemas"
)

// ErrEmptyValue is returned when a node or edge would be built without an identifying value.
var ErrEmptyValue = errors.New("identifying value must not be empty")

// observableTypeLabels maps observable kinds to the label recorded on their indicator.
var observableTypeLabels = map[schemas.NodeKind]string{
	schemas.KindDomain:       "Domain-Name",
	schemas.KindIPv4:         "IPv4-Addr",
	schemas.KindHostname:     "Hostname",
	schemas.KindEmailAddress: "Email-Addr",
}

// MakeNode builds a canonical node. The id depends only on the kind and the
// normalized value, so the same input always yields the same node id.
// Observable values are kept verbatim; names of every other kind are normalized.
func MakeNode(kind schemas.NodeKind, rawValue string, attrs schemas.Properties) (schemas.Node, error) {
	value := strings.TrimSpace(rawValue)
	if value == "" {
		return schemas.Node{}, fmt.Errorf("cannot build %s node: %w", kind, ErrEmptyValue)
	}

	node := schemas.Node{
		Kind:       kind,
		Name:       value,
		Attributes: attrs.Clone(),
	}

	switch kind {
	case schemas.KindDomain, schemas.KindIPv4, schemas.KindHostname, schemas.KindEmailAddress:
		node.ID = StableID(kind.StixType(), value)
	case schemas.KindIndicator:
		pattern, _ := node.Attributes["pattern"].(string)
		if pattern == "" {
			return schemas.Node{}, fmt.Errorf("cannot build indicator %q without a pattern: %w", value, ErrEmptyValue)
		}
		node.ID = StableID(kind.StixType(), pattern)
	case schemas.KindOrganization:
		node.ID = StableID(kind.StixType(), NormalizeName(value), "organization")
		node.Description = value
	case schemas.KindIndividual:
		node.ID = StableID(kind.StixType(), NormalizeName(value), "individual")
		node.Description = value
	case schemas.KindCountry:
		node.ID = StableID(kind.StixType(), NormalizeName(value), "Country")
		node.Description = value
	case schemas.KindCity:
		node.ID = StableID(kind.StixType(), NormalizeName(value), "City")
		node.Description = value
	case schemas.KindIntrusionSet, schemas.KindMalware, schemas.KindAttackPattern, schemas.KindVulnerability:
		node.ID = StableID(kind.StixType(), NormalizeName(value))
		node.Description = value
	default:
		return schemas.Node{}, fmt.Errorf("unknown node kind %q", kind)
	}

	if kind == schemas.KindMalware {
		if _, ok := node.Attributes["is_family"]; !ok {
			node.Attributes["is_family"] = true
		}
	}
	return node, nil
}

// MakeEdge builds a canonical relationship. A non-zero startedAt is part of the
// identity, so the same co-occurrence reported at two publication dates yields
// two distinct edges.
func MakeEdge(kind schemas.RelationshipKind, sourceID, targetID string, startedAt time.Time, attrs schemas.Properties) (schemas.Edge, error) {
	if sourceID == "" || targetID == "" {
		return schemas.Edge{}, fmt.Errorf("cannot build %s edge (%q -> %q): %w", kind, sourceID, targetID, ErrEmptyValue)
	}
	keys := []string{string(kind), sourceID, targetID}
	if !startedAt.IsZero() {
		keys = append(keys, startedAt.UTC().Format(time.RFC3339))
	}
	return schemas.Edge{
		ID:         StableID("relationship", keys...),
		Kind:       kind,
		SourceID:   sourceID,
		TargetID:   targetID,
		StartedAt:  startedAt,
		Attributes: attrs.Clone(),
	}, nil
}

// IndicatorPattern returns the detection pattern matching an observable.
func IndicatorPattern(kind schemas.NodeKind, value string) (string, error) {
	if !kind.IsObservable() {
		return "", fmt.Errorf("%s is not an observable kind", kind)
	}
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
	return fmt.Sprintf("[%s:value = '%s']", kind.StixType(), escaped), nil
}

// PairObservable builds the indicator that always accompanies an observable,
// plus the based-on edge from that indicator to the observable.
func PairObservable(observable schemas.Node, attrs schemas.Properties) (schemas.Node, schemas.Edge, error) {
	pattern, err := IndicatorPattern(observable.Kind, observable.Name)
	if err != nil {
		return schemas.Node{}, schemas.Edge{}, err
	}

	indicatorAttrs := attrs.Clone()
	indicatorAttrs["pattern"] = pattern
	indicatorAttrs["pattern_type"] = "stix"
	indicatorAttrs["x_opencti_main_observable_type"] = observableTypeLabels[observable.Kind]

	indicator, err := MakeNode(schemas.KindIndicator, observable.Name, indicatorAttrs)
	if err != nil {
		return schemas.Node{}, schemas.Edge{}, err
	}

	basedOn, err := MakeEdge(schemas.RelBasedOn, indicator.ID, observable.ID, time.Time{}, nil)
	if err != nil {
		return schemas.Node{}, schemas.Edge{}, err
	}
	return indicator, basedOn, nil
}

// ReportID derives the container id from its name and publication time.
func ReportID(name string, published time.Time) string {
	return StableID("report", NormalizeName(name), published.UTC().Format(time.RFC3339))
}
