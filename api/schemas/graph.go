// File: api/schemas/graph.go
package schemas

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// -- Canonical Threat-Intelligence Graph Data Model --

// NodeKind identifies the canonical kind of a node in the threat-intelligence graph.
type NodeKind string

const (
	KindOrganization  NodeKind = "organization"
	KindIntrusionSet  NodeKind = "intrusion-set"
	KindMalware       NodeKind = "malware"
	KindAttackPattern NodeKind = "attack-pattern"
	KindIndividual    NodeKind = "individual"
	KindCountry       NodeKind = "country"
	KindCity          NodeKind = "city"
	KindVulnerability NodeKind = "vulnerability"
	KindDomain        NodeKind = "domain-name"
	KindIPv4          NodeKind = "ipv4-addr"
	KindHostname      NodeKind = "hostname"
	KindEmailAddress  NodeKind = "email-addr"
	KindIndicator     NodeKind = "indicator"
)

// StixType returns the wire-level object type a node of this kind serializes to.
// Identity and location kinds share a wire type and are told apart by a class attribute.
func (k NodeKind) StixType() string {
	switch k {
	case KindOrganization, KindIndividual:
		return "identity"
	case KindCountry, KindCity:
		return "location"
	default:
		return string(k)
	}
}

// IsObservable reports whether nodes of this kind are cyber observables,
// which are always paired with an indicator.
func (k NodeKind) IsObservable() bool {
	switch k {
	case KindDomain, KindIPv4, KindHostname, KindEmailAddress:
		return true
	}
	return false
}

// RelationshipKind defines the semantic type of an edge between two nodes.
type RelationshipKind string

const (
	RelTargets      RelationshipKind = "targets"       // threat -> victim
	RelUses         RelationshipKind = "uses"          // actor -> malware/technique
	RelRelatedTo    RelationshipKind = "related-to"    // observable -> threat
	RelIndicates    RelationshipKind = "indicates"     // indicator -> threat
	RelBasedOn      RelationshipKind = "based-on"      // indicator -> observable
	RelAttributedTo RelationshipKind = "attributed-to" // campaign -> actor
)

// Well-known references shared by every object the connectors emit.
const (
	// TLPGreenMarkingID is the standard TLP:GREEN marking definition.
	TLPGreenMarkingID = "marking-definition--34098fce-860f-48ae-8e50-ebd3cc5e41da"
	specVersion       = "2.1"
)

// Properties holds the extra attributes of a node or edge. Keys are written
// verbatim into the serialized object.
type Properties map[string]interface{}

// Clone returns a shallow copy of the properties map.
func (p Properties) Clone() Properties {
	if p == nil {
		return Properties{}
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Object is implemented by everything that can be placed into a Bundle.
type Object interface {
	ObjectID() string
	ObjectType() string
}

// Node is a typed entity of the canonical graph.
type Node struct {
	ID          string
	Kind        NodeKind
	Name        string
	Description string
	Attributes  Properties
}

func (n Node) ObjectID() string   { return n.ID }
func (n Node) ObjectType() string { return n.Kind.StixType() }

// MarshalJSON flattens the node into a single wire object. Observables carry
// their identifying value under "value", every other kind under "name".
func (n Node) MarshalJSON() ([]byte, error) {
	out := n.Attributes.Clone()
	out["type"] = n.Kind.StixType()
	out["spec_version"] = specVersion
	out["id"] = n.ID
	if n.Kind.IsObservable() {
		out["value"] = n.Name
	} else {
		out["name"] = n.Name
	}
	if n.Description != "" {
		out["description"] = n.Description
	}
	switch n.Kind {
	case KindOrganization:
		out["identity_class"] = "organization"
	case KindIndividual:
		out["identity_class"] = "individual"
	case KindCountry:
		out["x_opencti_location_type"] = "Country"
		out["country"] = n.Name
	case KindCity:
		out["x_opencti_location_type"] = "City"
	}
	return json.Marshal(map[string]interface{}(out))
}

// Edge is a typed, directed relationship between two nodes.
type Edge struct {
	ID         string
	Kind       RelationshipKind
	SourceID   string
	TargetID   string
	StartedAt  time.Time
	Attributes Properties
}

func (e Edge) ObjectID() string   { return e.ID }
func (e Edge) ObjectType() string { return "relationship" }

// MarshalJSON renders the edge as a relationship object.
func (e Edge) MarshalJSON() ([]byte, error) {
	out := e.Attributes.Clone()
	out["type"] = "relationship"
	out["spec_version"] = specVersion
	out["id"] = e.ID
	out["relationship_type"] = string(e.Kind)
	out["source_ref"] = e.SourceID
	out["target_ref"] = e.TargetID
	if !e.StartedAt.IsZero() {
		out["start_time"] = e.StartedAt.UTC().Format(time.RFC3339)
	}
	return json.Marshal(map[string]interface{}(out))
}

// FileAttachment is a binary artifact attached to a report.
type FileAttachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

// ExternalReference points at the origin of a piece of intelligence.
type ExternalReference struct {
	SourceName string `json:"source_name"`
	URL        string `json:"url,omitempty"`
}

// Report is the container grouping every object derived from one source document.
type Report struct {
	ID          string
	Name        string
	Summary     string
	Content     string
	ReportTypes []string
	Published   time.Time
	ObjectRefs  []string
	Files       []FileAttachment
	Attributes  Properties
}

func (r Report) ObjectID() string   { return r.ID }
func (r Report) ObjectType() string { return "report" }

// MarshalJSON renders the report container.
func (r Report) MarshalJSON() ([]byte, error) {
	out := r.Attributes.Clone()
	published := r.Published.UTC().Format(time.RFC3339)
	out["type"] = "report"
	out["spec_version"] = specVersion
	out["id"] = r.ID
	out["name"] = r.Name
	out["description"] = r.Summary
	out["report_types"] = r.ReportTypes
	out["published"] = published
	out["created"] = published
	out["modified"] = published
	out["object_refs"] = r.ObjectRefs
	out["x_opencti_content"] = r.Content
	files := r.Files
	if files == nil {
		files = []FileAttachment{}
	}
	out["x_opencti_files"] = files
	return json.Marshal(map[string]interface{}(out))
}

// Bundle is the immutable unit of submission to the platform. Its object list
// is fixed at construction and only copies are ever handed out.
type Bundle struct {
	id      string
	objects []Object
}

// NewBundle assembles a bundle from the given objects, preserving their order.
func NewBundle(objects ...Object) *Bundle {
	copied := make([]Object, len(objects))
	copy(copied, objects)
	return &Bundle{
		id:      "bundle--" + uuid.NewString(),
		objects: copied,
	}
}

// ID returns the bundle identifier.
func (b *Bundle) ID() string { return b.id }

// Len returns the number of objects in the bundle.
func (b *Bundle) Len() int { return len(b.objects) }

// Objects returns a copy of the bundle's object list.
func (b *Bundle) Objects() []Object {
	out := make([]Object, len(b.objects))
	copy(out, b.objects)
	return out
}

// MarshalJSON renders the bundle envelope.
func (b *Bundle) MarshalJSON() ([]byte, error) {
	objects := make([]json.RawMessage, 0, len(b.objects))
	for _, o := range b.objects {
		raw, err := json.Marshal(o)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal object %s: %w", o.ObjectID(), err)
		}
		objects = append(objects, raw)
	}
	return json.Marshal(struct {
		Type    string            `json:"type"`
		ID      string            `json:"id"`
		Objects []json.RawMessage `json:"objects"`
	}{Type: "bundle", ID: b.id, Objects: objects})
}
