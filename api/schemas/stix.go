// File: api/schemas/stix.go
package schemas

import (
	"encoding/json"
	"fmt"
	"strings"
)

// STIXObject is an already STIX-shaped object received from a provider. The
// fields the connectors reason about are typed; everything else is carried
// through untouched in Extra.
type STIXObject struct {
	Type             string
	ID               string
	CreatedByRef     string
	Description      string
	Modified         string
	RelationshipType string
	SourceRef        string
	TargetRef        string
	ObjectRefs       []string
	// HasObjectRefs distinguishes an absent object_refs key from an empty list.
	HasObjectRefs bool
	// HasDescription keeps an empty description key on output.
	HasDescription bool
	Extra          map[string]json.RawMessage
}

var stixKnownKeys = []string{
	"type", "id", "created_by_ref", "description", "modified",
	"relationship_type", "source_ref", "target_ref", "object_refs",
}

func (o STIXObject) ObjectID() string   { return o.ID }
func (o STIXObject) ObjectType() string { return o.Type }

// HasError reports whether the provider flagged this object as an error placeholder.
func (o STIXObject) HasError() bool {
	_, ok := o.Extra["error"]
	return ok
}

// RefType returns the object type prefix of a STIX reference ("campaign--x" -> "campaign").
func RefType(ref string) string {
	if i := strings.Index(ref, "--"); i >= 0 {
		return ref[:i]
	}
	return ""
}

// Clone returns a deep copy of the object.
func (o STIXObject) Clone() STIXObject {
	c := o
	if o.ObjectRefs != nil {
		c.ObjectRefs = append([]string(nil), o.ObjectRefs...)
	}
	if o.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(o.Extra))
		for k, v := range o.Extra {
			c.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return c
}

// UnmarshalJSON validates the required keys and splits typed from pass-through fields.
func (o *STIXObject) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("stix object is not a JSON object: %w", err)
	}

	var fields struct {
		Type             string   `json:"type"`
		ID               string   `json:"id"`
		CreatedByRef     string   `json:"created_by_ref"`
		Description      string   `json:"description"`
		Modified         string   `json:"modified"`
		RelationshipType string   `json:"relationship_type"`
		SourceRef        string   `json:"source_ref"`
		TargetRef        string   `json:"target_ref"`
		ObjectRefs       []string `json:"object_refs"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("stix object has malformed fields: %w", err)
	}

	_, hasRefs := raw["object_refs"]
	_, hasDescription := raw["description"]
	for _, k := range stixKnownKeys {
		delete(raw, k)
	}

	*o = STIXObject{
		Type:             fields.Type,
		ID:               fields.ID,
		CreatedByRef:     fields.CreatedByRef,
		Description:      fields.Description,
		Modified:         fields.Modified,
		RelationshipType: fields.RelationshipType,
		SourceRef:        fields.SourceRef,
		TargetRef:        fields.TargetRef,
		ObjectRefs:       fields.ObjectRefs,
		HasObjectRefs:    hasRefs,
		HasDescription:   hasDescription,
		Extra:            raw,
	}
	return nil
}

// MarshalJSON merges the typed fields back over the pass-through ones.
func (o STIXObject) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(o.Extra)+len(stixKnownKeys))
	for k, v := range o.Extra {
		out[k] = v
	}
	set := func(key, value string) {
		if value != "" {
			out[key] = value
		}
	}
	set("type", o.Type)
	set("id", o.ID)
	set("created_by_ref", o.CreatedByRef)
	if o.Description != "" || o.HasDescription {
		out["description"] = o.Description
	}
	set("modified", o.Modified)
	set("relationship_type", o.RelationshipType)
	set("source_ref", o.SourceRef)
	set("target_ref", o.TargetRef)
	if o.HasObjectRefs {
		refs := o.ObjectRefs
		if refs == nil {
			refs = []string{}
		}
		out["object_refs"] = refs
	}
	return json.Marshal(out)
}
