package mapper

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/ctibridge/api/schemas"
	"github.com/xkilldash9x/ctibridge/internal/htmlconv"
)

const associatedContent = "associated_content"

// objectRefsAllowed lists the only object types on which object_refs is valid.
var objectRefsAllowed = map[string]bool{
	"report":        true,
	"note":          true,
	"opinion":       true,
	"observed-data": true,
}

// Corrector normalizes STIX-shaped objects received from a provider whose
// output deviates from the standard.
type Corrector struct {
	authorID string
	log      *zap.Logger
}

// NewCorrector creates a corrector that attributes unattributed objects to authorID.
func NewCorrector(authorID string, logger *zap.Logger) *Corrector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Corrector{authorID: authorID, log: logger.Named("Corrector")}
}

// Correct applies the correction pass to every object and returns the objects
// to forward. The input is not modified. Applying Correct to its own output
// returns an equal list: every rule either drops the object or rewrites it into
// a shape no rule matches again.
func (c *Corrector) Correct(objects []schemas.STIXObject) []schemas.STIXObject {
	out := make([]schemas.STIXObject, 0, len(objects))
	for _, original := range objects {
		if original.HasError() {
			c.log.Debug("Dropping provider error object", zap.String("id", original.ID))
			continue
		}

		obj := original.Clone()
		if obj.CreatedByRef == "" {
			obj.CreatedByRef = c.authorID
		}
		if obj.HasObjectRefs && !objectRefsAllowed[obj.Type] {
			obj.ObjectRefs = nil
			obj.HasObjectRefs = false
		}
		if obj.Description != "" {
			obj.Description = htmlconv.PlainText(obj.Description)
		}

		if obj.RelationshipType == associatedContent && !c.fixAssociation(&obj) {
			c.log.Debug("Dropping self-referential association",
				zap.String("id", obj.ID),
				zap.String("source", obj.SourceRef),
				zap.String("target", obj.TargetRef),
			)
			continue
		}
		out = append(out, obj)
	}
	return out
}

// fixAssociation rewrites a generic association into a typed relationship.
// It returns false when the object must be dropped.
func (c *Corrector) fixAssociation(obj *schemas.STIXObject) bool {
	src, dst := schemas.RefType(obj.SourceRef), schemas.RefType(obj.TargetRef)
	switch {
	case src == "threat-actor" && dst == "campaign":
		obj.RelationshipType = string(schemas.RelAttributedTo)
		swapRefs(obj)
	case src == "malware" && dst == "threat-actor":
		obj.RelationshipType = string(schemas.RelUses)
		swapRefs(obj)
	case src == "malware" && dst == "campaign":
		obj.RelationshipType = string(schemas.RelUses)
		swapRefs(obj)
	case src == dst && (src == "campaign" || src == "threat-actor"):
		return false
	case src == "campaign" && dst == "threat-actor":
		obj.RelationshipType = string(schemas.RelAttributedTo)
	}
	return true
}

func swapRefs(obj *schemas.STIXObject) {
	obj.SourceRef, obj.TargetRef = obj.TargetRef, obj.SourceRef
}
