package knowledgegraph

import (
	"strings"

	"github.com/google/uuid"
)

// idNamespace is the fixed UUIDv5 namespace all stable identifiers are derived
// under. Changing it changes every id ever produced and breaks de-duplication
// on the platform side.
var idNamespace = uuid.MustParse("00abedb4-aa42-466c-9c01-fed23315a9b7")

// keySeparator cannot appear in normalized values, so joined keys are unambiguous.
const keySeparator = "\x1f"

// StableID derives a deterministic identifier of the form "<type>--<uuid>"
// from the object type and its identifying keys.
func StableID(objectType string, keys ...string) string {
	name := objectType + keySeparator + strings.Join(keys, keySeparator)
	return objectType + "--" + uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// NormalizeName canonicalizes a human-readable entity name so that trivially
// different spellings ("APT 28 ", "apt  28") resolve to the same id.
func NormalizeName(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}
