// File: api/schemas/observable.go
package schemas

import "errors"

// PlatformExtensionID is the extension key under which the platform stores its
// own metadata (internal id, score, timestamps) on every observable it streams.
const PlatformExtensionID = "extension-definition--ea279b3e-5c71-4632-ac08-831c66a786ba"

// ErrUnsupportedObservable is returned when an observable type has no
// representation in the remote product.
var ErrUnsupportedObservable = errors.New("observable type not supported by remote product")

// Observable is a platform-side cyber observable, the input of reverse sync.
type Observable struct {
	ID          string                         `json:"id"`
	Type        string                         `json:"type"`
	Value       string                         `json:"value,omitempty"`
	DisplayName string                         `json:"display_name,omitempty"`
	Hashes      map[string]string              `json:"hashes,omitempty"`
	Labels      []string                       `json:"labels,omitempty"`
	Confidence  *int                           `json:"confidence,omitempty"`
	Description string                         `json:"x_opencti_description,omitempty"`
	MarkingRefs []string                       `json:"object_marking_refs,omitempty"`
	Extensions  map[string]ObservableExtension `json:"extensions,omitempty"`
}

// ObservableExtension is the platform metadata attached to an observable.
type ObservableExtension struct {
	ID          string   `json:"id,omitempty"`
	Score       *int     `json:"score,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty"`
	UpdatedAt   string   `json:"updated_at,omitempty"`
	Description string   `json:"description,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// Extension returns the platform extension, if present.
func (o Observable) Extension() (ObservableExtension, bool) {
	ext, ok := o.Extensions[PlatformExtensionID]
	return ext, ok
}

// ExternalID is the identifier used to correlate this observable with remote
// records. It is the platform's internal id, falling back to the standard id.
func (o Observable) ExternalID() string {
	if ext, ok := o.Extension(); ok && ext.ID != "" {
		return ext.ID
	}
	return o.ID
}

// RemoteIndicatorRecord correlates a local observable with the opaque id the
// remote product assigned to its indicator.
type RemoteIndicatorRecord struct {
	RemoteID   string `json:"id"`
	ExternalID string `json:"externalId"`
}
