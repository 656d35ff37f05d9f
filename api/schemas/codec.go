package schemas

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// codec is the wire codec used for bundles and state. It is configured to be
// byte-compatible with encoding/json so custom marshalers are honoured.
var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeBundle serializes a bundle for submission.
func EncodeBundle(b *Bundle) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("cannot encode a nil bundle")
	}
	data, err := codec.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle %s: %w", b.ID(), err)
	}
	return data, nil
}

// EncodeState serializes a SyncState.
func EncodeState(s SyncState) ([]byte, error) {
	return codec.Marshal(s)
}

// DecodeState parses a stored SyncState. Empty input yields a nil state.
func DecodeState(data []byte) (*SyncState, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var s SyncState
	if err := codec.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode sync state: %w", err)
	}
	return &s, nil
}

// DecodeObservables parses a JSON array of platform observables.
func DecodeObservables(data []byte) ([]Observable, error) {
	var out []Observable
	if err := codec.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode observables: %w", err)
	}
	return out, nil
}
