package schemas

import "time"

// SyncState is the small per-connector state object persisted by the platform
// between runs. It is read at the start of a run and written only when the run
// completes successfully.
type SyncState struct {
	LastRun *time.Time `json:"last_run,omitempty"`
	// Cursor is the last provider watermark seen by a cursor-based feed.
	Cursor string `json:"cursor,omitempty"`
}

// HasRun reports whether a previous run was recorded.
func (s *SyncState) HasRun() bool {
	return s != nil && s.LastRun != nil && !s.LastRun.IsZero()
}
