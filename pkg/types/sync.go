package types

import "time"

// EnvelopeShape names where a page's product array was found in the upstream JSON.
type EnvelopeShape string

// ShapeNone means no candidate path held a non-empty array of objects.
const ShapeNone EnvelopeShape = "none"

// SyncBatch is the bookkeeping for one upstream page
type SyncBatch struct {
	Page      int           `json:"page"`
	Shape     EnvelopeShape `json:"shape"`
	Records   int           `json:"records"`
	Created   int           `json:"created"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Failed    int           `json:"failed"`
}

// SyncSummary reports the outcome of one TriggerSync call
type SyncSummary struct {
	RunID          string    `json:"run_id,omitempty"`
	AlreadyRunning bool      `json:"already_running"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`

	Pages       int `json:"pages"`
	Records     int `json:"records"`
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Unchanged   int `json:"unchanged"`
	Failed      int `json:"failed"`
	Embedded    int `json:"embedded"`
	Deactivated int `json:"deactivated"`

	// Completed is true when pagination ended on an empty page.
	Completed bool `json:"completed"`
	// Truncated is true when the max-page guard stopped pagination.
	Truncated bool `json:"truncated"`
	// CacheInvalidated is true when search results were purged after changes.
	CacheInvalidated bool `json:"cache_invalidated"`

	Batches       []SyncBatch `json:"batches,omitempty"`
	ErrorMessages []string    `json:"errors,omitempty"`
}

// Changed reports whether the run altered any stored product
func (s *SyncSummary) Changed() bool {
	return s.Created > 0 || s.Updated > 0 || s.Deactivated > 0
}

// Duration returns how long the run took
func (s *SyncSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// AddBatch folds a page's counts into the summary
func (s *SyncSummary) AddBatch(b SyncBatch) {
	s.Pages++
	s.Records += b.Records
	s.Created += b.Created
	s.Updated += b.Updated
	s.Unchanged += b.Unchanged
	s.Failed += b.Failed
	s.Batches = append(s.Batches, b)
}
