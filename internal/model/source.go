package model

import "time"

// SourceKind identifies how a source publishes content.
type SourceKind string

const (
	SourceKindHTTP SourceKind = "http"
	SourceKindFTP  SourceKind = "ftp"
)

// Source is an external content origin tracked for periodic collection.
type Source struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Kind     SourceKind `json:"kind"`
	Endpoint string     `json:"endpoint"`
	Topics   []string   `json:"topics,omitempty"`
	Priority int        `json:"priority"`
	Active   bool       `json:"active"`
	// DefaultItemsPerDay seeds the rate estimate before any observation
	// has been reported for this source.
	DefaultItemsPerDay float64 `json:"default_items_per_day,omitempty"`
	// Coverage is the source's geographic coverage as a bounding box
	// [minX, minY, maxX, maxY] in lon/lat. Empty means global coverage.
	Coverage []float64 `json:"coverage,omitempty"`
}

// SourceSchedule holds the per-source collection cadence state. One row per
// tracked source, created on first reference and never deleted.
type SourceSchedule struct {
	SourceID            string    `json:"source_id"`
	AverageItemsPerDay  float64   `json:"average_items_per_day"`
	SafeIntervalDays    float64   `json:"safe_interval_days"`
	Reasoning           string    `json:"reasoning,omitempty"`
	LastCalculatedAt    time.Time `json:"last_calculated_at"`
	NextCollectionDueAt time.Time `json:"next_collection_due_at"`
	LastCollectedAt     time.Time `json:"last_collected_at"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Due reports whether the source's next collection cycle has arrived.
func (s *SourceSchedule) Due(now time.Time) bool {
	return !now.Before(s.NextCollectionDueAt)
}

// CollectionJob is the unit of work handed to the downstream queue when a
// source comes due for a chronological collection pass.
type CollectionJob struct {
	SourceID   string    `json:"source_id"`
	Endpoint   string    `json:"endpoint"`
	DueAt      time.Time `json:"due_at"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
