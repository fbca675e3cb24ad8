package model

import (
	"fmt"
	"strings"
	"time"
)

// RequestStatus represents the lifecycle state of an enrichment request.
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"
	RequestStatusQueued     RequestStatus = "queued"
	RequestStatusProcessing RequestStatus = "processing"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusFailed     RequestStatus = "failed"
)

// Outcome is the result of one enrichment attempt cycle.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeNoResults       Outcome = "no_results"
	OutcomeNoActiveSources Outcome = "no_active_sources"
	OutcomeError           Outcome = "error"
)

// DeferReason explains why the admission controller declined to run a
// request immediately.
type DeferReason string

const (
	DeferCooldownActive    DeferReason = "cooldown_active"
	DeferExecutionWaiting  DeferReason = "execution_queue_waiting"
	DeferExecutionActive   DeferReason = "execution_queue_active"
	DeferProcessingBacklog DeferReason = "processing_queue_backlog"
	DeferStaleRecovered    DeferReason = "stale_recovered"
)

// RequestReason describes why a request was recorded.
type RequestReason string

const (
	// ReasonUnresolvedQuery means a live user query could not be resolved
	// against existing index data.
	ReasonUnresolvedQuery RequestReason = "unresolved_query"
	// ReasonLowResults means an existing entity returned too few results
	// and should be enriched rather than created.
	ReasonLowResults RequestReason = "low_results"
)

// ScopeGlobal is the location-scope sentinel used when a request carries
// no geographic bounds.
const ScopeGlobal = "global"

// RequestKey is the deduplication boundary for enrichment requests. Two
// observations with the same key collapse into one ledger row.
type RequestKey struct {
	Term          string        `json:"term"`
	EntityKind    string        `json:"entity_kind"`
	Reason        RequestReason `json:"reason"`
	LocationScope string        `json:"location_scope"`
}

// Normalize fills the location-scope sentinel and lowercases the kind so
// keys compare consistently.
func (k RequestKey) Normalize() RequestKey {
	if k.LocationScope == "" {
		k.LocationScope = ScopeGlobal
	}
	k.EntityKind = strings.ToLower(strings.TrimSpace(k.EntityKind))
	return k
}

// String renders the key in a stable form usable as a map key or log field.
func (k RequestKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.Reason, k.EntityKind, k.Term, k.LocationScope)
}

// EnrichmentRequest is one ledger row: a deduplicated record of demand for
// data about a term that could not be resolved against the index.
type EnrichmentRequest struct {
	ID                     string         `json:"id"`
	Key                    RequestKey     `json:"key"`
	OccurrenceCount        int            `json:"occurrence_count"`
	DistinctRequesterCount int            `json:"distinct_requester_count"`
	Status                 RequestStatus  `json:"status"`
	LinkedEntityID         string         `json:"linked_entity_id,omitempty"`
	Metadata               map[string]any `json:"metadata,omitempty"`
	AttemptedSources       []string       `json:"attempted_sources,omitempty"`
	DeferredAttempts       int            `json:"deferred_attempts"`
	LastOutcome            Outcome        `json:"last_outcome,omitempty"`
	LastErrorDetail        string         `json:"last_error_detail,omitempty"`
	LastDeferReason        DeferReason    `json:"last_defer_reason,omitempty"`
	ResultCountHint        int            `json:"result_count_hint"`
	CooldownUntil          time.Time      `json:"cooldown_until"`
	LastAttemptAt          time.Time      `json:"last_attempt_at"`
	LastEnqueuedAt         time.Time      `json:"last_enqueued_at"`
	LastCompletedAt        time.Time      `json:"last_completed_at"`
	LastSeenAt             time.Time      `json:"last_seen_at"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// CoolingDown reports whether the request is inside its admission cooldown
// window at the given instant.
func (r *EnrichmentRequest) CoolingDown(now time.Time) bool {
	return !r.CooldownUntil.IsZero() && now.Before(r.CooldownUntil)
}

// RawRequest is an unsanitized inbound observation, as supplied by a caller
// of the record path. Term is cleaned by the ledger before it becomes a key.
type RawRequest struct {
	Term            string         `json:"term"`
	EntityKind      string         `json:"entity_kind"`
	Reason          RequestReason  `json:"reason"`
	LocationScope   string         `json:"location_scope,omitempty"`
	ResultCountHint int            `json:"result_count_hint,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}
