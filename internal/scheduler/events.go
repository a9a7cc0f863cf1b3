// Package scheduler implements C8, the Scheduler (Runner): executing an
// OrderedTargets plan, emitting the RunCommandEvent stream, and driving
// watch-mode interruption/rescheduling (spec.md sections 4.7-4.9).
package scheduler

import (
	"github.com/strataorch/strata/internal/cachestore"
	"github.com/strataorch/strata/internal/targets"
)

// EventKind is the closed set of RunCommandEvent variants (spec 4.7).
// Consumers must treat any other value as an error.
type EventKind string

const (
	TargetsResolved        EventKind = "TargetsResolved"
	NodeStarted            EventKind = "NodeStarted"
	NodeProcessed          EventKind = "NodeProcessed"
	NodeErrored            EventKind = "NodeErrored"
	NodeSkipped            EventKind = "NodeSkipped"
	NodeInterrupted        EventKind = "NodeInterrupted"
	CacheInvalidated       EventKind = "CacheInvalidated"
	ErrorInvalidatingCache EventKind = "ErrorInvalidatingCache"
	SourcesChanged         EventKind = "SourcesChanged"
)

// Event is the single observable surface of a run (spec 4.7, section 6).
type Event struct {
	Kind      EventKind
	Workspace string

	// TargetsResolved
	Plan targets.OrderedTargets

	// NodeProcessed
	Results   []cachestore.CommandResult
	FromCache bool

	// NodeErrored / ErrorInvalidatingCache
	Err error

	// NodeSkipped
	Affected   bool
	HasCommand bool

	// SourcesChanged
	FsEventKind string
	Path        string
}
