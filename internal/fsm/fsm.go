// Package fsm holds the session lifecycle state machine. It is pure logic:
// given the current status, a proposed status, and the source asserting it,
// it decides how the transition must be applied. It performs no I/O and
// never mutates anything.
package fsm

import (
	"github.com/attendly/orchestrator-server-go/internal/model"
)

// Decision describes how an ingested status event must be applied.
type Decision int

const (
	// Apply approves the transition; the caller persists the new status
	// and increments the session version.
	Apply Decision = iota
	// Duplicate marks a proposal equal to the current status: recorded in
	// history with a duplicate flag, version unchanged.
	Duplicate
	// TerminalNoop marks a proposal against an already-terminal session:
	// accepted idempotently, nothing recorded or changed.
	TerminalNoop
	// Reject marks an illegal transition or a source not permitted to
	// assert it: recorded in history with a rejected flag, state untouched.
	Reject
)

func (d Decision) String() string {
	switch d {
	case Apply:
		return "apply"
	case Duplicate:
		return "duplicate"
	case TerminalNoop:
		return "terminal_noop"
	case Reject:
		return "reject"
	}
	return "unknown"
}

type edge struct {
	from model.SessionStatus
	to   model.SessionStatus
}

// transitions is the single authority on which lifecycle moves are legal
// and which sources may assert them. Restricting by source keeps a buggy
// or hostile client from forging progress only the worker can observe.
var transitions = map[edge][]model.StatusSource{
	{model.StatusRequested, model.StatusJoining}:  {model.SourceInternal},
	{model.StatusRequested, model.StatusRejected}: {model.SourceInternal},
	{model.StatusRequested, model.StatusFailed}:   {model.SourceInternal},

	{model.StatusJoining, model.StatusAwaitingAdmission}: {model.SourceWorker},
	{model.StatusJoining, model.StatusFailed}:            {model.SourceWorker, model.SourceInternal},

	{model.StatusAwaitingAdmission, model.StatusActive}:  {model.SourceWorker},
	{model.StatusAwaitingAdmission, model.StatusFailed}:  {model.SourceWorker, model.SourceInternal},
	{model.StatusAwaitingAdmission, model.StatusRemoved}: {model.SourceWorker},

	{model.StatusActive, model.StatusCompleted}: {model.SourceWorker, model.SourceUser},
	{model.StatusActive, model.StatusFailed}:    {model.SourceWorker, model.SourceInternal},
	{model.StatusActive, model.StatusRemoved}:   {model.SourceWorker},
}

// Decide evaluates a proposed transition. The order of checks matters:
// terminal sessions absorb everything, exact duplicates are no-ops, and
// only then is the transition table consulted.
func Decide(current, proposed model.SessionStatus, source model.StatusSource) Decision {
	if current.Terminal() {
		return TerminalNoop
	}
	if current == proposed {
		return Duplicate
	}
	sources, ok := transitions[edge{current, proposed}]
	if !ok {
		return Reject
	}
	for _, s := range sources {
		if s == source {
			return Apply
		}
	}
	return Reject
}

// AllowedSources returns which sources may assert the given transition, or
// nil when the transition is not legal from any source.
func AllowedSources(from, to model.SessionStatus) []model.StatusSource {
	return transitions[edge{from, to}]
}
