// Package reconcile decides whether a workflow status report may overwrite
// the persisted state of a granule, execution or PDR.
//
// Reports are ordered by execution identity and progress, never by arrival
// order:
//
//   - with no current record the report is applied;
//   - a report from a different execution replaces the record only when its
//     workflow started strictly after the current record was created;
//   - within one execution a terminal record is immutable, and a running
//     record accepts reports whose progress has not gone backwards.
package reconcile

import (
	"fmt"

	"github.com/cumulusdata/cumulus/internal/cumulus"
)

// Outcome is the resolver's verdict. The zero Outcome means no report was
// resolved.
type Outcome int

const (
	// Insert creates the record.
	Insert Outcome = iota + 1
	// Merge applies the report onto the current record.
	Merge
	// Replace overwrites the record with a report from a newer execution.
	Replace
	// Reject drops a stale or out-of-order report.
	Reject
	// NoOp drops a report that would change nothing.
	NoOp
)

func (o Outcome) String() string {
	switch o {
	case Insert:
		return "insert"
	case Merge:
		return "merge"
	case Replace:
		return "replace"
	case Reject:
		return "reject"
	case NoOp:
		return "noop"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Applied reports whether the outcome requires a write.
func (o Outcome) Applied() bool {
	return o == Insert || o == Merge || o == Replace
}

// State is the part of a record the ordering rules look at.
type State struct {
	Status    cumulus.Status
	Execution string
	// StartTime is the workflow start of an incoming report, or the creation
	// time of a current record, in epoch milliseconds.
	StartTime int64
	Progress  int64
}

type Decision struct {
	Outcome Outcome
	Reason  string
}

// Decide applies the ordering rules. changed reports whether merging the
// incoming report would alter the current record; it is only consulted on a
// same-execution progress tie.
func Decide(current *State, incoming State, changed func() bool) Decision {
	if current == nil {
		return Decision{Outcome: Insert, Reason: "no current record"}
	}
	if current.Execution != incoming.Execution {
		if incoming.StartTime > current.StartTime {
			return Decision{Outcome: Replace, Reason: "report from a newer execution"}
		}
		return Decision{Outcome: Reject, Reason: fmt.Sprintf(
			"report from execution %q started at %d, not after current record created at %d",
			incoming.Execution, incoming.StartTime, current.StartTime)}
	}
	if current.Status.Terminal() {
		return Decision{Outcome: Reject, Reason: fmt.Sprintf("execution already reached %s", current.Status)}
	}
	if incoming.Progress < current.Progress {
		return Decision{Outcome: Reject, Reason: fmt.Sprintf("progress %d is behind current %d", incoming.Progress, current.Progress)}
	}
	if incoming.Progress == current.Progress && changed != nil && !changed() {
		return Decision{Outcome: NoOp, Reason: "report changes nothing"}
	}
	return Decision{Outcome: Merge, Reason: "same execution progressed"}
}

// Result carries the decision and the record to persist. For Reject and
// NoOp, Record is the unchanged current record.
type Result[T any] struct {
	Decision
	Record T
}
