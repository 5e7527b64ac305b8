package reconcile

import (
	"reflect"

	"github.com/cumulusdata/cumulus/internal/cumulus"
)

// sameIgnoringClock compares records with their write clocks cleared, so a
// redelivered report is recognized as a duplicate.
func sameIgnoringClock[T any](a, b T, clear func(*T)) bool {
	clear(&a)
	clear(&b)
	return reflect.DeepEqual(a, b)
}

func GranuleState(g cumulus.Granule) State {
	return State{Status: g.Status, Execution: g.Execution, StartTime: g.CreatedAt}
}

// MergeGranule overlays the non-empty fields of incoming. A running report
// may only move the status, execution and clocks.
func MergeGranule(current, incoming cumulus.Granule) cumulus.Granule {
	out := current
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int64, v int64) {
		if v != 0 {
			*dst = v
		}
	}
	if incoming.Status != "" {
		out.Status = incoming.Status
	}
	setString(&out.Execution, incoming.Execution)
	setInt(&out.UpdatedAt, incoming.UpdatedAt)
	setInt(&out.Timestamp, incoming.Timestamp)
	if incoming.Status == cumulus.StatusRunning || incoming.Status == cumulus.StatusQueued {
		return out
	}
	if incoming.Files != nil {
		out.Files = incoming.Files
	}
	if incoming.Published {
		out.Published = true
	}
	if incoming.Error != nil {
		out.Error = incoming.Error
	}
	setString(&out.CmrLink, incoming.CmrLink)
	setString(&out.PdrName, incoming.PdrName)
	setString(&out.Provider, incoming.Provider)
	setString(&out.ProcessingStartDateTime, incoming.ProcessingStartDateTime)
	setString(&out.ProcessingEndDateTime, incoming.ProcessingEndDateTime)
	setString(&out.BeginningDateTime, incoming.BeginningDateTime)
	setString(&out.EndingDateTime, incoming.EndingDateTime)
	setString(&out.ProductionDateTime, incoming.ProductionDateTime)
	setString(&out.LastUpdateDateTime, incoming.LastUpdateDateTime)
	setInt(&out.ProductVolume, incoming.ProductVolume)
	if incoming.Duration != 0 {
		out.Duration = incoming.Duration
	}
	if incoming.TimeToPreprocess != 0 {
		out.TimeToPreprocess = incoming.TimeToPreprocess
	}
	if incoming.TimeToArchive != 0 {
		out.TimeToArchive = incoming.TimeToArchive
	}
	if incoming.Files != nil && incoming.ProductVolume == 0 {
		out.ProductVolume = cumulus.SumFileSizes(incoming.Files)
	}
	return out
}

func clearGranuleClock(g *cumulus.Granule) {
	g.UpdatedAt = 0
	g.Timestamp = 0
}

// ResolveGranule decides how a granule report applies to current.
func ResolveGranule(current *cumulus.Granule, incoming cumulus.Granule) Result[cumulus.Granule] {
	if current == nil {
		return Result[cumulus.Granule]{Decision: Decide(nil, GranuleState(incoming), nil), Record: incoming}
	}
	merged := MergeGranule(*current, incoming)
	cur := GranuleState(*current)
	d := Decide(&cur, GranuleState(incoming), func() bool {
		return !sameIgnoringClock(*current, merged, clearGranuleClock)
	})
	switch d.Outcome {
	case Replace:
		return Result[cumulus.Granule]{Decision: d, Record: incoming}
	case Merge:
		return Result[cumulus.Granule]{Decision: d, Record: merged}
	}
	return Result[cumulus.Granule]{Decision: d, Record: *current}
}

// ExecutionState keys ordering on the ARN, so every report for an execution
// record is a same-execution report.
func ExecutionState(e cumulus.Execution) State {
	return State{Status: e.Status, Execution: e.Arn, StartTime: e.CreatedAt}
}

func MergeExecution(current, incoming cumulus.Execution) cumulus.Execution {
	out := current
	if incoming.Status != "" {
		out.Status = incoming.Status
	}
	if incoming.UpdatedAt != 0 {
		out.UpdatedAt = incoming.UpdatedAt
	}
	if incoming.Timestamp != 0 {
		out.Timestamp = incoming.Timestamp
	}
	if incoming.OriginalPayload != nil {
		out.OriginalPayload = incoming.OriginalPayload
	}
	if incoming.Status == cumulus.StatusRunning {
		return out
	}
	if incoming.ExecutionURL != "" {
		out.ExecutionURL = incoming.ExecutionURL
	}
	if incoming.Name != "" {
		out.Name = incoming.Name
	}
	if incoming.Type != "" {
		out.Type = incoming.Type
	}
	if incoming.ParentArn != "" {
		out.ParentArn = incoming.ParentArn
	}
	if incoming.AsyncOperationID != "" {
		out.AsyncOperationID = incoming.AsyncOperationID
	}
	if incoming.CollectionID != "" {
		out.CollectionID = incoming.CollectionID
	}
	if incoming.CumulusVersion != "" {
		out.CumulusVersion = incoming.CumulusVersion
	}
	if incoming.Tasks != nil {
		out.Tasks = incoming.Tasks
	}
	if incoming.Error != nil {
		out.Error = incoming.Error
	}
	if incoming.FinalPayload != nil {
		out.FinalPayload = incoming.FinalPayload
	}
	if incoming.Duration != 0 {
		out.Duration = incoming.Duration
	}
	return out
}

func clearExecutionClock(e *cumulus.Execution) {
	e.UpdatedAt = 0
	e.Timestamp = 0
}

func ResolveExecution(current *cumulus.Execution, incoming cumulus.Execution) Result[cumulus.Execution] {
	if current == nil {
		return Result[cumulus.Execution]{Decision: Decide(nil, ExecutionState(incoming), nil), Record: incoming}
	}
	merged := MergeExecution(*current, incoming)
	cur := ExecutionState(*current)
	d := Decide(&cur, ExecutionState(incoming), func() bool {
		return !sameIgnoringClock(*current, merged, clearExecutionClock)
	})
	switch d.Outcome {
	case Replace:
		return Result[cumulus.Execution]{Decision: d, Record: incoming}
	case Merge:
		return Result[cumulus.Execution]{Decision: d, Record: merged}
	}
	return Result[cumulus.Execution]{Decision: d, Record: *current}
}

// PdrState uses completed+failed as the monotonic progress counter.
func PdrState(p cumulus.Pdr) State {
	s := State{Status: p.Status, Execution: p.Execution, StartTime: p.CreatedAt}
	if p.Stats != nil {
		s.Progress = p.Stats.Progress()
	}
	return s
}

func MergePdr(current, incoming cumulus.Pdr) cumulus.Pdr {
	out := current
	if incoming.Status != "" {
		out.Status = incoming.Status
	}
	if incoming.Execution != "" {
		out.Execution = incoming.Execution
	}
	if incoming.UpdatedAt != 0 {
		out.UpdatedAt = incoming.UpdatedAt
	}
	if incoming.Timestamp != 0 {
		out.Timestamp = incoming.Timestamp
	}
	if incoming.Stats != nil {
		stats := incoming.Stats.Normalize()
		out.Stats = &stats
		out.Progress = stats.Percent()
	}
	if incoming.Progress != 0 {
		out.Progress = incoming.Progress
	}
	if incoming.Status == cumulus.StatusRunning {
		return out
	}
	if incoming.CollectionID != "" {
		out.CollectionID = incoming.CollectionID
	}
	if incoming.Provider != "" {
		out.Provider = incoming.Provider
	}
	if incoming.PANSent {
		out.PANSent = true
	}
	if incoming.PANmessage != "" {
		out.PANmessage = incoming.PANmessage
	}
	if incoming.Address != "" {
		out.Address = incoming.Address
	}
	if incoming.OriginalURL != "" {
		out.OriginalURL = incoming.OriginalURL
	}
	if incoming.Duration != 0 {
		out.Duration = incoming.Duration
	}
	return out
}

func clearPdrClock(p *cumulus.Pdr) {
	p.UpdatedAt = 0
	p.Timestamp = 0
}

func ResolvePdr(current *cumulus.Pdr, incoming cumulus.Pdr) Result[cumulus.Pdr] {
	incoming = incoming.Normalized()
	if current == nil {
		return Result[cumulus.Pdr]{Decision: Decide(nil, PdrState(incoming), nil), Record: incoming}
	}
	merged := MergePdr(*current, incoming)
	cur := PdrState(*current)
	d := Decide(&cur, PdrState(incoming), func() bool {
		return !sameIgnoringClock(*current, merged, clearPdrClock)
	})
	switch d.Outcome {
	case Replace:
		return Result[cumulus.Pdr]{Decision: d, Record: incoming}
	case Merge:
		return Result[cumulus.Pdr]{Decision: d, Record: merged}
	}
	return Result[cumulus.Pdr]{Decision: d, Record: *current}
}
