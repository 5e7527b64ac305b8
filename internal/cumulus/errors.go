package cumulus

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrCollision      = errors.New("record already exists")
	ErrAssociated     = errors.New("record has associated records")
	ErrReference      = errors.New("referenced record not found")
)

// ReferenceNotFoundError is returned when a required foreign reference
// cannot be resolved to a relational row.
type ReferenceNotFoundError struct {
	Kind       string
	Identifier string
}

func (e *ReferenceNotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Identifier)
}

func (e *ReferenceNotFoundError) Is(target error) bool {
	return target == ErrReference
}

// CollisionError reports a natural-key uniqueness violation.
type CollisionError struct {
	Kind string
	Key  string
}

func (e *CollisionError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("a %s record already exists", e.Kind)
	}
	return fmt.Sprintf("a %s record already exists with key %s", e.Kind, e.Key)
}

func (e *CollisionError) Is(target error) bool {
	return target == ErrCollision
}

// AssociatedRecordError is returned when a delete is blocked by dependents.
type AssociatedRecordError struct {
	Kind       string
	Key        string
	Dependents []string
}

func (e *AssociatedRecordError) Error() string {
	msg := fmt.Sprintf("cannot delete %s %s with associated records", e.Kind, e.Key)
	if len(e.Dependents) > 0 {
		msg += ": " + strings.Join(e.Dependents, ", ")
	}
	return msg
}

func (e *AssociatedRecordError) Is(target error) bool {
	return target == ErrAssociated
}

type DeletePublishedGranuleError struct {
	GranuleID string
}

func (e *DeletePublishedGranuleError) Error() string {
	return fmt.Sprintf("granule %s is published to the catalog and must be removed from it before deletion", e.GranuleID)
}

func (e *DeletePublishedGranuleError) Is(target error) bool {
	return target == ErrInvalidInput
}

// ValidationError wraps the schema validation failure of a document.
type ValidationError struct {
	Kind string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// FileMove describes one attempted object relocation.
type FileMove struct {
	SourceBucket string `json:"sourceBucket"`
	SourceKey    string `json:"sourceKey"`
	TargetBucket string `json:"targetBucket"`
	TargetKey    string `json:"targetKey"`
	FileName     string `json:"fileName"`
}

type FileMoveFailure struct {
	Move   FileMove `json:"move"`
	Reason string   `json:"reason"`
	Err    error    `json:"-"`
}

// PartialRelocationError lists every file that could not be moved. The
// granule's file list has already been persisted when it is returned.
type PartialRelocationError struct {
	GranuleID string
	Failures  []FileMoveFailure
}

func (e *PartialRelocationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s/%s -> %s/%s: %s", f.Move.SourceBucket, f.Move.SourceKey, f.Move.TargetBucket, f.Move.TargetKey, f.Reason))
	}
	return fmt.Sprintf("failed to move %d file(s) of granule %s: %s", len(e.Failures), e.GranuleID, strings.Join(parts, "; "))
}

func (e *PartialRelocationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}
