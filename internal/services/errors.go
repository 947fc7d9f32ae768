// Package services defines the business logic of the conversation router:
// allocation, claiming, resolution, reassignment, operator presence and the
// grace-period reclaimer. This file centralizes the service-level error
// taxonomy so that callers match failures by kind and handlers translate
// them into HTTP status codes consistently.
package services

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-router/internal/repo"
)

// Kind classifies a service failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNotFound
	KindForbidden
	KindOperatorUnavailable
	KindNoSubscription
	KindNotQueued
	KindNotAllocated
	KindAlreadyResolved
	KindCrossTenant
	KindServiceUnavailable
	KindInvalidArgument
	KindConflict
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindNotFound:            "not_found",
	KindForbidden:           "forbidden",
	KindOperatorUnavailable: "operator_unavailable",
	KindNoSubscription:      "no_subscription",
	KindNotQueued:           "not_queued",
	KindNotAllocated:        "not_allocated",
	KindAlreadyResolved:     "already_resolved",
	KindCrossTenant:         "cross_tenant",
	KindServiceUnavailable:  "service_unavailable",
	KindInvalidArgument:     "invalid_argument",
	KindConflict:            "conflict",
}

// String returns the stable snake_case name of k.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[KindUnknown]
}

// Error is a classified service failure. Two errors match under errors.Is
// when their kinds are equal, so callers compare against the sentinels
// below regardless of message.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels, one per kind.
var (
	// ErrNotFound indicates that a referenced conversation, operator, inbox
	// or hold does not exist (or is not visible to the caller's tenant).
	ErrNotFound = &Error{KindNotFound, "not found"}

	// ErrForbidden is returned when the caller's role does not permit the
	// operation.
	ErrForbidden = &Error{KindForbidden, "forbidden"}

	// ErrOperatorUnavailable is returned when the acting or target operator
	// is not AVAILABLE.
	ErrOperatorUnavailable = &Error{KindOperatorUnavailable, "operator is not available"}

	// ErrNoSubscription is returned when the operator is not subscribed to
	// the conversation's inbox (or to any inbox).
	ErrNoSubscription = &Error{KindNoSubscription, "operator is not subscribed to the inbox"}

	// ErrNotQueued is returned when a conversation must be QUEUED but is not.
	ErrNotQueued = &Error{KindNotQueued, "conversation is not queued"}

	// ErrNotAllocated is returned when a conversation must be ALLOCATED but
	// is not.
	ErrNotAllocated = &Error{KindNotAllocated, "conversation is not allocated"}

	// ErrAlreadyResolved is returned for operations on a RESOLVED
	// conversation.
	ErrAlreadyResolved = &Error{KindAlreadyResolved, "conversation is already resolved"}

	// ErrCrossTenant is returned when an operation would mix entities of
	// different tenants.
	ErrCrossTenant = &Error{KindCrossTenant, "entities belong to different tenants"}

	// ErrServiceUnavailable is returned when an external dependency is
	// unconfigured or unreachable.
	ErrServiceUnavailable = &Error{KindServiceUnavailable, "service unavailable"}

	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = &Error{KindInvalidArgument, "invalid argument"}

	// ErrConflict is returned when a write collides with existing data.
	ErrConflict = &Error{KindConflict, "conflict"}
)

// newErr builds a classified error with a specific message.
func newErr(k Kind, format string, args ...any) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind of err, or KindUnknown for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsBusiness reports whether err is a classified (expected) failure as
// opposed to an infrastructure error.
func IsBusiness(err error) bool { return KindOf(err) != KindUnknown }

// translate maps storage errors onto the taxonomy. Already classified
// errors pass through; unclassified ones are returned unchanged.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case IsBusiness(err):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return newErr(KindNotFound, "%s not found", what)
	case repo.IsForeignKeyViolation(err):
		return newErr(KindNotFound, "%s references a missing record", what)
	case repo.IsDuplicate(err):
		return newErr(KindConflict, "%s already exists", what)
	case repo.IsConstraintViolation(err):
		return newErr(KindInvalidArgument, "%s violates a constraint", what)
	}
	return err
}
