// Package statuscode defines the closed set of response status codes shared
// by the DQE and SRI wire protocols, and the small amount of machinery used
// to classify an internal failure into one of them.
//
// The taxonomy and the kind->code mapping are fixed by the specification;
// this package exists so both internal/dqe and internal/sri map errors the
// same way instead of inventing parallel enums.
package statuscode

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is one of the closed set of status codes a DQE or SRI response may
// carry. Never add a value here without updating the kind table below.
type Code string

const (
	Success            Code = "SUCCESS"
	BadRequest         Code = "BAD_REQUEST"
	SchemeError        Code = "SCHEME_ERROR"
	Unauthorized       Code = "UNAUTHORIZED"
	Unsupported        Code = "UNSUPPORTED"
	NotFound           Code = "NOT_FOUND"
	Aborted            Code = "ABORTED"
	Overloaded         Code = "OVERLOADED"
	Unavailable        Code = "UNAVAILABLE"
	Timeout            Code = "TIMEOUT"
	Cancelled          Code = "CANCELLED"
	PreconditionFailed Code = "PRECONDITION_FAILED"
	GenericError       Code = "GENERIC_ERROR"
	Undetermined       Code = "UNDETERMINED"
	InternalError      Code = "INTERNAL_ERROR"
	AlreadyExists      Code = "ALREADY_EXISTS"
	BadSession         Code = "BAD_SESSION"
)

// Issue is a structured sub-code attached to a response, e.g.
// KIKIMR_LOCKS_INVALIDATED or TX_DECLINED_IMPLICIT_COORDINATOR. Responses
// may carry zero or more issues alongside their top-level Code.
type Issue struct {
	SubCode string `json:"sub_code"`
	Message string `json:"message"`
}

const (
	IssueLocksInvalidated           = "KIKIMR_LOCKS_INVALIDATED"
	IssueResultUnavailable          = "KIKIMR_RESULT_UNAVAILABLE"
	IssueTxStateUnknown             = "TX_STATE_UNKNOWN"
	IssueDeclinedImplicitCoordinator = "TX_DECLINED_IMPLICIT_COORDINATOR"
)

// Kind is the small, deterministic taxonomy of failure causes shared by
// both subsystems. A Kind maps to exactly one Code; callers classify their error
// into a Kind, not directly into a Code, so the mapping lives in one place.
type Kind int

const (
	KindNone Kind = iota
	KindTransientOverload
	KindTransientAborted
	KindTryLater
	KindResultUnavailableRead
	KindResultUnavailableWrite
	KindCancelled
	KindBadRequest
	KindProgramError
	KindSchemeMismatch
	KindTimeout
	KindUnexpected
)

// codeForKind is the fixed kind -> code mapping. It is a
// package-level map rather than a switch so the taxonomy is reviewable in
// one place.
var codeForKind = map[Kind]Code{
	KindTransientOverload:     Overloaded,
	KindTransientAborted:      Aborted,
	KindTryLater:              Unavailable,
	KindResultUnavailableRead: Unavailable,
	KindResultUnavailableWrite: Undetermined,
	KindCancelled:             Cancelled,
	KindBadRequest:            BadRequest,
	KindProgramError:          PreconditionFailed,
	KindSchemeMismatch:        SchemeError,
	KindTimeout:               Timeout,
	KindUnexpected:            InternalError,
}

// Classified is an error carrying both its Code and the originating cause,
// preserved with github.com/pkg/errors so that logging call sites can print
// the full chain while response-building call sites only need Code/Issues.
type Classified struct {
	cause   error
	Code    Code
	Issues  []Issue
}

func (c *Classified) Error() string {
	return fmt.Sprintf("%s: %v", c.Code, c.cause)
}

// Cause exposes the wrapped error for github.com/pkg/errors.Cause callers.
func (c *Classified) Cause() error { return c.cause }

func (c *Classified) Unwrap() error { return c.cause }

// Classify wraps cause with the status code the given Kind maps to,
// attaching issues (if any) for the caller to surface in its response.
// A nil cause still produces a usable *Classified so call sites can build
// one before a root cause is known (e.g. "shard lost, timed out waiting
// for reattach").
func Classify(kind Kind, cause error, issues ...Issue) *Classified {
	code, ok := codeForKind[kind]
	if !ok {
		code = InternalError
	}
	if cause == nil {
		cause = errors.New(string(code))
	}
	return &Classified{
		Code:   code,
		cause:  errors.WithStack(cause),
		Issues: issues,
	}
}

// New builds a *Classified directly from a known Code, bypassing the Kind
// table. Used for status codes that don't fit the kind taxonomy cleanly
// (e.g. ALREADY_EXISTS on a duplicate readId, which is a protocol-level
// invariant violation rather than a shard-reported failure kind).
func New(code Code, cause error, issues ...Issue) *Classified {
	if cause == nil {
		cause = errors.New(string(code))
	}
	return &Classified{Code: code, cause: errors.WithStack(cause), Issues: issues}
}

// ReadOnlyResultUnavailable picks KindResultUnavailableRead or
// KindResultUnavailableWrite depending on whether the transaction that lost
// its shard was read-only: reads surface UNAVAILABLE+TX_STATE_UNKNOWN,
// writes surface UNDETERMINED+TX_STATE_UNKNOWN, since only a write can
// leave durable state behind in an unknown outcome.
func ReadOnlyResultUnavailable(readOnly bool) *Classified {
	kind := KindResultUnavailableWrite
	if readOnly {
		kind = KindResultUnavailableRead
	}
	return Classify(kind, nil, Issue{SubCode: IssueTxStateUnknown, Message: "shard state unknown after reattach timeout"})
}
