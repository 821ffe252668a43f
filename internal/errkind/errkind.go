// Package errkind classifies errors into the small set of outcome kinds the
// pipeline acts on. Kinds are attached with cockroachdb/errors marks so they
// survive wrapping; callers branch on KindOf rather than on error strings.
package errkind

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Kind is the coarse classification of a failure. It decides retry and
// surfacing behavior, not the error message.
type Kind string

const (
	// KindInvalidRequest covers malformed envelopes, bad UUIDs and oversized
	// payloads. Surfaced to the caller, never retried.
	KindInvalidRequest Kind = "invalid_request"

	// KindExpired means the request deadline passed before or during
	// generation. Surfaced, never retried.
	KindExpired Kind = "expired"

	// KindTimeout means the generator (or a request/reply wait) exceeded its
	// cap. The caller may retry with a fresh jobID.
	KindTimeout Kind = "timeout"

	// KindTransient covers store and bus connectivity failures. Retried
	// locally with exponential backoff.
	KindTransient Kind = "transient"

	// KindBackpressure means an outbound buffer or socket queue is saturated.
	// The work is dropped with accounting.
	KindBackpressure Kind = "backpressure"

	// KindPolicy covers authentication and authorization failures.
	KindPolicy Kind = "policy"

	// KindFatal marks corrupted state or invariant violations. Triggers
	// process shutdown.
	KindFatal Kind = "fatal"

	// KindUnknown is returned by KindOf for unclassified errors.
	KindUnknown Kind = "unknown"
)

// markers are the reference errors used with errors.Mark. One per kind,
// allocated once so identity comparison works across the process.
var markers = map[Kind]error{
	KindInvalidRequest: errors.New("invalid request"),
	KindExpired:        errors.New("expired"),
	KindTimeout:        errors.New("timeout"),
	KindTransient:      errors.New("transient"),
	KindBackpressure:   errors.New("backpressure"),
	KindPolicy:         errors.New("policy"),
	KindFatal:          errors.New("fatal"),
}

// New creates a new error of the given kind.
func New(kind Kind, msg string) error {
	return errors.Mark(errors.New(msg), markers[kind])
}

// Newf creates a new formatted error of the given kind.
func Newf(kind Kind, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), markers[kind])
}

// Wrap annotates err with a message and classifies it. A nil err returns nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), markers[kind])
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	marker, ok := markers[kind]
	if !ok {
		return false
	}
	return errors.Is(err, marker)
}

// KindOf returns the kind carried by err. Context cancellation and deadline
// errors map to KindTimeout so that ctx-bounded calls classify uniformly.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for kind, marker := range markers {
		if errors.Is(err, marker) {
			return kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindUnknown
}

// Retryable reports whether the error should be retried locally.
// Only transient connectivity failures qualify.
func Retryable(err error) bool {
	return Is(err, KindTransient)
}
