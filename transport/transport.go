// Package transport defines the injected adapter through which outbound
// messages reach the chat server, and the error taxonomy the coordinator
// uses to decide between retrying and failing fast.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/offchat/offchat/store"
)

// Sender delivers one outbound message and returns the authoritative record
// the server minted for it. The queued message's TempID is the idempotency
// token: the server is expected to de-duplicate retries carrying the same
// one.
type Sender interface {
	Send(ctx context.Context, msg *store.QueuedMessage) (*store.CachedMessage, error)
}

// Reactor is optionally implemented by senders that support reactions.
type Reactor interface {
	React(ctx context.Context, chatID, messageID, reaction string) error
}

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	// KindUnknown marks an uncategorized failure; classification falls back
	// to heuristics.
	KindUnknown ErrorKind = iota
	// KindTransient covers network errors, 5xx, 429 and timeouts. Retried
	// with backoff.
	KindTransient
	// KindPermanent covers 4xx-class and validation failures. Never retried.
	KindPermanent
)

// Error is a classified transport failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.StatusCode > 0:
		return fmt.Sprintf("transport: status %d: %v", e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("transport: %v", e.Err)
	default:
		return fmt.Sprintf("transport: status %d", e.StatusCode)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) *Error {
	return &Error{Kind: KindPermanent, Err: err}
}

// Status builds an Error classified from an HTTP-style status code: 5xx and
// 429 are transient, other 4xx permanent.
func Status(code int, err error) *Error {
	kind := KindPermanent
	if code >= 500 || code == 429 {
		kind = KindTransient
	}
	return &Error{Kind: kind, StatusCode: code, Err: err}
}

// Classify maps an error from Sender.Send onto the taxonomy. Categorized
// errors keep their kind; network-class errors count as transient, and so
// does anything else, keeping delivery at-least-once.
func Classify(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) && te.Kind != KindUnknown {
		return te.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	// Uncategorized failures are treated as recoverable; only errors the
	// transport explicitly marks permanent skip the retry path.
	return KindTransient
}
