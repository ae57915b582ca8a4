// Package warnlog reintroduces the "non-fatal warning" model that the
// original Python implementation gets for free from warnings.warn(...,
// RuntimeWarning): a packet that fails an assertion, a handler that panics,
// a malformed request — none of these should kill the reader goroutine or
// the dispatch loop that observed them, but they shouldn't vanish silently
// either.
//
// It is modeled on the teacher's pkg/temporal.LogAdapter, which bridges an
// external logging interface onto zerolog; here the "external interface" is
// the informal {kind, message, error} shape used throughout cloudlink,
// framing, cloudsocket and requesthandler.
package warnlog

import (
	"context"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	sinks  []func(ctx context.Context, kind, msg string, err error)
)

// SetOutput redirects where warnings are written. Tests use this to capture
// output instead of emitting to stderr.
func SetOutput(w zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = w
}

// Subscribe registers a sink that is invoked (in addition to the zerolog
// record) for every warning. cmd/cloudsocketd subscribes to forward
// warnings to its slog logger; no subscriber turns warnings into CloudLink
// bus events, so kinds such as "error_in_request" or "invalid_syntax" are
// not emitted on the bus.
func Subscribe(f func(ctx context.Context, kind, msg string, err error)) {
	mu.Lock()
	defer mu.Unlock()
	sinks = append(sinks, f)
}

// Warn records a non-fatal condition identified by kind (one of the
// taxonomy values in spec.md §7, e.g. "bad_message", "salt_violation",
// "error_in_request") and fans it out to every subscribed sink.
func Warn(ctx context.Context, kind, msg string, err error) {
	mu.RLock()
	l := logger
	s := append([]func(context.Context, string, string, error){}, sinks...)
	mu.RUnlock()

	e := l.Warn().Str("kind", kind)
	if err != nil {
		e = e.Err(err)
	}
	e.Msg(msg)

	for _, f := range s {
		f(ctx, kind, msg, err)
	}
}
