// Package requesthandler implements C7: a small RPC layer over a
// CloudSocket, parsing semicolon-separated sub-requests in either of two
// textual syntaxes, coercing arguments to a registered handler's declared
// parameter types, and dispatching them in order (inline, or on a fresh
// goroutine for handlers registered with WithThread).
//
// Grounded on scratchcommunication/cloudrequests/requests.py's
// RequestHandler: request/add_request registration, start's accept/recv
// polling loop gated by a 30-second any_update wait, execute_request's
// type_casting + ErrorMessage handling, and parse_python_request/
// parse_normal_request (ported in parser.go).
package requesthandler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/cloudmux/bridge/internal/warnlog"
	"github.com/cloudmux/bridge/pkg/cloudsocket"
	"github.com/cloudmux/bridge/pkg/metrics"
)

// ErrorMessage is a handler-intentional, user-visible error: its text is
// sent to the client verbatim, with no warning logged and no error_in_request
// event emitted (spec.md §7's ErrorMessage taxonomy entry).
type ErrorMessage struct{ Text string }

func (e *ErrorMessage) Error() string { return e.Text }

// NewErrorMessage constructs an ErrorMessage, for handlers that want to
// return a user-facing error without it being treated as a bug.
func NewErrorMessage(format string, args ...any) *ErrorMessage {
	return &ErrorMessage{Text: fmt.Sprintf(format, args...)}
}

const (
	respSyntaxError = "The command syntax was wrong."
	respHandlerFail = "Something went wrong."
)

// registration is one name's handler and its dispatch options.
type registration struct {
	name              string
	fn                reflect.Value
	fnType            reflect.Type
	paramNames        []string
	allowPythonSyntax bool
	thread            bool
}

// RegOption configures a registration. The zero-value options match the
// original's defaults: Python-call syntax allowed, inline (non-threaded)
// dispatch.
type RegOption func(*registration)

// WithPythonSyntax controls whether `name(args...)` call syntax is accepted
// for this handler; false rejects it as a syntax error (spec.md §7's
// PermissionError taxonomy entry).
func WithPythonSyntax(allow bool) RegOption {
	return func(r *registration) { r.allowPythonSyntax = allow }
}

// WithThread runs this handler on its own goroutine, so a slow handler
// doesn't block the dispatch loop or other clients' requests.
func WithThread(thread bool) RegOption {
	return func(r *registration) { r.thread = thread }
}

// WithParamNames names fn's parameters in declaration order, letting
// keyword arguments from the function-call syntax (`name(x=1)`) bind to the
// right positional slot. Go functions carry no runtime parameter names, so
// this is the explicit substitute for the original's signature
// introspection; handlers that never receive keyword arguments can omit it.
func WithParamNames(names ...string) RegOption {
	return func(r *registration) { r.paramNames = names }
}

// Handler dispatches parsed sub-requests to registered Go functions.
type Handler struct {
	socket *cloudsocket.CloudSocket

	mu       sync.RWMutex
	requests map[string]*registration

	onError func(err error, retry func())
}

// New constructs a Handler over socket. socket.Listen must already have
// been called (or be called by the caller before Run), since Handler never
// installs the FROM_CLIENT subscription itself.
func New(socket *cloudsocket.CloudSocket) *Handler {
	return &Handler{socket: socket, requests: map[string]*registration{}}
}

// Register adds a handler under name. fn must be a function; its
// parameter types drive argument coercion and its return values are read
// as (response, error), (response), or (error) — see extractResult.
func (h *Handler) Register(name string, fn any, opts ...RegOption) error {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return fmt.Errorf("requesthandler: %q is not a function", name)
	}

	reg := &registration{name: name, fn: v, fnType: v.Type(), allowPythonSyntax: true}
	for _, opt := range opts {
		opt(reg)
	}

	h.mu.Lock()
	h.requests[name] = reg
	h.mu.Unlock()
	return nil
}

// OnError installs the hook invoked once for every unhandled (non-
// ErrorMessage) handler error. retry reruns the handler (and sends its
// response, the same as the original attempt would have) if called; if the
// hook never calls retry, no response is sent for that sub-request beyond
// what's already been sent.
func (h *Handler) OnError(fn func(err error, retry func())) {
	h.onError = fn
}

func (h *Handler) lookup(name string) (*registration, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	reg, ok := h.requests[name]
	return reg, ok
}

// Run drives the accept/dispatch loop until ctx is cancelled, the socket
// is stopped, or duration elapses (zero means run indefinitely). It blocks
// the calling goroutine; run it in its own goroutine for background
// dispatch, the same way the original's uses_thread=true spawns a
// StoppableThread around an otherwise-identical inline loop.
func (h *Handler) Run(ctx context.Context, duration time.Duration) error {
	var deadline time.Time
	if duration > 0 {
		deadline = time.Now().Add(duration)
	}

	var clients []*cloudsocket.ClientConnection

	for deadline.IsZero() || time.Now().Before(deadline) {
		if stopped := h.socket.Wait(ctx, 30*time.Second); stopped {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		// Accept and Recv treat a zero timeout as "wait indefinitely"; the
		// shortest positive timeout makes each call a single try instead.
		if conn, err := h.socket.Accept(ctx, time.Nanosecond); err == nil {
			clients = append(clients, conn)
		}

		for _, conn := range clients {
			msg, err := conn.Recv(ctx, time.Nanosecond)
			if err != nil {
				continue
			}
			if response, ok := h.processMessage(msg, conn); ok && response != "" {
				if err := conn.Send(response); err != nil {
					warnlog.Warn(ctx, "transport_error", "failed to send a request response", err)
				}
			}
		}
	}
	return nil
}

// processMessage runs every sub-request of msg in order against conn,
// returning the last one's response (spec.md §8's testable property #8).
// Threaded sub-requests send their own response asynchronously and never
// contribute to the returned value.
func (h *Handler) processMessage(msg string, conn *cloudsocket.ClientConnection) (response string, shouldSend bool) {
	for _, raw := range splitSubRequests(msg) {
		name, ok := requestName(raw)
		if !ok {
			response, shouldSend = respSyntaxError, true
			continue
		}

		reg, known := h.lookup(name)
		args, kwargs, err := h.parseSubRequest(raw, name, reg, known)
		if err != nil {
			warnlog.Warn(context.Background(), "invalid_syntax",
				fmt.Sprintf("received a request with invalid syntax: %q", raw), err)
			response, shouldSend = respSyntaxError, true
			continue
		}
		if !known {
			response, shouldSend = respSyntaxError, true
			continue
		}

		response, shouldSend = h.execute(reg, args, kwargs, conn)
	}
	return response, shouldSend
}

func (h *Handler) parseSubRequest(raw, name string, reg *registration, known bool) (args []any, kwargs map[string]any, err error) {
	switch {
	case isCallSyntax(raw):
		if !known || !reg.allowPythonSyntax {
			return nil, nil, errors.New("requesthandler: function-call syntax is not allowed for this request")
		}
		return parsePythonCall(raw)
	default:
		args, err = parseNormalRequest(name, raw)
		return args, map[string]any{}, err
	}
}

// execute invokes reg's handler with args/kwargs coerced to its declared
// parameter types. If thread is set, the handler runs on its own goroutine
// and its response is sent directly rather than returned.
func (h *Handler) execute(reg *registration, args []any, kwargs map[string]any, conn *cloudsocket.ClientConnection) (response string, shouldSend bool) {
	run := func() (string, error) {
		return invoke(reg, args, kwargs)
	}

	if reg.thread {
		workerID := shortuuid.New()
		go func() {
			resp, err := run()
			resp = h.resolveError(err, resp, func() (string, error) { return invoke(reg, args, kwargs) }, conn)
			if resp != "" {
				if sendErr := conn.Send(resp); sendErr != nil {
					warnlog.Warn(context.Background(), "transport_error",
						fmt.Sprintf("worker %s failed to send a threaded request response", workerID), sendErr)
				}
			}
		}()
		return "", false
	}

	resp, err := run()
	resp = h.resolveError(err, resp, run, conn)
	return resp, true
}

// resolveError turns a handler's (response, error) pair into the final
// response text: ErrorMessage errors pass their text through verbatim; any
// other error is routed to OnError if set (which may call retry to rerun
// the handler and send its own response), else warned and reported to the
// client as a generic failure.
func (h *Handler) resolveError(err error, resp string, retryCall func() (string, error), conn *cloudsocket.ClientConnection) string {
	if err == nil {
		return resp
	}

	var em *ErrorMessage
	if errors.As(err, &em) {
		return em.Text
	}

	if h.onError != nil {
		h.onError(err, func() {
			if resp, err := retryCall(); err == nil && resp != "" {
				if sendErr := conn.Send(resp); sendErr != nil {
					warnlog.Warn(context.Background(), "transport_error", "failed to send a retried request response", sendErr)
				}
			}
		})
		return ""
	}

	warnlog.Warn(context.Background(), "error_in_request", "a request handler failed", err)
	return respHandlerFail
}

func invoke(reg *registration, args []any, kwargs map[string]any) (resp string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("requesthandler: handler %q panicked: %v", reg.name, r)
		}
		metrics.IncrementRequestCounter(time.Now(), reg.name, err)
	}()

	in := buildArgs(reg, args, kwargs)
	out := reg.fn.Call(in)
	return extractResult(out)
}

func buildArgs(reg *registration, args []any, kwargs map[string]any) []reflect.Value {
	fnType := reg.fnType
	numIn := fnType.NumIn()
	variadic := fnType.IsVariadic()
	fixed := numIn
	if variadic {
		fixed = numIn - 1
	}

	merged := append([]any{}, args...)
	for i, pname := range reg.paramNames {
		if i < len(merged) {
			continue
		}
		if v, ok := kwargs[pname]; ok {
			for len(merged) <= i {
				merged = append(merged, nil)
			}
			merged[i] = v
		}
	}

	in := make([]reflect.Value, 0, len(merged))
	for i, raw := range merged {
		var target reflect.Type
		switch {
		case i < fixed:
			target = fnType.In(i)
		case variadic:
			target = fnType.In(numIn - 1).Elem()
		default:
			continue // extra argument beyond the handler's signature: dropped
		}
		in = append(in, coerceValue(raw, target))
	}
	for len(in) < fixed {
		in = append(in, reflect.Zero(fnType.In(len(in))))
	}
	return in
}
