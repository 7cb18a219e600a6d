// Package errs provides the structured error envelope and error taxonomy of the streaming client.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies the broad failure category.
type Code string

const (
	// CodeNetwork indicates a transport failure (dial, read, write, abnormal close).
	CodeNetwork Code = "network"
	// CodeProtocol indicates a malformed or unexpected frame, or a server-reported error.
	CodeProtocol Code = "protocol"
	// CodeAuth indicates authentication problems.
	CodeAuth Code = "auth"
	// CodeVersion indicates an unsupported protocol version.
	CodeVersion Code = "version"
	// CodeCapacity indicates a subscription or bucket limit was reached.
	CodeCapacity Code = "capacity"
	// CodeChecksum indicates local order book state diverged from the server.
	CodeChecksum Code = "checksum"
	// CodeTimeout indicates the connection stayed offline longer than allowed.
	CodeTimeout Code = "timeout"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates the resource already exists.
	CodeConflict Code = "conflict"
	// CodeExchange indicates an exchange-side rejection.
	CodeExchange Code = "exchange_error"
	// CodeClosed indicates the session was shut down.
	CodeClosed Code = "closed"
)

// CanonicalCode identifies a specific, matchable failure.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalAuthRejected indicates the server refused the credentials.
	CanonicalAuthRejected CanonicalCode = "auth_rejected"
	// CanonicalNoCredentials indicates an authenticated operation without credentials.
	CanonicalNoCredentials CanonicalCode = "no_credentials"
	// CanonicalVersionMismatch indicates the server speaks another protocol version.
	CanonicalVersionMismatch CanonicalCode = "version_mismatch"
	// CanonicalCapacityExceeded indicates a bucket or server channel limit was hit.
	CanonicalCapacityExceeded CanonicalCode = "capacity_exceeded"
	// CanonicalChecksumMismatch indicates a book must be resynchronised.
	CanonicalChecksumMismatch CanonicalCode = "checksum_mismatch"
	// CanonicalReconnectTimeout indicates reconnection gave up.
	CanonicalReconnectTimeout CanonicalCode = "reconnect_timeout"
	// CanonicalUnknownSubscription indicates an unknown client subscription id.
	CanonicalUnknownSubscription CanonicalCode = "unknown_subscription"
	// CanonicalAlreadySubscribed indicates a duplicate channel subscription.
	CanonicalAlreadySubscribed CanonicalCode = "already_subscribed"
	// CanonicalOrderNotFound indicates that the referenced order is not tracked.
	CanonicalOrderNotFound CanonicalCode = "order_not_found"
	// CanonicalOrderRejected indicates the exchange refused an order request.
	CanonicalOrderRejected CanonicalCode = "order_rejected"
	// CanonicalMalformedFrame indicates a frame that could not be decoded.
	CanonicalMalformedFrame CanonicalCode = "malformed_frame"
	// CanonicalSessionClosed indicates work abandoned by session shutdown.
	CanonicalSessionClosed CanonicalCode = "session_closed"
)

// Taxonomy sentinels. Match with errors.Is; contextual errors built with New and the same
// canonical code compare equal.
var (
	ErrAuthRejected        = New("", CodeAuth, WithCanonicalCode(CanonicalAuthRejected), Fatal())
	ErrNoCredentials       = New("", CodeAuth, WithCanonicalCode(CanonicalNoCredentials))
	ErrVersionMismatch     = New("", CodeVersion, WithCanonicalCode(CanonicalVersionMismatch), Fatal())
	ErrCapacityExceeded    = New("", CodeCapacity, WithCanonicalCode(CanonicalCapacityExceeded))
	ErrChecksumMismatch    = New("", CodeChecksum, WithCanonicalCode(CanonicalChecksumMismatch))
	ErrReconnectTimeout    = New("", CodeTimeout, WithCanonicalCode(CanonicalReconnectTimeout), Fatal())
	ErrUnknownSubscription = New("", CodeNotFound, WithCanonicalCode(CanonicalUnknownSubscription))
	ErrAlreadySubscribed   = New("", CodeConflict, WithCanonicalCode(CanonicalAlreadySubscribed))
	ErrOrderNotFound       = New("", CodeNotFound, WithCanonicalCode(CanonicalOrderNotFound))
	ErrOrderRejected       = New("", CodeExchange, WithCanonicalCode(CanonicalOrderRejected))
	ErrMalformedFrame      = New("", CodeProtocol, WithCanonicalCode(CanonicalMalformedFrame))
	ErrSessionClosed       = New("", CodeClosed, WithCanonicalCode(CanonicalSessionClosed))
)

// E captures structured error information produced across the client.
type E struct {
	Component string
	Code      Code
	RawCode   string
	RawMsg    string
	Message   string
	Canonical CanonicalCode
	Fields    map[string]string
	fatal     bool

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		RawCode:   "",
		RawMsg:    "",
		Message:   "",
		Canonical: CanonicalUnknown,
		Fields:    nil,
		fatal:     false,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRawCode captures the numeric server error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw server error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical code identifying the failure.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single key/value pair of context.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

// Fatal marks the error as terminal for the connection that produced it.
func Fatal() Option {
	return func(e *E) {
		e.fatal = true
	}
}

// Derive builds a contextual copy of a sentinel, keeping its code, canonical code and fatality.
func Derive(sentinel *E, component string, opts ...Option) *E {
	base := []Option{WithCanonicalCode(sentinel.Canonical)}
	if sentinel.fatal {
		base = append(base, Fatal())
	}
	return New(component, sentinel.Code, append(base, opts...)...)
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "bfxstream"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is matches envelopes by canonical code, or by code when the target carries no canonical code.
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Canonical != "" && t.Canonical != CanonicalUnknown {
		return e.Canonical == t.Canonical
	}
	return e.Code == t.Code
}

// IsFatal reports whether any envelope in the chain is marked fatal.
func IsFatal(err error) bool {
	for err != nil {
		var e *E
		if !errors.As(err, &e) {
			return false
		}
		if e.fatal {
			return true
		}
		err = e.cause
	}
	return false
}
