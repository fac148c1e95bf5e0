package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseHandle   Phase = "handle"   // handle table operations
	PhaseFinalize Phase = "finalize" // finalizer registration
	PhaseSchedule Phase = "schedule" // turn scheduling
	PhaseHost     Phase = "host"     // host function registration and calls
	PhaseDecode   Phase = "decode"   // guest memory to Go
	PhaseEncode   Phase = "encode"   // Go to guest memory
	PhaseRuntime  Phase = "runtime"  // runtime operations
	PhaseLoad     Phase = "load"     // module loading
	PhaseParse    Phase = "parse"    // WIT parsing
)

// Kind categorizes the error
type Kind string

const (
	KindUseAfterFree      Kind = "use_after_free"
	KindDoubleFree        Kind = "double_free"
	KindAlreadyRegistered Kind = "already_registered"
	KindUnavailable       Kind = "unavailable"
	KindClosed            Kind = "closed"
	KindOutOfBounds       Kind = "out_of_bounds"
	KindInvalidData       Kind = "invalid_data"
	KindInvalidUTF8       Kind = "invalid_utf8"
	KindTypeMismatch      Kind = "type_mismatch"
	KindNotFound          Kind = "not_found"
	KindNotInitialized    Kind = "not_initialized"
	KindInvalidInput      Kind = "invalid_input"
	KindRegistration      Kind = "registration"
	KindInstantiation     Kind = "instantiation"
)

// Sentinels for errors.Is. They carry no Phase, so they match any phase.
var (
	ErrUseAfterFree = &Error{Kind: KindUseAfterFree}
	ErrDoubleFree   = &Error{Kind: KindDoubleFree}
	ErrUnavailable  = &Error{Kind: KindUnavailable}
	ErrClosed       = &Error{Kind: KindClosed}
)

// Error is the structured error type used throughout the module
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Op     string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// Kind must match; Phase must match only when target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase != "" && t.Phase != e.Phase {
		return false
	}
	return e.Kind == t.Kind
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Op sets the operation name
func (b *Builder) Op(op string) *Builder {
	b.err.Op = op
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// UseAfterFree reports a lookup of a handle that is not live.
func UseAfterFree(op string, handle int32) *Error {
	return &Error{
		Phase:  PhaseHandle,
		Kind:   KindUseAfterFree,
		Op:     op,
		Detail: fmt.Sprintf("handle %d is not live", handle),
		Value:  handle,
	}
}

// DoubleFree reports a release of an entry that is already gone.
func DoubleFree(phase Phase, op string, key any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindDoubleFree,
		Op:     op,
		Detail: fmt.Sprintf("%v is not registered", key),
		Value:  key,
	}
}

// AlreadyRegistered reports a duplicate registration key.
func AlreadyRegistered(phase Phase, key any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAlreadyRegistered,
		Detail: fmt.Sprintf("%v is already registered", key),
		Value:  key,
	}
}

// Unavailable reports a capability the host does not provide.
func Unavailable(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnavailable,
		Detail: what + " is not available",
	}
}

// Closed reports use of a closed component.
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: what + " is closed",
	}
}

// InvalidUTF8 creates an invalid UTF-8 error
func InvalidUTF8(phase Phase, op string, data []byte) *Error {
	preview := data
	if len(preview) > 32 {
		preview = preview[:32]
	}
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidUTF8,
		Op:     op,
		Detail: fmt.Sprintf("invalid UTF-8 sequence: %x", preview),
	}
}

// OutOfBounds creates a guest memory bounds error
func OutOfBounds(phase Phase, op string, offset, length uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Op:     op,
		Detail: fmt.Sprintf("range [%d, %d+%d) outside guest memory", offset, offset, length),
		Value:  offset,
	}
}

// TypeMismatch reports a stored value of an unexpected Go type.
func TypeMismatch(phase Phase, op string, handle int32, want string, got any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeMismatch,
		Op:     op,
		Detail: fmt.Sprintf("handle %d holds %T, want %s", handle, got, want),
		Value:  handle,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// NotInitialized creates a not-initialized error for missing module/instance
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Registration creates a registration error
func Registration(phase Phase, namespace, name string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindRegistration,
		Detail: fmt.Sprintf("register %s#%s", namespace, name),
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// ParseFailed creates a parsing error
func ParseFailed(what string, cause error) *Error {
	return &Error{
		Phase:  PhaseParse,
		Kind:   KindInvalidData,
		Detail: fmt.Sprintf("parse %s", what),
		Cause:  cause,
	}
}
