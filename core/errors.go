package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures surfaced by resolution, build and execution.
type ErrorKind string

const (
	// KindInvalidConfig marks a definition whose type and payload disagree or
	// that references something that cannot exist.
	KindInvalidConfig ErrorKind = "InvalidConfig"
	// KindUnknownTool marks a tool reference missing from every catalog.
	KindUnknownTool ErrorKind = "UnknownTool"
	// KindCredentialUnavailable marks a credential that could not be decrypted.
	KindCredentialUnavailable ErrorKind = "CredentialUnavailable"
	// KindMalformedWorkflow marks a workflow graph that cannot terminate.
	KindMalformedWorkflow ErrorKind = "MalformedWorkflow"
	// KindWorkflowStepBudgetExceeded marks a workflow that ran out of steps.
	KindWorkflowStepBudgetExceeded ErrorKind = "WorkflowStepBudgetExceeded"
	// KindNodeExecutionFailure is the generic execution failure of a node.
	KindNodeExecutionFailure ErrorKind = "NodeExecutionFailure"
	// KindSchemaValidation marks a task step whose output violated its schema.
	KindSchemaValidation ErrorKind = "SchemaValidation"
	// KindTimeout marks a per-call timeout of a LeafCall or RemoteBridge.
	KindTimeout ErrorKind = "Timeout"
	// KindCancelled marks a run stopped by its caller.
	KindCancelled ErrorKind = "Cancelled"
	// KindRemoteProtocolError marks a failed exchange with a remote agent.
	KindRemoteProtocolError ErrorKind = "RemoteProtocolError"
)

// Error is the structured error type used across agentforge. NodePath names
// the node that originated the failure ("" for resolution/build errors).
type Error struct {
	Kind     ErrorKind
	NodePath string
	Message  string
	Err      error
}

// Sentinels usable with errors.Is; matching compares the kind only.
var (
	ErrInvalidConfig              = &Error{Kind: KindInvalidConfig}
	ErrUnknownTool                = &Error{Kind: KindUnknownTool}
	ErrCredentialUnavailable      = &Error{Kind: KindCredentialUnavailable}
	ErrMalformedWorkflow          = &Error{Kind: KindMalformedWorkflow}
	ErrWorkflowStepBudgetExceeded = &Error{Kind: KindWorkflowStepBudgetExceeded}
	ErrNodeExecutionFailure       = &Error{Kind: KindNodeExecutionFailure}
	ErrSchemaValidation           = &Error{Kind: KindSchemaValidation}
	ErrTimeout                    = &Error{Kind: KindTimeout}
	ErrCancelled                  = &Error{Kind: KindCancelled}
	ErrRemoteProtocol             = &Error{Kind: KindRemoteProtocolError}
)

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf creates an Error of the given kind with a formatted message. A %w
// verb in format is honored and becomes the wrapped error.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Message: err.Error(), Err: errors.Unwrap(err)}
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(string(e.Kind))

	if e.NodePath != "" {
		b.WriteString(" at ")
		b.WriteString(e.NodePath)
	}

	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind && t.Message == "" && t.NodePath == "" && t.Err == nil
}

// WrapNodeError attaches a node path to err. Structured errors keep their kind
// and the innermost path; anything else becomes a NodeExecutionFailure (or
// Cancelled / Timeout for context errors).
func WrapNodeError(path string, err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		if e.NodePath != "" {
			return err
		}

		cp := *e
		cp.NodePath = path

		return &cp
	}

	return &Error{Kind: kindFromContext(err), NodePath: path, Message: err.Error(), Err: err}
}

// KindOf extracts the ErrorKind of err.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return kindFromContext(err)
}

// PathOf extracts the originating node path of err, if any.
func PathOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.NodePath
	}

	return ""
}

func kindFromContext(err error) ErrorKind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindNodeExecutionFailure
	}
}
