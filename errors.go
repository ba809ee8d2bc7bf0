package firedoc

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error codes, named as the document store reports them.
const (
	CodeCancelled          = "cancelled"
	CodeUnknown            = "unknown"
	CodeInvalidArgument    = "invalid-argument"
	CodeDeadlineExceeded   = "deadline-exceeded"
	CodeNotFound           = "not-found"
	CodeAlreadyExists      = "already-exists"
	CodePermissionDenied   = "permission-denied"
	CodeResourceExhausted  = "resource-exhausted"
	CodeFailedPrecondition = "failed-precondition"
	CodeAborted            = "aborted"
	CodeOutOfRange         = "out-of-range"
	CodeUnimplemented      = "unimplemented"
	CodeInternal           = "internal"
	CodeUnavailable        = "unavailable"
	CodeDataLoss           = "data-loss"
	CodeUnauthenticated    = "unauthenticated"
)

var grpcCodes = map[codes.Code]string{
	codes.Canceled:           CodeCancelled,
	codes.Unknown:            CodeUnknown,
	codes.InvalidArgument:    CodeInvalidArgument,
	codes.DeadlineExceeded:   CodeDeadlineExceeded,
	codes.NotFound:           CodeNotFound,
	codes.AlreadyExists:      CodeAlreadyExists,
	codes.PermissionDenied:   CodePermissionDenied,
	codes.ResourceExhausted:  CodeResourceExhausted,
	codes.FailedPrecondition: CodeFailedPrecondition,
	codes.Aborted:            CodeAborted,
	codes.OutOfRange:         CodeOutOfRange,
	codes.Unimplemented:      CodeUnimplemented,
	codes.Internal:           CodeInternal,
	codes.Unavailable:        CodeUnavailable,
	codes.DataLoss:           CodeDataLoss,
	codes.Unauthenticated:    CodeUnauthenticated,
}

// Error is the only error kind returned by firedoc operations, both from
// direct calls and as the terminal event of a subscription.
type Error struct {
	// Op names the failed operation and its target, e.g. "read users/42".
	Op string
	// Message is the driver's message, or firedoc's own for internal failures.
	Message string
	// Code is the driver-reported code; empty for client-side failures.
	Code string
	// Origin is where the failure was observed.
	Origin errors.StackTrace

	cause error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.Op != "" {
		return "firedoc: " + e.Op + ": " + msg
	}
	return "firedoc: " + msg
}

func (e *Error) Unwrap() error { return e.cause }

// Format prints the origin trace with %+v.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = io.WriteString(s, e.Error())
			e.Origin.Format(s, verb)
			return
		}
		fallthrough
	case 's':
		_, _ = io.WriteString(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func newError(op, msg, code string, cause error) *Error {
	var st errors.StackTrace
	if cause != nil {
		st = errors.WithStack(cause).(stackTracer).StackTrace()
	} else {
		st = errors.New(msg).(stackTracer).StackTrace()
	}
	// drop newError itself
	if len(st) > 1 {
		st = st[1:]
	}
	return &Error{Op: op, Message: msg, Code: code, Origin: st, cause: cause}
}

// Translate converts any error into *Error. Errors that already are *Error
// keep their code and origin; op is only filled in when missing.
func Translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Op == "" {
			cp := *fe
			cp.Op = op
			return &cp
		}
		return fe
	}
	switch {
	case errors.Is(err, context.Canceled):
		return newError(op, err.Error(), CodeCancelled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(op, err.Error(), CodeDeadlineExceeded, err)
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		return newError(op, st.Message(), grpcCodes[st.Code()], err)
	}
	return newError(op, err.Error(), "", err)
}

// ErrorCode returns the code carried by err, or "" if none.
func ErrorCode(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}
