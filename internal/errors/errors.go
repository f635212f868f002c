package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code codes.Code

const (
	CodeInvalidArgument    = Code(codes.InvalidArgument)
	CodeNotFound           = Code(codes.NotFound)
	CodeAlreadyExists      = Code(codes.AlreadyExists)
	CodeFailedPrecondition = Code(codes.FailedPrecondition)
	CodeOutOfRange         = Code(codes.OutOfRange)
	CodeDataLoss           = Code(codes.DataLoss)
	CodeUnavailable        = Code(codes.Unavailable)
	CodeInternal           = Code(codes.Internal)
	CodeUnauthenticated    = Code(codes.Unauthenticated)
)

// Kind is the stable, machine-readable error category exposed to clients.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindInvalidState    Kind = "invalid_state"
	KindOutOfOrder      Kind = "out_of_order"
	KindDataIntegrity   Kind = "data_integrity"
	KindUnavailable     Kind = "unavailable"
	KindInternal        Kind = "internal"
	KindUnauthenticated Kind = "unauthenticated"
)

var code2http = map[Code]int{
	CodeInvalidArgument:    http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeAlreadyExists:      http.StatusConflict,
	CodeFailedPrecondition: http.StatusConflict,
	CodeOutOfRange:         http.StatusUnprocessableEntity,
	CodeDataLoss:           http.StatusInternalServerError,
	CodeUnavailable:        http.StatusServiceUnavailable,
	CodeInternal:           http.StatusInternalServerError,
	CodeUnauthenticated:    http.StatusUnauthorized,
}

var code2kind = map[Code]Kind{
	CodeInvalidArgument:    KindValidation,
	CodeNotFound:           KindNotFound,
	CodeAlreadyExists:      KindConflict,
	CodeFailedPrecondition: KindInvalidState,
	CodeOutOfRange:         KindOutOfOrder,
	CodeDataLoss:           KindDataIntegrity,
	CodeUnavailable:        KindUnavailable,
	CodeInternal:           KindInternal,
	CodeUnauthenticated:    KindUnauthenticated,
}

type Error struct {
	Code    Code   `json:"code"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Kind:    KindOf(code),
		Message: codes.Code(code).String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

// KindOf returns the client-facing kind of a code, internal for unknown codes.
func KindOf(code Code) Kind {
	if k, ok := code2kind[code]; ok {
		return k
	}

	return KindInternal
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %d, kind: %s, message: %s", e.Code, e.Kind, e.Message)
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches another *Error by code, so errors.Is(err, errors.New(CodeNotFound)) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return t.Code == e.Code
}

func (e *Error) GRPCStatus() *status.Status {
	return status.New(codes.Code(e.Code), e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

// Convert returns err as an *Error. Context deadline and cancellation become transient
// unavailable errors, anything else unknown becomes internal.
func Convert(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Unavailable(err)
	}

	return Internal(err)
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

func Unavailable(err error) *Error {
	return New(CodeUnavailable, WithMessagef("temporarily unavailable, retry later"), WithCause(err))
}

// Conflict is returned when a user already has a quiz in progress.
func Conflict(format string, args ...any) *Error {
	return New(CodeAlreadyExists, WithMessagef(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, WithMessagef(format, args...))
}

func Validation(format string, args ...any) *Error {
	return New(CodeInvalidArgument, WithMessagef(format, args...))
}

// InvalidState is returned when an operation is not allowed in the session status.
func InvalidState(format string, args ...any) *Error {
	return New(CodeFailedPrecondition, WithMessagef(format, args...))
}

// OutOfOrder is returned when an answer does not target the current question.
func OutOfOrder(format string, args ...any) *Error {
	return New(CodeOutOfRange, WithMessagef(format, args...))
}

// DataIntegrity signals broken quiz content, e.g. a question with no correct answer.
func DataIntegrity(format string, args ...any) *Error {
	return New(CodeDataLoss, WithMessagef(format, args...))
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}
