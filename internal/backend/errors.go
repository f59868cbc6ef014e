package backend

import (
	"errors"
	"fmt"

	"github.com/nfrund/blenny/internal/domain"
)

var (
	ErrQueryFailed       = errors.New("query execution failed")
	ErrFeedFailed        = errors.New("change feed could not be established")
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

// OpError carries the operation, statement and parameters that produced a
// backend failure, so callers can log a query without reconstructing it.
type OpError struct {
	err    error
	op     string
	query  string
	params map[string]any
}

func (e *OpError) Error() string {
	if e.query != "" {
		return fmt.Sprintf("%s: %v (query: %s, params: %v)", e.op, e.err, e.query, e.params)
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *OpError) Unwrap() error { return e.err }

func (e *OpError) Is(target error) bool { return errors.Is(e.err, target) }

// WrapError attaches operation context to err. A nil err stays nil.
func WrapError(err error, op string) error {
	if err == nil {
		return nil
	}
	return &OpError{err: err, op: op}
}

// WrapQueryError is WrapError plus the statement and parameters involved.
func WrapQueryError(err error, op, query string, params map[string]any) error {
	if err == nil {
		return nil
	}
	return &OpError{err: err, op: op, query: query, params: params}
}

// RejectedError reports a refusal by the remote service, preserving the
// service's own message verbatim. It matches domain.ErrRemoteRejected.
type RejectedError struct {
	Msg string
}

func (e *RejectedError) Error() string {
	if e.Msg == "" {
		return domain.ErrRemoteRejected.Error()
	}
	return e.Msg
}

func (e *RejectedError) Is(target error) bool { return target == domain.ErrRemoteRejected }
