package logging

import (
	"errors"
	"fmt"
)

// OperationError annotates an infrastructure error with the operation that
// failed and the upload or request it was working on.
type OperationError struct {
	Operation string
	RequestID string
	Key       string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	switch {
	case e.RequestID != "" && e.Key != "":
		return fmt.Sprintf("%s (request_id=%s key=%s): %v", e.Operation, e.RequestID, e.Key, e.Err)
	case e.Key != "":
		return fmt.Sprintf("%s (key=%s): %v", e.Operation, e.Key, e.Err)
	case e.RequestID != "":
		return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps an error with the operation and request it belongs to.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// NewKeyedError is NewOperationError for failures tied to a stored upload.
func NewKeyedError(operation, requestID, key string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Key: key, Err: err}
}

// OperationOf reports the operation name of the outermost OperationError in err's chain.
func OperationOf(err error) (string, bool) {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Operation, true
	}
	return "", false
}
