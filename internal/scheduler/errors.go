package scheduler

import (
	"errors"
	"fmt"
)

const (
	CodeValidation         = "VALIDATION"
	CodeRunInProgress      = "RUN_IN_PROGRESS"
	CodeNotFound           = "NOT_FOUND"
	CodeBrowserUnavailable = "BROWSER_UNAVAILABLE"
	CodeStorageFailure     = "STORAGE_FAILURE"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return newError(CodeStorageFailure, op, err)
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}
