package httpserver

import (
	"errors"
	"net/http"
)

// Error codes returned alongside the message in relay error bodies.
const (
	CodeMissingMessages   = "missing_messages"
	CodeMissingCredential = "missing_credential"
	CodeUnknownProvider   = "unknown_provider"
	CodeProviderFailure   = "provider_failure"
)

// The messages are part of the wire contract and are capitalised as clients expect them.
var (
	ErrMissingMessages   = errors.New("Messages are required")
	ErrMissingCredential = errors.New("API key is required")
	ErrUnknownProvider   = errors.New("Invalid provider")
)

const internalErrorMessage = "Internal server error"

// RequestError is a relay failure with the status and code it is reported with.
type RequestError struct {
	Status int
	Code   string
	Err    error
}

func (e *RequestError) Error() string {
	if e.Err == nil || e.Err.Error() == "" {
		return internalErrorMessage
	}
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error { return e.Err }

func badRequest(code string, err error) *RequestError {
	return &RequestError{Status: http.StatusBadRequest, Code: code, Err: err}
}

// providerFailure covers both adapter configuration and stream start errors.
func providerFailure(err error) *RequestError {
	return &RequestError{Status: http.StatusInternalServerError, Code: CodeProviderFailure, Err: err}
}
