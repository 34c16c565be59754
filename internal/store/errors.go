package store

import (
	"errors"
	"fmt"
)

type (
	// TransientError covers timeouts, connection resets and retryable
	// HTTP classes (5xx on reads, 429/503 on batch reads). The client
	// retries these internally; one surfacing to a caller means the
	// backoff budget was exhausted.
	TransientError struct {
		HTTPCode int
		Reason   string
	}

	// AuthError indicates the store rejected the session token and the
	// single silent re-authentication also failed.
	AuthError struct {
		Reason string
	}

	// NotFoundError is raised for a 404 on single-record reads. Finds
	// treat 404 as an empty result and never surface this type.
	NotFoundError struct {
		Layout    string
		RecordKey string
	}

	// RequestError is any other non-success response from the store.
	RequestError struct {
		HTTPCode  int
		StoreCode string
		Message   string
	}
)

func (err *TransientError) Error() string {
	if err.HTTPCode > 0 {
		return fmt.Sprintf("transient store failure (HTTP %d): %s", err.HTTPCode, err.Reason)
	}

	return fmt.Sprintf("transient store failure: %s", err.Reason)
}

func (err *AuthError) Error() string {
	return fmt.Sprintf("store authentication failed: %s", err.Reason)
}

func (err *NotFoundError) Error() string {
	return fmt.Sprintf("record %s not found in layout %s", err.RecordKey, err.Layout)
}

func (err *RequestError) Error() string {
	return fmt.Sprintf("store request failed (HTTP %d, store code %s): %s", err.HTTPCode, err.StoreCode, err.Message)
}

// IsNotFound reports whether the error chain contains a NotFoundError.
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return errors.As(err, &notFound)
}

// IsTransient reports whether the error chain contains a TransientError.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
