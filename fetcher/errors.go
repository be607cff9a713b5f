package fetcher

import (
	"errors"
	"fmt"
)

// ErrInvalidPoolSize is returned when a pool is constructed with fewer than one worker
var ErrInvalidPoolSize = errors.New("pool size must be at least 1")

// StatusError is returned when a feed server answers with an unexpected status code
type StatusError struct {
	Url        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.StatusCode, e.Url)
}

// ParseError is returned when a response body is not a readable feed
type ParseError struct {
	Url string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Url, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsStatusError checks if an error is a StatusError
func IsStatusError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr)
}

// IsParseError checks if an error is a ParseError
func IsParseError(err error) bool {
	var parseErr *ParseError
	return errors.As(err, &parseErr)
}
