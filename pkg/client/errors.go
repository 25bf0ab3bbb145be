package client

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// Common errors returned by the client.
var (
	// ErrDecode is returned when cached or fetched content is not valid JSON.
	ErrDecode = errors.New("decode response")

	// ErrDomainRequired is returned by New when Config.Domain is empty.
	ErrDomainRequired = errors.New("domain is required")
)

// maxErrorBody bounds how much of an upstream body is echoed in Error().
const maxErrorBody = 512

// HTTPError is returned when the upstream answers with a non-2xx status.
// Such responses are never cached.
type HTTPError struct {
	URI        string
	StatusCode int
	Status     string
	Body       []byte
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if len(e.Body) == 0 {
		return fmt.Sprintf("GET %s: %s error (status %s)", e.URI, e.Class(), status)
	}
	body := e.Body
	if len(body) > maxErrorBody {
		n := maxErrorBody
		for n > 0 && !utf8.RuneStart(body[n]) {
			n--
		}
		body = body[:n]
	}
	return fmt.Sprintf("GET %s: %s error (status %s): %s", e.URI, e.Class(), status, body)
}

// Class classifies the failure by status code.
func (e *HTTPError) Class() ErrorClass {
	return classifyStatus(e.StatusCode)
}

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassUnexpected represents any other non-2xx status (1xx, 3xx).
	ErrorClassUnexpected ErrorClass = "unexpected"

	// ErrorClassNetwork represents transport errors.
	ErrorClassNetwork ErrorClass = "network"
)

func classifyStatus(code int) ErrorClass {
	switch {
	case code >= 400 && code < 500:
		return ErrorClassClient
	case code >= 500:
		return ErrorClassServer
	default:
		return ErrorClassUnexpected
	}
}
