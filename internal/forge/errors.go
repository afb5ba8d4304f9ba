package forge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v68/github"
)

// APIError is the typed error surfaced by every Client method, per
// spec.md §7. Callers branch on Retriable rather than on Status directly,
// since what counts as retriable also depends on the underlying transport
// error (DNS failures, connection resets) that never produced a Status.
type APIError struct {
	Message      string
	Code         string
	Status       int
	RequestID    string
	ResponseText string
	Retriable    bool
	RetryAfter   time.Duration
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return e.Message + " (status " + strconv.Itoa(e.Status) + ")"
	}
	return e.Message
}

// classify converts a go-github/network error into an *APIError, deciding
// retriability per spec.md §7:
//
//	retriable:     408, 425, 429, 5xx, and network errors
//	               (ETIMEDOUT/ECONNRESET/ECONNREFUSED/ENOTFOUND/EAI_AGAIN)
//	non-retriable: 401, 403, 404, 422, and any other 4xx
func classify(err error) *APIError {
	if err == nil {
		return nil
	}

	var ghErr *gogithub.ErrorResponse
	if errors.As(err, &ghErr) {
		status := ghErr.Response.StatusCode
		ae := &APIError{
			Message:      ghErr.Message,
			Status:       status,
			RequestID:    ghErr.Response.Header.Get("X-GitHub-Request-Id"),
			ResponseText: ghErr.Message,
			Retriable:    isRetriableStatus(status),
		}
		if ra := ghErr.Response.Header.Get("Retry-After"); ra != "" {
			ae.RetryAfter = parseRetryAfter(ra)
		}
		return ae
	}

	var rlErr *gogithub.RateLimitError
	if errors.As(err, &rlErr) {
		return &APIError{
			Message:    "rate limited",
			Code:       "rate_limited",
			Status:     http.StatusForbidden,
			Retriable:  true,
			RetryAfter: time.Until(rlErr.Rate.Reset.Time),
		}
	}

	var arlErr *gogithub.AbuseRateLimitError
	if errors.As(err, &arlErr) {
		ae := &APIError{
			Message:   "secondary rate limit",
			Code:      "secondary_rate_limited",
			Status:    http.StatusForbidden,
			Retriable: true,
		}
		if arlErr.RetryAfter != nil {
			ae.RetryAfter = *arlErr.RetryAfter
		}
		return ae
	}

	if isRetriableNetworkError(err) {
		return &APIError{
			Message:   err.Error(),
			Code:      "network_error",
			Retriable: true,
		}
	}

	return &APIError{Message: err.Error(), Retriable: false}
}

func isRetriableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, // 408
		http.StatusTooEarly,         // 425
		http.StatusTooManyRequests:  // 429
		return true
	}
	if status >= 500 {
		return true
	}
	return false
}

func isRetriableNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, code := range []string{"ETIMEDOUT", "ECONNRESET", "ECONNREFUSED", "ENOTFOUND", "EAI_AGAIN"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return false
}

// parseRetryAfter accepts either a delay-seconds value or an HTTP-date, per
// RFC 7231 §7.1.3.
func parseRetryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d > 0 {
			return d
		}
	}
	return 0
}
