package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"strings"
)

// StatusError carries an upstream HTTP status so classification does not
// depend on message text.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d (%s) from %s", e.Code, http.StatusText(e.Code), e.URL)
}

var notFoundMarkers = []string{"404", "not found", "video not found"}

// IsRetryableMessage reports whether msg carries a not-found marker, the
// symptom of a resource that is not indexed yet.
func IsRetryableMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range notFoundMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	names := typeNames(err)
	if containsAny(names, "auth", "permission", "forbidden", "unauthorized") {
		return false
	}
	// A typed status is authoritative; its message carries the URL.
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusNotFound || se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	if IsRetryableMessage(err.Error()) {
		return true
	}
	if containsAny(names, "client") && !containsAny(names, "notfound") {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return containsAny(names, "timeout", "connection", "socket", "network", "io")
}

// typeNames returns the lowercased type names along the wrap chain.
func typeNames(err error) []string {
	var names []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		t := reflect.TypeOf(e)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if n := t.Name(); n != "" {
			names = append(names, strings.ToLower(n))
		}
	}
	return names
}

func containsAny(names []string, markers ...string) bool {
	for _, n := range names {
		for _, m := range markers {
			if strings.Contains(n, m) {
				return true
			}
		}
	}
	return false
}
