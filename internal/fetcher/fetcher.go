// Package fetcher retrieves raw source payloads over HTTP and FTP, and parses
// XLSX price bulletins for manual imports.
package fetcher

import (
	"context"
	"fmt"

	"github.com/agrisense/agrisense-cli/internal/model"
)

// Fetcher retrieves the raw payload for a configured source. Implementations
// own transport concerns only; payload shape problems are left to the
// normalizers.
type Fetcher interface {
	Fetch(ctx context.Context, src model.Source) (*model.RawPayload, error)
}

// Reason classifies a fetch failure.
type Reason string

const (
	// ReasonTimeout covers request deadline and context expiry.
	ReasonTimeout Reason = "timeout"
	// ReasonHTTPStatus covers non-2xx terminal responses.
	ReasonHTTPStatus Reason = "http_status"
	// ReasonNetwork covers DNS, connection, and transport failures.
	ReasonNetwork Reason = "network"
)

// FetchError is the transport-level failure returned by Fetch. The
// orchestrator does not retry it within a run; the next scheduled run does.
type FetchError struct {
	Reason Reason
	Status int // HTTP status when Reason is ReasonHTTPStatus
	URL    string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Reason == ReasonHTTPStatus {
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Reason, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
