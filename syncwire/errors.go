// Copyright 2025 X-Ear CRM Authors
// SPDX-License-Identifier: Apache-2.0

package syncwire

import (
	"fmt"
	"net/http"
)

// APIError is a structured error decoded from a non-200 sync response.
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("sync api error %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("sync api error %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the error should be retried with backoff.
// Server-side errors and throttling are transient; everything else in the
// 4xx range is permanent.
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Validation reports whether the error is a permanent validation failure
// (repeating the request cannot change the outcome).
func (e *APIError) Validation() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.StatusCode != http.StatusConflict &&
		e.StatusCode != http.StatusTooManyRequests
}
