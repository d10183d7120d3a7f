// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apierrors

import (
	"math"
	"time"
)

// Body is the JSON error payload returned to callers.
type Body struct {
	Type         Kind     `json:"type"`
	Message      string   `json:"message"`
	Timestamp    string   `json:"timestamp"`
	RequestID    string   `json:"requestId,omitempty"`
	Rule         string   `json:"rule,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
	RetryAfter   int      `json:"retryAfter,omitempty"`
	Details      string   `json:"details,omitempty"`
}

// Envelope wraps Body as {"error": {...}}.
type Envelope struct {
	Error Body `json:"error"`
}

// ToEnvelope renders err for a caller.
//
// # Description
//
// Unclassified errors become InternalError with the generic message. The
// wrapped error text is attached as Details only when debug is true.
//
// # Inputs
//
//   - err: Any error. Nil is treated as an internal error.
//   - requestID: Correlation id echoed to the caller.
//   - now: Timestamp for the payload.
//   - debug: Whether internal details may be exposed.
//
// # Outputs
//
//   - int: HTTP status.
//   - Envelope: The JSON body.
func ToEnvelope(err error, requestID string, now time.Time, debug bool) (int, Envelope) {
	apiErr, ok := As(err)
	if !ok {
		apiErr = Internal("unknown", err)
	}

	body := Body{
		Type:         apiErr.Kind,
		Message:      apiErr.Message,
		Timestamp:    now.UTC().Format(time.RFC3339),
		RequestID:    requestID,
		Rule:         apiErr.Rule,
		Alternatives: apiErr.Alternatives,
		RetryAfter:   RetryAfterSeconds(apiErr.RetryAfter),
	}
	if apiErr.Kind == KindInternal {
		body.Message = GenericInternalMessage
	}
	if debug && apiErr.Err != nil {
		body.Details = apiErr.Err.Error()
	}
	return apiErr.HTTPStatus(), Envelope{Error: body}
}

// RetryAfterSeconds rounds a positive duration up to whole seconds.
func RetryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
