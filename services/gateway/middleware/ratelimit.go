// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ssmirnovpro/diagramV2-sub001/pkg/apierrors"
	"github.com/ssmirnovpro/diagramV2-sub001/pkg/extensions"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/ratelimit"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/render"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// RateLimitMiddleware admits requests through the rate controller.
//
// # Description
//
// Sets the X-RateLimit-* headers on every limited response. A denied
// request is aborted with a RateLimited error and a Retry-After header. A
// delayed request waits on a timer; if the client goes away first the
// request is aborted as client_closed. Fail-open decisions pass without
// headers, since the window state is unknown.
//
// # Inputs
//
//   - ctl: The rate controller.
//   - audit: Receives ratelimit.denied events. Nil disables auditing.
//   - now: Clock. Nil uses time.Now.
func RateLimitMiddleware(ctl *ratelimit.Controller, audit extensions.AuditLogger, now func() time.Time) gin.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(c *gin.Context) {
		id := GetIdentity(c)
		decision := ctl.Admit(c.Request.Context(), id.Key, now())

		if decision.FailOpen {
			c.Next()
			return
		}

		c.Header(HeaderRateLimitLimit, strconv.FormatInt(decision.Limit, 10))
		c.Header(HeaderRateLimitRemaining, strconv.FormatInt(decision.Remaining, 10))
		c.Header(HeaderRateLimitReset, strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			retry := apierrors.RetryAfterSeconds(decision.RetryAfter)
			c.Header(HeaderRetryAfter, strconv.Itoa(retry))
			if audit != nil {
				_ = audit.Log(c.Request.Context(), extensions.AuditEvent{
					EventType: extensions.EventRateLimited,
					Identity:  id.Key,
					RequestID: RequestID(c),
					Outcome:   "blocked",
					Metadata:  map[string]any{"limit": decision.Limit, "retry_after_s": retry},
				})
			}
			_ = c.Error(apierrors.New(apierrors.KindRateLimited, "middleware.RateLimit",
				"rate limit exceeded, retry later").WithRetryAfter(decision.RetryAfter))
			c.Abort()
			return
		}

		if decision.Delay > 0 {
			timer := time.NewTimer(decision.Delay)
			select {
			case <-timer.C:
			case <-c.Request.Context().Done():
				timer.Stop()
				slog.Debug("Client left during rate limit delay",
					"request_id", RequestID(c),
					"identity", id.Key,
					"delay", decision.Delay)
				_ = c.Error(apierrors.Wrap(c.Request.Context().Err(), apierrors.KindClientClosed,
					"middleware.RateLimit", "client closed request").WithCause(render.CauseClientClosed))
				c.Abort()
				return
			}
		}
		c.Next()
	}
}
