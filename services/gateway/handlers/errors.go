// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gateway's HTTP endpoints.
//
// Handlers and middleware report failures with c.Error; ErrorWriter turns
// the last one into the JSON error envelope.
package handlers

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ssmirnovpro/diagramV2-sub001/pkg/apierrors"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/middleware"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/render"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/telemetry"
)

// StatusClientClosedRequest is recorded when the client left before a
// response could be written. Nothing is sent.
const StatusClientClosedRequest = apierrors.StatusClientClosedRequest

// ErrorWriter renders errors attached by later handlers.
//
// # Description
//
// Runs after the chain. If an error was attached and nothing has been
// written yet, the last error is written with WriteError.
//
// # Inputs
//
//   - debug: Attach wrapped error text as "details".
func ErrorWriter(debug bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		WriteError(c, c.Errors.Last().Err, debug)
	}
}

// WriteError writes err as the JSON error envelope.
//
// # Description
//
// Unclassified errors become InternalError: they are logged with full
// detail and the caller sees only the generic message. Errors carrying a
// retry hint set Retry-After. A client_closed error writes nothing.
//
// # Inputs
//
//   - c: Gin context.
//   - err: Any error.
//   - debug: Attach wrapped error text as "details".
func WriteError(c *gin.Context, err error, debug bool) {
	logger := telemetry.LoggerWithTrace(c.Request.Context(), slog.Default())
	requestID := middleware.RequestID(c)

	apiErr, ok := apierrors.As(err)
	if ok && (apiErr.Kind == apierrors.KindClientClosed || apiErr.Cause == render.CauseClientClosed) {
		logger.Debug("Client closed request, not writing a response", "request_id", requestID)
		c.Status(StatusClientClosedRequest)
		return
	}
	if !ok || apiErr.Kind == apierrors.KindInternal {
		logger.Error("Internal error",
			"request_id", requestID,
			"path", c.Request.URL.Path,
			"error", err)
	}

	status, envelope := apierrors.ToEnvelope(err, requestID, time.Now(), debug)
	if envelope.Error.RetryAfter > 0 {
		c.Header(middleware.HeaderRetryAfter, strconv.Itoa(envelope.Error.RetryAfter))
	}
	c.JSON(status, envelope)
}
