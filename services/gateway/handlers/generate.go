// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/ssmirnovpro/diagramV2-sub001/pkg/apierrors"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/datatypes"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/formats"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/middleware"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/pipeline"
)

// Response headers of a successful generation.
const (
	HeaderDiagramType      = "X-Diagram-Type"
	HeaderDiagramFormat    = "X-Diagram-Format"
	HeaderRenderTime       = "X-Render-Time-Ms"
	HeaderCache            = "X-Cache"
	HeaderSecurityWarnings = "X-Security-Warnings"
)

// Generator runs a constructed request. Implemented by *pipeline.Pipeline.
type Generator interface {
	Generate(ctx context.Context, req *datatypes.GenerationRequest, requestID string) (*pipeline.Output, error)
}

// GenerateConfig configures HandleGenerate.
type GenerateConfig struct {
	// MaxBodyBytes bounds the JSON body.
	MaxBodyBytes int64

	// Limits bounds the diagram source.
	Limits datatypes.Limits

	// CacheMaxAge is advertised in Cache-Control on cacheable responses.
	CacheMaxAge time.Duration
}

// HandleGenerate serves POST /generate.
//
// # Description
//
// Binds the JSON body, builds an immutable GenerationRequest and runs it
// through the pipeline. On success the artifact is written with the
// negotiated MIME type and the X-Diagram-* headers.
//
// # Inputs
//
//   - gen: The pipeline.
//   - policy: Format policy used to resolve the diagram type.
//   - cfg: Body and source limits.
//
// # Outputs
//
//   - gin.HandlerFunc: The handler. Failures are attached with c.Error.
func HandleGenerate(gen Generator, policy *formats.Policy, cfg GenerateConfig) gin.HandlerFunc {
	const op = "handlers.Generate"
	return func(c *gin.Context) {
		if cfg.MaxBodyBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxBodyBytes)
		}

		var body datatypes.GenerateRequestBody
		if err := c.ShouldBindJSON(&body); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				_ = c.Error(apierrors.New(apierrors.KindClientInput, op,
					fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)))
				return
			}
			_ = c.Error(apierrors.Wrap(err, apierrors.KindClientInput, op, "request body must be a JSON object"))
			return
		}
		if err := body.Validate(); err != nil {
			_ = c.Error(apierrors.Wrap(err, apierrors.KindClientInput, op, bodyValidationMessage(err)))
			return
		}

		req, err := datatypes.NewGenerationRequest(policy, cfg.Limits, datatypes.GenerationParams{
			Source:      body.Source,
			DiagramType: body.DiagramType,
			Format:      body.Format,
			Identity:    middleware.GetIdentity(c).Key,
			BypassCache: body.BypassCache,
		})
		if err != nil {
			_ = c.Error(err)
			return
		}

		out, err := gen.Generate(c.Request.Context(), req, middleware.RequestID(c))
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.Header(HeaderDiagramType, string(out.DiagramType))
		c.Header(HeaderDiagramFormat, string(out.Format))
		c.Header(HeaderRenderTime, strconv.FormatInt(out.Latency.Milliseconds(), 10))
		if req.BypassCache() {
			c.Header(HeaderCache, "BYPASS")
			c.Header("Cache-Control", "no-store")
		} else {
			c.Header(HeaderCache, "MISS")
			c.Header("Cache-Control", fmt.Sprintf("public, max-age=%d", int64(cfg.CacheMaxAge.Seconds())))
		}
		if len(out.Warnings) > 0 {
			c.Header(HeaderSecurityWarnings, strings.Join(out.Warnings, ","))
		}
		c.Data(http.StatusOK, out.ContentType, out.Payload)
	}
}

// bodyValidationMessage names the first failing field without echoing its
// value.
func bodyValidationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request body"
	}
	fe := verrs[0]
	field := lowerFirst(fe.Field())
	switch fe.Tag() {
	case "required", "notblank":
		return field + " is required"
	case "max":
		return field + " is too long"
	default:
		return field + " is invalid"
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
