// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/handlers"
)

// Deps are the handlers and middleware wired by SetupRoutes.
type Deps struct {
	// Generate serves POST /generate and POST /v1/generate.
	Generate gin.HandlerFunc

	// Status serves GET /status.
	Status gin.HandlerFunc

	// Formats serves GET /formats.
	Formats gin.HandlerFunc

	// Metrics serves GET /metrics. Nil leaves the route unregistered.
	Metrics http.Handler

	// Limited runs before Generate only, in order (identity, rate limit).
	Limited []gin.HandlerFunc
}

// SetupRoutes registers every gateway route on router.
//
// Only the generation routes are rate limited; health, status, formats
// and metrics stay reachable for probes and scrapers under load.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/status", deps.Status)
	router.GET("/formats", deps.Formats)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	generate := append(append([]gin.HandlerFunc{}, deps.Limited...), deps.Generate)
	router.POST("/generate", generate...)

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/generate", generate...)
		v1.GET("/status", deps.Status)
		v1.GET("/formats", deps.Formats)
	}
}
