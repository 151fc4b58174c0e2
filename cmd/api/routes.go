package main

import (
	"github.com/gin-gonic/gin"

	"leadflow-engine/internal/httpapi"
	"leadflow-engine/internal/metrics"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, met *metrics.Metrics) {
	h.Register(r)

	// Prometheus scrape endpoint. Served off the API listener; a
	// separate admin port is not worth the operational surface yet.
	r.GET("/metrics", gin.WrapH(met.Handler()))
}
