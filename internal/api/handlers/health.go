package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"acolyte-presence/internal/scan"
	"acolyte-presence/internal/utils"
)

type HealthHandler struct {
	db       *sql.DB
	handlers *scan.HandlerRegistry
	logger   utils.Logger
}

func NewHealthHandler(db *sql.DB, handlers *scan.HandlerRegistry, logger utils.Logger) *HealthHandler {
	return &HealthHandler{
		db:       db,
		handlers: handlers,
		logger:   logger,
	}
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp int64                  `json:"timestamp"`
	Version   string                 `json:"version"`
	Services  map[string]interface{} `json:"services"`
	Uptime    string                 `json:"uptime"`
}

type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Timestamp int64                  `json:"timestamp"`
	Services  map[string]interface{} `json:"services"`
	Version   string                 `json:"version"`
}

var (
	startTime = time.Now()
	version   = "1.0.0"
)

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	services := make(map[string]interface{})

	dbStatus := h.checkDatabaseHealth(c)
	services["database"] = dbStatus
	services["handlers"] = map[string]interface{}{
		"registered": h.handlers.RegisteredTypes(),
	}

	overallStatus := "healthy"
	if dbStatus["status"] != "healthy" {
		overallStatus = "unhealthy"
	}

	response := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().Unix(),
		Version:   version,
		Services:  services,
		Uptime:    time.Since(startTime).String(),
	}

	statusCode := http.StatusOK
	if overallStatus != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	services := make(map[string]interface{})

	dbReady := h.checkDatabaseReadiness(c)
	services["database"] = dbReady

	ready := dbReady["ready"].(bool)

	response := ReadinessResponse{
		Ready:     ready,
		Timestamp: time.Now().Unix(),
		Services:  services,
		Version:   version,
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

func (h *HealthHandler) Metrics(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	dbStats := h.db.Stats()

	c.JSON(http.StatusOK, gin.H{
		"timestamp":  time.Now().Unix(),
		"version":    version,
		"uptime":     time.Since(startTime).String(),
		"goroutines": runtime.NumGoroutine(),
		"memory": gin.H{
			"alloc_bytes":      m.Alloc,
			"heap_alloc_bytes": m.HeapAlloc,
			"heap_sys_bytes":   m.HeapSys,
			"gc_runs":          m.NumGC,
		},
		"database": gin.H{
			"open_connections": dbStats.OpenConnections,
			"in_use":           dbStats.InUse,
			"idle":             dbStats.Idle,
			"wait_count":       dbStats.WaitCount,
		},
		"scan_handlers": h.handlers.RegisteredTypes(),
	})
}

func (h *HealthHandler) checkDatabaseHealth(c *gin.Context) map[string]interface{} {
	status := map[string]interface{}{
		"status": "healthy",
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		status["status"] = "unhealthy"
		status["error"] = err.Error()
		h.logger.Error("Database health check failed", "error", err)
		return status
	}

	dbStats := h.db.Stats()
	status["open_connections"] = dbStats.OpenConnections
	status["in_use"] = dbStats.InUse
	status["idle"] = dbStats.Idle

	return status
}

func (h *HealthHandler) checkDatabaseReadiness(c *gin.Context) map[string]interface{} {
	readiness := map[string]interface{}{
		"ready": true,
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	var result int
	err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	if err != nil || result != 1 {
		readiness["ready"] = false
		if err != nil {
			readiness["error"] = err.Error()
		}
		h.logger.Error("Database readiness check failed", "error", err)
	}

	return readiness
}
