package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"acolyte-presence/internal/actionpoints"
	"acolyte-presence/internal/tokens"
	"acolyte-presence/internal/utils"
)

type ActionPointHandler struct {
	directory *actionpoints.Directory
	logger    utils.Logger
}

func NewActionPointHandler(directory *actionpoints.Directory, logger utils.Logger) *ActionPointHandler {
	return &ActionPointHandler{
		directory: directory,
		logger:    logger,
	}
}

type CreateActionPointRequest struct {
	Name                string   `json:"name" binding:"required,min=1,max=100"`
	LocationCode        string   `json:"location_code" binding:"required"`
	ActionType          string   `json:"action_type" binding:"required"`
	Mode                string   `json:"mode" binding:"required"`
	Latitude            *float64 `json:"latitude"`
	Longitude           *float64 `json:"longitude"`
	RadiusM             float64  `json:"radius_m"`
	RotationIntervalSec int      `json:"rotation_interval_sec"`
	DuplicateWindowMin  int      `json:"duplicate_window_min"`
	SecurityLevel       string   `json:"security_level"`
	ActiveHoursStart    string   `json:"active_hours_start"`
	ActiveHoursEnd      string   `json:"active_hours_end"`
	ActiveDays          string   `json:"active_days"`
}

func (h *ActionPointHandler) Create(c *gin.Context) {
	var req CreateActionPointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.NewErrorResponse(
			utils.ErrInvalidRequest, utils.GenerateTraceID()))
		return
	}

	ap, err := h.directory.Create(&actionpoints.CreateRequest{
		TenantID:            c.GetString("tenant_id"),
		Name:                req.Name,
		LocationCode:        req.LocationCode,
		ActionType:          req.ActionType,
		Mode:                req.Mode,
		Latitude:            req.Latitude,
		Longitude:           req.Longitude,
		RadiusM:             req.RadiusM,
		RotationIntervalSec: req.RotationIntervalSec,
		DuplicateWindowMin:  req.DuplicateWindowMin,
		SecurityLevel:       req.SecurityLevel,
		ActiveHoursStart:    req.ActiveHoursStart,
		ActiveHoursEnd:      req.ActiveHoursEnd,
		ActiveDays:          req.ActiveDays,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, ap)
}

func (h *ActionPointHandler) List(c *gin.Context) {
	points, err := h.directory.List(c.GetString("tenant_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"action_points": points, "count": len(points)})
}

func (h *ActionPointHandler) Get(c *gin.Context) {
	ap, err := h.directory.Get(c.GetString("tenant_id"), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ap)
}

type UpdateActionPointRequest struct {
	Name                string   `json:"name" binding:"required,min=1,max=100"`
	ActionType          string   `json:"action_type" binding:"required"`
	Mode                string   `json:"mode" binding:"required"`
	Latitude            *float64 `json:"latitude"`
	Longitude           *float64 `json:"longitude"`
	RadiusM             float64  `json:"radius_m"`
	RotationIntervalSec int      `json:"rotation_interval_sec"`
	DuplicateWindowMin  int      `json:"duplicate_window_min"`
	SecurityLevel       string   `json:"security_level"`
	ActiveHoursStart    string   `json:"active_hours_start"`
	ActiveHoursEnd      string   `json:"active_hours_end"`
	ActiveDays          string   `json:"active_days"`
	IsActive            *bool    `json:"is_active"`
}

func (h *ActionPointHandler) Update(c *gin.Context) {
	var req UpdateActionPointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.NewErrorResponse(
			utils.ErrInvalidRequest, utils.GenerateTraceID()))
		return
	}

	ap, err := h.directory.Get(c.GetString("tenant_id"), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	ap.Name = utils.SanitizeUserInput(req.Name)
	ap.ActionType = req.ActionType
	ap.Mode = req.Mode
	ap.Latitude = req.Latitude
	ap.Longitude = req.Longitude
	ap.RadiusM = req.RadiusM
	ap.RotationIntervalSec = req.RotationIntervalSec
	ap.DuplicateWindowMin = req.DuplicateWindowMin
	ap.SecurityLevel = req.SecurityLevel
	ap.ActiveHoursStart = req.ActiveHoursStart
	ap.ActiveHoursEnd = req.ActiveHoursEnd
	ap.ActiveDays = req.ActiveDays
	if req.IsActive != nil {
		ap.IsActive = *req.IsActive
	}

	if err := h.directory.Update(ap); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ap)
}

func (h *ActionPointHandler) Delete(c *gin.Context) {
	if err := h.directory.Delete(c.GetString("tenant_id"), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// QR streams a printable PNG of the point's current payload. Mode B images
// go stale after the rotation window; the poster display refetches.
func (h *ActionPointHandler) QR(c *gin.Context) {
	ap, err := h.directory.Get(c.GetString("tenant_id"), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	size := 256
	if raw := c.Query("size"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 64 && parsed <= 2048 {
			size = parsed
		}
	}

	png, err := h.directory.RenderQR(ap, size)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

// Payload returns the current URI for display clients that render their
// own QR.
func (h *ActionPointHandler) Payload(c *gin.Context) {
	ap, err := h.directory.Get(c.GetString("tenant_id"), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	payload := h.directory.CurrentPayload(ap, time.Now())
	c.JSON(http.StatusOK, gin.H{
		"uri":                   tokens.BuildLocationURI(payload),
		"rotation":              payload.Rotation,
		"rotation_interval_sec": ap.RotationIntervalSec,
	})
}

func (h *ActionPointHandler) respondError(c *gin.Context, err error) {
	appErr := utils.SanitizeError(err)
	if appErr.HTTPCode >= 500 {
		h.logger.Error("Action point operation failed", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(appErr.HTTPCode, utils.NewErrorResponse(appErr, utils.GenerateTraceID()))
}
