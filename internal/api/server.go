package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"acolyte-presence/internal/actionpoints"
	"acolyte-presence/internal/api/handlers"
	"acolyte-presence/internal/api/middleware"
	"acolyte-presence/internal/devicetrust"
	"acolyte-presence/internal/events"
	"acolyte-presence/internal/scan"
	"acolyte-presence/internal/utils"
)

type Server struct {
	db        *sql.DB
	logger    utils.Logger
	config    *utils.Config
	registry  *devicetrust.Registry
	directory *actionpoints.Directory
	pipeline  *scan.Pipeline
	handlers  *scan.HandlerRegistry
	publisher *events.Publisher
	server    *http.Server
}

func NewServer(db *sql.DB, logger utils.Logger, config *utils.Config,
	registry *devicetrust.Registry, directory *actionpoints.Directory,
	pipeline *scan.Pipeline, handlerRegistry *scan.HandlerRegistry,
	publisher *events.Publisher) *Server {
	return &Server{
		db:        db,
		logger:    logger,
		config:    config,
		registry:  registry,
		directory: directory,
		pipeline:  pipeline,
		handlers:  handlerRegistry,
		publisher: publisher,
	}
}

func (s *Server) Router() *gin.Engine {
	if s.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(s.config.CORS))
	r.Use(middleware.RateLimit(s.config.Security.RateLimitRequests, s.config.Security.RateLimitWindow))
	r.Use(s.requestSizeLimit())
	r.Use(s.requestTimeout())

	deviceHandler := handlers.NewDeviceHandler(s.registry, s.publisher, s.logger, s.config)
	actionPointHandler := handlers.NewActionPointHandler(s.directory, s.logger)
	scanHandler := handlers.NewScanHandler(s.pipeline, s.logger)
	healthHandler := handlers.NewHealthHandler(s.db, s.handlers, s.logger)

	r.GET("/health", healthHandler.HealthCheck)
	r.GET("/readiness", healthHandler.ReadinessCheck)
	r.GET("/metrics", healthHandler.Metrics)

	sessionAuth := middleware.SessionAuth(s.config.Security.SessionJWTSecret)
	deviceAuth := middleware.DeviceAuth(s.registry)
	adminOnly := middleware.RequireRole("admin")

	v1 := r.Group("/api/v1")
	{
		devices := v1.Group("/devices")
		devices.Use(sessionAuth)
		{
			devices.POST("/register", middleware.RateLimit(10, time.Minute), deviceHandler.Register)
			devices.POST("/confirm-sms", deviceHandler.ConfirmSMS)
			devices.GET("/status/:verification_id", deviceHandler.Status)
			devices.GET("/me", deviceHandler.Me)
			devices.POST("/transfer", deviceHandler.InitiateTransfer)
			devices.POST("/transfer/complete", deviceHandler.CompleteTransfer)
			devices.POST("/revoke", deviceHandler.Revoke)
		}

		// Device-credentialed endpoints: the caller is the phone itself.
		v1.POST("/devices/identity-token", deviceAuth, deviceHandler.IdentityToken)
		v1.POST("/scans/location", deviceAuth, scanHandler.LocationScan)

		v1.POST("/sms/inbound", middleware.WebhookAuth(s.config.SMS.InboundToken), deviceHandler.InboundSMS)

		scans := v1.Group("/scans")
		scans.Use(sessionAuth)
		{
			scans.POST("/scanner", middleware.RequireRole("scanner", "admin"), scanHandler.ScannerScan)
			scans.POST("/:id/confirm-entity", scanHandler.ConfirmEntity)
			scans.GET("/me", scanHandler.History)
		}

		points := v1.Group("/action-points")
		points.Use(sessionAuth, adminOnly)
		{
			points.POST("", actionPointHandler.Create)
			points.GET("", actionPointHandler.List)
			points.GET("/:id", actionPointHandler.Get)
			points.PUT("/:id", actionPointHandler.Update)
			points.DELETE("/:id", actionPointHandler.Delete)
			points.GET("/:id/qr", actionPointHandler.QR)
			points.GET("/:id/payload", actionPointHandler.Payload)
		}

		admin := v1.Group("/admin")
		admin.Use(sessionAuth, adminOnly)
		{
			admin.POST("/devices/revoke", deviceHandler.AdminRevoke)
			admin.GET("/devices/flagged", deviceHandler.Flagged)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, utils.NewErrorResponse(
			utils.NewAppError("NOT_FOUND", "Endpoint not found", 404),
			utils.GenerateTraceID()))
	})

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, utils.NewErrorResponse(
			utils.NewAppError("METHOD_NOT_ALLOWED", "Method not allowed", 405),
			utils.GenerateTraceID()))
	})

	return r
}

func (s *Server) Start(ctx context.Context) error {
	router := s.Router()

	s.server = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:        router,
		ReadTimeout:    s.config.Server.ReadTimeout,
		WriteTimeout:   s.config.Server.WriteTimeout,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: s.config.Server.MaxHeaderBytes,
	}

	s.logger.Info("Starting server",
		"host", s.config.Server.Host,
		"port", s.config.Server.Port,
		"mode", s.config.Server.Mode,
		"tls_enabled", s.config.Security.TLSCertFile != "",
	)

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Server shutdown error", "error", err)
		}
	}()

	var err error
	if s.config.Security.TLSCertFile != "" && s.config.Security.TLSKeyFile != "" {
		err = s.server.ListenAndServeTLS(s.config.Security.TLSCertFile, s.config.Security.TLSKeyFile)
	} else {
		s.logger.Warn("Running without TLS - not recommended for production")
		err = s.server.ListenAndServe()
	}

	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server start failed: %w", err)
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}

func (s *Server) requestSizeLimit() gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		const maxRequestSize = 1 << 20

		if c.Request.ContentLength > maxRequestSize {
			c.JSON(http.StatusRequestEntityTooLarge, utils.NewErrorResponse(
				utils.NewAppError("REQUEST_TOO_LARGE", "Request body too large", 413),
				utils.GenerateTraceID()))
			c.Abort()
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestSize)
		c.Next()
	})
}

func (s *Server) requestTimeout() gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
}
