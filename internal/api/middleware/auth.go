package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"acolyte-presence/internal/devicetrust"
	"acolyte-presence/internal/utils"
)

var authRateLimiter = newRateLimiter(10, minuteWindow)

// SessionAuth validates the campus identity provider's session JWT and
// stashes the caller's identity on the request context.
func SessionAuth(sessionSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		if !authRateLimiter.allow(clientIP) {
			c.Header("Retry-After", "60")
			c.JSON(http.StatusTooManyRequests, utils.NewErrorResponse(
				utils.ErrRateLimitExceeded,
				utils.GenerateTraceID()))
			c.Abort()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, utils.NewErrorResponse(
				utils.NewAppError("MISSING_AUTH_HEADER", "Authorization header required", 401),
				utils.GenerateTraceID()))
			c.Abort()
			return
		}

		token, valid := utils.IsValidBearerToken(authHeader)
		if !valid {
			c.JSON(http.StatusUnauthorized, utils.NewErrorResponse(
				utils.NewAppError("INVALID_AUTH_FORMAT", "Invalid authorization format", 401),
				utils.GenerateTraceID()))
			c.Abort()
			return
		}

		claims, err := utils.ValidateSessionJWT(token, sessionSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, utils.NewErrorResponse(
				utils.NewAppError("INVALID_TOKEN", "Invalid or expired session", 401),
				utils.GenerateTraceID()))
			c.Abort()
			return
		}

		c.Set("person_id", claims.PersonID)
		c.Set("tenant_id", claims.TenantID)
		c.Set("person_type", claims.PersonType)
		c.Set("role", claims.Role)
		c.Set("client_ip", clientIP)
		c.Next()
	}
}

// DeviceAuth authenticates a bound device by its trust token. Only the
// identity token endpoint and location scans use this.
func DeviceAuth(registry *devicetrust.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		if !authRateLimiter.allow(clientIP) {
			c.Header("Retry-After", "60")
			c.JSON(http.StatusTooManyRequests, utils.NewErrorResponse(
				utils.ErrRateLimitExceeded,
				utils.GenerateTraceID()))
			c.Abort()
			return
		}

		authHeader := c.GetHeader("Authorization")
		token, valid := utils.IsValidBearerToken(authHeader)
		if !valid {
			c.JSON(http.StatusUnauthorized, utils.NewErrorResponse(
				utils.NewAppError("MISSING_TRUST_TOKEN", "Device trust token required", 401),
				utils.GenerateTraceID()))
			c.Abort()
			return
		}

		device, err := registry.Authenticate(token)
		if err != nil {
			appErr := utils.SanitizeError(err)
			c.JSON(appErr.HTTPCode, utils.NewErrorResponse(appErr, utils.GenerateTraceID()))
			c.Abort()
			return
		}

		c.Set("device", device)
		c.Set("person_id", device.PersonID)
		c.Set("tenant_id", device.TenantID)
		c.Set("client_ip", clientIP)
		c.Next()
	}
}

// RequireRole limits an endpoint to callers whose session carries one of
// the given roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString("role")
		for _, allowed := range roles {
			if role == allowed {
				c.Next()
				return
			}
		}
		c.JSON(http.StatusForbidden, utils.NewErrorResponse(
			utils.ErrForbidden, utils.GenerateTraceID()))
		c.Abort()
	}
}

// WebhookAuth guards provider callbacks with a shared token. An empty
// expected token disables the endpoint entirely.
func WebhookAuth(expectedToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expectedToken == "" {
			c.JSON(http.StatusNotFound, utils.NewErrorResponse(
				utils.ErrNotFound, utils.GenerateTraceID()))
			c.Abort()
			return
		}

		provided := c.GetHeader("X-Webhook-Token")
		if !utils.SecureCompare([]byte(provided), []byte(expectedToken)) {
			c.JSON(http.StatusUnauthorized, utils.NewErrorResponse(
				utils.NewAppError("INVALID_WEBHOOK_TOKEN", "Webhook token invalid", 401),
				utils.GenerateTraceID()))
			c.Abort()
			return
		}
		c.Next()
	}
}
