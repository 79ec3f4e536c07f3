package utils

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const SessionValidityPeriod = 8 * time.Hour

func GenerateRandomBytes(length int) ([]byte, error) {
	if length <= 0 || length > 1024 {
		return nil, fmt.Errorf("invalid length: %d", length)
	}

	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("random generation failed: %w", err)
	}
	return bytes, nil
}

func GenerateTraceID() string {
	randomBytes, err := GenerateRandomBytes(16)
	if err != nil {
		return "trace-" + fmt.Sprintf("%d", time.Now().Unix())
	}
	return "trace-" + base64.URLEncoding.EncodeToString(randomBytes)[:22]
}

func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// SessionClaims is the contract with the external identity collaborator: every
// authenticated request carries a verified person, tenant and person type.
type SessionClaims struct {
	PersonID   string `json:"person_id"`
	TenantID   string `json:"tenant_id"`
	PersonType string `json:"person_type"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

func GenerateSessionJWT(personID, tenantID, personType, role, secret string) (string, error) {
	if personID == "" || tenantID == "" {
		return "", fmt.Errorf("person ID and tenant ID cannot be empty")
	}
	if secret == "" || len(secret) < 32 {
		return "", fmt.Errorf("invalid secret")
	}

	now := time.Now().UTC()
	sessionID, err := generateSecureID()
	if err != nil {
		return "", fmt.Errorf("session ID generation failed: %w", err)
	}

	claims := SessionClaims{
		PersonID:   personID,
		TenantID:   tenantID,
		PersonType: personType,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionValidityPeriod)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "acolyte-presence",
			Subject:   personID,
			ID:        sessionID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("token signing failed: %w", err)
	}

	return tokenString, nil
}

func ValidateSessionJWT(tokenString, secret string) (*SessionClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}
	if secret == "" || len(secret) < 32 {
		return nil, fmt.Errorf("invalid secret")
	}

	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, fmt.Errorf("token parsing failed: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	if claims.PersonID == "" || claims.TenantID == "" {
		return nil, fmt.Errorf("missing person or tenant in token")
	}

	return claims, nil
}

func SanitizeUserInput(input string) string {
	input = strings.TrimSpace(input)
	input = strings.ReplaceAll(input, "\x00", "")
	input = strings.ReplaceAll(input, "\r", "")
	input = strings.ReplaceAll(input, "\n", " ")

	if len(input) > 1000 {
		input = input[:1000]
	}

	return input
}

func IsSecureOrigin(origin string, allowedOrigins []string) bool {
	if origin == "" {
		return false
	}

	parsedOrigin, err := url.Parse(origin)
	if err != nil {
		return false
	}

	if parsedOrigin.Scheme != "https" && parsedOrigin.Host != "localhost" &&
		!strings.HasPrefix(parsedOrigin.Host, "127.0.0.1") &&
		!strings.HasPrefix(parsedOrigin.Host, "0.0.0.0") {
		return false
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" {
			return true
		}
		if origin == allowed {
			return true
		}
		if strings.HasSuffix(allowed, "*") {
			prefix := strings.TrimSuffix(allowed, "*")
			if strings.HasPrefix(origin, prefix) {
				return true
			}
		}
	}

	return false
}

func generateSecureID() (string, error) {
	bytes, err := GenerateRandomBytes(16)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

func IsValidBearerToken(authHeader string) (string, bool) {
	if authHeader == "" {
		return "", false
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", false
	}

	token := strings.TrimPrefix(authHeader, bearerPrefix)
	if len(token) < 20 {
		return "", false
	}

	return token, true
}

func SecureHeaders() map[string]string {
	return map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "1; mode=block",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains; preload",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
		"Cache-Control":             "no-store, no-cache, must-revalidate, private",
		"Pragma":                    "no-cache",
	}
}
