package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("token malformed")
)

// IdentityClaims is the short-lived proof a device presents when scanning.
type IdentityClaims struct {
	DeviceID          string `json:"device_id"`
	PersonID          string `json:"person_id"`
	TenantID          string `json:"tenant_id"`
	FingerprintPrefix string `json:"fp_prefix"`
	jwt.RegisteredClaims
}

// TrustClaims is the long-lived credential issued once a device is verified.
type TrustClaims struct {
	DeviceID string `json:"device_id"`
	PersonID string `json:"person_id"`
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Codec signs and validates the two device token kinds with a shared HMAC key.
type Codec struct {
	signingKey        []byte
	issuer            string
	identityTTL       time.Duration
	trustTTL          time.Duration
	fingerprintPrefix int
}

func NewCodec(signingKey []byte, issuer string, identityTTL, trustTTL time.Duration, fingerprintPrefixLen int) *Codec {
	return &Codec{
		signingKey:        signingKey,
		issuer:            issuer,
		identityTTL:       identityTTL,
		trustTTL:          trustTTL,
		fingerprintPrefix: fingerprintPrefixLen,
	}
}

func (c *Codec) IdentityTTL() time.Duration { return c.identityTTL }
func (c *Codec) TrustTTL() time.Duration    { return c.trustTTL }

// GenerateIdentityToken mints the short-lived scan token. Only a prefix of
// the device fingerprint is embedded so the full fingerprint never leaves
// the server-side record.
func (c *Codec) GenerateIdentityToken(deviceID, personID, tenantID, fingerprint string) (string, error) {
	prefix := fingerprint
	if len(prefix) > c.fingerprintPrefix {
		prefix = prefix[:c.fingerprintPrefix]
	}

	now := time.Now()
	claims := IdentityClaims{
		DeviceID:          deviceID,
		PersonID:          personID,
		TenantID:          tenantID,
		FingerprintPrefix: prefix,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    c.issuer,
			Subject:   personID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.identityTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign identity token: %w", err)
	}
	return signed, nil
}

// ValidateIdentityToken parses and verifies a scan token. Expiry is reported
// as ErrTokenExpired so callers can log that outcome distinctly from a
// forged or corrupted token.
func (c *Codec) ValidateIdentityToken(tokenString string) (*IdentityClaims, error) {
	claims := &IdentityClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, c.keyfunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenMalformed
	}
	if !token.Valid || claims.Issuer != c.issuer {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

func (c *Codec) GenerateTrustToken(deviceID, personID, tenantID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(c.trustTTL)
	claims := TrustClaims{
		DeviceID: deviceID,
		PersonID: personID,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    c.issuer,
			Subject:   personID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign trust token: %w", err)
	}
	return signed, expiresAt, nil
}

func (c *Codec) ValidateTrustToken(tokenString string) (*TrustClaims, error) {
	claims := &TrustClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, c.keyfunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenMalformed
	}
	if !token.Valid || claims.Issuer != c.issuer {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

func (c *Codec) keyfunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return c.signingKey, nil
}
