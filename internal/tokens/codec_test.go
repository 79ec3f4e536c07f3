package tokens

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(identityTTL time.Duration) *Codec {
	return NewCodec([]byte("0123456789abcdef0123456789abcdef"), "acolyte-presence",
		identityTTL, 180*24*time.Hour, 12)
}

func TestIdentityTokenRoundTrip(t *testing.T) {
	codec := newTestCodec(90 * time.Second)
	fingerprint := "abcdef0123456789abcdef0123456789"

	token, err := codec.GenerateIdentityToken("dev-1", "person-1", "tenant-1", fingerprint)
	require.NoError(t, err)

	claims, err := codec.ValidateIdentityToken(token)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", claims.DeviceID)
	assert.Equal(t, "person-1", claims.PersonID)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, fingerprint[:12], claims.FingerprintPrefix)
	assert.True(t, strings.HasPrefix(fingerprint, claims.FingerprintPrefix))
}

func TestIdentityTokenExpired(t *testing.T) {
	codec := newTestCodec(-time.Second)

	token, err := codec.GenerateIdentityToken("dev-1", "person-1", "tenant-1", "fp")
	require.NoError(t, err)

	_, err = codec.ValidateIdentityToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestIdentityTokenTampered(t *testing.T) {
	codec := newTestCodec(90 * time.Second)

	token, err := codec.GenerateIdentityToken("dev-1", "person-1", "tenant-1", "fp")
	require.NoError(t, err)

	// Flip a character in the signature segment.
	mutated := token[:len(token)-2] + "zz"
	_, err = codec.ValidateIdentityToken(mutated)
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestIdentityTokenWrongKey(t *testing.T) {
	codec := newTestCodec(90 * time.Second)
	other := NewCodec([]byte("ffffffffffffffffffffffffffffffff"), "acolyte-presence",
		90*time.Second, time.Hour, 12)

	token, err := codec.GenerateIdentityToken("dev-1", "person-1", "tenant-1", "fp")
	require.NoError(t, err)

	_, err = other.ValidateIdentityToken(token)
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestTrustTokenRoundTrip(t *testing.T) {
	codec := newTestCodec(90 * time.Second)

	token, expiresAt, err := codec.GenerateTrustToken("dev-1", "person-1", "tenant-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(180*24*time.Hour), expiresAt, time.Minute)

	claims, err := codec.ValidateTrustToken(token)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", claims.DeviceID)
	assert.Equal(t, "tenant-1", claims.TenantID)
}

func TestTrustTokenNotValidAsIdentity(t *testing.T) {
	codec := newTestCodec(90 * time.Second)

	token, _, err := codec.GenerateTrustToken("dev-1", "person-1", "tenant-1")
	require.NoError(t, err)

	claims, err := codec.ValidateIdentityToken(token)
	if err == nil {
		// Same signing key, so parsing succeeds, but the fingerprint
		// prefix an identity check depends on is absent.
		assert.Empty(t, claims.FingerprintPrefix)
	}
}

func TestShortFingerprintNotTruncated(t *testing.T) {
	codec := newTestCodec(90 * time.Second)

	token, err := codec.GenerateIdentityToken("dev-1", "person-1", "tenant-1", "short")
	require.NoError(t, err)

	claims, err := codec.ValidateIdentityToken(token)
	require.NoError(t, err)
	assert.Equal(t, "short", claims.FingerprintPrefix)
}
