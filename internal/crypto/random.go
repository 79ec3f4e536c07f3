package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

func GenerateRandomBytes(length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("length must be positive")
	}

	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("random bytes generation failed: %w", err)
	}
	return bytes, nil
}

func GenerateRandomString(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("length must be positive")
	}

	bytes, err := GenerateRandomBytes(length)
	if err != nil {
		return "", err
	}

	encoded := base64.URLEncoding.EncodeToString(bytes)
	if len(encoded) < length {
		return encoded, nil
	}
	return encoded[:length], nil
}

func GenerateID() string {
	return uuid.New().String()
}

func GenerateRandomNumber(max int64) (int64, error) {
	if max <= 0 {
		return 0, fmt.Errorf("max must be positive")
	}

	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return 0, fmt.Errorf("random number generation failed: %w", err)
	}

	return n.Int64(), nil
}

func GenerateRandomHex(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("length must be positive")
	}

	bytes, err := GenerateRandomBytes(length)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", bytes), nil
}

// GenerateNumericCode returns a zero-padded code of the given digit count,
// used for SMS verification and device transfer codes.
func GenerateNumericCode(digits int) (string, error) {
	if digits <= 0 || digits > 18 {
		return "", fmt.Errorf("invalid digit count: %d", digits)
	}

	max := int64(1)
	for i := 0; i < digits; i++ {
		max *= 10
	}

	n, err := GenerateRandomNumber(max)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%0*d", digits, n), nil
}

// GenerateLocationSecret produces the per-location signing secret created
// when an action point is registered. It is stored but never returned to
// callers.
func GenerateLocationSecret() (string, error) {
	return GenerateRandomHex(32)
}
