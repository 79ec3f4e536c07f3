package tokens

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashCode digests an SMS verification or transfer code for storage. The
// plaintext code only ever lives in the outbound message.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// HashToken digests a trust token so the credential itself is never stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyCode compares a submitted code against a stored hash in constant time.
func VerifyCode(code, storedHash string) bool {
	computed := HashCode(code)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}
