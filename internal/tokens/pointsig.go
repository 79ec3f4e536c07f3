package tokens

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// RotationBucket maps a wall-clock instant onto the action point's rotation
// window. Static (Mode A) points use bucket 0.
func RotationBucket(at time.Time, rotationIntervalSec int) int64 {
	if rotationIntervalSec <= 0 {
		return 0
	}
	return at.Unix() / int64(rotationIntervalSec)
}

// SignActionPoint computes the location signature binding an action point's
// identity to its secret and the current rotation window.
func SignActionPoint(secret, actionPointID, actionType, locationCode, tenantID string, bucket int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s|%s|%s|%s|%d", actionPointID, actionType, locationCode, tenantID, bucket)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyActionPointSig checks a presented signature against the current
// rotation bucket and the one before it, so a code scanned moments before a
// rotation boundary still verifies.
func VerifyActionPointSig(secret, actionPointID, actionType, locationCode, tenantID, sig string, bucket int64, at time.Time, rotationIntervalSec int) bool {
	current := RotationBucket(at, rotationIntervalSec)
	if bucket != current && bucket != current-1 {
		return false
	}
	expected := SignActionPoint(secret, actionPointID, actionType, locationCode, tenantID, bucket)
	return hmac.Equal([]byte(expected), []byte(sig))
}
