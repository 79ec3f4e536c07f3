package scan

// Validation outcomes recorded on every scan attempt.
const (
	OutcomeSuccess        = "success"
	OutcomeInvalidQR      = "invalid_qr"
	OutcomeExpiredToken   = "expired_token"
	OutcomeDeviceMismatch = "device_mismatch"
	OutcomeRevokedDevice  = "revoked_device"
	OutcomeGeoViolation   = "geo_violation"
	OutcomeDuplicateScan  = "duplicate_scan"
	OutcomeUnauthorized   = "unauthorized"
	OutcomeNoHandler      = "no_handler"
)
