package utils

import (
	"regexp"
	"strings"
)

var (
	phonePattern        = regexp.MustCompile(`^\+?[0-9][0-9\-\s]{7,17}$`)
	actionTypePattern   = regexp.MustCompile(`^[a-z][a-z0-9_]{2,49}$`)
	locationCodePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9\-_]{1,49}$`)
)

func IsValidPhone(phone string) bool {
	return phonePattern.MatchString(strings.TrimSpace(phone))
}

// NormalizePhone strips separators so that "+91-98765 43210" and
// "+919876543210" compare equal when matching inbound SMS senders.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r == '+' || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MaskPhone hides all but the final digits so numbers are safe to log.
func MaskPhone(phone string) string {
	normalized := NormalizePhone(phone)
	if len(normalized) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(normalized)-4) + normalized[len(normalized)-4:]
}

func IsValidActionType(actionType string) bool {
	return actionTypePattern.MatchString(actionType)
}

func IsValidLocationCode(code string) bool {
	return locationCodePattern.MatchString(code)
}

func IsValidSecurityLevel(level string) bool {
	switch level {
	case "standard", "elevated", "strict":
		return true
	}
	return false
}

func IsValidScanMode(mode string) bool {
	return mode == "A" || mode == "B"
}

func IsNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func IsValidUUID(value string) bool {
	if len(value) != 36 {
		return false
	}

	for i, char := range value {
		if i == 8 || i == 13 || i == 18 || i == 23 {
			if char != '-' {
				return false
			}
		} else {
			if !((char >= '0' && char <= '9') || (char >= 'a' && char <= 'f') || (char >= 'A' && char <= 'F')) {
				return false
			}
		}
	}

	return true
}
