package crypto

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/sha3"
)

func SHAKE256(data []byte, outputLen int) []byte {
	shake := sha3.NewShake256()
	shake.Write(data)

	output := make([]byte, outputLen)
	shake.Read(output)

	return output
}

// DeviceFingerprint digests the hardware/software attributes reported at
// registration into a stable hex fingerprint. Attributes are sorted so that
// map ordering cannot change the digest.
func DeviceFingerprint(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s;", k, attrs[k])
	}

	return hex.EncodeToString(SHAKE256([]byte(b.String()), 32))
}
