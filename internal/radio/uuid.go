package radio

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the canonical comparison form:
// lowercase, no dashes or braces, no 0x prefix. Full 128-bit UUIDs on the
// Bluetooth SIG base (0000xxxx-0000-1000-8000-00805f9b34fb) are shortened to
// their 16-bit form, which is what most platform stacks report.
func NormalizeUUID(s string) string {
	u := strings.ToLower(strings.TrimSpace(s))
	u = strings.Trim(u, "{}")
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")

	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	if len(u) == 8 && strings.HasPrefix(u, "0000") {
		return u[4:]
	}
	return u
}

// NormalizeUUIDs normalizes every element of uuids.
func NormalizeUUIDs(uuids []string) []string {
	if uuids == nil {
		return nil
	}
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}

// SameUUID reports whether a and b name the same attribute.
func SameUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}

// ContainsUUID reports whether u is in list.
func ContainsUUID(list []string, u string) bool {
	n := NormalizeUUID(u)
	for _, v := range list {
		if NormalizeUUID(v) == n {
			return true
		}
	}
	return false
}

// ValidateUUID checks that s is a 16-bit, 32-bit or 128-bit UUID and returns
// its normalized form.
func ValidateUUID(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("UUID cannot be empty")
	}
	n := NormalizeUUID(s)
	switch len(n) {
	case 4, 8:
		if !isHex(n) {
			return "", fmt.Errorf("invalid UUID %q: not hexadecimal", s)
		}
		return n, nil
	case 32:
		if _, err := uuid.Parse(n); err != nil {
			return "", fmt.Errorf("invalid UUID %q: %w", s, err)
		}
		return n, nil
	default:
		return "", fmt.Errorf("invalid UUID %q: unexpected length %d", s, len(n))
	}
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
