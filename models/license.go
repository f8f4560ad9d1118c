package models

import (
	"crypto/rand"
	"regexp"
	"strings"
	"time"
)

// Canonical key format: four groups of four uppercase alphanumerics.
// Trial keys carry a TRIAL- prefix in front of the same body.
var keyPattern = regexp.MustCompile(`^(TRIAL-)?[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

const keyCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ValidKeyFormat reports whether key matches the canonical license key
// format. This is a pure syntax check, it says nothing about whether the
// key was ever issued.
func ValidKeyFormat(key string) bool {
	return keyPattern.MatchString(key)
}

// IsTrialKey reports whether key carries the trial prefix.
func IsTrialKey(key string) bool {
	return strings.HasPrefix(key, "TRIAL-")
}

// GenerateKey returns a new license key in the canonical format.
func GenerateKey() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in serious trouble
		panic(err)
	}

	segments := make([]string, 4)
	for i := 0; i < 4; i++ {
		var b strings.Builder
		for j := 0; j < 4; j++ {
			b.WriteByte(keyCharset[int(buf[i*4+j])%len(keyCharset)])
		}
		segments[i] = b.String()
	}
	return strings.Join(segments, "-")
}

// GenerateTrialKey returns a new trial license key.
func GenerateTrialKey() string {
	return "TRIAL-" + GenerateKey()
}

// Usage is the consumed-operations view carried on a validation result.
type Usage struct {
	Current int64 `json:"current"`
}

// Validation is the resolved entitlement for a license key: whether it is
// valid, which tier it grants, and how much of the quota is consumed.
// Degraded marks an offline fallback grant; callers may restrict behavior
// further on that flag.
type Validation struct {
	Valid     bool      `json:"valid"`
	Tier      Tier      `json:"tier"`
	Features  []string  `json:"features"`
	Limits    Limits    `json:"limits"`
	Usage     Usage     `json:"usage"`
	ExpiresAt time.Time `json:"expires_at"`
	Degraded  bool      `json:"degraded,omitempty"`
}

// HasFeature reports whether the validated grant includes the named
// capability.
func (v Validation) HasFeature(feature string) bool {
	for _, f := range v.Features {
		if f == feature {
			return true
		}
	}
	return false
}
