package release

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

var idPattern = regexp.MustCompile(`^rel_\d{14}_[0-9a-f]{8}$`)

// NewId mints a release id of the form rel_{UTC timestamp}_{random hex}. The
// timestamp keeps ids sortable by publish time; the random suffix keeps two
// publishes within the same second distinct.
func NewId(now time.Time) string {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		// crypto/rand failing means the platform has no usable entropy
		// source; minting a predictable id would be worse than stopping.
		panic(fmt.Sprintf("failed to read random bytes for release id: %v", err))
	}
	return fmt.Sprintf("rel_%s_%s", now.UTC().Format("20060102150405"), hex.EncodeToString(suffix))
}

// ValidId reports whether s is a well-formed release id.
func ValidId(s string) bool {
	return idPattern.MatchString(s)
}
