package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewEvaluationID mints an evaluation id of the form YYYYMMDD_HHMMSS_<8 hex>
// in UTC.
func NewEvaluationID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s_%s", now.UTC().Format("20060102_150405"), suffix)
}

// HashCode returns the hex sha256 digest of the submitted code.
func HashCode(code string) string {
	h := sha256.Sum256([]byte(code))
	return hex.EncodeToString(h[:])
}

// JobNameFor derives the execution-unit name for an evaluation id. The name
// is deterministic so that at most one unit can ever exist per evaluation:
// lowercased, underscores replaced with hyphens, truncated to 20 characters,
// followed by 8 hex characters of the id's digest.
func JobNameFor(evalID string) string {
	base := strings.ToLower(strings.ReplaceAll(evalID, "_", "-"))
	if len(base) > 20 {
		base = base[:20]
	}
	base = strings.Trim(base, "-")
	sum := sha256.Sum256([]byte(evalID))
	return fmt.Sprintf("%s-%s", base, hex.EncodeToString(sum[:])[:8])
}
