package crashstore

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const idDateLayout = "060102"

// NewCrashID returns a fresh crash id whose trailing six characters encode
// the UTC date of ts as YYMMDD.
func NewCrashID(ts time.Time) string {
	u := uuid.NewString()
	return u[:len(u)-len(idDateLayout)] + ts.UTC().Format(idDateLayout)
}

// DateFromID decodes the YYMMDD suffix of a crash id.
func DateFromID(id string) (time.Time, bool) {
	if len(id) < len(idDateLayout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(idDateLayout, id[len(id)-len(idDateLayout):], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ValidID reports whether id is safe to use as a file name and has enough
// hex characters to be routed through the name index.
func ValidID(id string) bool {
	if len(id) < 8 || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// radix splits the leading characters of id (dashes ignored) into depth
// segments of width characters each.
func radix(id string, depth, width int) []string {
	compact := strings.ReplaceAll(id, "-", "")
	out := make([]string, 0, depth)
	for i := 0; i < depth && (i+1)*width <= len(compact); i++ {
		out = append(out, compact[i*width:(i+1)*width])
	}
	return out
}
