package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxPathDepth bounds how far Lookup descends into nested metadata.
const maxPathDepth = 16

// KeySubmittedTimestamp holds the time the collector received a crash.
const KeySubmittedTimestamp = "submitted_timestamp"

// SubmittedAt returns the collector arrival time recorded in meta.
func SubmittedAt(meta map[string]any) (time.Time, bool) {
	v, ok := meta[KeySubmittedTimestamp].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Lookup resolves a dotted metadata path such as "Notes.Product" or
// "Modules[0].filename". A top level key that itself contains dots is
// matched as a whole first.
func Lookup(meta map[string]any, path string) (any, bool) {
	if v, ok := meta[path]; ok {
		return v, true
	}
	var cur any = meta
	for depth, part := range strings.Split(path, ".") {
		if depth >= maxPathDepth {
			return nil, false
		}
		name, indexes, ok := splitIndexes(part)
		if !ok {
			return nil, false
		}
		if name != "" {
			m, isMap := cur.(map[string]any)
			if !isMap {
				return nil, false
			}
			if cur, ok = m[name]; !ok {
				return nil, false
			}
		}
		for _, i := range indexes {
			list, isList := cur.([]any)
			if !isList || i >= len(list) {
				return nil, false
			}
			cur = list[i]
		}
	}
	return cur, true
}

// splitIndexes parses "name[1][2]" into the name and its list indexes.
func splitIndexes(part string) (string, []int, bool) {
	open := strings.IndexByte(part, '[')
	if open < 0 {
		return part, nil, part != ""
	}
	name, rest := part[:open], part[open:]
	var idx []int
	for rest != "" {
		end := strings.IndexByte(rest, ']')
		if rest[0] != '[' || end < 0 {
			return "", nil, false
		}
		n, err := strconv.Atoi(rest[1:end])
		if err != nil || n < 0 {
			return "", nil, false
		}
		idx = append(idx, n)
		rest = rest[end+1:]
	}
	return name, idx, true
}

// MetadataString renders a metadata value for pattern matching. JSON
// numbers print without exponent or trailing zeros.
func MetadataString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
