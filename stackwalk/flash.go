package stackwalk

import (
	"path"
	"regexp"
	"strings"
)

var (
	flashModule   = regexp.MustCompile(`^(?:NPSWF32.*\.dll|libflashplayer.*\.(?:so|a)|Flash Player.*)$`)
	flashFileName = regexp.MustCompile(`_(\d+(?:_\d+)+)\.(?:dll|so|a)$`)
)

// IsFlashModule reports whether filename is a Flash plugin build.
func IsFlashModule(filename string) bool {
	return flashModule.MatchString(baseName(filename))
}

// baseName strips directories written with either separator.
func baseName(p string) string {
	return path.Base(strings.ReplaceAll(p, `\`, "/"))
}

// FlashVersion returns the version of the first Flash plugin module: its
// version field, else the digits in its file name, else the entry for its
// debug id in knownDebugIDs. It returns "" when no Flash module is loaded
// or none of those yield a version.
func FlashVersion(modules []Module, knownDebugIDs map[string]string) string {
	for _, m := range modules {
		if !IsFlashModule(m.Filename) {
			continue
		}
		if v := strings.TrimSpace(m.Version); v != "" {
			return v
		}
		if sub := flashFileName.FindStringSubmatch(baseName(m.Filename)); sub != nil {
			return strings.ReplaceAll(sub[1], "_", ".")
		}
		if v, ok := knownDebugIDs[strings.ToUpper(m.DebugID)]; ok {
			return v
		}
	}
	return ""
}
