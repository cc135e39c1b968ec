package marketdata

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Scope identifies who owns a cached series: the platform, or a single user whose
// own provider credentials fetched it.
type Scope string

const PlatformScope Scope = "platform"

const userScopePrefix = "user:"

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func UserScope(owner string) Scope {
	return Scope(userScopePrefix + owner)
}

func (s Scope) IsUser() bool {
	return strings.HasPrefix(string(s), userScopePrefix)
}

// Dir is the directory of the scope relative to the cache root.
func (s Scope) Dir() string {
	if s.IsUser() {
		owner := strings.TrimPrefix(string(s), userScopePrefix)
		return filepath.Join("users", unsafePathChars.ReplaceAllString(owner, "_"))
	}
	return string(PlatformScope)
}
