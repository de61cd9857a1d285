// Package deviceid implements device id normalization: two references to
// the same device must compare equal regardless of platform-prefixed input
// form.
package deviceid

import "strings"

var knownPrefixes = []string{"macos-", "android-"}

// ID is a canonical lowercase UUID string device identifier.
type ID string

// Normalize strips any recognized platform prefix (macos-, android-) and
// lowercases the remainder. Unknown prefixes pass through lowercased,
// unchanged otherwise.
func Normalize(raw string) ID {
	lower := strings.ToLower(strings.TrimSpace(raw))
	for _, prefix := range knownPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return ID(strings.TrimPrefix(lower, prefix))
		}
	}
	return ID(lower)
}

// Equal reports whether a and b refer to the same device once normalized.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

func (id ID) String() string { return string(id) }
