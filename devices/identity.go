package devices

import "strings"

// Normalize returns the canonical form of a device identifier:
// uppercase with colon separators. Callers may pass either separator
// style or case; the function is idempotent.
func Normalize(raw string) string {
	return strings.ToUpper(strings.ReplaceAll(raw, "-", ":"))
}
