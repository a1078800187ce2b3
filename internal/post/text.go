package post

import "unicode/utf8"

// TruncRunes returns s truncated to at most n runes, the trailing ellipsis
// included in the count, so the result never exceeds a platform caption
// limit of n.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n-1 {
			return s[:i] + "…"
		}
		count++
	}
	return s
}
