package normalize

import "strings"

// Email returns a normalized form of an email address suitable for
// storage and comparisons. Normalization currently trims surrounding
// whitespace and lower-cases the address.
func Email(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// Username trims surrounding whitespace. Case is preserved because
// usernames are displayed as entered; lookups stay case-insensitive at
// the query level instead.
func Username(u string) string {
	return strings.TrimSpace(u)
}
