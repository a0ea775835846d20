// Package chatkey derives conversation keys from participant ids.
package chatkey

import "strings"

// Separator joins the two ids of a key. User ids must not contain it.
const Separator = "_"

// Key returns the conversation key of u1 and u2. Key(a, b) == Key(b, a).
func Key(u1, u2 string) string {
	if u2 < u1 {
		u1, u2 = u2, u1
	}
	return u1 + Separator + u2
}

// Valid reports whether id can take part in a key.
func Valid(id string) bool {
	return id != "" && !strings.Contains(id, Separator)
}

// Participants splits a key back into its two ids.
func Participants(key string) (string, string, bool) {
	a, b, ok := strings.Cut(key, Separator)
	if !ok || !Valid(a) || !Valid(b) {
		return "", "", false
	}
	return a, b, true
}

func Contains(key, userID string) bool {
	a, b, ok := Participants(key)
	return ok && (a == userID || b == userID)
}
