// Package room holds room identifier rules shared by every component.
package room

import (
	"errors"
	"regexp"
	"strings"
)

// DefaultID is the distinguished room that always exists and cannot be deleted.
const DefaultID = "default"

// ErrInvalidRoomID is returned for identifiers that fail validation.
var ErrInvalidRoomID = errors.New("invalid_room_id")

// Room ID validation: leading alphanumeric, then up to 63 of [A-Za-z0-9._-]
var roomIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Validate checks a room identifier.
func Validate(id string) error {
	if !roomIDRegex.MatchString(id) {
		return ErrInvalidRoomID
	}
	return nil
}

// Resolve trims value, substitutes fallback when it is empty and validates the result.
func Resolve(value, fallback string) (string, error) {
	id := strings.TrimSpace(value)
	if id == "" {
		id = fallback
	}
	if err := Validate(id); err != nil {
		return "", err
	}
	return id, nil
}

// FuzzyMatch reports whether needle is a substring of haystack, or its
// characters appear in haystack in order. Matching is case-insensitive.
func FuzzyMatch(haystack, needle string) bool {
	h := strings.ToLower(haystack)
	n := []rune(strings.ToLower(strings.TrimSpace(needle)))
	if len(n) == 0 {
		return true
	}
	if strings.Contains(h, string(n)) {
		return true
	}
	i := 0
	for _, ch := range h {
		if ch == n[i] {
			i++
			if i == len(n) {
				return true
			}
		}
	}
	return false
}
