package model

import (
	"strings"
	"unicode"
)

// NormalizeGeoKey lowercases the input and collapses every run of non-alphanumeric
// characters into a single hyphen, so "Salt Lake City, UT" and "salt lake city ut"
// produce the same key.
func NormalizeGeoKey(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// CanonicalGeoKey normalizes a storage key, leaving ZIP codes untouched.
func CanonicalGeoKey(key string) string {
	k := strings.TrimSpace(key)
	if IsZipGeoKey(k) {
		return k
	}
	return NormalizeGeoKey(k)
}

// CityGeoKey builds the composite key for a city-level bucket.
func CityGeoKey(city, state string) string {
	return NormalizeGeoKey(city + " " + state)
}

// StateGeoKey builds the key for a state-level bucket.
func StateGeoKey(state string) string {
	return NormalizeGeoKey(state)
}

// IsZipGeoKey reports whether key is a bare 5-digit ZIP code.
func IsZipGeoKey(key string) bool {
	if len(key) != 5 {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] < '0' || key[i] > '9' {
			return false
		}
	}
	return true
}

// ScopeForGeoKey classifies a key: ZIP is local, the national bucket is national,
// anything else (city or state) is regional.
func ScopeForGeoKey(key string) GeographicScope {
	switch {
	case key == "" || key == NationalGeoKey:
		return ScopeNational
	case IsZipGeoKey(key):
		return ScopeLocal
	default:
		return ScopeRegional
	}
}
