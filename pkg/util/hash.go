package util

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// maxDocIDLen keeps generated document IDs well below Firestore's 1500 byte limit.
const maxDocIDLen = 256

// MarketDocID returns the storage ID for a (geoKey, category) aggregate, e.g. "78701_electronics".
// Slashes are not allowed in Firestore document IDs, so they are replaced; overly long
// IDs fall back to an MD5 hash of the pair.
func MarketDocID(geoKey, category string) string {
	id := sanitizeIDPart(geoKey) + "_" + NormalizeCategory(category)
	if len(id) > maxDocIDLen {
		return HashString(geoKey + "|" + category)
	}
	return id
}

// HashLifecycleEvent creates an MD5 hash identifying an event that arrived without an ID, used for dedup.
func HashLifecycleEvent(eventType, location, category string, price float64, occurredAt time.Time) string {
	builder := strings.Builder{}
	builder.WriteString(strings.TrimSpace(strings.ToLower(eventType)))
	builder.WriteString("|")
	builder.WriteString(strings.TrimSpace(strings.ToLower(location)))
	builder.WriteString("|")
	builder.WriteString(strings.TrimSpace(strings.ToLower(category)))
	builder.WriteString("|")
	builder.WriteString(strings.TrimSpace(formatPrice(price)))
	builder.WriteString("|")
	builder.WriteString(occurredAt.UTC().Format(time.RFC3339Nano))
	return hashString(builder.String())
}

// HashString returns the MD5 hash of an arbitrary string.
func HashString(input string) string {
	return hashString(strings.TrimSpace(strings.ToLower(input)))
}

func hashString(input string) string {
	sum := md5.Sum([]byte(input))
	return hex.EncodeToString(sum[:])
}

// NormalizeCategory lowercases a category and joins its words with dashes, so
// "Home/Garden", "home garden" and "home-garden" share one aggregate.
func NormalizeCategory(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, "/", " "))
	return strings.Join(strings.Fields(s), "-")
}

func sanitizeIDPart(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.ReplaceAll(s, "/", "-")
	return strings.ReplaceAll(s, " ", "-")
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}
