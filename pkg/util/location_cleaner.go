package util

import (
	"regexp"
	"strings"
)

var (
	// htmlTagPattern matches HTML tags like <span>, </span>, <div>, </div>, etc.
	htmlTagPattern = regexp.MustCompile(`<[^>]*>`)
	// multiSpacePattern matches multiple consecutive whitespace characters
	multiSpacePattern = regexp.MustCompile(`\s+`)
	// countrySuffixPattern matches trailing country names users paste from address autofill.
	countrySuffixPattern = regexp.MustCompile(`(?i)[,\s]*\b(united states( of america)?|usa|u\.s\.a\.?)\s*$`)
)

// CleanLocationText removes HTML remnants, escape sequences and a trailing country
// name from free-text location input, and normalizes whitespace. Case is preserved.
func CleanLocationText(s string) string {
	if s == "" {
		return ""
	}

	// Fix escaped HTML closing tags and forward slashes
	s = strings.ReplaceAll(s, `<\/`, `</`)
	s = strings.ReplaceAll(s, `\/`, `/`)
	s = strings.ReplaceAll(s, `\n`, " ")

	s = htmlTagPattern.ReplaceAllString(s, " ")

	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")
	s = strings.ReplaceAll(s, "&nbsp;", " ")

	s = multiSpacePattern.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	s = countrySuffixPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
