package util

import (
	"html"
	"regexp"
	"strings"
)

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,63}$`)

// SanitizeInput trims and escapes HTML/script-like characters
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// ContainsSuspicious reports markup or template fragments in user input
func ContainsSuspicious(s string) bool {
	badChars := []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}
	lower := strings.ToLower(s)
	for _, c := range badChars {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// CleanProjectID returns the trimmed project id and whether it is acceptable
// as a ledger key. Project ids come from the contest front end and are opaque here.
func CleanProjectID(raw string) (string, bool) {
	id := strings.TrimSpace(raw)
	if id == "" || ContainsSuspicious(id) {
		return "", false
	}
	return id, projectIDPattern.MatchString(id)
}
