package api

import (
	"regexp"
	"unicode/utf8"
)

// maxNameLen is the maximum length for names and opaque identifiers.
const maxNameLen = 200

// maxPasswordLen is the maximum length for PINs.
const maxPasswordLen = 256

// extensionRe validates extension numbers: digits only, 1-20 chars.
var extensionRe = regexp.MustCompile(`^\d{1,20}$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateExtensionNumber checks that an extension number is digits only.
func validateExtensionNumber(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !extensionRe.MatchString(value) {
		return field + " must contain only digits (max 20)"
	}
	return ""
}

// containsControlChars checks whether a string has control characters.
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 || r == 127 {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters or that
// exceed maxNameLen.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return validateStringLen(field, value, maxNameLen)
}
