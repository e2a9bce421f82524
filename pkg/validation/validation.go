package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// StreamKeyRegex validates ingest stream keys
	StreamKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)

	// URNRegex validates device locators such as "camera:front:0"
	URNRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-]+(:[a-zA-Z0-9_.\-]+)+$`)

	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// MaxMetadataBytes bounds one timed metadata payload.
const MaxMetadataBytes = 1024

// ValidateIngestURL validates a broadcast endpoint. Only secure schemes are
// accepted.
func ValidateIngestURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("ingest URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid ingest URL format: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "rtmps" {
		return fmt.Errorf("invalid ingest URL scheme %q (must be https or rtmps)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("ingest URL must have a host")
	}
	return nil
}

// ValidateStreamKey validates the credential presented to the ingest.
func ValidateStreamKey(key string) error {
	if key == "" {
		return fmt.Errorf("stream key is required")
	}
	if len(key) > 256 {
		return fmt.Errorf("stream key is too long (max 256 characters)")
	}
	if !StreamKeyRegex.MatchString(key) {
		return fmt.Errorf("invalid stream key format")
	}
	return nil
}

// ValidateURN validates a device locator
func ValidateURN(urn string) error {
	if urn == "" {
		return fmt.Errorf("device urn is required")
	}
	if len(urn) > 200 {
		return fmt.Errorf("device urn is too long (max 200 characters)")
	}
	if !URNRegex.MatchString(urn) {
		return fmt.Errorf("invalid device urn format")
	}
	return nil
}

// ValidateSlotName validates a mixer slot name
func ValidateSlotName(name string) error {
	return ValidateStringLength(name, 1, 50, "slot name")
}

// ValidateUsername validates username
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if len(username) < 3 {
		return fmt.Errorf("username must be at least 3 characters")
	}
	if len(username) > 50 {
		return fmt.Errorf("username is too long (max 50 characters)")
	}
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("username contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidateStringLength validates string length in runes
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
