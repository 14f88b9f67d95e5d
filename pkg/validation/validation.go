package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// UserIDRegex validates user ID format. Colons are excluded: the
	// direct-call channel name joins two user IDs with ':'.
	UserIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// ChannelIDRegex validates plain channel ID format. Colons mark the
	// internally minted direct-call namespace and are not accepted here.
	ChannelIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// ValidateUserID validates a user ID
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if len(userID) > 64 {
		return fmt.Errorf("user ID is too long (max 64 characters)")
	}
	if !UserIDRegex.MatchString(userID) {
		return fmt.Errorf("user ID contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidateChannelID validates a channel ID
func ValidateChannelID(channelID string) error {
	if channelID == "" {
		return fmt.Errorf("channel ID is required")
	}
	if len(channelID) > 128 {
		return fmt.Errorf("channel ID is too long (max 128 characters)")
	}
	if !ChannelIDRegex.MatchString(channelID) {
		return fmt.Errorf("invalid channel ID format")
	}
	return nil
}

// ValidateCallType validates a call type
func ValidateCallType(callType string) error {
	validTypes := map[string]bool{
		"voice": true,
		"video": true,
	}
	if !validTypes[callType] {
		return fmt.Errorf("invalid call type (must be voice or video)")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
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
