package room

import (
	"strings"
	"unicode/utf8"
)

// Content limits enforced at the dispatch boundary.
const (
	MaxNameChars = 50
	MaxTextChars = 1000
	MaxRoomChars = 64
)

// Validation error codes surfaced in error frames.
const (
	CodeValidation = "validation_error"
	CodeNotJoined  = "not_joined"
)

// ValidationError is a synchronous rejection of a client request. It causes
// no state change and is non-fatal to the connection.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(msg string) *ValidationError {
	return &ValidationError{Code: CodeValidation, Message: msg}
}

// NormalizeRoom trims and lowercases a room name so that "General" and
// "general" address the same partition.
func NormalizeRoom(room string) string {
	return strings.ToLower(strings.TrimSpace(room))
}

// ValidateRoom checks a normalized room name.
func ValidateRoom(room string) error {
	if room == "" {
		return invalid("room name is empty")
	}
	if utf8.RuneCountInString(room) > MaxRoomChars {
		return invalid("room name too long")
	}
	if !utf8.ValidString(room) {
		return invalid("room name contains invalid UTF-8")
	}
	return nil
}

// ValidateName checks a trimmed display name.
func ValidateName(name string) error {
	if name == "" {
		return invalid("display name is empty")
	}
	if utf8.RuneCountInString(name) > MaxNameChars {
		return invalid("display name exceeds 50 characters")
	}
	if !utf8.ValidString(name) {
		return invalid("display name contains invalid UTF-8")
	}
	return nil
}

// ValidateText checks a trimmed message body.
func ValidateText(text string) error {
	if text == "" {
		return invalid("message text is empty")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return invalid("message exceeds 1000 character limit")
	}
	if !utf8.ValidString(text) {
		return invalid("message contains invalid UTF-8")
	}
	return nil
}
