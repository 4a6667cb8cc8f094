package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

var (
	ErrEmpty       = errors.New("message text is empty")
	ErrTooLong     = errors.New("message is too long")
	ErrInvalidUTF8 = errors.New("message contains invalid UTF-8")
	ErrNULByte     = errors.New("message contains a NUL character")
)

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmpty
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrTooLong, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return ErrInvalidUTF8
	}
	// Postgres TEXT cannot store NUL, and one such row fails its whole batch.
	if strings.IndexByte(text, 0) >= 0 {
		return ErrNULByte
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrTooLong, MaxTextChars)
	}
	return nil
}
