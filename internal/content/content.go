package content

import (
	"bytes"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

// MaxMessageChars bounds message length in runes.
const MaxMessageChars = 4000

var (
	policy      = bluemonday.UGCPolicy()
	plainPolicy = bluemonday.StrictPolicy()
	emailRegex  = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
)

// Sanitize removes unsafe HTML from the input string using the UGC policy.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// PlainText strips every tag. It is used for display names.
func PlainText(input string) string {
	return strings.TrimSpace(plainPolicy.Sanitize(input))
}

// RenderMarkdown converts message markdown into sanitized HTML.
func RenderMarkdown(input string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return Sanitize(buf.String()), nil
}

// Preview shortens content to at most maxRunes runes for conversation lists.
func Preview(input string, maxRunes int) string {
	input = strings.Join(strings.Fields(input), " ")
	if maxRunes <= 0 || utf8.RuneCountInString(input) <= maxRunes {
		return input
	}
	runes := []rune(input)
	return string(runes[:maxRunes]) + "…"
}

// ValidateEmail checks the address shape. It does not check deliverability.
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return errors.New("email cannot be empty")
	}
	if !emailRegex.MatchString(email) {
		return errors.New("email is malformed")
	}
	return nil
}
