package middleware

import (
	"errors"
	"regexp"
	"unicode/utf8"
)

var (
	skuPattern      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)
	platformIDChars = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)
)

// ValidateMessageText validates text submitted for a simulated message.
func ValidateMessageText(text string) error {
	if len(text) == 0 {
		return errors.New("text cannot be empty")
	}
	if len(text) > 4000 {
		return errors.New("text exceeds maximum length")
	}
	if !utf8.ValidString(text) {
		return errors.New("text must be valid UTF-8")
	}
	return nil
}

// ValidatePlatformID validates a platform-assigned id (user or event).
func ValidatePlatformID(id string) error {
	if len(id) == 0 {
		return errors.New("id cannot be empty")
	}
	if len(id) > 255 {
		return errors.New("id exceeds maximum length")
	}
	if !platformIDChars.MatchString(id) {
		return errors.New("id contains invalid characters")
	}
	return nil
}

// ValidateSKU validates an inventory sku.
func ValidateSKU(sku string) error {
	if !skuPattern.MatchString(sku) {
		return errors.New("invalid sku format")
	}
	return nil
}

// ValidateQuery validates a free-text inventory search query.
func ValidateQuery(q string) error {
	if len(q) > 200 {
		return errors.New("query exceeds maximum length")
	}
	if !utf8.ValidString(q) {
		return errors.New("query must be valid UTF-8")
	}
	return nil
}
