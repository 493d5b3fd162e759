package idgen

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var customIDPattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ValidateCustomID checks that id is a valid caller-provided identifier.
// Rules: lowercase letters, digits, and dashes; must start with a letter and
// end with a letter or digit; max 64 characters.
func ValidateCustomID(id string) error {
	if len(id) > 64 {
		return fmt.Errorf("custom id too long (max 64 characters)")
	}
	if !customIDPattern.MatchString(id) {
		return fmt.Errorf("custom id %q is invalid: must match %s", id, customIDPattern.String())
	}
	return nil
}

// Request generates a short correlation id like "appr-018f2c3a" used to pair
// request events with their responses.
func Request(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(raw) > 8 {
		raw = raw[:8]
	}
	return fmt.Sprintf("%s-%s", prefix, raw)
}
