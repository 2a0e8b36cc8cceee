package messaging

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidPhone marks a number that fails E.164 or regional validation.
var ErrInvalidPhone = errors.New("messaging: invalid phone")

var phoneDigitsRe = regexp.MustCompile(`[0-9]`)

// NormalizeE164 strips formatting and ensures the value begins with + and
// only contains digits afterward. Returns "" for unusable input.
func NormalizeE164(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	digits := strings.Join(phoneDigitsRe.FindAllString(value, -1), "")
	if digits == "" {
		return ""
	}
	return "+" + digits
}

// PhonePolicy validates numbers against the deployment's allowed regional
// prefixes before any outbound SMS or call.
type PhonePolicy struct {
	prefixes []string
}

// NewPhonePolicy builds a policy. An empty prefix list admits any region.
func NewPhonePolicy(prefixes []string) *PhonePolicy {
	cleaned := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "+") {
			p = "+" + p
		}
		cleaned = append(cleaned, p)
	}
	return &PhonePolicy{prefixes: cleaned}
}

// Validate normalizes value and checks length and regional prefix. It
// returns the normalized E.164 number.
func (p *PhonePolicy) Validate(value string) (string, error) {
	normalized := NormalizeE164(value)
	if normalized == "" {
		return "", fmt.Errorf("%w: empty after normalization", ErrInvalidPhone)
	}
	digits := len(normalized) - 1
	if digits < 8 || digits > 15 {
		return "", fmt.Errorf("%w: %d digits", ErrInvalidPhone, digits)
	}
	if len(p.prefixes) == 0 {
		return normalized, nil
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(normalized, prefix) {
			return normalized, nil
		}
	}
	return "", fmt.Errorf("%w: outside allowed regions", ErrInvalidPhone)
}
