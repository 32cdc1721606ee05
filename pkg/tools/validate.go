package tools

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// validator accumulates "<path>: <message>" issues across one request so a
// caller sees every problem at once.
type validator struct {
	issues []string
}

func (v *validator) addf(path, format string, args ...interface{}) {
	v.issues = append(v.issues, path+": "+fmt.Sprintf(format, args...))
}

// err returns an InvalidParams error listing all issues, or nil.
func (v *validator) err() error {
	if len(v.issues) == 0 {
		return nil
	}
	return &Error{
		Code:    CodeInvalidParams,
		Message: strings.Join(v.issues, "; "),
		Data:    v.issues,
	}
}

func (v *validator) requireUUID(path, value string) {
	if value == "" {
		v.addf(path, "is required")
		return
	}
	if _, err := uuid.Parse(value); err != nil {
		v.addf(path, "must be a valid UUID")
	}
}

func (v *validator) optionalUUID(path, value string) {
	if value == "" {
		return
	}
	if _, err := uuid.Parse(value); err != nil {
		v.addf(path, "must be a valid UUID")
	}
}

func (v *validator) inRange(path string, value, min, max float64) {
	if value < min || value > max {
		v.addf(path, "must be between %g and %g", min, max)
	}
}

// sanitizeText strips ASCII control characters except newline and tab.
func sanitizeText(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			sb.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7F {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// sanitizeTag keeps only the characters a tag may contain.
func sanitizeTag(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ', r == '_', r == '-':
			sb.WriteRune(r)
		}
	}
	return strings.TrimSpace(sb.String())
}

// sanitizeTags cleans each tag, drops empties, and validates count and
// length against the configured limits.
func (v *validator) sanitizeTags(path string, tags []string, maxTags, maxTagLength int) []string {
	if len(tags) > maxTags {
		v.addf(path, "at most %d tags allowed", maxTags)
		return nil
	}
	out := make([]string, 0, len(tags))
	for i, tag := range tags {
		clean := sanitizeTag(tag)
		if clean == "" {
			continue
		}
		if len(clean) > maxTagLength {
			v.addf(fmt.Sprintf("%s[%d]", path, i), "must be at most %d characters", maxTagLength)
			continue
		}
		out = append(out, clean)
	}
	return out
}

func (v *validator) checkUserContext(value string, maxLength int) {
	if len(value) > maxLength {
		v.addf("user_context", "must be at most %d characters", maxLength)
	}
}
