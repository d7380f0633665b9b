package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// MaxPayloadDepth bounds the recursive payload walk so a deeply nested
// document cannot exhaust the stack before it is ever signed.
const MaxPayloadDepth = 10

// dangerousPatterns covers script injection, path traversal, shell
// metacharacter sequences and SQL/command fragments. A payload matching any
// of these is rejected before a signature is computed over it.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`(?i)%2e%2e`),
	regexp.MustCompile(`(?i);\s*exec`),
	regexp.MustCompile(`(?i);\s*drop`),
	regexp.MustCompile(`--`),
	regexp.MustCompile(`(?i)'\s*or\s+'`),
}

var (
	ownerIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	taskIDPattern  = regexp.MustCompile(`^(task_|listing_|scrape_|session_)[a-f0-9]{8,32}$`)
)

// Violation describes the first rejected leaf of a payload walk.
type Violation struct {
	Path   string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("payload rejected at %s: %s", v.Path, v.Reason)
}

// ContainsDangerousContent reports whether value matches any known
// dangerous pattern. The first match wins.
func ContainsDangerousContent(value string) bool {
	if value == "" {
		return false
	}
	for _, p := range dangerousPatterns {
		if p.MatchString(value) {
			return true
		}
	}
	return false
}

// ValidateOwnerID checks the bounded alphanumeric/underscore/dash shape and
// independently rejects dangerous content so a hostile id never reaches a
// signing string.
func ValidateOwnerID(id string) bool {
	if id == "" {
		return false
	}
	if ContainsDangerousContent(id) {
		return false
	}
	return ownerIDPattern.MatchString(id)
}

// ValidateTaskID checks the prefix_hex shape with an 8-32 character suffix.
func ValidateTaskID(id string) bool {
	if id == "" {
		return false
	}
	return taskIDPattern.MatchString(id)
}

// ValidatePayload walks maps, arrays and scalars depth-first and applies the
// dangerous-content check to every string leaf. It returns nil on success or
// a Violation naming the first offending path.
func ValidatePayload(payload map[string]any) *Violation {
	if payload == nil {
		return nil
	}
	return checkValue(payload, "payload", 0)
}

func checkValue(val any, path string, depth int) *Violation {
	if depth > MaxPayloadDepth {
		return &Violation{Path: path, Reason: "nesting exceeds maximum depth"}
	}
	switch v := val.(type) {
	case string:
		if ContainsDangerousContent(v) {
			return &Violation{Path: path, Reason: "dangerous content detected"}
		}
	case []any:
		for i, item := range v {
			if violation := checkValue(item, path+"["+strconv.Itoa(i)+"]", depth+1); violation != nil {
				return violation
			}
		}
	case map[string]any:
		for k, item := range v {
			if violation := checkValue(item, path+"."+k, depth+1); violation != nil {
				return violation
			}
		}
	}
	return nil
}

// SanitizeString truncates to maxLen, strips NUL bytes and control
// characters other than newline, carriage return and tab, and trims the
// surrounding whitespace.
func SanitizeString(value string, maxLen int) string {
	if value == "" {
		return ""
	}
	if maxLen > 0 && len(value) > maxLen {
		value = value[:maxLen]
	}
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if r == 0 {
			continue
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
