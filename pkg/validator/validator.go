// Package validator performs reject-only structural validation of
// request bodies: it never mutates input, it only reports the first
// offending path so the caller can return a precise 400.
package validator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxRequestSize is the overall request body ceiling.
	MaxRequestSize = 10 * 1024 * 1024 // 10 MiB
	// MaxJSONDepth bounds recursive descent into nested objects/arrays.
	MaxJSONDepth = 10
	// MaxStringLength bounds any single string field (keys included).
	MaxStringLength = 100_000 // 100 KB
	// MaxArrayLength bounds any single array field.
	MaxArrayLength = 10_000
	// MaxParamsSize bounds the serialized size of action.params alone.
	MaxParamsSize = 5 * 1024 * 1024 // 5 MiB
)

// Error reports the first structural violation found, with a JSONPath
// pointing at the offending location.
type Error struct {
	Path    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at path: %s", e.Message, e.Path)
}

var dangerousPatterns = []struct {
	re      *regexp.Regexp
	message string
}{
	{regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`), "script tags not allowed"},
	{regexp.MustCompile(`(?i)javascript:`), "javascript protocol not allowed"},
	{regexp.MustCompile(`(?i)on\w+\s*=`), "event handlers not allowed"},
}

// CheckDangerousPatterns reports the first disallowed pattern found in
// value, or ("", false) if none match.
func CheckDangerousPatterns(value string) (string, bool) {
	for _, p := range dangerousPatterns {
		if p.re.MatchString(value) {
			return p.message, true
		}
	}
	return "", false
}

// Options controls which checks ValidateStructure applies. Strict
// enables the dangerous-pattern scan and controls nothing else
// (size/depth/array limits are always enforced — they are DoS
// protection, not content policy).
type Options struct {
	Strict bool
}

// ValidateStructure walks data (already json.Unmarshal'd into
// interface{}) and returns the first violation found, without mutating
// data.
func ValidateStructure(data interface{}, opts Options) error {
	return validateAt(data, 0, "", opts)
}

// ValidateJSON parses raw and validates its structure in one step.
func ValidateJSON(raw []byte, opts Options) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return &Error{Path: "", Message: "invalid JSON: " + err.Error()}
	}
	return ValidateStructure(v, opts)
}

func validateAt(data interface{}, depth int, path string, opts Options) error {
	if depth > MaxJSONDepth {
		return &Error{Path: path, Message: fmt.Sprintf("JSON depth exceeds maximum of %d", MaxJSONDepth)}
	}
	switch t := data.(type) {
	case map[string]interface{}:
		for key, value := range t {
			if len(key) > MaxStringLength {
				return &Error{Path: joinPath(path, key), Message: fmt.Sprintf("key length exceeds maximum of %d", MaxStringLength)}
			}
			if opts.Strict {
				if msg, hit := CheckDangerousPatterns(key); hit {
					return &Error{Path: joinPath(path, key), Message: msg + " in key"}
				}
			}
			if err := validateAt(value, depth+1, joinPath(path, key), opts); err != nil {
				return err
			}
		}
	case []interface{}:
		if len(t) > MaxArrayLength {
			return &Error{Path: path, Message: fmt.Sprintf("array length exceeds maximum of %d", MaxArrayLength)}
		}
		for i, item := range t {
			if err := validateAt(item, depth+1, fmt.Sprintf("%s[%d]", path, i), opts); err != nil {
				return err
			}
		}
	case string:
		if len(t) > MaxStringLength {
			return &Error{Path: path, Message: fmt.Sprintf("string length exceeds maximum of %d", MaxStringLength)}
		}
		if opts.Strict {
			if msg, hit := CheckDangerousPatterns(t); hit {
				return &Error{Path: path, Message: msg}
			}
		}
	default:
		// numbers, bools, null: always valid
	}
	return nil
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// ValidateActionParams enforces the params-specific size ceiling on top
// of the generic structural checks.
func ValidateActionParams(raw json.RawMessage, opts Options) error {
	if len(raw) > MaxParamsSize {
		return &Error{Path: "action.params", Message: fmt.Sprintf("action parameters exceed maximum size of %d bytes", MaxParamsSize)}
	}
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return &Error{Path: "action.params", Message: "invalid JSON: " + err.Error()}
	}
	if err := validateAt(v, 0, "action.params", opts); err != nil {
		return err
	}
	return nil
}

// NormalizeWhitespace trims leading/trailing whitespace. It is applied
// narrowly, only to the specific fields that need it (e.g. objective
// text) — never to action params, which must pass through unmodified.
func NormalizeWhitespace(value string) string {
	return strings.TrimSpace(value)
}
