// Package validation checks candidate node descriptors against the current
// topology and the host's port space.
package validation

import (
	"fmt"
	"regexp"
)

// FieldError reports a malformed field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// nodeNameRegex follows DNS label rules: lowercase letters, digits and
// hyphens, starting with a letter and not ending with a hyphen.
var nodeNameRegex = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// MaxNodeNameLength bounds node names; they double as directory names.
const MaxNodeNameLength = 63

// ValidateNodeName checks that name is a valid DNS label.
func ValidateNodeName(name string) error {
	if name == "" {
		return &FieldError{Field: "name", Message: "node name is required"}
	}
	if len(name) > MaxNodeNameLength {
		return &FieldError{Field: "name", Message: fmt.Sprintf("node name must be %d characters or less", MaxNodeNameLength)}
	}
	if name[0] == '-' {
		return &FieldError{Field: "name", Message: "node name cannot start with a hyphen"}
	}
	if name[len(name)-1] == '-' {
		return &FieldError{Field: "name", Message: "node name cannot end with a hyphen"}
	}
	if !nodeNameRegex.MatchString(name) {
		return &FieldError{
			Field:   "name",
			Message: "node name must be a valid DNS label (lowercase letters, numbers, and hyphens, starting with a letter)",
		}
	}
	return nil
}

// heapSizeRegex accepts JVM heap sizes such as "512m" or "4g".
var heapSizeRegex = regexp.MustCompile(`^[1-9][0-9]*[kKmMgG]$`)

// ValidateHeapSize checks a JVM heap size. Empty means the default.
func ValidateHeapSize(size string) error {
	if size == "" {
		return nil
	}
	if !heapSizeRegex.MatchString(size) {
		return &FieldError{
			Field:   "heap_size",
			Message: `heap size must be a number with a k, m or g suffix (e.g. "512m", "4g")`,
		}
	}
	return nil
}

// ValidatePort checks that port is a usable TCP port.
func ValidatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return &FieldError{Field: field, Message: fmt.Sprintf("%s must be between 1 and 65535, got %d", field, port)}
	}
	return nil
}
