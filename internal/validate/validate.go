// Package validate guards every externally supplied field before it reaches
// the store: virtual path normalization, identifier shape, and length/range
// bounds. Violations are rejections, never silent fixes or truncation.
package validate

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxHTMLBytes    = 10 << 20 // 10 MB full-page snapshots
	MaxCommentBytes = 10 << 10 // 10 KB
	MaxNameLen      = 100
	MaxProjectName  = 200
	MaxUserIDLen    = 100
	MaxPathLen      = 1024
)

// Error is a client-correctable input rejection.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func fail(field, format string, args ...any) *Error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Absolute system prefixes a normalized path must never resolve under.
var deniedPrefixes = []string{
	"/etc/", "/windows/", "/root/", "/usr/", "/var/", "/sys/",
	"/proc/", "/boot/", "/dev/", "/bin/", "/sbin/",
}

const forbiddenChars = `<>:"|?*`

// normalize applies the canonical form shared by page and folder paths:
// forward slashes only, no control or forbidden characters, no dot
// segments, collapsed slashes, single leading slash, no trailing slash.
// Traversal segments are rejected before normalization, never normalized.
func normalize(raw string) string {
	cleaned := strings.ReplaceAll(raw, "\\", "/")

	var b strings.Builder
	for _, r := range cleaned {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(forbiddenChars, r) {
			continue
		}
		b.WriteRune(r)
	}

	var segments []string
	for _, segment := range strings.Split(b.String(), "/") {
		segment = strings.TrimSpace(segment)
		if segment == "" || segment == "." {
			continue
		}
		segments = append(segments, segment)
	}
	return "/" + strings.Join(segments, "/")
}

// hasTraversal reports whether any slash- or backslash-delimited segment of
// the raw input is "..". The check runs on the raw string so a traversal
// attempt can never survive into normalization.
func hasTraversal(raw string) bool {
	for _, segment := range strings.Split(strings.ReplaceAll(raw, "\\", "/"), "/") {
		if strings.TrimSpace(segment) == ".." {
			return true
		}
	}
	return false
}

func checkDenied(field, normalized string) *Error {
	probe := normalized
	if !strings.HasSuffix(probe, "/") {
		probe += "/"
	}
	lower := strings.ToLower(probe)
	for _, prefix := range deniedPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return fail(field, "path %q resolves under forbidden prefix %q", normalized, strings.TrimSuffix(prefix, "/"))
		}
	}
	return nil
}

// PagePath normalizes a project-scoped page path and rejects anything that
// lands under a denylisted system prefix.
func PagePath(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fail("page_path", "is required")
	}
	if len(raw) > MaxPathLen {
		return "", fail("page_path", "exceeds %d characters", MaxPathLen)
	}
	if hasTraversal(raw) {
		return "", fail("page_path", "%q contains a traversal segment", raw)
	}
	normalized := normalize(raw)
	if normalized == "/" {
		return "", fail("page_path", "%q has no usable path segments", raw)
	}
	if err := checkDenied("page_path", normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// FolderPath normalizes a project folder path and additionally requires it
// to sit under the configured virtual root.
func FolderPath(raw, virtualRoot string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fail("folder_path", "is required")
	}
	if len(raw) > MaxPathLen {
		return "", fail("folder_path", "exceeds %d characters", MaxPathLen)
	}
	if hasTraversal(raw) {
		return "", fail("folder_path", "%q contains a traversal segment", raw)
	}
	normalized := normalize(raw)
	if normalized == "/" {
		return "", fail("folder_path", "%q has no usable path segments", raw)
	}
	if err := checkDenied("folder_path", normalized); err != nil {
		return "", err
	}
	root := strings.TrimSuffix(virtualRoot, "/")
	if root != "" && normalized != root && !strings.HasPrefix(normalized, root+"/") {
		return "", fail("folder_path", "must start with virtual root %q", root)
	}
	return normalized, nil
}

// ID checks the canonical unique-identifier shape. Anything else is rejected
// before it reaches a lookup.
func ID(field, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fail(field, "is required")
	}
	if _, err := uuid.Parse(raw); err != nil {
		return fail(field, "%q is not a valid identifier", raw)
	}
	return nil
}

// Name bounds a free-text display name (editor, author, user name).
func Name(field, value string, max int) error {
	if strings.TrimSpace(value) == "" {
		return fail(field, "is required")
	}
	if len(value) > max {
		return fail(field, "exceeds %d characters", max)
	}
	return nil
}

// Text bounds a body field, in bytes, without requiring it to be non-empty.
func Text(field, value string, maxBytes int) error {
	if len(value) > maxBytes {
		return fail(field, "exceeds %d bytes", maxBytes)
	}
	return nil
}

// Position checks a viewport-relative percentage.
func Position(field string, value float64) error {
	if value != value { // NaN
		return fail(field, "must be a number")
	}
	if value < 0 || value > 100 {
		return fail(field, "must be within [0,100], got %v", value)
	}
	return nil
}
