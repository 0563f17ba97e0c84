// Package validation checks bot names, start commands and uploaded paths
// before they are persisted or reach a filesystem or container.
//
// The start command denylist is defense in depth only. It is not a sandbox:
// the container security profile applied by the engine package (all
// capabilities dropped, no-new-privileges, resource limits, bridge network)
// is the isolation boundary. Never treat a command that passes
// ValidateStartCommand as safe to run outside that profile.
package validation

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// MaxStartCommandLength is the longest start command accepted.
const MaxStartCommandLength = 500

// maxFilenameLength matches common filesystem limits.
const maxFilenameLength = 255

// ErrValidation is wrapped by every *Error.
var ErrValidation = errors.New("validation failed")

// Rules reported in Error.Rule.
const (
	RuleNamePattern     = "name_pattern"
	RuleCommandEmpty    = "command_empty"
	RuleCommandTooLong  = "command_too_long"
	RuleCommandDenylist = "command_denylist"
	RulePathEmpty       = "path_empty"
	RulePathAbsolute    = "path_absolute"
	RulePathTraversal   = "path_traversal"
	RulePathNullByte    = "path_null_byte"
)

// Error identifies the field and the specific rule that was violated.
type Error struct {
	Field   string
	Rule    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *Error) Unwrap() error { return ErrValidation }

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

type deniedPattern struct {
	re    *regexp.Regexp
	label string
}

// Matched case-insensitively against the whole command.
var deniedPatterns = []deniedPattern{
	{regexp.MustCompile(`&&`), "command chaining (&&)"},
	{regexp.MustCompile(`\|\|`), "or operator (||)"},
	{regexp.MustCompile(`;`), "command separator (;)"},
	{regexp.MustCompile(`\|`), "pipe (|)"},
	{regexp.MustCompile(`>`), "output redirect (>)"},
	{regexp.MustCompile(`<`), "input redirect (<)"},
	{regexp.MustCompile("`"), "backtick substitution"},
	{regexp.MustCompile(`\$\(`), "command substitution ($()"},
	{regexp.MustCompile(`(?i)bash`), "shell interpreter (bash)"},
	{regexp.MustCompile(`(?i)sh `), "shell interpreter (sh)"},
	{regexp.MustCompile(`(?i)/bin/`), "direct binary path (/bin/)"},
	{regexp.MustCompile(`(?i)\brm\b`), "destructive utility (rm)"},
	{regexp.MustCompile(`(?i)\bdd\b`), "destructive utility (dd)"},
	{regexp.MustCompile(`(?i)mkfs`), "destructive utility (mkfs)"},
	{regexp.MustCompile(`(?i)curl.*\|`), "piped download (curl)"},
	{regexp.MustCompile(`(?i)wget.*\|`), "piped download (wget)"},
}

// ValidateName checks a bot display name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return &Error{
			Field:   "name",
			Rule:    RuleNamePattern,
			Message: "use 3-50 letters, digits, hyphens or underscores",
		}
	}
	return nil
}

// ValidateStartCommand rejects empty or overlong commands and any command
// matching the denylist. Any match fails closed.
func ValidateStartCommand(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return &Error{Field: "start_cmd", Rule: RuleCommandEmpty, Message: "command is empty"}
	}
	if len(cmd) > MaxStartCommandLength {
		return &Error{
			Field:   "start_cmd",
			Rule:    RuleCommandTooLong,
			Message: fmt.Sprintf("command exceeds %d characters", MaxStartCommandLength),
		}
	}
	for _, p := range deniedPatterns {
		if p.re.MatchString(cmd) {
			return &Error{
				Field:   "start_cmd",
				Rule:    RuleCommandDenylist,
				Message: "command contains " + p.label,
			}
		}
	}
	return nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeFilename reduces an uploaded filename to a safe basename. The
// result never contains a path separator or "..", is never empty, and
// SanitizeFilename(SanitizeFilename(x)) == SanitizeFilename(x).
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = stripDotDot(name)
	if len(name) > maxFilenameLength {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = stripDotDot(name[:maxFilenameLength-len(ext)] + ext)
	}
	if name == "" || name == "." {
		return "upload"
	}
	return name
}

// SanitizeArchiveMember applies SanitizeFilename to every segment of a
// slash separated archive path. Empty and "." segments are dropped; an
// empty result means the member names the archive root.
func SanitizeArchiveMember(name string) string {
	parts := strings.Split(strings.ReplaceAll(name, "\\", "/"), "/")
	clean := parts[:0]
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		clean = append(clean, SanitizeFilename(part))
	}
	return strings.Join(clean, "/")
}

// stripDotDot removes ".." until none is left; a single pass can join two
// dots into a new pair.
func stripDotDot(s string) string {
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", "")
	}
	return s
}

// ValidateArchiveMember rejects archive entry names that are absolute or
// that contain a ".." segment. It must be called for every entry before
// anything is extracted.
func ValidateArchiveMember(name string) error {
	if name == "" {
		return &Error{Field: "archive_member", Rule: RulePathEmpty, Message: "empty entry name"}
	}
	if strings.ContainsRune(name, 0) {
		return &Error{Field: "archive_member", Rule: RulePathNullByte, Message: "entry name contains NUL"}
	}
	normalized := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(normalized, "/") || hasDriveLetter(normalized) {
		return &Error{
			Field:   "archive_member",
			Rule:    RulePathAbsolute,
			Message: fmt.Sprintf("absolute entry path %q", name),
		}
	}
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return &Error{
				Field:   "archive_member",
				Rule:    RulePathTraversal,
				Message: fmt.Sprintf("entry path %q escapes the bot directory", name),
			}
		}
	}
	return nil
}

func hasDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
