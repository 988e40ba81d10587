package security

import (
	"regexp"
)

const redactedPath = "<path>"

var (
	unixPath    = regexp.MustCompile(`(^|[\s'"=(\[:,])(/[^/\s'"()\[\],:][^\s'"()\[\],:]*)`)
	windowsPath = regexp.MustCompile(`(?i)\b[a-z]:\\[^\s'"()\[\],]*`)
	uncPath     = regexp.MustCompile(`\\\\[^\s'"()\[\],]+`)
)

// SanitizePath replaces absolute filesystem paths in s with a placeholder.
func SanitizePath(s string) string {
	s = windowsPath.ReplaceAllString(s, redactedPath)
	s = uncPath.ReplaceAllString(s, redactedPath)
	return unixPath.ReplaceAllString(s, "${1}"+redactedPath)
}

type scrubbedError struct {
	msg string
	err error
}

func (e *scrubbedError) Error() string { return e.msg }

func (e *scrubbedError) Unwrap() error { return e.err }

// ScrubError returns err with filesystem paths removed from its message.
// The original error stays reachable through errors.Is and errors.As.
func ScrubError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*scrubbedError); ok {
		return err
	}
	msg := err.Error()
	clean := SanitizePath(msg)
	if clean == msg {
		return err
	}
	return &scrubbedError{msg: clean, err: err}
}
