// Package redact strips credential material from text before it leaves the
// core. Every outward-facing error and payload body passes through here, so
// callers outside the core never need to redact anything themselves.
package redact

import (
	"regexp"
	"strings"
)

const Placeholder = "***REDACTED***"

var (
	apiKeyParam = regexp.MustCompile(`(?i)api_key=[a-zA-Z0-9_-]+`)
	// Some providers use a bare key= parameter; only long values are
	// treated as credentials to avoid mangling unrelated query params.
	keyParam = regexp.MustCompile(`(?i)key=[a-zA-Z0-9_-]{20,}`)
)

// Redactor replaces credential substrings with a fixed placeholder. The zero
// value redacts parameter patterns only; NewRedactor adds the literal
// credential value, which matters when a provider echoes the key back in its
// own error body.
type Redactor struct {
	secrets []string
}

func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		if s != "" {
			r.secrets = append(r.secrets, s)
		}
	}
	return r
}

// Redact returns a copy of s with every credential occurrence replaced.
// Pure; input without credential material is returned unchanged.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, Placeholder)
	}
	s = apiKeyParam.ReplaceAllString(s, "api_key="+Placeholder)
	s = keyParam.ReplaceAllString(s, "key="+Placeholder)
	return s
}

// RedactError rewrites an error's message through Redact. Errors whose text
// is already clean pass through untouched; dirty ones come back wrapped with
// the original chain intact, so errors.Is and errors.As keep working.
func (r *Redactor) RedactError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	clean := r.Redact(msg)
	if clean == msg {
		return err
	}
	return &redactedError{msg: clean, cause: err}
}

type redactedError struct {
	msg   string
	cause error
}

func (e *redactedError) Error() string { return e.msg }

// Unwrap exposes the original error for errors.Is/errors.As. Callers must
// format the error through Error(), never through an unwrapped cause.
func (e *redactedError) Unwrap() error { return e.cause }
