package redact

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRedactLiteralSecret(t *testing.T) {
	r := NewRedactor("sk_live_abc123def456")

	in := `{"error":"invalid key sk_live_abc123def456 for this plan"}`
	out := r.Redact(in)
	if strings.Contains(out, "sk_live_abc123def456") {
		t.Fatalf("secret survived redaction: %s", out)
	}
	if !strings.Contains(out, Placeholder) {
		t.Fatalf("expected placeholder in output: %s", out)
	}
}

func TestRedactAPIKeyParam(t *testing.T) {
	r := NewRedactor()

	out := r.Redact("GET /search?q=shoes&api_key=abcDEF123_-xyz&gl=us failed")
	if strings.Contains(out, "abcDEF123_-xyz") {
		t.Fatalf("api_key param survived: %s", out)
	}
	if !strings.Contains(out, "api_key="+Placeholder) {
		t.Fatalf("expected api_key placeholder: %s", out)
	}
	if !strings.Contains(out, "q=shoes") || !strings.Contains(out, "gl=us") {
		t.Fatalf("unrelated params were mangled: %s", out)
	}
}

func TestRedactShortKeyParamUntouched(t *testing.T) {
	r := NewRedactor()

	in := "sort?key=name&dir=asc"
	if out := r.Redact(in); out != in {
		t.Fatalf("short key param should pass through, got %s", out)
	}
}

func TestRedactIsIdentityOnCleanInput(t *testing.T) {
	r := NewRedactor("topsecret")

	in := "429: rate limited, try again later"
	if out := r.Redact(in); out != in {
		t.Fatalf("clean input changed: %s", out)
	}
	if out := r.Redact(""); out != "" {
		t.Fatalf("empty input changed: %q", out)
	}
}

func TestRedactEveryOccurrence(t *testing.T) {
	r := NewRedactor("s3cret")

	out := r.Redact("s3cret in url, s3cret in body, s3cret in header")
	if strings.Contains(out, "s3cret") {
		t.Fatalf("an occurrence survived: %s", out)
	}
	if got := strings.Count(out, Placeholder); got != 3 {
		t.Fatalf("expected 3 placeholders, got %d", got)
	}
}

func TestRedactError(t *testing.T) {
	r := NewRedactor("topsecret")

	base := errors.New("provider said: key topsecret rejected")
	red := r.RedactError(base)
	if strings.Contains(red.Error(), "topsecret") {
		t.Fatalf("secret survived in error: %v", red)
	}

	clean := errors.New("no rows found")
	if got := r.RedactError(clean); got != clean {
		t.Fatalf("clean error should pass through unchanged")
	}
	if got := r.RedactError(nil); got != nil {
		t.Fatalf("nil error should stay nil")
	}
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

func TestRedactErrorKeepsWrappedTypes(t *testing.T) {
	r := NewRedactor("topsecret")

	base := &statusError{status: 401, body: "key topsecret rejected"}
	red := r.RedactError(fmt.Errorf("provider request: %w", base))
	if strings.Contains(red.Error(), "topsecret") {
		t.Fatalf("secret survived in error: %v", red)
	}
	if !strings.Contains(red.Error(), Placeholder) {
		t.Fatalf("expected placeholder in error: %v", red)
	}

	var se *statusError
	if !errors.As(red, &se) {
		t.Fatalf("redaction broke errors.As, got %T", red)
	}
	if se.status != 401 {
		t.Errorf("status through errors.As: got %d", se.status)
	}
}
