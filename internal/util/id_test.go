package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewIDIsUUIDWithOptionalPrefix(t *testing.T) {
	plain := NewID("")
	if _, err := uuid.Parse(plain); err != nil {
		t.Fatalf("expected uuid, got %q: %v", plain, err)
	}

	prefixed := NewID("rc")
	if !strings.HasPrefix(prefixed, "rc_") {
		t.Fatalf("expected rc_ prefix, got %q", prefixed)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(prefixed, "rc_")); err != nil {
		t.Fatalf("expected uuid after prefix, got %q", prefixed)
	}
	if NewID("") == plain {
		t.Fatal("expected distinct ids")
	}
}
