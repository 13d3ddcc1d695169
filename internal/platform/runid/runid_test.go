package runid

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestNewIsUUID(t *testing.T) {
	id := New()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("New() = %q: %v", id, err)
	}
	if id == New() {
		t.Fatalf("expected distinct ids")
	}
}

func TestContextRoundTrip(t *testing.T) {
	if got := FromContext(context.Background()); got != "" {
		t.Fatalf("empty context returned %q", got)
	}
	ctx := WithRunID(context.Background(), "run-1")
	if got := FromContext(context.WithoutCancel(ctx)); got != "run-1" {
		t.Fatalf("FromContext = %q", got)
	}
}
