package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefix(t *testing.T) {
	id := NewID("msg")
	if !strings.HasPrefix(id, "msg_") {
		t.Fatalf("expected msg_ prefix, got %q", id)
	}
	if len(id) != len("msg_")+32 {
		t.Fatalf("unexpected id length %d for %q", len(id), id)
	}
}

func TestNewIDIsMonotonic(t *testing.T) {
	prev := NewID("")
	for i := 0; i < 1000; i++ {
		next := NewID("")
		if next <= prev {
			t.Fatalf("id %q not greater than previous %q", next, prev)
		}
		prev = next
	}
}
