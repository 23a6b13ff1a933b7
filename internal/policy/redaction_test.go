package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email the workshop lead at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIILeavesPlainTextAlone(t *testing.T) {
	out, changed := RedactPII("What time does the workshop start?")
	if changed {
		t.Fatalf("changed = true for %q", out)
	}
}

func TestMaskPhone(t *testing.T) {
	if got := MaskPhone("+1 (555) 123-9876"); got != "***9876" {
		t.Fatalf("MaskPhone() = %q, want %q", got, "***9876")
	}
	if got := MaskPhone("client:alice"); got != "***" {
		t.Fatalf("MaskPhone() = %q, want %q", got, "***")
	}
}
