package identity

import (
	"strings"
	"testing"
)

func TestGenerateID(t *testing.T) {
	id, err := GenerateID(16)
	if err != nil {
		t.Fatalf("GenerateID: %v", err)
	}
	if len(id) != 32 {
		t.Errorf("expected 32 hex chars, got %d", len(id))
	}

	id2, _ := GenerateID(16)
	if id == id2 {
		t.Error("two generated IDs should differ")
	}
}

func TestSessionKeyRoundTrip(t *testing.T) {
	key := GenerateSessionKey("sess-1", "salt")
	if err := ValidateSessionKey("sess-1", key, "salt"); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
	if err := ValidateSessionKey("sess-2", key, "salt"); err == nil {
		t.Error("key for wrong session accepted")
	}
	if err := ValidateSessionKey("sess-1", key, "other-salt"); err == nil {
		t.Error("key with wrong salt accepted")
	}
	if strings.ContainsAny(key, "=+/") {
		t.Errorf("key should be URL-safe without padding: %q", key)
	}
}

func TestDigest64Stable(t *testing.T) {
	a := Digest64("s", "a", "u", "opt")
	b := Digest64("s", "a", "u", "opt")
	if a != b {
		t.Error("digest not stable across calls")
	}
	if Digest64("s", "a", "u", "opt2") == a {
		t.Error("different input should produce a different digest")
	}
	// Separator keeps ("ab","c") distinct from ("a","bc").
	if Digest64("ab", "c") == Digest64("a", "bc") {
		t.Error("part boundaries must affect the digest")
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Banana", "banana"},
		{"  Faster Onboarding!  ", "faster-onboarding"},
		{"A/B testing", "a-b-testing"},
		{"---", ""},
		{"Café au lait", "caf-au-lait"},
		{"42 things", "42-things"},
	}

	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
