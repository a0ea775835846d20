package chatkey

import (
	"fmt"
	"testing"
)

func TestKey_Symmetric(t *testing.T) {
	ids := []string{"a", "b", "alice", "bob", "3f1c", "Z", "z9"}
	for _, a := range ids {
		for _, b := range ids {
			if Key(a, b) != Key(b, a) {
				t.Errorf("Key(%s, %s) != Key(%s, %s)", a, b, b, a)
			}
		}
	}
}

func TestKey_Distinct(t *testing.T) {
	seen := make(map[string]string)
	for i := 0; i < 50; i++ {
		other := fmt.Sprintf("user-%d", i)
		k := Key("self", other)
		if prev, ok := seen[k]; ok {
			t.Fatalf("key collision between %s and %s", prev, other)
		}
		seen[k] = other
	}
}

func TestKey_Format(t *testing.T) {
	if got := Key("bob", "alice"); got != "alice_bob" {
		t.Errorf("expected alice_bob, got %s", got)
	}
}

func TestParticipants(t *testing.T) {
	a, b, ok := Participants(Key("u2", "u1"))
	if !ok || a != "u1" || b != "u2" {
		t.Errorf("unexpected participants %q %q %v", a, b, ok)
	}

	for _, bad := range []string{"", "nosep", "_b", "a_", "a_b_c"} {
		if _, _, ok := Participants(bad); ok {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestContains(t *testing.T) {
	k := Key("u1", "u2")
	if !Contains(k, "u1") || !Contains(k, "u2") {
		t.Error("participants not found in key")
	}
	if Contains(k, "u3") {
		t.Error("stranger found in key")
	}
}

func TestValid(t *testing.T) {
	if Valid("") || Valid("a_b") {
		t.Error("invalid ids accepted")
	}
	if !Valid("550e8400-e29b-41d4-a716-446655440000") {
		t.Error("uuid rejected")
	}
}
