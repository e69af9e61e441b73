package session

import (
	"fmt"
	"strings"
	"testing"
)

func TestDeriveDeterministic(t *testing.T) {
	t.Parallel()

	a := Derive("slack", "U123", "1700000000.000100")
	b := Derive("slack", "U123", "1700000000.000100")
	if a != b {
		t.Fatalf("Derive() not deterministic: %+v vs %+v", a, b)
	}
}

func TestDeriveThreadIsolation(t *testing.T) {
	t.Parallel()

	a := Derive("slack", "U123", "thread-a")
	b := Derive("slack", "U123", "thread-b")
	if a.SessionKey == b.SessionKey {
		t.Fatalf("different threads share session key %q", a.SessionKey)
	}
	if a.MemoryKey != b.MemoryKey {
		t.Fatalf("same caller should share memory namespace: %q vs %q", a.MemoryKey, b.MemoryKey)
	}
}

func TestDeriveDefaultThreadScopedPerCaller(t *testing.T) {
	t.Parallel()

	a := Derive("webhook", "alice", "")
	b := Derive("webhook", "bob", "")
	if a.SessionKey == b.SessionKey {
		t.Fatal("default thread key shared across callers")
	}
	if a.MemoryKey == b.MemoryKey {
		t.Fatal("memory key shared across callers")
	}
	if !strings.Contains(a.SessionKey, "-"+DefaultThread+"-") {
		t.Fatalf("default key %q should mention %q", a.SessionKey, DefaultThread)
	}

	explicit := Derive("webhook", "alice", DefaultThread)
	if explicit.SessionKey == a.SessionKey {
		t.Fatal("explicit thread named default must not collide with absent thread")
	}
}

func TestDeriveSanitizationDoesNotMergeKeys(t *testing.T) {
	t.Parallel()

	a := Derive("web", "a.b", "t")
	b := Derive("web", "a/b", "t")
	if a.SessionKey == b.SessionKey {
		t.Fatalf("sanitized-equal callers collided: %q", a.SessionKey)
	}

	c := Derive("web", "a-b", "c")
	d := Derive("web", "a", "b-c")
	if c.SessionKey == d.SessionKey {
		t.Fatalf("separator shift collided: %q", c.SessionKey)
	}
}

func TestDeriveNoCollisionsInCorpus(t *testing.T) {
	t.Parallel()

	seen := make(map[string]string, 5000)
	for caller := 0; caller < 50; caller++ {
		for thread := 0; thread < 100; thread++ {
			callerID := fmt.Sprintf("user-%d", caller)
			threadID := fmt.Sprintf("%d.%06d", 1700000000+thread, thread)
			if thread == 0 {
				threadID = ""
			}
			key := Derive("slack", callerID, threadID).SessionKey
			pair := callerID + "|" + threadID
			if prev, ok := seen[key]; ok {
				t.Fatalf("collision: %s and %s -> %s", prev, pair, key)
			}
			seen[key] = pair
		}
	}
}

func TestDeriveKeyShape(t *testing.T) {
	t.Parallel()

	got := Derive("", "", "")
	if len(got.SessionKey) < minKeyLength || len(got.MemoryKey) < minKeyLength {
		t.Fatalf("keys shorter than %d: %+v", minKeyLength, got)
	}
	for _, r := range got.SessionKey {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			t.Fatalf("unexpected rune %q in %q", r, got.SessionKey)
		}
	}

	long := Derive("slack", strings.Repeat("U", 200), "t")
	if len(long.SessionKey) > 4*maxPartLen+digestLen {
		t.Fatalf("key not bounded: %d chars", len(long.SessionKey))
	}
}
