// Copyright 2025 James Ross
package contenthash

import "testing"

func TestHashDeterministicUnderKeyOrder(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1}
	b := map[string]any{"a": 1, "b": 2}

	ha, err := Hash("ai-computation", a, "openai")
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := Hash("ai-computation", b, "openai")
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected equal hashes, got %s vs %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(ha))
	}
}

func TestHashIgnoresTimestampNoise(t *testing.T) {
	a := map[string]any{"x": 1, "timestamp": "2020-01-01T00:00:00Z"}
	b := map[string]any{"x": 1, "timestamp": "2099-12-31T23:59:59Z"}

	ha, _ := Hash("t", a, "")
	hb, _ := Hash("t", b, "")
	if ha != hb {
		t.Fatalf("expected timestamp field to be stripped before hashing")
	}
}

func TestHashDiffersOnProvider(t *testing.T) {
	p := map[string]any{"x": 1}
	h1, _ := Hash("t", p, "openai")
	h2, _ := Hash("t", p, "anthropic")
	if h1 == h2 {
		t.Fatalf("expected different providers to produce different hashes")
	}
}

func TestHashDefaultsProvider(t *testing.T) {
	p := map[string]any{"x": 1}
	h1, _ := Hash("t", p, "")
	h2, _ := Hash("t", p, "default")
	if h1 != h2 {
		t.Fatalf("expected empty providerId to hash the same as \"default\"")
	}
}

func TestNormalizeStripsNestedNoise(t *testing.T) {
	in := map[string]any{
		"payload": map[string]any{
			"createdAt": "now",
			"nested":    []any{map[string]any{"updatedAt": "now", "keep": 1}},
		},
	}
	out := Normalize(in).(map[string]any)
	payload := out["payload"].(map[string]any)
	if _, present := payload["createdAt"]; present {
		t.Fatalf("expected createdAt stripped at top level")
	}
	nested := payload["nested"].([]any)[0].(map[string]any)
	if _, present := nested["updatedAt"]; present {
		t.Fatalf("expected updatedAt stripped recursively")
	}
	if nested["keep"] != 1 {
		t.Fatalf("expected keep field preserved")
	}
}
