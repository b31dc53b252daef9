package seal

import (
	"strings"
	"testing"
	"time"
)

func TestHashDeterministic(t *testing.T) {
	doc := map[string]any{
		"model":       "gpt-x",
		"temperature": 0.2,
		"tools":       []string{"search", "code"},
		"limits":      map[string]any{"rpm": 60, "tpm": 100000},
	}
	h1, err := Hash(doc)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := Hash(doc)
	if err != nil {
		t.Fatalf("hash again: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not stable: %s vs %s", h1, h2)
	}
	if len(h1) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(h1))
	}
}

func TestHashIgnoresKeyInsertionOrder(t *testing.T) {
	a := map[string]any{}
	a["alpha"] = 1
	a["beta"] = map[string]any{"x": true, "y": false}
	a["gamma"] = "v"

	b := map[string]any{}
	b["gamma"] = "v"
	b["beta"] = map[string]any{"y": false, "x": true}
	b["alpha"] = 1

	ha, err := Hash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatalf("hash depends on insertion order: %s vs %s", ha, hb)
	}
}

func TestHashDistinguishesDocuments(t *testing.T) {
	h1, _ := Hash(map[string]any{"k": "v1"})
	h2, _ := Hash(map[string]any{"k": "v2"})
	if h1 == h2 {
		t.Fatalf("distinct documents hashed equal")
	}
}

func TestCanonicalSortsNestedKeys(t *testing.T) {
	out, err := Canonical(map[string]any{
		"b": map[string]any{"z": 1, "a": 2},
		"a": []any{map[string]any{"q": 1, "p": 2}},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := string(out)
	want := `{"a":[{"p":2,"q":1}],"b":{"a":2,"z":1}}`
	if got != want {
		t.Fatalf("canonical form:\n got %s\nwant %s", got, want)
	}
}

func TestSealRecord(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	integ, err := Seal(map[string]any{"k": "v"}, now)
	if err != nil {
		t.Fatal(err)
	}
	if integ.Signed {
		t.Fatalf("signed must be false")
	}
	if integ.HashAlg != "sha256" {
		t.Fatalf("hash_alg: %s", integ.HashAlg)
	}
	if !strings.HasPrefix(integ.CompiledAt, "2025-03-01T12:00:00") {
		t.Fatalf("compiled_at: %s", integ.CompiledAt)
	}
}
