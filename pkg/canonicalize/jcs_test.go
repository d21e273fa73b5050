package canonicalize

import (
	"testing"
)

func TestJCSSortsKeys(t *testing.T) {
	b, err := JCS(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"a":1,"b":2}` {
		t.Fatalf("unexpected canonical form: %s", b)
	}
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]any{"url": "a<b>&c"})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"url":"a<b>&c"}` {
		t.Fatalf("expected unescaped output, got: %s", b)
	}
}

func TestCanonicalHashDeterministic(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"x": 1, "y": "z"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalHash(map[string]any{"y": "z", "x": 1})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("equal values must hash identically: %s vs %s", h1, h2)
	}
}

func TestCanonicalHashStructTags(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
		Size int    `json:"size"`
	}
	h1, err := CanonicalHash(payload{Name: "a", Size: 3})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalHash(map[string]any{"name": "a", "size": 3})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("struct and equivalent map should hash identically")
	}
}
