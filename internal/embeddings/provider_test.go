package embeddings

import (
	"context"
	"math"
	"testing"
)

func TestHashProviderDeterministic(t *testing.T) {
	t.Parallel()

	p := NewHashProvider(64)
	a, err := p.Embed(context.Background(), "the user prefers dark mode")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, err := p.Embed(context.Background(), "the user prefers dark mode")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("identical texts must produce identical vectors")
		}
	}
}

func TestHashProviderDistinctTexts(t *testing.T) {
	t.Parallel()

	p := NewHashProvider(64)
	a, _ := p.Embed(context.Background(), "alpha")
	b, _ := p.Embed(context.Background(), "beta")

	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("distinct texts should not collide")
	}
}

func TestHashProviderUnitNorm(t *testing.T) {
	t.Parallel()

	p := NewHashProvider(128)
	vec, err := p.Embed(context.Background(), "normalize me")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 128 {
		t.Fatalf("got %d dims, want 128", len(vec))
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(norm)-1.0) > 1e-3 {
		t.Fatalf("vector norm = %f, want ~1", math.Sqrt(norm))
	}
}

func TestHashProviderDefaultDims(t *testing.T) {
	t.Parallel()

	if got := NewHashProvider(0).Dimensions(); got != 384 {
		t.Fatalf("default dims = %d, want 384", got)
	}
}
