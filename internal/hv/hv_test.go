package hv

import "testing"

func TestGenerateHypervectorDeterministic(t *testing.T) {
	c := NewCodec(256)
	a := c.GenerateHypervector(42)
	b := c.GenerateHypervector(42)
	if len(a) != 256 {
		t.Fatalf("expected dim 256, got %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed produced different vectors at %d: %v vs %v", i, a[i], b[i])
		}
		if a[i] != 1 && a[i] != -1 {
			t.Fatalf("expected bipolar coordinate, got %v", a[i])
		}
	}
}

func TestGenerateHypervectorDiffersBySeed(t *testing.T) {
	c := NewCodec(512)
	a := c.GenerateHypervector(1)
	b := c.GenerateHypervector(2)
	same := 0
	for i := range a {
		if a[i] == b[i] {
			same++
		}
	}
	// Expect roughly half agreement; a wildly skewed result indicates a
	// broken PRNG step.
	if same == len(a) || same == 0 {
		t.Fatalf("seeds 1 and 2 produced suspiciously correlated vectors (%d/%d agree)", same, len(a))
	}
}

func TestEncodeTextDeterministic(t *testing.T) {
	c := NewCodec(512)
	a := c.EncodeText("The Quick Brown Fox")
	b := c.EncodeText("the quick brown fox")
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("encode not deterministic/case-insensitive at %d", i)
		}
	}
}

func TestEncodeTextEmpty(t *testing.T) {
	c := NewCodec(128)
	got := c.EncodeText("")
	want := c.GenerateHypervector(0)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("empty text should encode to GenerateHypervector(0)")
		}
	}
}

func TestEncodeTextDropsShortTokens(t *testing.T) {
	c := NewCodec(128)
	got := c.EncodeText("a an to of if")
	want := c.GenerateHypervector(0)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("text with only <=2-char tokens should encode to the empty-input vector")
		}
	}
}

func TestBindCommutativeAndSelfInverse(t *testing.T) {
	c := NewCodec(256)
	a := c.GenerateHypervector(1)
	b := c.GenerateHypervector(2)
	ab := Bind(a, b)
	ba := Bind(b, a)
	for i := range ab {
		if ab[i] != ba[i] {
			t.Fatalf("bind is not commutative at %d", i)
		}
	}
	// Bipolar vectors are self-inverse under bind: bind(a, a) == identity (all ones).
	aa := Bind(a, a)
	for i, v := range aa {
		if v != 1 {
			t.Fatalf("expected self-bind to produce all-ones vector, got %v at %d", v, i)
		}
	}
}

func TestBundlePreservesApproxSimilarity(t *testing.T) {
	c := NewCodec(2000)
	a := c.GenerateHypervector(10)
	b := c.GenerateHypervector(20)
	bundled := Bundle([]Vector{a, b})
	if Similarity(bundled, a) < 0.3 {
		t.Fatalf("bundle should remain similar to its inputs, got %v", Similarity(bundled, a))
	}
}

func TestSimilarityRange(t *testing.T) {
	c := NewCodec(256)
	a := c.GenerateHypervector(5)
	b := c.GenerateHypervector(6)
	s := Similarity(a, b)
	if s < -1 || s > 1 {
		t.Fatalf("similarity out of range: %v", s)
	}
	if Similarity(a, a) < s {
		t.Fatalf("self-similarity should be >= cross-similarity: %v < %v", Similarity(a, a), s)
	}
}

func TestSimilarityZeroNorm(t *testing.T) {
	zero := Vector{0, 0, 0}
	other := Vector{1, 2, 3}
	if Similarity(zero, other) != 0 {
		t.Fatalf("expected 0 similarity for zero-norm operand")
	}
}

func TestUnbindRecoversFillerFromPureBind(t *testing.T) {
	c := NewCodec(4000)
	role := c.GenerateHypervector(100)
	filler := c.GenerateHypervector(200)
	composite := Bind(role, filler)
	noisy := Unbind(composite, role)
	// Direct unbind of a pure bind should recover filler closely, but
	// bundled composites (tested in memory package) are noisier; here we
	// just check the algebra is internally consistent.
	if Similarity(noisy, filler) < 0.9 {
		t.Fatalf("expected unbind of a pure bind to closely recover the filler, got %v", Similarity(noisy, filler))
	}
}
