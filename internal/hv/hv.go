// Package hv implements the hyperdimensional-computing algebra that
// underlies the memory core: deterministic hypervector generation, text
// encoding, and the bind/bundle/unbind/similarity operators.
//
// All operations are total and never fail. There is no library in the
// retrieval pack for VSA/HDC arithmetic, so this package is plain,
// low-abstraction numeric Go: flat loops over []float64, no generics.
package hv

import (
	"hash/fnv"
	"math"
	"strings"
)

// Dimension is the default hypervector length. Callers that need a
// different dimension construct a Codec with NewCodec.
const Dimension = 10000

// Vector is a dense hypervector. Every operation in this package
// preserves length; a zero-length Vector is a valid, if useless, input.
type Vector []float64

// Codec holds the configured dimensionality for encode/generate. The
// zero Codec is unusable; use NewCodec.
type Codec struct {
	dim int
}

// NewCodec returns a Codec that produces vectors of length dim. dim <= 0
// falls back to Dimension.
func NewCodec(dim int) Codec {
	if dim <= 0 {
		dim = Dimension
	}
	return Codec{dim: dim}
}

// Dim reports the codec's configured dimensionality.
func (c Codec) Dim() int { return c.dim }

// stableHash derives a 64-bit hash of a token, used as the seed fed to
// GenerateHypervector. FNV-1a is deterministic across processes and
// architectures, which is required for encode's round-trip law.
func stableHash(token string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(token))
	return h.Sum64()
}

// splitmix64 is a fast, well-distributed deterministic PRNG step. Used
// to expand a single seed into a stream of bipolar coordinates; the
// same seed always produces the same stream, in-process or across
// processes, which GenerateHypervector's contract requires.
func splitmix64(state uint64) (uint64, uint64) {
	state += 0x9E3779B97F4A7C15
	z := state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	z = z ^ (z >> 31)
	return z, state
}

// GenerateHypervector deterministically derives a bipolar {-1,+1}
// vector of the codec's dimension from seed. The same seed always
// yields an identical vector, in-process or across processes.
func (c Codec) GenerateHypervector(seed uint64) Vector {
	v := make(Vector, c.dim)
	state := seed
	var z uint64
	for i := range v {
		z, state = splitmix64(state)
		if z&1 == 0 {
			v[i] = -1
		} else {
			v[i] = 1
		}
	}
	return v
}

// tokenize lowercases text and splits on runs of non-alphanumeric
// characters, dropping tokens of length <= 2.
func tokenize(text string) []string {
	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 2 {
			tokens = append(tokens, b.String())
		}
		b.Reset()
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z':
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// EncodeText tokenizes text, derives a hypervector per unique token via
// GenerateHypervector(stableHash(token)), and bundles across all
// tokens. Empty input (or input with no tokens longer than two
// characters) returns GenerateHypervector(0).
func (c Codec) EncodeText(text string) Vector {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return c.GenerateHypervector(0)
	}
	seen := make(map[string]struct{}, len(tokens))
	vecs := make([]Vector, 0, len(tokens))
	for _, tok := range tokens {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		vecs = append(vecs, c.GenerateHypervector(stableHash(tok)))
	}
	return Bundle(vecs)
}

// Bind computes the elementwise product of a and b. Bind is
// commutative and associative; the all-ones vector is its identity,
// and under the bipolar assumption a vector is its own inverse.
// Mismatched lengths are truncated to the shorter of the two.
func Bind(a, b Vector) Vector {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make(Vector, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] * b[i]
	}
	return out
}

// Bundle computes the elementwise mean of vs, preserving approximate
// similarity to each input. Bundle of zero vectors returns nil.
func Bundle(vs []Vector) Vector {
	if len(vs) == 0 {
		return nil
	}
	n := len(vs[0])
	out := make(Vector, n)
	for _, v := range vs {
		for i := 0; i < n && i < len(v); i++ {
			out[i] += v[i]
		}
	}
	inv := 1.0 / float64(len(vs))
	for i := range out {
		out[i] *= inv
	}
	return out
}

// Unbind computes the elementwise quotient of composite by key,
// producing 0 where key[i] == 0. The result is intentionally noisy —
// callers must follow with a cleanup step against a memory store to
// recover a clean prototype.
func Unbind(composite, key Vector) Vector {
	n := len(composite)
	if len(key) < n {
		n = len(key)
	}
	out := make(Vector, n)
	for i := 0; i < n; i++ {
		if key[i] != 0 {
			out[i] = composite[i] / key[i]
		}
	}
	return out
}

// Similarity returns the cosine similarity of a and b in [-1, 1]. It
// returns 0 when either operand has zero norm or the vectors have
// mismatched, zero-overlap length.
func Similarity(a, b Vector) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
	}
	for _, x := range a {
		na += x * x
	}
	for _, x := range b {
		nb += x * x
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
