package fingerprint

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTokens() []WeightedToken {
	return []WeightedToken{
		{Token: "freq:3", Weight: 2},
		{Token: "contracts:1", Weight: 1.5},
		{Token: "hour:14", Weight: 0.75},
		{Token: "hour:15", Weight: 0.25},
		{Token: "gas:level:2", Weight: 1.5},
	}
}

func TestGenerateIgnoresInputOrder(t *testing.T) {
	tokens := sampleTokens()
	want := Generate(tokens)

	reversed := make([]WeightedToken, len(tokens))
	for i, tok := range tokens {
		reversed[len(tokens)-1-i] = tok
	}
	assert.Equal(t, want, Generate(reversed))
}

func TestGenerateDoesNotMutateInput(t *testing.T) {
	tokens := sampleTokens()
	first := tokens[0]
	Generate(tokens)
	assert.Equal(t, first, tokens[0])
}

func TestGenerateEmpty(t *testing.T) {
	assert.Equal(t, Fingerprint(0), Generate(nil))
}

func TestSingleTokenMatchesHash(t *testing.T) {
	// a lone positive token reproduces its own hash bits
	fp := Generate([]WeightedToken{{Token: "only", Weight: 1}})
	other := Generate([]WeightedToken{{Token: "only", Weight: 5}})
	assert.Equal(t, fp, other)
}

func TestHammingDistance(t *testing.T) {
	tests := []struct {
		a, b Fingerprint
		want int
	}{
		{0, 0, 0},
		{0, 1, 1},
		{0xff, 0x0f, 4},
		{0, ^Fingerprint(0), 64},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HammingDistance(tt.a, tt.b))
	}
	assert.Equal(t, 1.0, Similarity(7, 7))
	assert.Equal(t, 0.0, Similarity(0, ^Fingerprint(0)))
}

func TestMajorityVote(t *testing.T) {
	assert.Equal(t, Fingerprint(0), MajorityVote(nil))
	assert.Equal(t, Fingerprint(0b101), MajorityVote([]Fingerprint{0b101}))

	// bit 0 set in 2 of 3, bit 1 set in 1 of 3
	assert.Equal(t, Fingerprint(0b01), MajorityVote([]Fingerprint{0b01, 0b11, 0b00}))

	// an even split resolves to zero
	assert.Equal(t, Fingerprint(0), MajorityVote([]Fingerprint{0b1, 0b0}))
}

func TestHexRoundTrip(t *testing.T) {
	fp := Generate(sampleTokens())
	s := fp.Hex()
	require.Len(t, s, 16)

	parsed, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, fp, parsed)

	_, err = Parse("not-hex")
	assert.Error(t, err)
}

// Property: equal token multisets always produce equal fingerprints
func TestGenerateDeterminism(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("shuffled tokens hash identically", prop.ForAll(
		func(names []string, seed int64) bool {
			tokens := make([]WeightedToken, len(names))
			for i, n := range names {
				tokens[i] = WeightedToken{Token: n, Weight: float64(len(n)%5) + 0.5}
			}
			shuffled := make([]WeightedToken, len(tokens))
			copy(shuffled, tokens)
			r := rand.New(rand.NewSource(seed))
			r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

			return Generate(tokens) == Generate(shuffled)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.Int64(),
	))

	properties.Property("distance is symmetric and zero on self", prop.ForAll(
		func(a, b uint64) bool {
			fa, fb := Fingerprint(a), Fingerprint(b)
			return HammingDistance(fa, fb) == HammingDistance(fb, fa) && HammingDistance(fa, fa) == 0
		},
		gen.UInt64(),
		gen.UInt64(),
	))

	properties.TestingRun(t)
}
