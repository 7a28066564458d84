// Package fingerprint builds 64-bit SimHash fingerprints from weighted tokens.
//
// Behaviourally similar wallets share most of their tokens and therefore end up
// with fingerprints that differ in only a few bits.
package fingerprint

import (
	"fmt"
	"math/bits"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Width is the fingerprint size in bits
const Width = 64

// Fingerprint is a 64-bit SimHash
type Fingerprint uint64

// WeightedToken is one feature observation contributing to a fingerprint
type WeightedToken struct {
	Token  string
	Weight float64
}

// Generate computes the SimHash of tokens. Tokens are processed in canonical
// order (token, then weight) so the result never depends on input order.
func Generate(tokens []WeightedToken) Fingerprint {
	sorted := make([]WeightedToken, len(tokens))
	copy(sorted, tokens)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Token != sorted[j].Token {
			return sorted[i].Token < sorted[j].Token
		}
		return sorted[i].Weight < sorted[j].Weight
	})

	var acc [Width]float64
	for _, t := range sorted {
		h := xxhash.Sum64String(t.Token)
		for i := 0; i < Width; i++ {
			if h&(1<<uint(i)) != 0 {
				acc[i] += t.Weight
			} else {
				acc[i] -= t.Weight
			}
		}
	}

	var out uint64
	for i := 0; i < Width; i++ {
		if acc[i] > 0 {
			out |= 1 << uint(i)
		}
	}
	return Fingerprint(out)
}

// HammingDistance counts the differing bits between a and b
func HammingDistance(a, b Fingerprint) int {
	return bits.OnesCount64(uint64(a ^ b))
}

// Similarity is the normalized inverse Hamming distance, 1.0 for identical fingerprints
func Similarity(a, b Fingerprint) float64 {
	return 1 - float64(HammingDistance(a, b))/Width
}

// MajorityVote sets each bit that is set in more than half of fps.
// Ties resolve to 0.
func MajorityVote(fps []Fingerprint) Fingerprint {
	if len(fps) == 0 {
		return 0
	}
	var out uint64
	for i := 0; i < Width; i++ {
		ones := 0
		for _, fp := range fps {
			if uint64(fp)&(1<<uint(i)) != 0 {
				ones++
			}
		}
		if 2*ones > len(fps) {
			out |= 1 << uint(i)
		}
	}
	return Fingerprint(out)
}

// Hex renders the fingerprint as 16 lowercase hex digits
func (f Fingerprint) Hex() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// String implements fmt.Stringer
func (f Fingerprint) String() string {
	return f.Hex()
}

// Parse reads a fingerprint produced by Hex
func Parse(s string) (Fingerprint, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fingerprint %q: %w", s, err)
	}
	return Fingerprint(v), nil
}
