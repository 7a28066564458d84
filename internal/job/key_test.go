package job

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	a := "0x0000000000000000000000000000000000000001"
	b := "0x0000000000000000000000000000000000000002"

	assert.Equal(t, Key([]string{a, b}, nil), Key([]string{b, a, a}, nil))
	assert.Equal(t, Key([]string{a}, []string{"bad"}), Key([]string{a}, []string{" bad ", "bad"}))
	assert.NotEqual(t, Key([]string{a}, nil), Key([]string{a, b}, nil))
	assert.NotEqual(t, Key([]string{a}, nil), Key([]string{a}, []string{"bad"}))
	assert.Len(t, Key(nil, nil), 64)
}

func TestKeyProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("key ignores order and duplicates", prop.ForAll(
		func(addrs []string, seed int64) bool {
			shuffled := append([]string{}, addrs...)
			shuffled = append(shuffled, addrs...)
			r := rand.New(rand.NewSource(seed))
			r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
			return Key(addrs, nil) == Key(shuffled, nil)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
