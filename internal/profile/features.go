package profile

import (
	"fmt"
	"math"

	"github.com/wallet-cluster-engine/internal/fingerprint"
)

// Feature vector layout. Every component lies in [0,1].
const (
	FeatureFrequency         = 0
	FeatureContractDiversity = 1
	FeatureTokenDiversity    = 2
	FeatureHourStart         = 3 // 24 hour-of-day fractions follow
	FeatureGasMean           = FeatureHourStart + 24
	FeatureGasVariability    = FeatureGasMean + 1
	FeatureContractRatio     = FeatureGasVariability + 1
	FeatureLen               = FeatureContractRatio + 1
)

// Saturation points for log-scaled features
const (
	saturationTxPerDay   = 100.0
	saturationCounterpty = 50.0
	saturationGasGwei    = 1000.0
)

// logScale maps v >= 0 onto [0,1], reaching 1 at sat
func logScale(v, sat float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Min(1, math.Log1p(v)/math.Log1p(sat))
}

func (p *Profile) computeFeatures() []float64 {
	fv := make([]float64, FeatureLen)
	if p.txCount == 0 {
		return fv
	}
	n := float64(p.txCount)

	days := math.Max(1, float64(p.lastSeen-p.firstSeen)/86400)
	fv[FeatureFrequency] = logScale(n/days, saturationTxPerDay)
	fv[FeatureContractDiversity] = logScale(float64(p.contracts.Cardinality()), saturationCounterpty)
	fv[FeatureTokenDiversity] = logScale(float64(p.tokens.Cardinality()), saturationCounterpty)

	for h := 0; h < 24; h++ {
		fv[FeatureHourStart+h] = float64(p.hourCounts[h]) / n
	}

	mean, std := meanStd(p.gasSamples)
	fv[FeatureGasMean] = logScale(mean, saturationGasGwei)
	if mean > 0 {
		fv[FeatureGasVariability] = math.Min(1, std/mean)
	}
	fv[FeatureContractRatio] = float64(p.contractTxCount) / n

	return fv
}

// scalarFeature describes how one scalar component becomes SimHash tokens
type scalarFeature struct {
	name   string
	index  int
	weight float64
}

var scalarFeatures = []scalarFeature{
	{"freq", FeatureFrequency, 2.0},
	{"contracts", FeatureContractDiversity, 1.5},
	{"tokens", FeatureTokenDiversity, 1.0},
	{"gas:level", FeatureGasMean, 1.5},
	{"gas:var", FeatureGasVariability, 1.0},
	{"contract_ratio", FeatureContractRatio, 1.0},
}

func bucket(v float64, n int) int {
	b := int(v * float64(n))
	if b >= n {
		b = n - 1
	}
	if b < 0 {
		b = 0
	}
	return b
}

// Tokens derives the weighted SimHash tokens for a feature vector. Each scalar
// feature contributes a fine and a coarse bucket so near values still share a
// token; each active hour contributes a token weighted by its share.
func Tokens(fv []float64) []fingerprint.WeightedToken {
	if len(fv) < FeatureLen {
		return nil
	}

	tokens := make([]fingerprint.WeightedToken, 0, 2*len(scalarFeatures)+24)
	for _, f := range scalarFeatures {
		v := fv[f.index]
		tokens = append(tokens,
			fingerprint.WeightedToken{Token: fmt.Sprintf("%s:f%d", f.name, bucket(v, 10)), Weight: f.weight},
			fingerprint.WeightedToken{Token: fmt.Sprintf("%s:c%d", f.name, bucket(v, 4)), Weight: f.weight / 2},
		)
	}

	for h := 0; h < 24; h++ {
		share := fv[FeatureHourStart+h]
		if share <= 0 {
			continue
		}
		tokens = append(tokens, fingerprint.WeightedToken{
			Token:  fmt.Sprintf("hour:%02d", h),
			Weight: 3 * share,
		})
	}
	return tokens
}

// CosineSimilarity of two equal-length vectors; zero vectors compare as 0
// unless both are zero, which compare as 1.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 && nb == 0 {
		return 1
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return math.Min(1, dot/(math.Sqrt(na)*math.Sqrt(nb)))
}
