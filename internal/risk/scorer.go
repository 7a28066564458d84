// Package risk scores clusters for coordinated-activity risk.
package risk

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wallet-cluster-engine/internal/clustering"
	"github.com/wallet-cluster-engine/internal/fingerprint"
	"github.com/wallet-cluster-engine/internal/models"
	"github.com/wallet-cluster-engine/internal/types"
)

// Severity bands for individual factors
const (
	highSeverity   = 0.85
	mediumSeverity = 0.6
)

// Address-pattern tuning
const (
	patternChars       = 8  // shared hex characters that count as a full match
	sequentialDistance = 16 // numeric gap treated as sequential generation
	sequentialBonus    = 0.5
)

// Weights are the factor weights; they must sum to 1.0
type Weights struct {
	Size           float64
	Similarity     float64
	Temporal       float64
	AddressPattern float64
}

// Validate checks the weights sum to 1.0 and are non-negative
func (w Weights) Validate() error {
	for _, v := range []float64{w.Size, w.Similarity, w.Temporal, w.AddressPattern} {
		if v < 0 {
			return fmt.Errorf("risk weights must be non-negative")
		}
	}
	sum := w.Size + w.Similarity + w.Temporal + w.AddressPattern
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("risk weights must sum to 1.0, got %.4f", sum)
	}
	return nil
}

// Config tunes the scorer
type Config struct {
	Weights           Weights
	LargeClusterSize  int
	FactorThreshold   float64
	TemporalBucket    time.Duration
	SeverityFloor     int
	FingerprintWeight float64
}

// DefaultConfig returns the standard scoring parameters
func DefaultConfig() Config {
	return Config{
		Weights:           Weights{Size: 0.30, Similarity: 0.30, Temporal: 0.25, AddressPattern: 0.15},
		LargeClusterSize:  10,
		FactorThreshold:   0.3,
		TemporalBucket:    time.Hour,
		SeverityFloor:     70,
		FingerprintWeight: 0.5,
	}
}

// Member is a cluster member as seen by the scorer. *profile.Profile satisfies it.
type Member interface {
	Address() string
	Fingerprint() fingerprint.Fingerprint
	FeatureVector() []float64
	ActiveTimestamps() []int64
}

// Factors are the raw factor values, each in [0,1]
type Factors struct {
	Size           float64
	Similarity     float64
	Temporal       float64
	AddressPattern float64
}

// Scorer computes RiskAssessments. It is stateless and safe for concurrent use.
type Scorer struct {
	cfg Config
}

// NewScorer validates cfg and creates a scorer
func NewScorer(cfg Config) (*Scorer, error) {
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	if cfg.LargeClusterSize < 2 {
		return nil, fmt.Errorf("large cluster size must be at least 2, got %d", cfg.LargeClusterSize)
	}
	if cfg.TemporalBucket <= 0 {
		cfg.TemporalBucket = time.Hour
	}
	return &Scorer{cfg: cfg}, nil
}

// Score assesses a cluster's members
func (s *Scorer) Score(members []Member) *models.RiskAssessment {
	return s.Assess(s.Factors(members))
}

// Factors computes the four factor values for members
func (s *Scorer) Factors(members []Member) Factors {
	return Factors{
		Size:           s.sizeFactor(len(members)),
		Similarity:     s.similarityFactor(members),
		Temporal:       s.temporalFactor(members),
		AddressPattern: addressPatternFactor(members),
	}
}

// Assess turns factor values into a scored, levelled assessment
func (s *Scorer) Assess(f Factors) *models.RiskAssessment {
	w := s.cfg.Weights
	raw := w.Size*f.Size + w.Similarity*f.Similarity + w.Temporal*f.Temporal + w.AddressPattern*f.AddressPattern
	score := clamp(int(math.Round(100*raw)), 0, 100)

	// strong coordination alone is enough to flag a cluster as high risk
	if (f.Similarity >= highSeverity || f.Temporal >= highSeverity) && score < s.cfg.SeverityFloor {
		score = clamp(s.cfg.SeverityFloor, 0, 100)
	}

	assessment := &models.RiskAssessment{
		RiskScore:   score,
		RiskLevel:   types.RiskLevelForScore(score),
		RiskFactors: []models.RiskFactor{},
		CategoryScores: map[string]float64{
			models.CategoryClusterSize:          percent(f.Size),
			models.CategoryBehavioralSimilarity: percent(f.Similarity),
			models.CategoryTemporalCorrelation:  percent(f.Temporal),
			models.CategoryAddressPattern:       percent(f.AddressPattern),
		},
	}

	candidates := []struct {
		category string
		value    float64
		describe string
	}{
		{models.CategoryClusterSize, f.Size, "cluster is large enough to suggest coordinated wallets"},
		{models.CategoryBehavioralSimilarity, f.Similarity, "members show near-identical behavioural fingerprints"},
		{models.CategoryTemporalCorrelation, f.Temporal, "members are active in the same time windows"},
		{models.CategoryAddressPattern, f.AddressPattern, "member addresses share structural patterns"},
	}
	for _, c := range candidates {
		if c.value <= s.cfg.FactorThreshold {
			continue
		}
		assessment.RiskFactors = append(assessment.RiskFactors, models.RiskFactor{
			Category:    c.category,
			Severity:    severityFor(c.value),
			Value:       math.Round(c.value*1000) / 1000,
			Description: fmt.Sprintf("%s (%.0f%%)", c.describe, c.value*100),
		})
	}

	return assessment
}

func (s *Scorer) sizeFactor(size int) float64 {
	if size < 2 {
		return 0
	}
	return math.Min(1, math.Log(float64(size))/math.Log(float64(s.cfg.LargeClusterSize)))
}

// similarityFactor is the mean pairwise hybrid similarity
func (s *Scorer) similarityFactor(members []Member) float64 {
	if len(members) < 2 {
		return 0
	}
	fps := make([]fingerprint.Fingerprint, len(members))
	fvs := make([][]float64, len(members))
	for i, m := range members {
		fps[i] = m.Fingerprint()
		fvs[i] = m.FeatureVector()
	}
	return meanPairwise(len(members), func(i, j int) float64 {
		return clustering.HybridSimilarity(fps[i], fps[j], fvs[i], fvs[j], s.cfg.FingerprintWeight)
	})
}

// temporalFactor is the mean pairwise histogram overlap of activity buckets
func (s *Scorer) temporalFactor(members []Member) float64 {
	if len(members) < 2 {
		return 0
	}
	width := int64(s.cfg.TemporalBucket / time.Second)
	if width < 1 {
		width = 1
	}

	hists := make([]map[int64]int, len(members))
	mass := make([]int, len(members))
	for i, m := range members {
		h := make(map[int64]int)
		for _, ts := range m.ActiveTimestamps() {
			h[floorDiv(ts, width)]++
		}
		hists[i] = h
		mass[i] = len(m.ActiveTimestamps())
	}

	return meanPairwise(len(members), func(i, j int) float64 {
		denom := mass[i]
		if mass[j] < denom {
			denom = mass[j]
		}
		if denom == 0 {
			return 0
		}
		a, b := hists[i], hists[j]
		if len(b) < len(a) {
			a, b = b, a
		}
		shared := 0
		for bucket, n := range a {
			if m, ok := b[bucket]; ok {
				if m < n {
					n = m
				}
				shared += n
			}
		}
		return float64(shared) / float64(denom)
	})
}

// addressPatternFactor scores shared prefixes/suffixes and sequential generation
func addressPatternFactor(members []Member) float64 {
	if len(members) < 2 {
		return 0
	}
	hexes := make([]string, len(members))
	values := make([]*big.Int, len(members))
	for i, m := range members {
		a := common.HexToAddress(m.Address())
		hexes[i] = strings.ToLower(a.Hex()[2:])
		values[i] = a.Big()
	}

	return meanPairwise(len(members), func(i, j int) float64 {
		a, b := hexes[i], hexes[j]
		shared := commonPrefix(a, b)
		if suf := commonSuffix(a, b); suf > shared {
			shared = suf
		}
		v := math.Min(1, float64(shared)/patternChars)

		gap := new(big.Int).Sub(values[i], values[j])
		if gap.CmpAbs(big.NewInt(sequentialDistance)) <= 0 {
			v += sequentialBonus
		}
		return math.Min(1, v)
	})
}

func meanPairwise(n int, f func(i, j int) float64) float64 {
	var sum float64
	pairs := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sum += f(i, j)
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return sum / float64(pairs)
}

func severityFor(v float64) types.Severity {
	switch {
	case v >= highSeverity:
		return types.SeverityHigh
	case v >= mediumSeverity:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

func commonPrefix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func commonSuffix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[len(a)-1-n] == b[len(b)-1-n] {
		n++
	}
	return n
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func percent(v float64) float64 {
	return math.Round(v*10000) / 100
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
