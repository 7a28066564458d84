// Package profile aggregates a wallet's transactions into a bounded behavioural
// profile and derives its feature vector and fingerprint.
package profile

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/shopspring/decimal"

	apperrors "github.com/wallet-cluster-engine/internal/errors"
	"github.com/wallet-cluster-engine/internal/fingerprint"
	"github.com/wallet-cluster-engine/internal/types"
)

// DefaultMaxSamples bounds retained timestamps and gas samples
const DefaultMaxSamples = 1000

// ErrFinalized is returned when mutating a finalized profile
var ErrFinalized = errors.New("profile is finalized")

// Profile is one wallet's aggregated behaviour. It is not safe for concurrent
// mutation; once finalized it is read-only and may be shared freely.
type Profile struct {
	address    string
	maxSamples int

	txCount         int
	contractTxCount int
	hourCounts      [24]int
	firstSeen       int64
	lastSeen        int64

	timestamps []int64   // ascending, most recent maxSamples
	gasSamples []float64 // gwei, most recent maxSamples in arrival order
	contracts  mapset.Set[string]
	tokens     mapset.Set[string]

	finalized bool
	features  []float64
	fp        fingerprint.Fingerprint
}

// New creates an empty profile for a canonical address
func New(address string, maxSamples int) *Profile {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Profile{
		address:    address,
		maxSamples: maxSamples,
		contracts:  mapset.NewThreadUnsafeSet[string](),
		tokens:     mapset.NewThreadUnsafeSet[string](),
	}
}

// AddTransaction folds one record into the profile
func (p *Profile) AddTransaction(tx types.TransactionRecord) error {
	if p.finalized {
		return ErrFinalized
	}

	var gasGwei float64
	hasGas := false
	if gp := strings.TrimSpace(tx.GasPrice); gp != "" {
		wei, err := decimal.NewFromString(gp)
		if err != nil {
			return fmt.Errorf("invalid gas price %q in %s: %w", tx.GasPrice, tx.Hash, err)
		}
		if wei.IsNegative() {
			return fmt.Errorf("negative gas price in %s", tx.Hash)
		}
		gasGwei = wei.Shift(-9).InexactFloat64()
		hasGas = true
	}

	p.txCount++
	if p.txCount == 1 || tx.Timestamp < p.firstSeen {
		p.firstSeen = tx.Timestamp
	}
	if tx.Timestamp > p.lastSeen {
		p.lastSeen = tx.Timestamp
	}
	p.hourCounts[time.Unix(tx.Timestamp, 0).UTC().Hour()]++
	p.insertTimestamp(tx.Timestamp)

	if hasGas {
		p.gasSamples = append(p.gasSamples, gasGwei)
		if len(p.gasSamples) > p.maxSamples {
			p.gasSamples = p.gasSamples[len(p.gasSamples)-p.maxSamples:]
		}
	}

	if tx.IsContract {
		p.contractTxCount++
	}
	if c := strings.ToLower(tx.CounterpartContract); c != "" {
		p.contracts.Add(c)
	} else if tx.IsContract {
		if other := p.otherSide(tx); other != "" {
			p.contracts.Add(other)
		}
	}
	if tok := strings.ToLower(tx.CounterpartToken); tok != "" {
		p.tokens.Add(tok)
	}

	return nil
}

func (p *Profile) otherSide(tx types.TransactionRecord) string {
	from, to := strings.ToLower(tx.From), strings.ToLower(tx.To)
	switch p.address {
	case from:
		return to
	case to:
		return from
	default:
		return ""
	}
}

func (p *Profile) insertTimestamp(ts int64) {
	i := sort.Search(len(p.timestamps), func(i int) bool { return p.timestamps[i] > ts })
	p.timestamps = append(p.timestamps, 0)
	copy(p.timestamps[i+1:], p.timestamps[i:])
	p.timestamps[i] = ts
	if len(p.timestamps) > p.maxSamples {
		p.timestamps = p.timestamps[len(p.timestamps)-p.maxSamples:]
	}
}

// Finalize computes the feature vector and fingerprint. Calling it again is a no-op.
func (p *Profile) Finalize() {
	if p.finalized {
		return
	}
	p.features = p.computeFeatures()
	p.fp = fingerprint.Generate(Tokens(p.features))
	p.finalized = true
}

// Address returns the canonical address
func (p *Profile) Address() string { return p.address }

// TransactionCount is exact regardless of sample bounds
func (p *Profile) TransactionCount() int { return p.txCount }

// IsFinalized reports whether the profile is read-only
func (p *Profile) IsFinalized() bool { return p.finalized }

// Fingerprint returns the SimHash; zero until finalized
func (p *Profile) Fingerprint() fingerprint.Fingerprint { return p.fp }

// FeatureVector returns a copy of the finalized feature vector
func (p *Profile) FeatureVector() []float64 {
	out := make([]float64, len(p.features))
	copy(out, p.features)
	return out
}

// ActiveTimestamps returns the retained activity timestamps in ascending order
func (p *Profile) ActiveTimestamps() []int64 {
	out := make([]int64, len(p.timestamps))
	copy(out, p.timestamps)
	return out
}

// GasSamples returns the retained gas price samples in gwei
func (p *Profile) GasSamples() []float64 {
	out := make([]float64, len(p.gasSamples))
	copy(out, p.gasSamples)
	return out
}

// Counterparties lists contract addresses and token identifiers, sorted.
// Tokens are prefixed so they never collide with contracts.
func (p *Profile) Counterparties() []string {
	out := make([]string, 0, p.contracts.Cardinality()+p.tokens.Cardinality())
	out = append(out, p.contracts.ToSlice()...)
	for _, t := range p.tokens.ToSlice() {
		out = append(out, "token:"+t)
	}
	sort.Strings(out)
	return out
}

// Build aggregates records into a finalized profile. Wallets with fewer than
// minTx transactions yield an insufficient-data error.
func Build(address string, records []types.TransactionRecord, maxSamples, minTx int) (*Profile, error) {
	if len(records) < minTx {
		return nil, apperrors.NewInsufficientDataError(address, len(records), minTx)
	}

	p := New(address, maxSamples)
	for _, rec := range records {
		if err := p.AddTransaction(rec); err != nil {
			return nil, err
		}
	}
	p.Finalize()
	return p, nil
}

// meanStd returns the sample mean and population standard deviation
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}
