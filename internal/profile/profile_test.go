package profile

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/wallet-cluster-engine/internal/errors"
	"github.com/wallet-cluster-engine/internal/types"
)

const (
	walletA = "0x1111111111111111111111111111111111111111"
	walletB = "0x2222222222222222222222222222222222222222"
	router  = "0x7a250d5630b4cf539739df2c5dacb4c659f2488d"
)

// swapHistory produces n contract calls an hour apart starting at base
func swapHistory(wallet string, base int64, n int) []types.TransactionRecord {
	recs := make([]types.TransactionRecord, n)
	for i := 0; i < n; i++ {
		recs[i] = types.TransactionRecord{
			Hash:                fmt.Sprintf("%s-%d", wallet, i),
			From:                wallet,
			To:                  router,
			Value:               "1000000000000000000",
			GasPrice:            "30000000000",
			Timestamp:           base + int64(i)*3600,
			CounterpartContract: router,
			CounterpartToken:    "weth",
			IsContract:          true,
		}
	}
	return recs
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"lowercase", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", false},
		{"uppercase hex", "0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", false},
		{"valid checksum", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", false},
		{"surrounding whitespace", "  0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed ", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", false},
		{"bad checksum", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeD", "", true},
		{"no prefix", "5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", "", true},
		{"too short", "0x1234", "", true},
		{"not hex", "0xzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz", "", true},
		{"garbage", "not-an-address", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeAddress(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPartitionAddresses(t *testing.T) {
	valid, invalid := PartitionAddresses([]string{
		walletB, "not-an-address", walletA, "0x2222222222222222222222222222222222222222", "not-an-address",
	})
	assert.Equal(t, []string{walletB, walletA}, valid)
	assert.Equal(t, []string{"not-an-address"}, invalid)
}

func TestBuildInsufficientData(t *testing.T) {
	_, err := Build(walletA, swapHistory(walletA, 1_700_000_000, 2), 100, 3)
	require.Error(t, err)
	assert.True(t, apperrors.IsInsufficientData(err))
}

func TestBuildFeatures(t *testing.T) {
	p, err := Build(walletA, swapHistory(walletA, 1_700_000_000, 6), 100, 3)
	require.NoError(t, err)
	require.True(t, p.IsFinalized())

	fv := p.FeatureVector()
	require.Len(t, fv, FeatureLen)
	for i, v := range fv {
		assert.GreaterOrEqual(t, v, 0.0, "feature %d", i)
		assert.LessOrEqual(t, v, 1.0, "feature %d", i)
	}

	assert.Equal(t, 1.0, fv[FeatureContractRatio])
	assert.Equal(t, 0.0, fv[FeatureGasVariability]) // constant gas price

	var hours float64
	for h := 0; h < 24; h++ {
		hours += fv[FeatureHourStart+h]
	}
	assert.InDelta(t, 1.0, hours, 1e-9)

	assert.Equal(t, []string{router, "token:weth"}, p.Counterparties())
	assert.Equal(t, 6, p.TransactionCount())
}

func TestIdenticalHistoriesShareFingerprint(t *testing.T) {
	a, err := Build(walletA, swapHistory(walletA, 1_700_000_000, 5), 100, 3)
	require.NoError(t, err)
	b, err := Build(walletB, swapHistory(walletB, 1_700_000_000, 5), 100, 3)
	require.NoError(t, err)

	assert.Equal(t, a.FeatureVector(), b.FeatureVector())
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFinalizeIsIdempotentAndFreezes(t *testing.T) {
	p := New(walletA, 10)
	for _, rec := range swapHistory(walletA, 1_700_000_000, 3) {
		require.NoError(t, p.AddTransaction(rec))
	}
	p.Finalize()
	fp := p.Fingerprint()
	p.Finalize()
	assert.Equal(t, fp, p.Fingerprint())

	err := p.AddTransaction(swapHistory(walletA, 1_800_000_000, 1)[0])
	assert.ErrorIs(t, err, ErrFinalized)
}

func TestSamplesAreBounded(t *testing.T) {
	p := New(walletA, 4)
	recs := swapHistory(walletA, 1_700_000_000, 10)
	// deliver out of order; the most recent four must survive
	for i := len(recs) - 1; i >= 0; i-- {
		require.NoError(t, p.AddTransaction(recs[i]))
	}

	assert.Equal(t, 10, p.TransactionCount())
	ts := p.ActiveTimestamps()
	require.Len(t, ts, 4)
	assert.Equal(t, recs[6].Timestamp, ts[0])
	assert.Equal(t, recs[9].Timestamp, ts[3])
	assert.Len(t, p.GasSamples(), 4)
}

func TestAddTransactionRejectsBadGasPrice(t *testing.T) {
	p := New(walletA, 10)
	rec := swapHistory(walletA, 1_700_000_000, 1)[0]
	rec.GasPrice = "thirty gwei"
	assert.Error(t, p.AddTransaction(rec))
	assert.Equal(t, 0, p.TransactionCount())
}

func TestGasPriceParsedAsGwei(t *testing.T) {
	p := New(walletA, 10)
	rec := swapHistory(walletA, 1_700_000_000, 1)[0]
	rec.GasPrice = "1500000000"
	require.NoError(t, p.AddTransaction(rec))
	assert.Equal(t, []float64{1.5}, p.GasSamples())
}

func TestContractFallsBackToOtherSide(t *testing.T) {
	p := New(walletA, 10)
	rec := swapHistory(walletA, 1_700_000_000, 1)[0]
	rec.CounterpartContract = ""
	rec.CounterpartToken = ""
	rec.To = "0xAbCdEf0000000000000000000000000000000001"
	require.NoError(t, p.AddTransaction(rec))
	assert.Equal(t, []string{"0xabcdef0000000000000000000000000000000001"}, p.Counterparties())
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float64{1, 2}, []float64{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Equal(t, 1.0, CosineSimilarity([]float64{0, 0}, []float64{0, 0}))
	assert.Equal(t, 0.0, CosineSimilarity([]float64{0, 0}, []float64{1, 0}))
	assert.Equal(t, 0.0, CosineSimilarity([]float64{1}, []float64{1, 0}))
}
