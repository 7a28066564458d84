package clustering

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallet-cluster-engine/internal/fingerprint"
	"github.com/wallet-cluster-engine/internal/profile"
	"github.com/wallet-cluster-engine/internal/types"
)

type stubMember struct {
	addr    string
	fp      fingerprint.Fingerprint
	fv      []float64
	parties []string
}

func (s *stubMember) Address() string                      { return s.addr }
func (s *stubMember) IsFinalized() bool                    { return true }
func (s *stubMember) Fingerprint() fingerprint.Fingerprint { return s.fp }
func (s *stubMember) FeatureVector() []float64             { return append([]float64(nil), s.fv...) }
func (s *stubMember) Counterparties() []string             { return s.parties }

func addr(i int) string { return fmt.Sprintf("0x%040x", i) }

// member builds a stub whose feature vector points along axis
func member(i int, fp fingerprint.Fingerprint, axis int, parties ...string) *stubMember {
	fv := make([]float64, 4)
	fv[axis%4] = 1
	return &stubMember{addr: addr(i), fp: fp, fv: fv, parties: parties}
}

// noMerge disables the hierarchical phase so bucketing is observed alone
func noMerge() Params {
	p := DefaultParams()
	p.HybridThreshold = 1.01
	return p
}

func members(ms ...*stubMember) []Member {
	out := make([]Member, len(ms))
	for i, m := range ms {
		out[i] = m
	}
	return out
}

func swaps(wallet string, n int) []types.TransactionRecord {
	recs := make([]types.TransactionRecord, n)
	for i := range recs {
		recs[i] = types.TransactionRecord{
			Hash:                fmt.Sprintf("%s-%d", wallet, i),
			From:                wallet,
			To:                  "0x7a250d5630b4cf539739df2c5dacb4c659f2488d",
			GasPrice:            "25000000000",
			Timestamp:           1_700_000_000 + int64(i)*1800,
			CounterpartContract: "0x7a250d5630b4cf539739df2c5dacb4c659f2488d",
			IsContract:          true,
		}
	}
	return recs
}

func TestIdenticalWalletsFormCluster(t *testing.T) {
	a, err := profile.Build(addr(1), swaps(addr(1), 5), 100, 3)
	require.NoError(t, err)
	b, err := profile.Build(addr(2), swaps(addr(2), 5), 100, 3)
	require.NoError(t, err)
	require.Equal(t, a.Fingerprint(), b.Fingerprint())

	res, err := NewEngine().Cluster(context.Background(), Profiles([]*profile.Profile{b, a}), DefaultParams())
	require.NoError(t, err)

	require.Len(t, res.Clusters, 1)
	c := res.Clusters[0]
	assert.Equal(t, 2, c.Size())
	assert.Equal(t, []string{addr(1), addr(2)}, c.Members)
	assert.Equal(t, a.Fingerprint(), c.Centroid)
	assert.Equal(t, ClusterID(c.Members), c.ID)
	assert.Empty(t, res.Unclustered)
}

func TestClusterIDIsStableAcrossRuns(t *testing.T) {
	a, err := profile.Build(addr(1), swaps(addr(1), 5), 100, 3)
	require.NoError(t, err)
	b, err := profile.Build(addr(2), swaps(addr(2), 5), 100, 3)
	require.NoError(t, err)

	first, err := NewEngine().Cluster(context.Background(), Profiles([]*profile.Profile{a, b}), DefaultParams())
	require.NoError(t, err)
	second, err := NewEngine().Cluster(context.Background(), Profiles([]*profile.Profile{b, a}), DefaultParams())
	require.NoError(t, err)

	require.Len(t, first.Clusters, 1)
	require.Len(t, second.Clusters, 1)
	assert.Equal(t, first.Clusters[0].ID, second.Clusters[0].ID)

	// a different membership gets a different id
	assert.NotEqual(t, ClusterID([]string{addr(1), addr(2)}), ClusterID([]string{addr(1), addr(3)}))
	assert.Equal(t, ClusterID([]string{addr(1), addr(2)}), ClusterID([]string{addr(1), addr(2)}))
}

func TestBucketingIsTransitive(t *testing.T) {
	// A-B and B-C are 3 bits apart, A-C is 6 bits apart
	a := member(1, 0b000000, 0)
	b := member(2, 0b000111, 1)
	c := member(3, 0b111111, 2)

	res, err := NewEngine().Cluster(context.Background(), members(a, b, c), noMerge())
	require.NoError(t, err)
	require.Len(t, res.Clusters, 1)
	assert.Equal(t, []string{addr(1), addr(2), addr(3)}, res.Clusters[0].Members)
}

func TestSmallClustersDissolve(t *testing.T) {
	a := member(1, 0, 0)
	b := member(2, 0, 0)
	loner := member(3, ^fingerprint.Fingerprint(0), 1)

	params := DefaultParams()
	res, err := NewEngine().Cluster(context.Background(), members(a, b, loner), params)
	require.NoError(t, err)
	require.Len(t, res.Clusters, 1)
	assert.Equal(t, []string{addr(3)}, res.Unclustered)

	params.MinClusterSize = 3
	res, err = NewEngine().Cluster(context.Background(), members(a, b, loner), params)
	require.NoError(t, err)
	assert.Empty(t, res.Clusters)
	assert.Equal(t, []string{addr(1), addr(2), addr(3)}, res.Unclustered)
}

func TestHierarchicalMerge(t *testing.T) {
	// fingerprints are maximally far apart but features are identical
	a := member(1, 0, 0)
	b := member(2, ^fingerprint.Fingerprint(0), 0)

	params := DefaultParams()
	res, err := NewEngine().Cluster(context.Background(), members(a, b), params)
	require.NoError(t, err)
	assert.Empty(t, res.Clusters, "hybrid 0.5 is below the 0.7 threshold")

	params.FingerprintWeight = 0
	res, err = NewEngine().Cluster(context.Background(), members(a, b), params)
	require.NoError(t, err)
	require.Len(t, res.Clusters, 1)
	assert.Equal(t, 2, res.Clusters[0].Size())
}

func TestCounterpartyHopsWidenBucketing(t *testing.T) {
	// A and C are 5 bits apart: too far for the strict threshold, close
	// enough for the relaxed one. B bridges them through shared counterparties.
	a := member(1, 0b00000, 0, "0xpool")
	b := member(2, ^fingerprint.Fingerprint(0), 1, "0xpool", "token:usdc")
	c := member(3, 0b11111, 2, "token:usdc")

	engine := NewEngine()
	params := noMerge()

	res, err := engine.Cluster(context.Background(), members(a, b, c), params)
	require.NoError(t, err)
	assert.Empty(t, res.Clusters, "no hops: nothing within 3 bits")

	params.CounterpartyHops = 1
	res, err = engine.Cluster(context.Background(), members(a, b, c), params)
	require.NoError(t, err)
	assert.Empty(t, res.Clusters, "one hop: A and C share no counterparty")

	params.CounterpartyHops = 2
	res, err = engine.Cluster(context.Background(), members(a, b, c), params)
	require.NoError(t, err)
	require.Len(t, res.Clusters, 1)
	assert.Equal(t, []string{addr(1), addr(3)}, res.Clusters[0].Members)
	assert.Equal(t, []string{addr(2)}, res.Unclustered)
}

func TestDepthHops(t *testing.T) {
	h := DefaultDepthHops()
	assert.Equal(t, 0, h.For(types.DepthShallow))
	assert.Equal(t, 1, h.For(types.DepthMedium))
	assert.Equal(t, 2, h.For(types.DepthDeep))
	assert.Equal(t, 0, h.For(types.Depth("bogus")))
}

func TestTieBreakPrefersSmallerPair(t *testing.T) {
	small1 := &group{members: []int{0}, first: addr(1)}
	small2 := &group{members: []int{1}, first: addr(2)}
	big1 := &group{members: []int{2, 3}, first: addr(3)}
	big2 := &group{members: []int{4}, first: addr(5)}

	assert.True(t, better(0.8, small1, small2, 0.8, big1, big2))
	assert.False(t, better(0.8, big1, big2, 0.8, small1, small2))
	assert.True(t, better(0.9, big1, big2, 0.8, small1, small2))

	// equal size: lexicographically smallest first member wins
	other := &group{members: []int{5}, first: addr(6)}
	assert.True(t, better(0.8, small1, other, 0.8, small2, other))
}

func TestClusterIsOrderIndependent(t *testing.T) {
	ms := []*stubMember{
		member(1, 0b0001, 0),
		member(2, 0b0011, 0),
		member(3, 0xff00, 1),
		member(4, 0xff01, 1),
		member(5, 0xf0f0f0f0, 2),
	}
	engine := NewEngine()

	forward, err := engine.Cluster(context.Background(), members(ms...), DefaultParams())
	require.NoError(t, err)

	reversed := []*stubMember{ms[4], ms[3], ms[2], ms[1], ms[0]}
	backward, err := engine.Cluster(context.Background(), members(reversed...), DefaultParams())
	require.NoError(t, err)

	require.Len(t, backward.Clusters, len(forward.Clusters))
	for i := range forward.Clusters {
		assert.Equal(t, forward.Clusters[i].Members, backward.Clusters[i].Members)
		assert.Equal(t, forward.Clusters[i].Centroid, backward.Clusters[i].Centroid)
	}
	assert.Equal(t, forward.Unclustered, backward.Unclustered)
}

func TestClusterRejectsBadInput(t *testing.T) {
	engine := NewEngine()

	_, err := engine.Cluster(context.Background(), members(member(1, 0, 0), member(1, 0, 0)), DefaultParams())
	assert.Error(t, err)

	_, err = engine.Cluster(context.Background(), Profiles([]*profile.Profile{profile.New(addr(1), 10)}), DefaultParams())
	assert.Error(t, err)
}

func TestClusterHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine().Cluster(ctx, members(member(1, 0, 0), member(2, 0, 0)), DefaultParams())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmptyInput(t *testing.T) {
	res, err := NewEngine().Cluster(context.Background(), nil, DefaultParams())
	require.NoError(t, err)
	assert.Empty(t, res.Clusters)
	assert.Empty(t, res.Unclustered)
}

// Property: after clustering, no two remaining clusters still qualify for a
// merge, and no reported cluster is below the minimum size.
func TestMergeLawProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	engine := NewEngine()

	properties.Property("no qualifying pair survives", prop.ForAll(
		func(fps []uint64, axes []uint8) bool {
			n := len(fps)
			if len(axes) < n {
				n = len(axes)
			}
			ms := make([]*stubMember, n)
			for i := 0; i < n; i++ {
				ms[i] = member(i+1, fingerprint.Fingerprint(fps[i]), int(axes[i]))
			}

			params := DefaultParams()
			params.MinClusterSize = 1
			res, err := engine.Cluster(context.Background(), members(ms...), params)
			if err != nil {
				return false
			}

			for i := 0; i < len(res.Clusters); i++ {
				if res.Clusters[i].Size() < params.MinClusterSize {
					return false
				}
				for j := i + 1; j < len(res.Clusters); j++ {
					a, b := res.Clusters[i], res.Clusters[j]
					if HybridSimilarity(a.Centroid, b.Centroid, a.MeanFeatures, b.MeanFeatures, params.FingerprintWeight) >= params.HybridThreshold {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.UInt64Range(0, 0xffff)),
		gen.SliceOfN(8, gen.UInt8Range(0, 3)),
	))

	properties.TestingRun(t)
}
