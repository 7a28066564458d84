// Package clustering groups finalized wallet profiles into behavioural clusters.
//
// Clustering runs in two phases. Initial bucketing joins every pair of wallets
// whose fingerprints lie within SimhashThreshold bits of each other, optionally
// widened to counterparty-sharing neighbours. Hierarchical merge then keeps
// merging the most similar pair of clusters while their hybrid similarity stays
// at or above HybridThreshold. Clusters smaller than MinClusterSize dissolve.
package clustering

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/wallet-cluster-engine/internal/fingerprint"
	"github.com/wallet-cluster-engine/internal/logging"
	"github.com/wallet-cluster-engine/internal/profile"
)

// tieEpsilon treats hybrid similarities this close as equal
const tieEpsilon = 1e-12

// clusterNamespace scopes name-based cluster ids
var clusterNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("wallet-cluster-engine/cluster"))

// ClusterID derives a stable id from a cluster's ascending member list, so the
// same membership always reports the same id.
func ClusterID(members []string) string {
	return uuid.NewSHA1(clusterNamespace, []byte(strings.Join(members, ","))).String()
}

// Params controls a clustering run
type Params struct {
	SimhashThreshold  int
	RelaxedThreshold  int // applies to counterparty-sharing neighbours
	MinClusterSize    int
	HybridThreshold   float64
	FingerprintWeight float64
	CounterpartyHops  int
}

// DefaultParams returns the standard clustering parameters
func DefaultParams() Params {
	return Params{
		SimhashThreshold:  3,
		RelaxedThreshold:  6,
		MinClusterSize:    2,
		HybridThreshold:   0.7,
		FingerprintWeight: 0.5,
	}
}

// Member is a finalized wallet profile as seen by the engine.
// *profile.Profile satisfies it.
type Member interface {
	Address() string
	IsFinalized() bool
	Fingerprint() fingerprint.Fingerprint
	FeatureVector() []float64
	Counterparties() []string
}

// Profiles adapts a profile slice for Cluster
func Profiles(ps []*profile.Profile) []Member {
	out := make([]Member, len(ps))
	for i, p := range ps {
		out[i] = p
	}
	return out
}

// Cluster is one reported group of wallets
type Cluster struct {
	ID           string
	Centroid     fingerprint.Fingerprint
	MeanFeatures []float64
	Members      []string // ascending
}

// Size returns the member count
func (c *Cluster) Size() int { return len(c.Members) }

// Result holds reported clusters (ordered by first member) and the addresses
// that ended up in no cluster.
type Result struct {
	Clusters    []*Cluster
	Unclustered []string
}

// Engine runs clustering. It holds no state between runs and is safe for
// concurrent use; each run is single-threaded.
type Engine struct{}

// NewEngine creates a clustering engine
func NewEngine() *Engine {
	return &Engine{}
}

// HybridSimilarity blends fingerprint proximity and feature cosine similarity
func HybridSimilarity(fpA, fpB fingerprint.Fingerprint, featA, featB []float64, fingerprintWeight float64) float64 {
	return fingerprintWeight*fingerprint.Similarity(fpA, fpB) +
		(1-fingerprintWeight)*profile.CosineSimilarity(featA, featB)
}

// group is a working cluster during the merge phase
type group struct {
	members  []int // profile indices, ascending
	first    string
	centroid fingerprint.Fingerprint
	mean     []float64
	alive    bool
}

// Cluster groups the given finalized profiles. The context is checked between
// merge iterations.
func (e *Engine) Cluster(ctx context.Context, profiles []Member, params Params) (*Result, error) {
	logger := logging.FromContext(ctx).WithComponent("clustering")

	sorted := make([]Member, len(profiles))
	copy(sorted, profiles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address() < sorted[j].Address() })
	for i, p := range sorted {
		if !p.IsFinalized() {
			return nil, fmt.Errorf("profile %s is not finalized", p.Address())
		}
		if i > 0 && sorted[i-1].Address() == p.Address() {
			return nil, fmt.Errorf("duplicate profile %s", p.Address())
		}
	}

	if params.MinClusterSize < 1 {
		params.MinClusterSize = 1
	}

	groups := e.bucket(sorted, params)
	initial := len(groups)

	merges, err := e.merge(ctx, sorted, groups, params)
	if err != nil {
		return nil, err
	}

	result := &Result{Clusters: []*Cluster{}, Unclustered: []string{}}
	for _, g := range groups {
		if !g.alive {
			continue
		}
		if len(g.members) < params.MinClusterSize {
			for _, idx := range g.members {
				result.Unclustered = append(result.Unclustered, sorted[idx].Address())
			}
			continue
		}
		result.Clusters = append(result.Clusters, e.toCluster(sorted, g))
	}
	sort.Slice(result.Clusters, func(i, j int) bool {
		return result.Clusters[i].Members[0] < result.Clusters[j].Members[0]
	})
	sort.Strings(result.Unclustered)

	logger.WithFields(map[string]interface{}{
		"profiles":       len(sorted),
		"initialBuckets": initial,
		"merges":         merges,
		"clusters":       len(result.Clusters),
		"unclustered":    len(result.Unclustered),
	}).Debug("Clustering finished")

	return result, nil
}

// bucket performs the union-find phase
func (e *Engine) bucket(profiles []Member, params Params) []*group {
	n := len(profiles)
	uf := newUnionFind(n)

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if fingerprint.HammingDistance(profiles[i].Fingerprint(), profiles[j].Fingerprint()) <= params.SimhashThreshold {
				uf.union(i, j)
			}
		}
	}

	if params.CounterpartyHops > 0 {
		relaxed := params.RelaxedThreshold
		if relaxed < params.SimhashThreshold {
			relaxed = params.SimhashThreshold
		}
		graph := newCounterpartyGraph(profiles)
		for i := 0; i < n; i++ {
			for _, j := range graph.within(i, params.CounterpartyHops) {
				if j <= i {
					continue
				}
				if fingerprint.HammingDistance(profiles[i].Fingerprint(), profiles[j].Fingerprint()) <= relaxed {
					uf.union(i, j)
				}
			}
		}
	}

	sets := uf.groups()
	groups := make([]*group, len(sets))
	for i, members := range sets {
		groups[i] = newGroup(profiles, members)
	}
	return groups
}

func newGroup(profiles []Member, members []int) *group {
	g := &group{members: members, alive: true}
	g.first = profiles[members[0]].Address()
	g.recompute(profiles)
	return g
}

// recompute refreshes the centroid by majority-bit vote and mean features
func (g *group) recompute(profiles []Member) {
	fps := make([]fingerprint.Fingerprint, len(g.members))
	mean := make([]float64, len(profiles[g.members[0]].FeatureVector()))
	for i, idx := range g.members {
		p := profiles[idx]
		fps[i] = p.Fingerprint()
		for k, v := range p.FeatureVector() {
			if k < len(mean) {
				mean[k] += v
			}
		}
	}
	for k := range mean {
		mean[k] /= float64(len(g.members))
	}
	g.centroid = fingerprint.MajorityVote(fps)
	g.mean = mean
}

// merge runs agglomerative merging until no pair reaches the threshold.
// Returns the number of merges performed.
func (e *Engine) merge(ctx context.Context, profiles []Member, groups []*group, params Params) (int, error) {
	k := len(groups)
	sim := make([][]float64, k)
	for i := range sim {
		sim[i] = make([]float64, k)
		for j := i + 1; j < k; j++ {
			sim[i][j] = e.similarity(groups[i], groups[j], params)
		}
	}

	merges := 0
	for {
		if err := ctx.Err(); err != nil {
			return merges, err
		}

		bi, bj := -1, -1
		best := 0.0
		for i := 0; i < k; i++ {
			if !groups[i].alive {
				continue
			}
			for j := i + 1; j < k; j++ {
				if !groups[j].alive {
					continue
				}
				s := sim[i][j]
				if s < params.HybridThreshold {
					continue
				}
				if bi < 0 || better(s, groups[i], groups[j], best, groups[bi], groups[bj]) {
					bi, bj, best = i, j, s
				}
			}
		}
		if bi < 0 {
			return merges, nil
		}

		// absorb bj into bi; bi keeps the smaller first member because groups
		// are ordered by first member and bi < bj
		a, b := groups[bi], groups[bj]
		a.members = mergeSorted(a.members, b.members)
		a.first = profiles[a.members[0]].Address()
		a.recompute(profiles)
		b.alive = false
		b.members = nil
		merges++

		for x := 0; x < k; x++ {
			if x == bi || !groups[x].alive {
				continue
			}
			s := e.similarity(a, groups[x], params)
			if x < bi {
				sim[x][bi] = s
			} else {
				sim[bi][x] = s
			}
		}
	}
}

// better reports whether candidate pair (ci, cj) with similarity s beats the
// current best. Ties prefer the smaller combined size, then the
// lexicographically smaller first members.
func better(s float64, ci, cj *group, best float64, bi, bj *group) bool {
	if s > best+tieEpsilon {
		return true
	}
	if s < best-tieEpsilon {
		return false
	}
	sizeC := len(ci.members) + len(cj.members)
	sizeB := len(bi.members) + len(bj.members)
	if sizeC != sizeB {
		return sizeC < sizeB
	}
	if ci.first != bi.first {
		return ci.first < bi.first
	}
	return cj.first < bj.first
}

func (e *Engine) similarity(a, b *group, params Params) float64 {
	return HybridSimilarity(a.centroid, b.centroid, a.mean, b.mean, params.FingerprintWeight)
}

func mergeSorted(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] < b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func (e *Engine) toCluster(profiles []Member, g *group) *Cluster {
	c := &Cluster{
		Centroid:     g.centroid,
		MeanFeatures: g.mean,
		Members:      make([]string, len(g.members)),
	}
	for i, idx := range g.members {
		c.Members[i] = profiles[idx].Address()
	}
	c.ID = ClusterID(c.Members)
	return c
}
