// Package analysis turns finalized wallet profiles into reported clusters,
// risk assessments and per-wallet snapshots.
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/wallet-cluster-engine/internal/clustering"
	"github.com/wallet-cluster-engine/internal/logging"
	"github.com/wallet-cluster-engine/internal/models"
	"github.com/wallet-cluster-engine/internal/profile"
	"github.com/wallet-cluster-engine/internal/risk"
	"github.com/wallet-cluster-engine/internal/types"
)

// Outcome is the result of analysing one population of profiles
type Outcome struct {
	Clusters    []models.ClusterResult // ordered by first member; risk always attached
	Unclustered []string               // ascending
	Snapshots   map[string]*models.WalletSnapshot
}

// Analyzer runs clustering then risk scoring. It is safe for concurrent use.
type Analyzer struct {
	engine *clustering.Engine
	scorer *risk.Scorer
	params clustering.Params
	hops   clustering.DepthHops
	now    func() time.Time
}

// NewAnalyzer creates an analyzer with the given base clustering parameters
func NewAnalyzer(engine *clustering.Engine, scorer *risk.Scorer, params clustering.Params, hops clustering.DepthHops) *Analyzer {
	return &Analyzer{
		engine: engine,
		scorer: scorer,
		params: params,
		hops:   hops,
		now:    time.Now,
	}
}

// ParamsFor returns the clustering parameters for depth
func (a *Analyzer) ParamsFor(depth types.Depth) clustering.Params {
	p := a.params
	p.CounterpartyHops = a.hops.For(depth)
	return p
}

// Analyze clusters profiles and scores every reported cluster
func (a *Analyzer) Analyze(ctx context.Context, profiles []*profile.Profile, depth types.Depth) (*Outcome, error) {
	result, err := a.engine.Cluster(ctx, clustering.Profiles(profiles), a.ParamsFor(depth))
	if err != nil {
		return nil, err
	}

	byAddr := make(map[string]*profile.Profile, len(profiles))
	for _, p := range profiles {
		byAddr[p.Address()] = p
	}

	computedAt := a.now().Unix()
	out := &Outcome{
		Clusters:    make([]models.ClusterResult, 0, len(result.Clusters)),
		Unclustered: append([]string{}, result.Unclustered...),
		Snapshots:   make(map[string]*models.WalletSnapshot, len(profiles)),
	}

	for _, c := range result.Clusters {
		members := make([]risk.Member, 0, c.Size())
		for _, addr := range c.Members {
			p, ok := byAddr[addr]
			if !ok {
				return nil, fmt.Errorf("cluster %s references unknown wallet %s", c.ID, addr)
			}
			members = append(members, p)
		}

		cr := models.ClusterResult{
			ClusterID:           c.ID,
			CentroidFingerprint: c.Centroid.Hex(),
			Members:             c.Members,
			Size:                c.Size(),
			Risk:                a.scorer.Score(members),
		}
		out.Clusters = append(out.Clusters, cr)

		for _, addr := range c.Members {
			snap := cr
			out.Snapshots[addr] = &models.WalletSnapshot{
				Address:     addr,
				Fingerprint: byAddr[addr].Fingerprint().Hex(),
				Cluster:     &snap,
				ComputedAt:  computedAt,
			}
		}
	}

	for _, addr := range out.Unclustered {
		out.Snapshots[addr] = &models.WalletSnapshot{
			Address:     addr,
			Fingerprint: byAddr[addr].Fingerprint().Hex(),
			Unclustered: true,
			ComputedAt:  computedAt,
		}
	}

	logging.FromContext(ctx).WithComponent("analysis").WithFields(map[string]interface{}{
		"profiles":    len(profiles),
		"clusters":    len(out.Clusters),
		"unclustered": len(out.Unclustered),
	}).Debug("Analysis finished")

	return out, nil
}

// WithoutRisk returns copies of clusters with risk stripped
func WithoutRisk(clusters []models.ClusterResult) []models.ClusterResult {
	out := make([]models.ClusterResult, len(clusters))
	for i, c := range clusters {
		c.Risk = nil
		out[i] = c
	}
	return out
}

// InsufficientSnapshot is the snapshot for a wallet too thin to profile
func InsufficientSnapshot(address, reason string, computedAt int64) *models.WalletSnapshot {
	return &models.WalletSnapshot{
		Address:     address,
		Unclustered: true,
		Reason:      reason,
		ComputedAt:  computedAt,
	}
}
