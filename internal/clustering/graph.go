package clustering

import (
	"sort"

	"github.com/wallet-cluster-engine/internal/types"
)

// DepthHops maps a requested depth onto counterparty-sharing hop counts
type DepthHops struct {
	Shallow int
	Medium  int
	Deep    int
}

// DefaultDepthHops returns 0/1/2 hops for shallow/medium/deep
func DefaultDepthHops() DepthHops {
	return DepthHops{Shallow: 0, Medium: 1, Deep: 2}
}

// For returns the hop count for d; unknown depths behave as shallow
func (h DepthHops) For(d types.Depth) int {
	switch d {
	case types.DepthMedium:
		return h.Medium
	case types.DepthDeep:
		return h.Deep
	default:
		return h.Shallow
	}
}

// counterpartyGraph links wallets sharing at least one counterparty contract or token
type counterpartyGraph struct {
	walletParties [][]string
	byParty       map[string][]int
}

func newCounterpartyGraph(profiles []Member) *counterpartyGraph {
	g := &counterpartyGraph{
		walletParties: make([][]string, len(profiles)),
		byParty:       make(map[string][]int),
	}
	for i, p := range profiles {
		parties := p.Counterparties()
		g.walletParties[i] = parties
		for _, c := range parties {
			g.byParty[c] = append(g.byParty[c], i)
		}
	}
	return g
}

// within returns every wallet reachable from start in 1..hops edges, ascending
func (g *counterpartyGraph) within(start, hops int) []int {
	if hops <= 0 {
		return nil
	}

	dist := map[int]int{start: 0}
	frontier := []int{start}
	for depth := 1; depth <= hops && len(frontier) > 0; depth++ {
		var next []int
		for _, u := range frontier {
			for _, c := range g.walletParties[u] {
				for _, v := range g.byParty[c] {
					if _, seen := dist[v]; seen {
						continue
					}
					dist[v] = depth
					next = append(next, v)
				}
			}
		}
		frontier = next
	}

	out := make([]int, 0, len(dist)-1)
	for v := range dist {
		if v != start {
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}
