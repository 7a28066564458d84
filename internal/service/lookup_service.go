// Package service implements the synchronous single-wallet lookup and the
// collaborator transaction ingest path.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/wallet-cluster-engine/internal/analysis"
	apperrors "github.com/wallet-cluster-engine/internal/errors"
	"github.com/wallet-cluster-engine/internal/logging"
	"github.com/wallet-cluster-engine/internal/models"
	"github.com/wallet-cluster-engine/internal/profile"
	"github.com/wallet-cluster-engine/internal/ratelimit"
	"github.com/wallet-cluster-engine/internal/storage"
	"github.com/wallet-cluster-engine/internal/types"
)

// Appender accepts collaborator-delivered transactions. *storage.MemorySource
// satisfies it.
type Appender interface {
	Append(address string, records []types.TransactionRecord) int
}

// LookupConfig tunes the lookup service
type LookupConfig struct {
	MaxSamples      int
	MinTransactions int
	Timeout         time.Duration // bounds one shared computation
	MaxIngestBatch  int
	// ProfileMaxAge is how long a reference profile is reused before the
	// wallet is refetched from the source. 0 means the cache TTL.
	ProfileMaxAge time.Duration
}

// DefaultLookupConfig returns the default lookup settings
func DefaultLookupConfig() LookupConfig {
	return LookupConfig{
		MaxSamples:      profile.DefaultMaxSamples,
		MinTransactions: 3,
		Timeout:         30 * time.Second,
		MaxIngestBatch:  5000,
	}
}

// LookupInput selects one wallet
type LookupInput struct {
	Address string
	Depth   types.Depth
	Refresh bool // skip the cache read and refetch the wallet's history
}

// LookupResult is the cluster/risk snapshot for one wallet
type LookupResult struct {
	Address     string                 `json:"address"`
	Cluster     *models.ClusterResult  `json:"cluster,omitempty"`
	Risk        *models.RiskAssessment `json:"risk,omitempty"`
	Unclustered bool                   `json:"unclustered"`
	Reason      string                 `json:"reason,omitempty"`
	Cached      bool                   `json:"cached"`
	ComputedAt  int64                  `json:"computed_at"`
}

// IngestResult reports what an ingest call changed
type IngestResult struct {
	Address  string `json:"address"`
	Received int    `json:"received"`
	Added    int    `json:"added"`
}

// LookupService answers single-wallet lookups from the cache or by clustering
// the wallet against the reference population held in the profile store.
type LookupService struct {
	cfg      LookupConfig
	source   storage.TransactionSource
	ingest   Appender
	analyzer *analysis.Analyzer
	cache    storage.ResultCache
	profiles *profile.Store
	monitor  *PerformanceMonitor
	flight   singleflight.Group
}

// NewLookupService creates a lookup service. cache and ingest may be nil.
func NewLookupService(
	cfg LookupConfig,
	source storage.TransactionSource,
	ingest Appender,
	analyzer *analysis.Analyzer,
	cache storage.ResultCache,
	profiles *profile.Store,
) *LookupService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if profiles == nil {
		profiles = profile.NewStore(0)
	}
	if cfg.ProfileMaxAge <= 0 && cache != nil {
		cfg.ProfileMaxAge = cache.TTL()
	}
	return &LookupService{
		cfg:      cfg,
		source:   source,
		ingest:   ingest,
		analyzer: analyzer,
		cache:    cache,
		profiles: profiles,
		monitor:  NewPerformanceMonitor(),
	}
}

// Lookup returns the wallet's snapshot. Fresh cache entries are served as is;
// otherwise concurrent lookups for the same wallet share one computation.
func (s *LookupService) Lookup(ctx context.Context, input LookupInput) (*LookupResult, error) {
	start := time.Now()

	addr, err := profile.NormalizeAddress(input.Address)
	if err != nil {
		return nil, err
	}
	depth := input.Depth
	if depth == "" {
		depth = types.DepthShallow
	}
	if !depth.Valid() {
		return nil, apperrors.NewInvalidParameterError("depth", "must be shallow, medium or deep")
	}

	// the cache holds shallow results only
	cacheable := depth == types.DepthShallow && s.cache != nil

	if cacheable && !input.Refresh {
		entry, ok, err := s.cache.Get(ctx, addr)
		if err != nil {
			logging.FromContext(ctx).WithError(err).WithField("address", addr).Warn("Cache read failed, recomputing")
		} else if ok {
			s.monitor.RecordLookup(time.Since(start), true)
			return toResult(entry.Snapshot, true), nil
		}
	}

	key := string(depth) + ":" + addr
	if input.Refresh {
		key = "refresh:" + key
	}
	v, err, shared := s.flight.Do(key, func() (interface{}, error) {
		// lookups draw on the reserved source budget
		computeCtx := ratelimit.WithPriority(context.WithoutCancel(ctx), ratelimit.PriorityLookup)
		computeCtx, cancel := context.WithTimeout(computeCtx, s.cfg.Timeout)
		defer cancel()
		return s.compute(computeCtx, addr, depth, cacheable, input.Refresh)
	})
	if err != nil {
		return nil, err
	}

	s.monitor.RecordLookup(time.Since(start), false)
	if shared {
		logging.FromContext(ctx).WithField("address", addr).Debug("Lookup shared an in-flight computation")
	}
	return toResult(v.(*models.WalletSnapshot), false), nil
}

// compute clusters addr against the reference population. The wallet is
// refetched when refresh is set or its reference profile has gone stale.
func (s *LookupService) compute(ctx context.Context, addr string, depth types.Depth, cacheable, refresh bool) (*models.WalletSnapshot, error) {
	target, ok := s.profiles.GetFresh(addr, s.cfg.ProfileMaxAge)
	if refresh || !ok {
		records, err := s.source.Transactions(ctx, addr)
		if err != nil {
			if apperrors.HasCategory(err, apperrors.CategorySource) {
				return nil, err
			}
			return nil, apperrors.NewSourceError(addr, err)
		}

		target, err = profile.Build(addr, records, s.cfg.MaxSamples, s.cfg.MinTransactions)
		if apperrors.IsInsufficientData(err) {
			s.profiles.Delete(addr)
			snap := analysis.InsufficientSnapshot(addr, apperrors.Categorize(err).Message, time.Now().Unix())
			s.store(ctx, []*models.WalletSnapshot{snap}, cacheable)
			return snap, nil
		}
		if err != nil {
			return nil, apperrors.NewInvalidParameterError("transactions", err.Error())
		}
		s.profiles.Put(target)
	}

	population := s.profiles.Snapshot()
	if !containsProfile(population, addr) {
		// evicted between Put and Snapshot
		population = append(population, target)
	}

	outcome, err := s.analyzer.Analyze(ctx, population, depth)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to cluster wallet", err)
	}
	snap, ok := outcome.Snapshots[addr]
	if !ok {
		return nil, apperrors.NewInternalError(fmt.Sprintf("no snapshot produced for %s", addr), nil)
	}

	// the run re-clustered the whole population, so every member's cached
	// answer is replaced to keep them agreeing with each other
	snaps := make([]*models.WalletSnapshot, 0, len(outcome.Snapshots))
	for _, sn := range outcome.Snapshots {
		snaps = append(snaps, sn)
	}
	s.store(ctx, snaps, cacheable)
	return snap, nil
}

func (s *LookupService) store(ctx context.Context, snaps []*models.WalletSnapshot, cacheable bool) {
	if !cacheable {
		return
	}
	if err := s.cache.SetMany(ctx, snaps); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("count", len(snaps)).Warn("Failed to cache lookup results")
	}
}

// Ingest appends collaborator-delivered transactions for a wallet and drops
// every derived view of it: the cached snapshot and the reference profile.
func (s *LookupService) Ingest(ctx context.Context, address string, records []types.TransactionRecord) (*IngestResult, error) {
	if s.ingest == nil {
		return nil, apperrors.NewConflictError("transaction ingest is disabled for this transaction source")
	}
	addr, err := profile.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, apperrors.NewInvalidParameterError("transactions", "at least one transaction is required")
	}
	if s.cfg.MaxIngestBatch > 0 && len(records) > s.cfg.MaxIngestBatch {
		return nil, apperrors.NewInvalidParameterError("transactions",
			fmt.Sprintf("at most %d transactions per request", s.cfg.MaxIngestBatch))
	}
	for i, rec := range records {
		if err := validateRecord(rec); err != nil {
			return nil, apperrors.NewInvalidParameterError(fmt.Sprintf("transactions[%d]", i), err.Error())
		}
	}

	added := s.ingest.Append(addr, records)
	if added > 0 {
		s.profiles.Delete(addr)
		if s.cache != nil {
			if err := s.cache.Invalidate(ctx, addr); err != nil {
				logging.FromContext(ctx).WithError(err).WithField("address", addr).Warn("Failed to invalidate cached snapshot")
			}
		}
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"address":  addr,
		"received": len(records),
		"added":    added,
	}).Info("Transactions ingested")

	return &IngestResult{Address: addr, Received: len(records), Added: added}, nil
}

// Stats returns lookup latency statistics
func (s *LookupService) Stats() *PerformanceStats {
	return s.monitor.GetStats()
}

func validateRecord(rec types.TransactionRecord) error {
	if rec.Hash == "" {
		return fmt.Errorf("hash is required")
	}
	if rec.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be a positive unix time")
	}
	for name, v := range map[string]string{"value": rec.Value, "gas_price": rec.GasPrice} {
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("%s must be a decimal wei amount", name)
		}
		if d.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

func containsProfile(ps []*profile.Profile, addr string) bool {
	for _, p := range ps {
		if p.Address() == addr {
			return true
		}
	}
	return false
}

func toResult(snap *models.WalletSnapshot, cached bool) *LookupResult {
	res := &LookupResult{
		Address:     snap.Address,
		Unclustered: snap.Unclustered,
		Reason:      snap.Reason,
		Cached:      cached,
		ComputedAt:  snap.ComputedAt,
	}
	if snap.Cluster != nil {
		c := *snap.Cluster
		res.Risk = c.Risk
		c.Risk = nil
		res.Cluster = &c
	}
	return res
}
