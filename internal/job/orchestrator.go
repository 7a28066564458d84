// Package job runs batch clustering jobs: submission with deduplication,
// bounded per-wallet profiling, clustering, scoring and progress events.
package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/wallet-cluster-engine/internal/analysis"
	apperrors "github.com/wallet-cluster-engine/internal/errors"
	"github.com/wallet-cluster-engine/internal/events"
	"github.com/wallet-cluster-engine/internal/logging"
	"github.com/wallet-cluster-engine/internal/models"
	"github.com/wallet-cluster-engine/internal/profile"
	"github.com/wallet-cluster-engine/internal/storage"
	"github.com/wallet-cluster-engine/internal/types"
)

// cancelledReason is reported on the terminal event of a cancelled job
const cancelledReason = "job cancelled"

// Config tunes the orchestrator
type Config struct {
	Workers         int           // concurrent wallet tasks per job
	MaxConcurrent   int           // jobs processing at once; the rest wait pending
	Timeout         time.Duration // wall-clock budget once a job starts processing
	ResultTTL       time.Duration // how long terminal jobs stay retrievable
	JanitorInterval time.Duration
	MaxAddresses    int
	MaxSamples      int
	MinTransactions int
}

// DefaultConfig returns the default orchestration settings
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		MaxConcurrent:   4,
		Timeout:         10 * time.Minute,
		ResultTTL:       time.Hour,
		JanitorInterval: time.Minute,
		MaxAddresses:    10000,
		MaxSamples:      profile.DefaultMaxSamples,
		MinTransactions: 3,
	}
}

// Dependencies are the collaborators an orchestrator drives.
// Cache, Profiles and Archive are optional.
type Dependencies struct {
	Source   storage.TransactionSource
	Analyzer *analysis.Analyzer
	Broker   *events.Broker
	Cache    storage.ResultCache
	Profiles *profile.Store
	Archive  storage.JobArchive
	Logger   *logging.Logger
}

// SubmitRequest is a batch clustering request
type SubmitRequest struct {
	Addresses   []string
	Depth       types.Depth
	IncludeRisk bool
}

// Orchestrator owns the job store and runs submitted jobs
type Orchestrator struct {
	cfg    Config
	deps   Dependencies
	store  *Store
	slots  *semaphore.Weighted
	logger *logging.Logger
	now    func() time.Time

	baseCtx  context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	cancels map[string]context.CancelFunc
}

// NewOrchestrator validates cfg and creates an orchestrator
func NewOrchestrator(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if cfg.Workers < 1 || cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("workers and max concurrent jobs must be positive")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("job timeout must be positive")
	}
	if deps.Source == nil || deps.Analyzer == nil || deps.Broker == nil {
		return nil, fmt.Errorf("source, analyzer and broker are required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.GetGlobalLogger()
	}

	baseCtx, shutdown := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		store:    NewStore(),
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:   deps.Logger.WithComponent("orchestrator"),
		now:      time.Now,
		baseCtx:  baseCtx,
		shutdown: shutdown,
		cancels:  make(map[string]context.CancelFunc),
	}, nil
}

// Submit creates a job for req, or returns the existing non-terminal job for
// the same address list. created reports which happened.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (job *models.BatchJob, created bool, err error) {
	if len(req.Addresses) == 0 {
		return nil, false, apperrors.NewInvalidParameterError("wallet_addresses", "at least one address is required")
	}
	if o.cfg.MaxAddresses > 0 && len(req.Addresses) > o.cfg.MaxAddresses {
		return nil, false, apperrors.NewInvalidParameterError("wallet_addresses",
			fmt.Sprintf("at most %d addresses per job", o.cfg.MaxAddresses))
	}
	depth := req.Depth
	if depth == "" {
		depth = types.DepthShallow
	}
	if !depth.Valid() {
		return nil, false, apperrors.NewInvalidParameterError("depth", "must be shallow, medium or deep")
	}

	valid, invalid := profile.PartitionAddresses(req.Addresses)
	candidate := &models.BatchJob{
		JobID:             uuid.NewString(),
		JobKey:            Key(valid, invalid),
		Status:            types.JobStatusPending,
		Depth:             depth,
		IncludeRisk:       req.IncludeRisk,
		ValidAddresses:    valid,
		InvalidAddresses:  invalid,
		ExcludedAddresses: map[string]string{},
		Total:             len(valid),
		CreatedAt:         o.now().UTC(),
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, false, apperrors.NewOrchestrationError("orchestrator is shutting down", nil)
	}
	job, created = o.store.CreateOrGet(candidate)
	if created {
		schedCtx, cancel := context.WithCancel(o.baseCtx)
		o.cancels[job.JobID] = cancel
		o.wg.Add(1)
		go o.run(schedCtx, job.JobID)
	}
	o.mu.Unlock()

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"job_id":  job.JobID,
		"created": created,
		"valid":   len(valid),
		"invalid": len(invalid),
		"depth":   depth,
	}).Info("Batch job submitted")

	return job, created, nil
}

// Get returns a job from memory, falling back to the archive
func (o *Orchestrator) Get(ctx context.Context, jobID string) (*models.BatchJob, error) {
	if job, ok := o.store.Get(jobID); ok {
		return job, nil
	}
	if o.deps.Archive != nil {
		return o.deps.Archive.Get(ctx, jobID)
	}
	return nil, apperrors.NewNotFoundError("job", jobID)
}

// Cancel stops scheduling new work for a job. In-flight wallet tasks finish,
// no clustering runs, and the job ends cancelled. Cancelling a cancelled job
// is a no-op; cancelling a completed or failed job is a conflict.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*models.BatchJob, error) {
	job, ok := o.store.Get(jobID)
	if !ok {
		return nil, apperrors.NewNotFoundError("job", jobID)
	}
	switch {
	case job.Status == types.JobStatusCancelled:
		return job, nil
	case job.Status.IsTerminal():
		return nil, apperrors.NewConflictError(fmt.Sprintf("job %s already %s", jobID, job.Status))
	}

	o.mu.Lock()
	cancel := o.cancels[jobID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	logging.FromContext(ctx).WithField("job_id", jobID).Info("Batch job cancellation requested")
	return job, nil
}

// Subscribe follows a job's event stream
func (o *Orchestrator) Subscribe(jobID string) (*events.Subscription, error) {
	if _, ok := o.store.Get(jobID); !ok {
		return nil, apperrors.NewNotFoundError("job", jobID)
	}
	return o.deps.Broker.Subscribe(jobID), nil
}

// Counts returns the number of retained jobs per status
func (o *Orchestrator) Counts() map[types.JobStatus]int {
	return o.store.Counts()
}

// Start launches the janitor that evicts expired terminal jobs and purges
// expired entries from an in-process result cache
func (o *Orchestrator) Start(ctx context.Context) {
	interval := o.cfg.JanitorInterval
	if interval <= 0 {
		interval = time.Minute
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-o.baseCtx.Done():
				return
			case <-ticker.C:
				o.evictExpired()
				o.purgeCache()
			}
		}
	}()
}

// Stop rejects new submissions, aborts running jobs and waits for them to
// wind down or for ctx to expire.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.shutdown()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for jobs to stop: %w", ctx.Err())
	}
}

func (o *Orchestrator) evictExpired() {
	if o.cfg.ResultTTL <= 0 {
		return
	}
	evicted := o.store.EvictCompletedBefore(o.now().Add(-o.cfg.ResultTTL))
	for _, id := range evicted {
		o.deps.Broker.Forget(id)
	}
	if len(evicted) > 0 {
		o.logger.WithField("evicted", len(evicted)).Debug("Evicted expired jobs")
	}
}

func (o *Orchestrator) purgeCache() {
	p, ok := o.deps.Cache.(storage.Purger)
	if !ok {
		return
	}
	if n := p.Purge(); n > 0 {
		o.logger.WithField("purged", n).Debug("Purged expired cache entries")
	}
}

func (o *Orchestrator) forgetCancel(jobID string) {
	o.mu.Lock()
	if cancel, ok := o.cancels[jobID]; ok {
		cancel()
		delete(o.cancels, jobID)
	}
	o.mu.Unlock()
}

// run drives one job to a terminal state. schedCtx is cancelled by Cancel and
// by shutdown; the timeout applies only once processing starts.
func (o *Orchestrator) run(schedCtx context.Context, jobID string) {
	defer o.wg.Done()
	defer o.forgetCancel(jobID)

	logger := o.logger.WithField("job_id", jobID)

	if err := o.slots.Acquire(schedCtx, 1); err != nil {
		o.stop(jobID, schedCtx, schedCtx, err)
		return
	}
	defer o.slots.Release(1)

	runCtx, cancelRun := context.WithTimeout(o.baseCtx, o.cfg.Timeout)
	defer cancelRun()
	workCtx, cancelWork := context.WithCancel(logging.WithLogger(runCtx, logger))
	defer cancelWork()
	unhook := context.AfterFunc(schedCtx, cancelWork)
	defer unhook()

	job, ok := o.store.Update(jobID, func(j *models.BatchJob) {
		started := o.now().UTC()
		j.Status = types.JobStatusProcessing
		j.StartedAt = &started
	})
	if !ok {
		return
	}
	o.publishProgress(job)
	logger.WithField("total", job.Total).Info("Batch job processing")

	results, snapshots, err := o.execute(runCtx, workCtx, job)
	if err != nil {
		o.stop(jobID, runCtx, schedCtx, err)
		return
	}

	o.writeCache(job.Depth, snapshots)
	o.complete(jobID, results)
}

// execute profiles every valid wallet with a bounded pool, then clusters.
// In-flight wallet tasks run under runCtx so cancellation lets them finish.
func (o *Orchestrator) execute(runCtx, workCtx context.Context, job *models.BatchJob) (*models.JobResults, map[string]*models.WalletSnapshot, error) {
	total := len(job.ValidAddresses)
	profiles := make([]*profile.Profile, total)

	var (
		mu        sync.Mutex
		excluded  = make(map[string]string)
		thin      []string
		processed int
	)

	workers := semaphore.NewWeighted(int64(o.cfg.Workers))
	g, gctx := errgroup.WithContext(workCtx)

	for i, addr := range job.ValidAddresses {
		i, addr := i, addr
		if err := workers.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() (err error) {
			defer workers.Release(1)
			defer func() {
				if r := recover(); r != nil {
					err = apperrors.NewOrchestrationError(fmt.Sprintf("panic while profiling %s: %v", addr, r), nil)
				}
			}()

			p, perr := o.profileWallet(runCtx, addr)
			if runCtx.Err() != nil {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case perr == nil:
				profiles[i] = p
			case apperrors.IsInsufficientData(perr):
				excluded[addr] = reason(perr)
				thin = append(thin, addr)
			default:
				excluded[addr] = reason(perr)
			}
			processed++
			o.advance(job.JobID, processed, total)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := workCtx.Err(); err != nil {
		return nil, nil, err
	}

	built := make([]*profile.Profile, 0, total)
	for _, p := range profiles {
		if p != nil {
			built = append(built, p)
		}
	}

	outcome, err := o.analyze(workCtx, built, job.Depth)
	if err != nil {
		return nil, nil, err
	}

	unclustered := append(append([]string{}, outcome.Unclustered...), thin...)
	sort.Strings(unclustered)

	clusters := outcome.Clusters
	if !job.IncludeRisk {
		clusters = analysis.WithoutRisk(clusters)
	}

	computedAt := o.now().Unix()
	snapshots := outcome.Snapshots
	for _, addr := range thin {
		snapshots[addr] = analysis.InsufficientSnapshot(addr, excluded[addr], computedAt)
	}

	results := &models.JobResults{
		Clusters:    clusters,
		Unclustered: unclustered,
		Excluded:    excluded,
	}
	return results, snapshots, nil
}

func (o *Orchestrator) analyze(ctx context.Context, profiles []*profile.Profile, depth types.Depth) (outcome *analysis.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewOrchestrationError(fmt.Sprintf("panic while clustering: %v", r), nil)
		}
	}()
	return o.deps.Analyzer.Analyze(ctx, profiles, depth)
}

func (o *Orchestrator) profileWallet(ctx context.Context, addr string) (*profile.Profile, error) {
	records, err := o.deps.Source.Transactions(ctx, addr)
	if err != nil {
		return nil, err
	}
	p, err := profile.Build(addr, records, o.cfg.MaxSamples, o.cfg.MinTransactions)
	if err != nil {
		return nil, err
	}
	if o.deps.Profiles != nil {
		o.deps.Profiles.Put(p)
	}
	return p, nil
}

// advance records one more processed wallet. Callers serialize calls per job
// so published progress never goes backwards. 100 is reserved for completion.
func (o *Orchestrator) advance(jobID string, processed, total int) {
	job, ok := o.store.Update(jobID, func(j *models.BatchJob) {
		j.Processed = processed
		p := processed * 100 / total
		if p > 99 {
			p = 99
		}
		if p > j.Progress {
			j.Progress = p
		}
	})
	if ok {
		o.publishProgress(job)
	}
}

func (o *Orchestrator) publishProgress(job *models.BatchJob) {
	o.deps.Broker.Publish(events.Event{
		Type:      types.EventProgress,
		JobID:     job.JobID,
		Progress:  job.Progress,
		Processed: job.Processed,
		Total:     job.Total,
	})
}

func (o *Orchestrator) complete(jobID string, results *models.JobResults) {
	job, ok := o.store.Update(jobID, func(j *models.BatchJob) {
		done := o.now().UTC()
		j.Status = types.JobStatusCompleted
		j.Progress = 100
		j.Processed = j.Total
		j.ExcludedAddresses = results.Excluded
		j.Results = results
		j.CompletedAt = &done
	})
	if !ok {
		return
	}

	o.deps.Broker.Publish(events.Event{
		Type:      types.EventCompleted,
		JobID:     jobID,
		Progress:  100,
		Processed: job.Processed,
		Total:     job.Total,
		Results:   results,
	})
	o.logger.WithFields(map[string]interface{}{
		"job_id":      jobID,
		"clusters":    len(results.Clusters),
		"unclustered": len(results.Unclustered),
		"excluded":    len(results.Excluded),
	}).Info("Batch job completed")
	o.archive(job)
}

// stop ends a job that did not complete. The most specific cause wins:
// timeout, then shutdown, then cancellation, then the error itself.
func (o *Orchestrator) stop(jobID string, runCtx, schedCtx context.Context, cause error) {
	status := types.JobStatusFailed
	var reasonErr error

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		reasonErr = apperrors.NewTimeoutError(jobID, o.cfg.Timeout)
	case o.baseCtx.Err() != nil:
		reasonErr = apperrors.NewOrchestrationError("orchestrator shut down before the job finished", nil)
	case schedCtx.Err() != nil:
		status = types.JobStatusCancelled
	case apperrors.HasCategory(cause, apperrors.CategoryOrchestration):
		reasonErr = cause
	default:
		reasonErr = apperrors.NewOrchestrationError("job aborted", cause)
	}

	msg := cancelledReason
	if reasonErr != nil {
		msg = reason(reasonErr)
	}

	job, ok := o.store.Update(jobID, func(j *models.BatchJob) {
		done := o.now().UTC()
		j.Status = status
		j.Error = &msg
		j.CompletedAt = &done
	})
	if !ok {
		return
	}

	o.deps.Broker.Publish(events.Event{
		Type:      types.EventError,
		JobID:     jobID,
		Progress:  job.Progress,
		Processed: job.Processed,
		Total:     job.Total,
		Error:     msg,
	})

	entry := o.logger.WithFields(map[string]interface{}{
		"job_id": jobID,
		"status": status,
		"reason": msg,
	})
	if status == types.JobStatusCancelled {
		entry.Info("Batch job cancelled")
	} else {
		entry.Warn("Batch job failed")
	}
	o.archive(job)
}

// writeCache stores per-wallet snapshots. The result cache is keyed by address
// alone and holds shallow results only, so deeper jobs leave it untouched.
func (o *Orchestrator) writeCache(depth types.Depth, snapshots map[string]*models.WalletSnapshot) {
	if o.deps.Cache == nil || depth != types.DepthShallow || len(snapshots) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch := make([]*models.WalletSnapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		batch = append(batch, snap)
	}
	if err := o.deps.Cache.SetMany(ctx, batch); err != nil {
		o.logger.WithError(err).WithField("count", len(batch)).Warn("Failed to cache wallet snapshots")
	}
}

func (o *Orchestrator) archive(job *models.BatchJob) {
	if o.deps.Archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := o.deps.Archive.Save(ctx, job); err != nil {
		o.logger.WithError(err).WithField("job_id", job.JobID).Warn("Failed to archive job")
	}
}

// reason renders err for API consumers
func reason(err error) string {
	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) {
		if catErr.Cause != nil {
			return fmt.Sprintf("%s: %v", catErr.Message, catErr.Cause)
		}
		return catErr.Message
	}
	return err.Error()
}
