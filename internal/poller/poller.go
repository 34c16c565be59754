// Package poller contains the polling engine: the outer loop that
// discovers records in processing statuses, materialises tasks for
// them, dispatches those tasks to a small worker pool, and decides when
// the system has gone quiescent. All store mutation happens through the
// step executor; the engine owns scheduling, gating, and observability.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loftmedia/autolog/internal/event"
	"github.com/loftmedia/autolog/internal/executor"
	"github.com/loftmedia/autolog/internal/record"
	"github.com/loftmedia/autolog/internal/statuscache"
	"github.com/loftmedia/autolog/internal/steps"
	"github.com/loftmedia/autolog/internal/store"
	"github.com/loftmedia/autolog/pkg/logger"
	tsync "github.com/loftmedia/autolog/pkg/sync"
	"github.com/loftmedia/autolog/pkg/worker"
)

var log = logger.Get("Poller")

type (
	storeClient interface {
		FindByStatus(ctx context.Context, layout string, field string, value string, pageSize int, safetyCap int) ([]store.Record, error)
		GetOne(ctx context.Context, layout string, recordKey string) (*store.Record, error)
	}

	stepRunner interface {
		RunFootageStep(ctx context.Context, footage *record.Footage, step steps.FootageStep) executor.Result
		RunFrameStep(ctx context.Context, frame *record.Frame, step steps.FrameStep) executor.Result
		AdvanceFootage(ctx context.Context, footage *record.Footage, status record.FootageStatus) error
		AdvanceFrame(ctx context.Context, frame *record.Frame, status record.FrameStatus) error
		ParkAwaitingUserInput(ctx context.Context, footage *record.Footage, children []executor.ChildRef, reason string) error
	}

	parentChecker interface {
		BatchCheck(ctx context.Context, ids []string) (map[string]*statuscache.FootageEntry, error)
	}

	Config struct {
		FootageLayout string
		FrameLayout   string

		// PollInterval is the sleep between cycles; PollDuration bounds
		// the whole run (zero means unbounded).
		PollInterval time.Duration
		PollDuration time.Duration

		// WorkerCount is deliberately small: each task may chain several
		// step executions and each execution may spawn a heavy child
		// process. The throughput target is per-cycle progress, not
		// parallelism within a cycle.
		WorkerCount int

		// DispatchSoftTimeout is how long a cycle waits for its tasks
		// before detaching them and moving on to keep discovery fresh.
		DispatchSoftTimeout time.Duration

		PageSize         int
		FootageSafetyCap int
		FrameSafetyCap   int
	}

	Poller struct {
		config   Config
		store    storeClient
		cache    *statuscache.Cache
		checker  parentChecker
		registry *steps.Registry
		runner   stepRunner
		quality  *steps.QualityScorer
		events   event.EventCoordinator

		runCtx context.Context

		queueMutex sync.Mutex
		queue      []*task

		// inflight guards against dispatching a second task for a record
		// whose detached task from a prior cycle is still running.
		inflight tsync.TypedSyncMap[string, struct{}]

		dedupMutex sync.Mutex
		dedup      map[string]struct{}

		counters cycleCounters

		summaryMutex  sync.Mutex
		latestSummary *event.CycleSummary
	}

	counterSnapshot struct {
		footageTasks  int
		frameTasks    int
		successes     int
		failures      int
		stepsExecuted int
		deferred      int
		parked        int
	}

	cycleCounters struct {
		mutex sync.Mutex
		counterSnapshot
	}
)

func (config Config) withDefaults() Config {
	if config.PollInterval == 0 {
		config.PollInterval = time.Second * 30
	}
	if config.WorkerCount == 0 {
		config.WorkerCount = 5
	}
	if config.DispatchSoftTimeout == 0 {
		config.DispatchSoftTimeout = time.Second * 30
	}
	if config.PageSize == 0 {
		config.PageSize = 500
	}
	if config.FootageSafetyCap == 0 {
		config.FootageSafetyCap = 10_000
	}
	if config.FrameSafetyCap == 0 {
		config.FrameSafetyCap = 50_000
	}

	return config
}

func New(
	config Config,
	storeClient storeClient,
	cache *statuscache.Cache,
	checker parentChecker,
	registry *steps.Registry,
	runner stepRunner,
	quality *steps.QualityScorer,
	events event.EventCoordinator,
) *Poller {
	return &Poller{
		config:   config.withDefaults(),
		store:    storeClient,
		cache:    cache,
		checker:  checker,
		registry: registry,
		runner:   runner,
		quality:  quality,
		events:   events,
		dedup:    make(map[string]struct{}),
	}
}

// Run executes polling cycles until the context is cancelled, the
// configured poll duration elapses, or the system goes quiescent.
// In-flight tasks are allowed to finish (up to the soft timeout) before
// Run returns.
func (poller *Poller) Run(ctx context.Context) error {
	poller.runCtx = ctx

	pool := worker.NewWorkerPool()
	for i := 0; i < poller.config.WorkerCount; i++ {
		if err := pool.PushWorker(worker.NewWorker(fmt.Sprintf("PollerTask:%d", i), poller.serveNextTask)); err != nil {
			return fmt.Errorf("failed to construct task pool: %w", err)
		}
	}
	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start task pool: %w", err)
	}
	defer pool.Close()

	var deadline time.Time
	if poller.config.PollDuration > 0 {
		deadline = time.Now().Add(poller.config.PollDuration)
	}

	for cycleIndex := 0; ; cycleIndex++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			log.Infof("Poll duration budget exhausted after %d cycle(s); stopping\n", cycleIndex)
			return nil
		}

		quiescent, err := poller.runCycle(ctx, cycleIndex, pool)
		if err != nil {
			// A failed cycle (store outage, mid-cycle cancellation) is not
			// fatal to the loop; the next cycle starts from discovery.
			log.Errorf("Cycle %d did not complete: %v\n", cycleIndex, err)
		}

		if quiescent {
			log.Infof("All records terminal after %d cycle(s); exiting before next sleep\n", cycleIndex+1)
			poller.events.Dispatch(event.ENGINE_QUIESCENT, event.QuiescenceNotice{CycleID: uuid.New(), Cycles: cycleIndex + 1})
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poller.config.PollInterval):
		}
	}
}

// LatestSummary returns the most recent cycle summary, if any cycle has
// completed yet.
func (poller *Poller) LatestSummary() (event.CycleSummary, bool) {
	poller.summaryMutex.Lock()
	defer poller.summaryMutex.Unlock()

	if poller.latestSummary == nil {
		return event.CycleSummary{}, false
	}

	return *poller.latestSummary, true
}

func (poller *Poller) runCycle(ctx context.Context, index int, pool *worker.WorkerPool) (bool, error) {
	cycleID := uuid.New()
	started := time.Now()

	poller.cache.ClearExpired()
	poller.resetCycleState()

	footage, frames, err := poller.discover(ctx)
	if err != nil {
		return false, fmt.Errorf("discovery failed: %w", err)
	}

	wg := &sync.WaitGroup{}
	tasks := poller.buildTasks(cycleID, footage, frames, wg)
	log.Debugf("Cycle %d discovered %d footage / %d frame record(s), dispatching %d task(s)\n",
		index, len(footage), len(frames), len(tasks))

	poller.enqueue(tasks)
	if err := pool.WakeupWorkers(); err != nil {
		return false, err
	}

	// Cache-miss reconciliation happens while the tasks run: any task
	// observing a miss this cycle succeeds on the next one.
	if parents := poller.cache.UniqueParentsNeedingCheck(); len(parents) > 0 {
		if _, err := poller.checker.BatchCheck(ctx, parents); err != nil {
			log.Warnf("Parent backfill failed (will retry next cycle): %v\n", err)
		}
	}

	poller.waitForTasks(ctx, wg, index)

	quiescent, err := poller.checkQuiescent(ctx)
	if err != nil {
		log.Warnf("Quiescence check failed, assuming active: %v\n", err)
		quiescent = false
	}

	poller.emitSummary(cycleID, index, started, len(footage), len(frames))
	return quiescent, nil
}

// discover pages every processing status through the store and seeds
// the cache with the results.
func (poller *Poller) discover(ctx context.Context) ([]*record.Footage, []*record.Frame, error) {
	var footage []*record.Footage
	for _, status := range record.FootageProcessingStatuses() {
		records, err := poller.store.FindByStatus(ctx, poller.config.FootageLayout, record.FieldStatus,
			status.String(), poller.config.PageSize, poller.config.FootageSafetyCap)
		if err != nil {
			return nil, nil, fmt.Errorf("footage discovery at %s: %w", status, err)
		}

		for _, rec := range records {
			decoded, err := record.DecodeFootage(rec.RecordKey, rec.FieldData)
			if err != nil {
				log.Warnf("Skipping undecodable footage record %s: %v\n", rec.RecordKey, err)
				continue
			}
			footage = append(footage, decoded)
		}
	}

	var frames []*record.Frame
	for _, status := range record.FrameProcessingStatuses() {
		records, err := poller.store.FindByStatus(ctx, poller.config.FrameLayout, record.FieldStatus,
			status.String(), poller.config.PageSize, poller.config.FrameSafetyCap)
		if err != nil {
			return nil, nil, fmt.Errorf("frame discovery at %s: %w", status, err)
		}

		for _, rec := range records {
			decoded, err := record.DecodeFrame(rec.RecordKey, rec.FieldData)
			if err != nil {
				log.Warnf("Skipping undecodable frame record %s: %v\n", rec.RecordKey, err)
				continue
			}
			frames = append(frames, decoded)
		}
	}

	poller.cache.BulkInsertFootage(footage)
	poller.cache.BulkInsertFrames(frames)
	return footage, frames, nil
}

// buildTasks materialises a task per discovered record, skipping
// terminal statuses, records already in flight from a detached task,
// and frames whose parent has terminally succeeded.
func (poller *Poller) buildTasks(cycleID uuid.UUID, footage []*record.Footage, frames []*record.Frame, wg *sync.WaitGroup) []*task {
	tasks := make([]*task, 0, len(footage)+len(frames))

	for _, f := range footage {
		if f.Status.IsTerminal() || !poller.markInflight(f.ID) {
			continue
		}
		tasks = append(tasks, &task{kind: footageTask, footage: f, cycleID: cycleID, wg: wg})
	}

	for _, f := range frames {
		if f.Status.IsTerminal() || !poller.markInflight(f.ID) {
			continue
		}

		if f.Status != record.FrameForceResume {
			if readiness, _ := poller.cache.IsParentReadyForFrames(f.ParentID); readiness == statuscache.ParentTerminalSuccess {
				poller.clearInflight(f.ID)
				continue
			}
		}

		tasks = append(tasks, &task{kind: frameTask, frame: f, cycleID: cycleID, wg: wg})
	}

	wg.Add(len(tasks))
	return tasks
}

func (poller *Poller) waitForTasks(ctx context.Context, wg *sync.WaitGroup, cycleIndex int) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(poller.config.DispatchSoftTimeout):
		log.Warnf("Cycle %d tasks still running after %s; detaching so discovery stays fresh\n",
			cycleIndex, poller.config.DispatchSoftTimeout)
	}
}

// checkQuiescent asks the store whether any record remains in a
// non-terminal status. Frames whose parent has terminally succeeded do
// not block quiescence.
func (poller *Poller) checkQuiescent(ctx context.Context) (bool, error) {
	for _, status := range record.FootageProcessingStatuses() {
		records, err := poller.store.FindByStatus(ctx, poller.config.FootageLayout, record.FieldStatus,
			status.String(), poller.config.PageSize, poller.config.FootageSafetyCap)
		if err != nil {
			return false, err
		}
		if len(records) > 0 {
			return false, nil
		}
	}

	missParents := map[string]struct{}{}
	for _, status := range []record.FrameStatus{
		record.FramePendingThumbnail, record.FrameThumbnailComplete,
		record.FrameCaptionGenerated, record.FrameForceResume,
	} {
		records, err := poller.store.FindByStatus(ctx, poller.config.FrameLayout, record.FieldStatus,
			status.String(), poller.config.PageSize, poller.config.FrameSafetyCap)
		if err != nil {
			return false, err
		}

		for _, rec := range records {
			frame, err := record.DecodeFrame(rec.RecordKey, rec.FieldData)
			if err != nil {
				continue
			}

			switch readiness, _ := poller.cache.IsParentReadyForFrames(frame.ParentID); readiness {
			case statuscache.ParentTerminalSuccess:
				continue
			case statuscache.ParentMiss:
				missParents[frame.ParentID] = struct{}{}
			default:
				return false, nil
			}
		}
	}

	if len(missParents) > 0 {
		ids := make([]string, 0, len(missParents))
		for id := range missParents {
			ids = append(ids, id)
		}

		entries, err := poller.checker.BatchCheck(ctx, ids)
		if err != nil {
			return false, err
		}

		for _, id := range ids {
			entry, ok := entries[id]
			if !ok {
				// Orphaned frames block quiescence; the poll duration
				// budget still bounds the loop.
				return false, nil
			}
			if entry.Status != record.FootageApplyingTags && entry.Status != record.FootageComplete {
				return false, nil
			}
		}
	}

	return true, nil
}

func (poller *Poller) emitSummary(cycleID uuid.UUID, index int, started time.Time, footageSeen int, frameSeen int) {
	counts := poller.counters.snapshot()
	stats := poller.cache.Stats()

	summary := event.CycleSummary{
		CycleID:       cycleID,
		Index:         index,
		StartedAt:     started,
		Duration:      time.Since(started),
		FootageTasks:  counts.footageTasks,
		FrameTasks:    counts.frameTasks,
		Successes:     counts.successes,
		Failures:      counts.failures,
		StepsExecuted: counts.stepsExecuted,
		Deferred:      counts.deferred,
		Parked:        counts.parked,
		CacheHits:     stats.Hits,
		CacheMisses:   stats.Misses,
		APICallsSaved: stats.APICallsSaved,
	}

	hitRate := 0.0
	if stats.Hits+stats.Misses > 0 {
		hitRate = float64(stats.Hits) / float64(stats.Hits+stats.Misses)
	}
	log.Infof("Cycle %d complete in %s: %d footage / %d frame record(s) seen, %d step(s) executed (%d ok, %d failed), %d deferred, %d parked, cache hit rate %.0f%%, %d API call(s) saved\n",
		index, summary.Duration.Round(time.Millisecond), footageSeen, frameSeen,
		counts.stepsExecuted, counts.successes, counts.failures, counts.deferred, counts.parked,
		hitRate*100, stats.APICallsSaved)

	poller.summaryMutex.Lock()
	poller.latestSummary = &summary
	poller.summaryMutex.Unlock()

	poller.events.Dispatch(event.CYCLE_COMPLETE, summary)
	poller.cache.ResetStats()
}

func (poller *Poller) resetCycleState() {
	poller.dedupMutex.Lock()
	poller.dedup = make(map[string]struct{})
	poller.dedupMutex.Unlock()

	poller.counters.reset()
}

// serveNextTask is the worker pool task function: claim one task from
// the queue, run it, report whether anything was claimed.
func (poller *Poller) serveNextTask(_ worker.Worker) (bool, error) {
	t := poller.claimTask()
	if t == nil {
		return false, nil
	}

	defer t.wg.Done()
	defer poller.clearInflight(t.id())
	poller.runTask(poller.runCtx, t)
	return true, nil
}

func (poller *Poller) enqueue(tasks []*task) {
	poller.queueMutex.Lock()
	defer poller.queueMutex.Unlock()
	poller.queue = append(poller.queue, tasks...)
}

func (poller *Poller) claimTask() *task {
	poller.queueMutex.Lock()
	defer poller.queueMutex.Unlock()

	if len(poller.queue) == 0 {
		return nil
	}

	t := poller.queue[0]
	poller.queue = poller.queue[1:]
	return t
}

func (poller *Poller) markInflight(id string) bool {
	_, loaded := poller.inflight.LoadOrStore(id, struct{}{})
	return !loaded
}

func (poller *Poller) clearInflight(id string) {
	poller.inflight.Delete(id)
}

// logOnce suppresses repeats of the same message key within a cycle;
// the dedup map is cleared at the top of each cycle.
func (poller *Poller) logOnce(key string, format string, args ...any) {
	poller.dedupMutex.Lock()
	_, seen := poller.dedup[key]
	poller.dedup[key] = struct{}{}
	poller.dedupMutex.Unlock()

	if !seen {
		log.Debugf(format, args...)
	}
}

func (counters *cycleCounters) reset() {
	counters.mutex.Lock()
	defer counters.mutex.Unlock()
	counters.counterSnapshot = counterSnapshot{}
}

func (counters *cycleCounters) snapshot() counterSnapshot {
	counters.mutex.Lock()
	defer counters.mutex.Unlock()
	return counters.counterSnapshot
}

func (counters *cycleCounters) add(mutate func(*counterSnapshot)) {
	counters.mutex.Lock()
	defer counters.mutex.Unlock()
	mutate(&counters.counterSnapshot)
}
