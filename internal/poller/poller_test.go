package poller_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hbomb79/go-chanassert"
	"github.com/loftmedia/autolog/internal/event"
	"github.com/loftmedia/autolog/internal/executor"
	"github.com/loftmedia/autolog/internal/poller"
	"github.com/loftmedia/autolog/internal/record"
	"github.com/loftmedia/autolog/internal/statuscache"
	"github.com/loftmedia/autolog/internal/steps"
	"github.com/loftmedia/autolog/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// world is a tiny in-memory record store shared by the fake store
// client and the fake step runner, so that the engine observes its own
// writes on the next discovery pass, the same way it would against the
// real store.
type world struct {
	mutex   sync.Mutex
	footage map[string]map[string]any
	frames  map[string]map[string]any
}

func newWorld() *world {
	return &world{
		footage: make(map[string]map[string]any),
		frames:  make(map[string]map[string]any),
	}
}

func (w *world) addFootage(id string, status string, url string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.footage["rec-"+id] = map[string]any{
		record.FieldFootageID: id,
		record.FieldStatus:    status,
		record.FieldURL:       url,
	}
}

func (w *world) addFrame(id string, status string, caption string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.frames["rec-"+id] = map[string]any{
		record.FieldFrameID:  id,
		record.FieldParentID: record.ParentIDFromFrameID(id),
		record.FieldStatus:   status,
		record.FieldCaption:  caption,
	}
}

func (w *world) footageStatus(id string) string {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if fields, ok := w.footage["rec-"+id]; ok {
		return fmt.Sprint(fields[record.FieldStatus])
	}

	return ""
}

func (w *world) frameStatus(id string) string {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if fields, ok := w.frames["rec-"+id]; ok {
		return fmt.Sprint(fields[record.FieldStatus])
	}

	return ""
}

type fakeStore struct{ world *world }

func (s *fakeStore) source(layout string) map[string]map[string]any {
	if layout == "frames" {
		return s.world.frames
	}

	return s.world.footage
}

func (s *fakeStore) FindByStatus(_ context.Context, layout string, field string, value string, _ int, _ int) ([]store.Record, error) {
	s.world.mutex.Lock()
	defer s.world.mutex.Unlock()

	var out []store.Record
	for key, fields := range s.source(layout) {
		if fmt.Sprint(fields[field]) == value {
			out = append(out, store.Record{RecordKey: key, FieldData: cloneFields(fields)})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RecordKey < out[j].RecordKey })
	return out, nil
}

func (s *fakeStore) GetOne(_ context.Context, layout string, recordKey string) (*store.Record, error) {
	s.world.mutex.Lock()
	defer s.world.mutex.Unlock()

	fields, ok := s.source(layout)[recordKey]
	if !ok {
		return nil, &store.NotFoundError{Layout: layout, RecordKey: recordKey}
	}

	return &store.Record{RecordKey: recordKey, FieldData: cloneFields(fields)}, nil
}

func (s *fakeStore) FindByOr(_ context.Context, layout string, field string, values []string, _ int) ([]store.Record, error) {
	s.world.mutex.Lock()
	defer s.world.mutex.Unlock()

	wanted := make(map[string]struct{}, len(values))
	for _, v := range values {
		wanted[v] = struct{}{}
	}

	var out []store.Record
	for key, fields := range s.source(layout) {
		if _, ok := wanted[fmt.Sprint(fields[field])]; ok {
			out = append(out, store.Record{RecordKey: key, FieldData: cloneFields(fields)})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RecordKey < out[j].RecordKey })
	return out, nil
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}

	return out
}

// fakeRunner mirrors the real executor's transition rules but replaces
// process spawning with scripted side effects against the world.
type fakeRunner struct {
	world *world

	mutex        sync.Mutex
	footageRuns  []string
	frameRuns    []string
	advances     []string
	parks        []string
	failures     map[string]int
	scrapeFields map[string]any

	framesPerSample int
}

func newFakeRunner(w *world) *fakeRunner {
	return &fakeRunner{
		world:           w,
		failures:        map[string]int{},
		scrapeFields:    map[string]any{},
		framesPerSample: 1,
	}
}

func (r *fakeRunner) shouldFail(stepName string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.failures[stepName] > 0 {
		r.failures[stepName]--
		return true
	}

	return false
}

func (r *fakeRunner) patchFootage(f *record.Footage, status record.FootageStatus) {
	r.world.mutex.Lock()
	r.world.footage[f.RecordKey][record.FieldStatus] = status.String()
	r.world.mutex.Unlock()
	f.Status = status
	f.RawStatus = status.String()
}

func (r *fakeRunner) patchFrame(f *record.Frame, status record.FrameStatus) {
	r.world.mutex.Lock()
	r.world.frames[f.RecordKey][record.FieldStatus] = status.String()
	r.world.mutex.Unlock()
	f.Status = status
	f.RawStatus = status.String()
}

func (r *fakeRunner) RunFootageStep(_ context.Context, footage *record.Footage, step steps.FootageStep) executor.Result {
	if step.HasPre && footage.Status != step.PreStatus {
		r.patchFootage(footage, step.PreStatus)
	}

	if step.IsTransition() {
		if footage.Status != step.NextStatus {
			r.patchFootage(footage, step.NextStatus)
		}

		return executor.Result{OK: true}
	}

	r.mutex.Lock()
	r.footageRuns = append(r.footageRuns, step.Name+":"+footage.ID)
	r.mutex.Unlock()

	if r.shouldFail(step.Name) {
		return executor.Result{ErrKind: executor.ErrStepFailure, ErrText: "injected failure"}
	}

	switch step.Name {
	case "sample_frames":
		for i := 1; i <= r.framesPerSample; i++ {
			r.world.addFrame(fmt.Sprintf("%s_%03d", footage.ID, i), record.FramePendingThumbnail.String(), "")
		}
	case "scrape_url":
		r.world.mutex.Lock()
		for k, v := range r.scrapeFields {
			r.world.footage[footage.RecordKey][k] = v
		}
		r.world.mutex.Unlock()
	}

	target := step.NextStatus
	if step.HasFinal {
		target = step.FinalStatus
	}
	if footage.Status != target {
		r.patchFootage(footage, target)
	}

	return executor.Result{OK: true, Duration: time.Millisecond}
}

func (r *fakeRunner) RunFrameStep(_ context.Context, frame *record.Frame, step steps.FrameStep) executor.Result {
	r.mutex.Lock()
	r.frameRuns = append(r.frameRuns, step.Name+":"+frame.ID)
	r.mutex.Unlock()

	if r.shouldFail(step.Name) {
		return executor.Result{ErrKind: executor.ErrStepFailure, ErrText: "injected failure"}
	}

	if step.Name == "generate_caption" {
		r.world.mutex.Lock()
		r.world.frames[frame.RecordKey][record.FieldCaption] = "an auto-generated caption"
		r.world.mutex.Unlock()
		frame.Caption = "an auto-generated caption"
	}

	r.patchFrame(frame, step.NextStatus)
	return executor.Result{OK: true, Duration: time.Millisecond}
}

func (r *fakeRunner) AdvanceFootage(_ context.Context, footage *record.Footage, status record.FootageStatus) error {
	r.mutex.Lock()
	r.advances = append(r.advances, footage.ID+"->"+status.String())
	r.mutex.Unlock()
	r.patchFootage(footage, status)
	return nil
}

func (r *fakeRunner) AdvanceFrame(_ context.Context, frame *record.Frame, status record.FrameStatus) error {
	r.mutex.Lock()
	r.advances = append(r.advances, frame.ID+"->"+status.String())
	r.mutex.Unlock()
	r.patchFrame(frame, status)
	return nil
}

func (r *fakeRunner) ParkAwaitingUserInput(_ context.Context, footage *record.Footage, children []executor.ChildRef, reason string) error {
	r.mutex.Lock()
	r.parks = append(r.parks, footage.ID+": "+reason)
	r.mutex.Unlock()

	r.patchFootage(footage, record.FootageAwaitingUserInput)
	r.world.mutex.Lock()
	for _, child := range children {
		if fields, ok := r.world.frames[child.RecordKey]; ok {
			fields[record.FieldStatus] = record.FrameAwaitingUserInput.String()
		}
	}
	r.world.mutex.Unlock()
	return nil
}

func (r *fakeRunner) footageRunCount(stepName string) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	count := 0
	for _, run := range r.footageRuns {
		if len(run) >= len(stepName) && run[:len(stepName)] == stepName {
			count++
		}
	}

	return count
}

func (r *fakeRunner) frameRunCount(stepName string) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	count := 0
	for _, run := range r.frameRuns {
		if len(run) >= len(stepName) && run[:len(stepName)] == stepName {
			count++
		}
	}

	return count
}

func newEngine(w *world, runner *fakeRunner, bus event.EventCoordinator) *poller.Poller {
	st := &fakeStore{world: w}
	cache := statuscache.New(time.Minute)
	checker := statuscache.NewBatchChecker(st, cache, "footage")

	return poller.New(poller.Config{
		FootageLayout:       "footage",
		FrameLayout:         "frames",
		PollInterval:        time.Millisecond * 10,
		PollDuration:        time.Second * 10,
		DispatchSoftTimeout: time.Second * 5,
	}, st, cache, checker, steps.NewRegistry(), runner, steps.NewQualityScorer(steps.DefaultQualityConfig()), bus)
}

// A URL-less footage record must travel the whole pipeline: probe,
// thumbnails, frame sampling, the scrape skip path, and description
// once every sampled frame is captioned and transcribed. The scrape
// step itself must never run.
func Test_Engine_FullPipelineWithoutURL(t *testing.T) {
	t.Parallel()
	w := newWorld()
	w.addFootage("AF0100", record.FootagePendingFileInfo.String(), "")

	runner := newFakeRunner(w)
	runner.framesPerSample = 3

	engine := newEngine(w, runner, event.New())
	require.NoError(t, engine.Run(context.Background()), "the engine must go quiescent")

	assert.Equal(t, record.FootageGeneratingEmbeddings.String(), w.footageStatus("AF0100"))
	for i := 1; i <= 3; i++ {
		assert.Equal(t, record.FrameAudioTranscribed.String(), w.frameStatus(fmt.Sprintf("AF0100_%03d", i)))
	}

	assert.Equal(t, 1, runner.footageRunCount("probe_file_info"))
	assert.Equal(t, 1, runner.footageRunCount("sample_frames"))
	assert.Zero(t, runner.footageRunCount("scrape_url"), "URL-less footage must skip the scrape process")
	assert.Equal(t, 1, runner.footageRunCount("generate_description"))
	assert.Equal(t, 3, runner.frameRunCount("generate_caption"))
	assert.Contains(t, runner.advances, "AF0100->"+record.FootageProcessingFrameInfo.String())

	summary, ok := engine.LatestSummary()
	require.True(t, ok)
	assert.Positive(t, summary.StepsExecuted)
}

// Library (LF-prefixed) footage entering the scrape boundary must park
// itself and every child frame at Awaiting User Input, and the engine
// must then go quiescent.
func Test_Engine_LibraryFootageParksFamily(t *testing.T) {
	t.Parallel()
	w := newWorld()
	w.addFootage("LF0007", record.FootageCreatingFrames.String(), "")
	w.addFrame("LF0007_001", record.FramePendingThumbnail.String(), "")
	w.addFrame("LF0007_002", record.FramePendingThumbnail.String(), "")

	runner := newFakeRunner(w)
	bus := event.New()

	activity := make(chan event.HandlerEvent, 50)
	bus.RegisterHandlerChannel(activity, event.TASK_PARKED, event.ENGINE_QUIESCENT)
	expecter := chanassert.NewChannelExpecter(activity).Expect(
		chanassert.ExactlyNOf(1, chanassert.MatchPredicate(func(message event.HandlerEvent) bool {
			if message.Event != event.TASK_PARKED {
				return false
			}
			notice, ok := message.Payload.(event.ParkNotice)
			return ok && notice.FootageID == "LF0007" && notice.FramesParked == 2
		})),
		chanassert.ExactlyNOf(1, chanassert.MatchPredicate(func(message event.HandlerEvent) bool {
			return message.Event == event.ENGINE_QUIESCENT
		})),
	)
	expecter.Listen()

	engine := newEngine(w, runner, bus)
	require.NoError(t, engine.Run(context.Background()))

	assert.Equal(t, record.FootageAwaitingUserInput.String(), w.footageStatus("LF0007"))
	assert.Equal(t, record.FrameAwaitingUserInput.String(), w.frameStatus("LF0007_001"))
	assert.Equal(t, record.FrameAwaitingUserInput.String(), w.frameStatus("LF0007_002"))
	assert.Empty(t, runner.footageRuns, "no step process may run for parked library footage")

	expecter.AssertSatisfied(t, time.Second*5)
}

// A frame left in a processing status under a parent that is already at
// Awaiting User Input (the remnant of a park that only half landed) must
// be parked to match its parent, not deferred forever: the park finishes
// and the engine goes quiescent.
func Test_Engine_StragglerFrameUnderParkedParentIsParked(t *testing.T) {
	t.Parallel()
	w := newWorld()
	w.addFootage("AF0450", record.FootageAwaitingUserInput.String(), "https://example.com/clip")
	w.addFrame("AF0450_001", record.FramePendingThumbnail.String(), "")

	runner := newFakeRunner(w)
	bus := event.New()

	activity := make(chan event.HandlerEvent, 50)
	bus.RegisterHandlerChannel(activity, event.TASK_PARKED)
	expecter := chanassert.NewChannelExpecter(activity).Expect(
		chanassert.ExactlyNOf(1, chanassert.MatchPredicate(func(message event.HandlerEvent) bool {
			notice, ok := message.Payload.(event.ParkNotice)
			return ok && notice.FootageID == "AF0450" && notice.FramesParked == 1
		})),
	)
	expecter.Listen()

	engine := newEngine(w, runner, bus)
	require.NoError(t, engine.Run(context.Background()), "the engine must go quiescent once the frame follows its parent")

	assert.Equal(t, record.FootageAwaitingUserInput.String(), w.footageStatus("AF0450"))
	assert.Equal(t, record.FrameAwaitingUserInput.String(), w.frameStatus("AF0450_001"))
	assert.Empty(t, runner.frameRuns, "no frame step may run under a parked parent")
	assert.Contains(t, runner.advances, "AF0450_001->"+record.FrameAwaitingUserInput.String())

	expecter.AssertSatisfied(t, time.Second*5)
}

// Footage at the scraping status with a URL runs the scraper; when the
// re-read shows junk metadata the quality gate parks the whole family
// instead of chaining in to frame-info processing.
func Test_Engine_QualityGateParksOnJunkScrape(t *testing.T) {
	t.Parallel()
	w := newWorld()
	w.addFootage("AF0400", record.FootageScrapingURL.String(), "https://example.com/clip")
	w.addFrame("AF0400_001", record.FrameAudioTranscribed.String(), "caption")

	runner := newFakeRunner(w)
	runner.scrapeFields = map[string]any{
		"scraped_title":       "Access Denied",
		"scraped_description": "Reference #18.4f2 - the request could not be satisfied by the origin server.",
		"scraped_keywords":    "error",
	}

	engine := newEngine(w, runner, event.New())
	require.NoError(t, engine.Run(context.Background()))

	assert.Equal(t, 1, runner.footageRunCount("scrape_url"))
	assert.Equal(t, record.FootageAwaitingUserInput.String(), w.footageStatus("AF0400"))
	assert.Equal(t, record.FrameAwaitingUserInput.String(), w.frameStatus("AF0400_001"))
	require.Len(t, runner.parks, 1)
	assert.Contains(t, runner.parks[0], "scraped metadata rejected")
	assert.Zero(t, runner.footageRunCount("generate_description"))
}

// The same boundary with a usable scrape result chains straight through
// frame-info processing to the embeddings hand-off.
func Test_Engine_QualityGatePassesOnUsableScrape(t *testing.T) {
	t.Parallel()
	w := newWorld()
	w.addFootage("AF0401", record.FootageScrapingURL.String(), "https://example.com/clip")
	w.addFrame("AF0401_001", record.FrameAudioTranscribed.String(), "caption")

	runner := newFakeRunner(w)
	runner.scrapeFields = map[string]any{
		"scraped_title":       "Harbour at Dawn - Timelapse Collection",
		"scraped_description": "Aerial timelapse of the container harbour at first light, shot over three mornings in May.",
		"scraped_keywords":    "harbour, timelapse, aerial",
	}

	engine := newEngine(w, runner, event.New())
	require.NoError(t, engine.Run(context.Background()))

	assert.Equal(t, 1, runner.footageRunCount("scrape_url"))
	assert.Equal(t, 1, runner.footageRunCount("generate_description"))
	assert.Equal(t, record.FootageGeneratingEmbeddings.String(), w.footageStatus("AF0401"))
	assert.Empty(t, runner.parks)

	// The frame was already terminal; description generation must never
	// have touched it.
	assert.Equal(t, record.FrameAudioTranscribed.String(), w.frameStatus("AF0401_001"))
}

// A frame at Force Resume skips parent gating entirely (its parent here
// is already complete, and complete parents are not even discovered),
// chains caption and audio, and is explicitly pinned at the terminal
// status at the end.
func Test_Engine_ForceResumeFrameChainsAndPins(t *testing.T) {
	t.Parallel()
	w := newWorld()
	w.addFootage("AF0500", record.FootageComplete.String(), "")
	w.addFrame("AF0500_004", record.FrameForceResume.String(), "stale caption")

	runner := newFakeRunner(w)
	engine := newEngine(w, runner, event.New())
	require.NoError(t, engine.Run(context.Background()))

	assert.Equal(t, record.FrameAudioTranscribed.String(), w.frameStatus("AF0500_004"))
	assert.Equal(t, 1, runner.frameRunCount("generate_caption"))
	assert.Equal(t, 1, runner.frameRunCount("transcribe_audio"))
	assert.Contains(t, runner.advances, "AF0500_004->"+record.FrameAudioTranscribed.String(),
		"a resumed chain must repatch its terminal status explicitly")
}

// A frame whose parent has not reached the ready window defers without
// running anything, then proceeds once the parent advances.
func Test_Engine_FrameWaitsForParentWindow(t *testing.T) {
	t.Parallel()
	w := newWorld()
	w.addFootage("AF0600", record.FootagePendingFileInfo.String(), "")
	w.addFrame("AF0600_001", record.FramePendingThumbnail.String(), "")

	runner := newFakeRunner(w)
	runner.framesPerSample = 0 // the pre-seeded frame is the only child

	engine := newEngine(w, runner, event.New())
	require.NoError(t, engine.Run(context.Background()))

	// The frame eventually processed, which is only possible after the
	// parent crossed in to the ready window.
	assert.Equal(t, record.FrameAudioTranscribed.String(), w.frameStatus("AF0600_001"))
	assert.Equal(t, record.FootageGeneratingEmbeddings.String(), w.footageStatus("AF0600"))
	assert.Equal(t, 1, runner.frameRunCount("frame_thumbnail"))
}

// A failed step leaves the record where it is and retries on a later
// cycle without any rollback.
func Test_Engine_StepFailureRetriesNextCycle(t *testing.T) {
	t.Parallel()
	w := newWorld()
	w.addFootage("AF0700", record.FootageProcessingFrameInfo.String(), "")
	w.addFrame("AF0700_001", record.FramePendingThumbnail.String(), "")

	runner := newFakeRunner(w)
	runner.failures["frame_thumbnail"] = 1

	engine := newEngine(w, runner, event.New())
	require.NoError(t, engine.Run(context.Background()))

	assert.Equal(t, 2, runner.frameRunCount("frame_thumbnail"), "one failure plus one retry")
	assert.Equal(t, record.FrameAudioTranscribed.String(), w.frameStatus("AF0700_001"))
	assert.Equal(t, record.FootageGeneratingEmbeddings.String(), w.footageStatus("AF0700"))
}

// With every record already terminal the engine performs one discovery
// pass, observes quiescence, and exits without sleeping through another
// interval.
func Test_Engine_QuiescenceExitsImmediately(t *testing.T) {
	t.Parallel()
	w := newWorld()
	w.addFootage("AF0800", record.FootageComplete.String(), "")
	w.addFrame("AF0800_001", record.FrameComplete.String(), "caption")

	runner := newFakeRunner(w)
	bus := event.New()

	var summaries []event.CycleSummary
	var summariesMutex sync.Mutex
	bus.RegisterHandlerFunction(event.CYCLE_COMPLETE, func(_ event.Event, payload event.Payload) {
		summariesMutex.Lock()
		defer summariesMutex.Unlock()
		summaries = append(summaries, payload.(event.CycleSummary))
	})

	engine := newEngine(w, runner, bus)
	start := time.Now()
	require.NoError(t, engine.Run(context.Background()))

	assert.Less(t, time.Since(start), time.Second*2)
	summariesMutex.Lock()
	defer summariesMutex.Unlock()
	require.Len(t, summaries, 1, "exactly one cycle before quiescence exit")
	assert.Zero(t, summaries[0].StepsExecuted)
	assert.Empty(t, runner.footageRuns)
	assert.Empty(t, runner.frameRuns)
}

// The per-task chain cap prevents a single footage record from running
// the whole pipeline inside one cycle even when nothing gates it.
func Test_Engine_FootageChainCapSpansCycles(t *testing.T) {
	t.Parallel()
	w := newWorld()
	w.addFootage("AF0900", record.FootagePendingFileInfo.String(), "")
	w.addFrame("AF0900_001", record.FrameAudioTranscribed.String(), "caption")

	runner := newFakeRunner(w)
	runner.framesPerSample = 0 // the ready pre-seeded frame satisfies every frame gate

	bus := event.New()
	var cycles int
	var cyclesMutex sync.Mutex
	bus.RegisterHandlerFunction(event.CYCLE_COMPLETE, func(_ event.Event, _ event.Payload) {
		cyclesMutex.Lock()
		defer cyclesMutex.Unlock()
		cycles++
	})

	engine := newEngine(w, runner, bus)
	require.NoError(t, engine.Run(context.Background()))

	assert.Equal(t, record.FootageGeneratingEmbeddings.String(), w.footageStatus("AF0900"))
	cyclesMutex.Lock()
	defer cyclesMutex.Unlock()
	assert.GreaterOrEqual(t, cycles, 2, "the chain cap must force the tail of the pipeline in to a later cycle")
}

// Cancelling the context stops the loop with the context's error.
func Test_Engine_HonoursCancellation(t *testing.T) {
	t.Parallel()
	w := newWorld()
	w.addFootage("AF1000", record.FootageProcessingFrameInfo.String(), "")
	w.addFrame("AF1000_001", record.FramePendingThumbnail.String(), "")

	// The frame never becomes ready (parent sits at 5 forever with an
	// unready child), so only cancellation ends the run.
	runner := newFakeRunner(w)
	runner.failures["frame_thumbnail"] = 1 << 30

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*150)
	defer cancel()

	engine := newEngine(w, runner, event.New())
	err := engine.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
