package poller

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/loftmedia/autolog/internal/event"
	"github.com/loftmedia/autolog/internal/executor"
	"github.com/loftmedia/autolog/internal/record"
	"github.com/loftmedia/autolog/internal/statuscache"
	"github.com/loftmedia/autolog/internal/steps"
)

type (
	taskKind int

	// task is one discovered record's unit of work for a cycle. A task
	// chains as many step executions as its cap and gates allow before
	// releasing its worker.
	task struct {
		kind    taskKind
		footage *record.Footage
		frame   *record.Frame
		cycleID uuid.UUID
		wg      interface{ Done() }
	}
)

const (
	footageTask taskKind = iota
	frameTask
)

func (t *task) id() string {
	if t.kind == footageTask {
		return t.footage.ID
	}

	return t.frame.ID
}

func (poller *Poller) runTask(ctx context.Context, t *task) {
	if t.kind == footageTask {
		poller.counters.add(func(c *counterSnapshot) { c.footageTasks++ })
		poller.runFootageTask(ctx, t)
		return
	}

	poller.counters.add(func(c *counterSnapshot) { c.frameTasks++ })
	poller.runFrameTask(ctx, t)
}

func (poller *Poller) runFootageTask(ctx context.Context, t *task) {
	footage := t.footage

	for hop := 0; hop < steps.FootageChainCap; hop++ {
		if footage.Status == record.FootageAwaitingUserInput {
			// Only an operator moves a record out of this state.
			return
		}

		if footage.Status == record.FootageScrapingURL {
			if !poller.scrapeHop(ctx, t) {
				return
			}
			continue
		}

		step, ok := poller.registry.FootageStepFor(footage.Status)
		if !ok {
			return
		}

		if !poller.footageGatesPass(ctx, t, step) {
			return
		}

		from := footage.RawStatus
		result := poller.runner.RunFootageStep(ctx, footage, step)
		poller.noteResult(t, "footage", footage.ID, step.Name, from, footage.RawStatus, result)
		if !result.OK {
			return
		}

		if step.HasFinal {
			// A final status is a hand-off out of this controller; never
			// chain past it, and never touch the child frames.
			return
		}
	}
}

// footageGatesPass evaluates the step's predicates. A false return
// means the task is done for this cycle; parking has already happened
// if a gate demanded it.
func (poller *Poller) footageGatesPass(ctx context.Context, t *task, step steps.FootageStep) bool {
	footage := t.footage

	if step.HasPredicate(steps.URLGated) && footage.IsLibrary() {
		poller.park(ctx, t, "library footage is logged manually")
		return false
	}

	if step.HasPredicate(steps.FrameDependencyOnly) {
		if _, total := poller.cache.ChildrenReadiness(footage.ID); total == 0 {
			poller.deferTask(fmt.Sprintf("%s|no-frames", footage.ID),
				"Footage %s at %s has no known child frames yet; deferring\n", footage.ID, footage.Status)
			return false
		}
	}

	if step.HasPredicate(steps.RequiresFrameCompletion) {
		ready, total := poller.cache.ChildrenReadiness(footage.ID)
		if total == 0 {
			poller.deferTask(fmt.Sprintf("%s|no-frames", footage.ID),
				"Footage %s at %s has no cached child frames; deferring\n", footage.ID, footage.Status)
			return false
		}
		if ready < total {
			poller.deferTask(fmt.Sprintf("%s|frames-pending|%d/%d", footage.ID, ready, total),
				"Footage %s waiting on frames (%d/%d ready); deferring\n", footage.ID, ready, total)
			return false
		}
	}

	return true
}

// scrapeHop handles the URL scraping status: the library gate, the
// no-URL skip path, and the scrape itself followed by a mandatory
// re-read and the metadata quality gate. Returns true when the task
// should keep chaining.
func (poller *Poller) scrapeHop(ctx context.Context, t *task) bool {
	footage := t.footage
	step, ok := poller.registry.FootageStepFor(record.FootageScrapingURL)
	if !ok {
		return false
	}

	if footage.IsLibrary() {
		poller.park(ctx, t, "library footage is logged manually")
		return false
	}

	if !footage.HasURL() {
		// Skip path: a pure status patch, no process invocation.
		from := footage.RawStatus
		if err := poller.runner.AdvanceFootage(ctx, footage, step.NextStatus); err != nil {
			log.Errorf("Could not advance URL-less footage %s: %v\n", footage.ID, err)
			poller.counters.add(func(c *counterSnapshot) { c.failures++ })
			return false
		}

		log.Infof("Footage %s has no URL; %s -> %s without scraping\n", footage.ID, from, footage.RawStatus)
		return true
	}

	// Run the scraper pinned to the current status; advancement is
	// decided by the quality gate below, not by the step result.
	pinned := step
	pinned.NextStatus = record.FootageScrapingURL
	pinned.HasFinal = false

	from := footage.RawStatus
	result := poller.runner.RunFootageStep(ctx, footage, pinned)
	poller.noteResult(t, "footage", footage.ID, step.Name, from, footage.RawStatus, result)
	if !result.OK {
		return false
	}

	// Re-read the record once to capture the scraped content the step
	// wrote; the in-memory copy predates the scrape.
	fresh, err := poller.store.GetOne(ctx, poller.config.FootageLayout, footage.RecordKey)
	if err != nil {
		log.Errorf("Could not re-read footage %s after scrape: %v\n", footage.ID, err)
		return false
	}
	decoded, err := record.DecodeFootage(fresh.RecordKey, fresh.FieldData)
	if err != nil {
		log.Errorf("Re-read of footage %s is undecodable: %v\n", footage.ID, err)
		return false
	}
	*footage = *decoded

	if ok, reason := poller.quality.Evaluate(footage.Extras); !ok {
		poller.park(ctx, t, "scraped metadata rejected: "+reason)
		return false
	}

	if err := poller.runner.AdvanceFootage(ctx, footage, step.NextStatus); err != nil {
		log.Errorf("Could not advance footage %s after scrape: %v\n", footage.ID, err)
		poller.counters.add(func(c *counterSnapshot) { c.failures++ })
		return false
	}

	return true
}

func (poller *Poller) runFrameTask(ctx context.Context, t *task) {
	frame := t.frame
	original := frame.Status

	for hop := 0; hop < steps.FrameChainCap; hop++ {
		if frame.Status == record.FrameAwaitingUserInput {
			return
		}

		// Force Resume is an explicit operator instruction; parent gating
		// is skipped for the whole resumed chain.
		if original != record.FrameForceResume {
			readiness, reason := poller.cache.IsParentReadyForFrames(frame.ParentID)
			switch readiness {
			case statuscache.ParentMiss:
				// The reconciliation pass backfills the parent; this task
				// succeeds next cycle.
				poller.deferTask(fmt.Sprintf("%s|%s|miss", frame.ID, frame.ParentID),
					"Frame %s deferred: parent %s not cached\n", frame.ID, frame.ParentID)
				return
			case statuscache.ParentTerminalSuccess:
				log.Debugf("Frame %s done: %s\n", frame.ID, reason)
				return
			case statuscache.ParentParked:
				// A park that failed partway left this frame behind; finish
				// the job rather than deferring it forever.
				poller.parkStragglerFrame(ctx, t, reason)
				return
			case statuscache.ParentNotReady:
				poller.deferTask(fmt.Sprintf("%s|%s|%s", frame.ID, frame.ParentID, frame.RawStatus),
					"Frame %s at %s waiting: %s\n", frame.ID, frame.RawStatus, reason)
				return
			}
		}

		if frame.Status == record.FrameAudioTranscribed || frame.Status.IsTerminal() {
			break
		}

		step, ok := poller.registry.FrameStepFor(frame.Status)
		if !ok {
			break
		}

		from := frame.RawStatus
		result := poller.runner.RunFrameStep(ctx, frame, step)
		poller.noteResult(t, "frame", frame.ID, step.Name, from, frame.RawStatus, result)
		if !result.OK {
			return
		}
	}

	// A resumed chain that reached the terminal status gets an explicit
	// repatch so the record cannot be re-picked as Force Resume on the
	// next cycle.
	if original == record.FrameForceResume && frame.Status == record.FrameAudioTranscribed {
		if err := poller.runner.AdvanceFrame(ctx, frame, record.FrameAudioTranscribed); err != nil {
			log.Errorf("Could not pin resumed frame %s at its terminal status: %v\n", frame.ID, err)
		}
	}
}

// park moves a footage record and every cached child frame to Awaiting
// User Input and reports the action.
func (poller *Poller) park(ctx context.Context, t *task, reason string) {
	footage := t.footage
	children := poller.cache.ChildRecordKeys(footage.ID)

	refs := make([]executor.ChildRef, 0, len(children))
	for id, recordKey := range children {
		refs = append(refs, executor.ChildRef{ID: id, RecordKey: recordKey})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })

	if err := poller.runner.ParkAwaitingUserInput(ctx, footage, refs, reason); err != nil {
		log.Errorf("Parking footage %s was incomplete: %v\n", footage.ID, err)
	}

	poller.counters.add(func(c *counterSnapshot) { c.parked++ })
	poller.events.Dispatch(event.TASK_PARKED, event.ParkNotice{
		CycleID:      t.cycleID,
		FootageID:    footage.ID,
		Reason:       reason,
		FramesParked: len(refs),
	})
}

// parkStragglerFrame moves a single frame to Awaiting User Input to
// match its already-parked parent.
func (poller *Poller) parkStragglerFrame(ctx context.Context, t *task, reason string) {
	frame := t.frame
	if err := poller.runner.AdvanceFrame(ctx, frame, record.FrameAwaitingUserInput); err != nil {
		log.Errorf("Could not park frame %s behind its parent %s: %v\n", frame.ID, frame.ParentID, err)
		poller.counters.add(func(c *counterSnapshot) { c.failures++ })
		return
	}

	log.Infof("Frame %s parked: %s\n", frame.ID, reason)
	poller.counters.add(func(c *counterSnapshot) { c.parked++ })
	poller.events.Dispatch(event.TASK_PARKED, event.ParkNotice{
		CycleID:      t.cycleID,
		FootageID:    frame.ParentID,
		Reason:       reason,
		FramesParked: 1,
	})
}

func (poller *Poller) deferTask(key string, format string, args ...any) {
	poller.counters.add(func(c *counterSnapshot) { c.deferred++ })
	poller.logOnce(key, format, args...)
}

// noteResult updates the cycle counters, emits the task update event,
// and writes the per-record progress line (on status change or failure
// only).
func (poller *Poller) noteResult(t *task, kind string, recordID string, stepName string, from string, to string, result executor.Result) {
	poller.counters.add(func(c *counterSnapshot) {
		c.stepsExecuted++
		if result.OK {
			c.successes++
		} else {
			c.failures++
		}
	})

	if result.OK && from != to {
		log.Infof("%s %s: %s -> %s (%s in %s)\n", kind, recordID, from, to, stepName, result.Duration.Round(time.Millisecond))
	} else if !result.OK {
		log.Warnf("%s %s: step %s failed [%s]: %s\n", kind, recordID, stepName, result.ErrKind, result.ErrText)
	}

	poller.events.Dispatch(event.TASK_UPDATE, event.TaskUpdate{
		CycleID:    t.cycleID,
		Kind:       kind,
		RecordID:   recordID,
		Step:       stepName,
		FromStatus: from,
		ToStatus:   to,
		OK:         result.OK,
		ErrKind:    result.ErrKind.String(),
		ErrText:    result.ErrText,
		Duration:   result.Duration,
	})
}
