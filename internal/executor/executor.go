// Package executor runs a single workflow step for one record: the
// pre-status patch, the external step process, and the success
// transition. It owns process lifecycle (timeouts, kill, output
// capture) and returns a typed result; deciding WHICH step to run and
// whether its gates pass is the polling engine's job.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loftmedia/autolog/internal/record"
	"github.com/loftmedia/autolog/internal/steps"
	"github.com/loftmedia/autolog/pkg/logger"
)

var log = logger.Get("Executor")

type (
	ErrKind int

	// Result is the outcome of one step execution. OK and ErrKind are
	// mutually exclusive views of the same fact; Duration covers the
	// child process only, not the surrounding status patches.
	Result struct {
		OK       bool
		ErrKind  ErrKind
		ErrText  string
		Duration time.Duration
	}

	recordPatcher interface {
		PatchFields(ctx context.Context, layout string, recordKey string, fields map[string]any) error
		Token() string
	}

	Config struct {
		FootageLayout string
		FrameLayout   string

		// ScriptDir is prepended to step script names that are not
		// already absolute paths.
		ScriptDir string
	}

	Executor struct {
		store  recordPatcher
		config Config
	}
)

const (
	ErrNone ErrKind = iota

	// ErrStepFailure: the step process exited non-zero within its
	// timeout. The record stays at its in-progress status and retries on
	// a later cycle.
	ErrStepFailure

	// ErrStepTimeout: the step overran its timeout and was killed.
	ErrStepTimeout

	// ErrStoreFailure: a status patch against the record store failed.
	ErrStoreFailure

	// ErrSystem: the process could not be started at all (missing
	// executable, fork failure). The record is left untouched.
	ErrSystem
)

// stderrCap bounds how much step stderr is carried in the result; the
// full stream is still drained so the child never blocks on the pipe.
const stderrCap = 4 * 1024

func (kind ErrKind) String() string {
	switch kind {
	case ErrNone:
		return "NONE"
	case ErrStepFailure:
		return "STEP_FAILURE"
	case ErrStepTimeout:
		return "STEP_TIMEOUT"
	case ErrStoreFailure:
		return "STORE_FAILURE"
	case ErrSystem:
		return "SYSTEM"
	default:
		return fmt.Sprintf("UNKNOWN[%d]", kind)
	}
}

func New(store recordPatcher, config Config) *Executor {
	return &Executor{store: store, config: config}
}

// RunFootageStep executes one footage step end to end: pre-status patch
// (when the entry declares one and the record is not already there),
// process invocation, and the success transition to next or final
// status. Pure transitions patch and return without spawning anything.
func (executor *Executor) RunFootageStep(ctx context.Context, footage *record.Footage, step steps.FootageStep) Result {
	if step.HasPre && footage.Status != step.PreStatus {
		if err := executor.patchFootageStatus(ctx, footage, step.PreStatus); err != nil {
			return storeFailure("pre-status patch", err)
		}
	}

	if step.IsTransition() {
		if footage.Status != step.NextStatus {
			if err := executor.patchFootageStatus(ctx, footage, step.NextStatus); err != nil {
				return storeFailure("transition patch", err)
			}
		}

		return Result{OK: true}
	}

	result := executor.invoke(ctx, step.Script, footage.ID, step.Timeout)
	if !result.OK {
		return result
	}

	target := step.NextStatus
	if step.HasFinal {
		target = step.FinalStatus
	}
	if footage.Status != target {
		if err := executor.patchFootageStatus(ctx, footage, target); err != nil {
			result = storeFailure("success-status patch", err)
		}
	}

	return result
}

// RunFrameStep executes one frame step. Frame entries have no pre or
// final statuses; the record moves to NextStatus only after the process
// succeeds.
func (executor *Executor) RunFrameStep(ctx context.Context, frame *record.Frame, step steps.FrameStep) Result {
	result := executor.invoke(ctx, step.Script, frame.ID, step.Timeout)
	if !result.OK {
		return result
	}

	if err := executor.patchFrameStatus(ctx, frame, step.NextStatus); err != nil {
		return storeFailure("success-status patch", err)
	}

	return result
}

// AdvanceFootage patches a footage record to the given status without
// invoking any process. Used for skip paths and re-entry transitions.
func (executor *Executor) AdvanceFootage(ctx context.Context, footage *record.Footage, status record.FootageStatus) error {
	return executor.patchFootageStatus(ctx, footage, status)
}

// AdvanceFrame is AdvanceFootage for frames; the polling engine uses it
// to pin a resumed frame at its terminal status.
func (executor *Executor) AdvanceFrame(ctx context.Context, frame *record.Frame, status record.FrameStatus) error {
	return executor.patchFrameStatus(ctx, frame, status)
}

// ChildRef identifies one frame for the park operation without
// requiring the full decoded record.
type ChildRef struct {
	ID        string
	RecordKey string
}

// ParkAwaitingUserInput moves a footage record and all of its child
// frames to Awaiting User Input. The footage patch must succeed; child
// patches are best-effort and the returned error aggregates any that
// failed without undoing the footage transition.
func (executor *Executor) ParkAwaitingUserInput(ctx context.Context, footage *record.Footage, children []ChildRef, reason string) error {
	log.Warnf("Parking footage %s and %d frame(s) at %s: %s\n",
		footage.ID, len(children), record.FootageAwaitingUserInput, reason)

	if err := executor.patchFootageStatus(ctx, footage, record.FootageAwaitingUserInput); err != nil {
		return fmt.Errorf("park footage %s: %w", footage.ID, err)
	}

	var failed []string
	for _, child := range children {
		err := executor.store.PatchFields(ctx, executor.config.FrameLayout, child.RecordKey, map[string]any{
			record.FieldStatus: record.FrameAwaitingUserInput.String(),
		})
		if err != nil {
			log.Errorf("Could not park frame %s (parent %s): %v\n", child.ID, footage.ID, err)
			failed = append(failed, child.ID)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("footage %s parked, but %d frame update(s) failed: %s",
			footage.ID, len(failed), strings.Join(failed, ", "))
	}

	return nil
}

// invoke spawns the step process and waits for it, enforcing the
// timeout by killing the child. Stdout is drained and discarded; stderr
// is captured (bounded) for failure reporting.
func (executor *Executor) invoke(ctx context.Context, script string, recordID string, timeout time.Duration) Result {
	path := script
	if !filepath.IsAbs(path) && executor.config.ScriptDir != "" {
		path = filepath.Join(executor.config.ScriptDir, path)
	}

	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stderr := &boundedBuffer{cap: stderrCap}
	cmd := exec.CommandContext(stepCtx, path, recordID, executor.store.Token())
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr

	// The step runs in its own process group so a timeout kills the whole
	// tree, not just the shell: a grandchild inheriting our pipes would
	// otherwise hold Run() in its I/O wait until IT exits, tying up a
	// worker for an unbounded time. WaitDelay backstops anything that
	// survives the group kill.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 3 * time.Second

	log.Debugf("Spawning step process %s for record %s (timeout %s)\n", path, recordID, timeout)
	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err == nil {
		log.Verbosef("Step %s for record %s succeeded in %s\n", path, recordID, duration)
		return Result{OK: true, Duration: duration}
	}

	if stepCtx.Err() == context.DeadlineExceeded {
		return Result{
			ErrKind:  ErrStepTimeout,
			ErrText:  fmt.Sprintf("step %s killed after exceeding its %s timeout", path, timeout),
			Duration: duration,
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{
			ErrKind:  ErrStepFailure,
			ErrText:  fmt.Sprintf("step %s exited with code %d: %s", path, exitErr.ExitCode(), stderr.String()),
			Duration: duration,
		}
	}

	// The process never ran (missing executable, permission, fork
	// failure); the record must not be altered on this path.
	return Result{
		ErrKind:  ErrSystem,
		ErrText:  fmt.Sprintf("could not start step %s: %v", path, err),
		Duration: duration,
	}
}

func (executor *Executor) patchFootageStatus(ctx context.Context, footage *record.Footage, status record.FootageStatus) error {
	err := executor.store.PatchFields(ctx, executor.config.FootageLayout, footage.RecordKey, map[string]any{
		record.FieldStatus: status.String(),
	})
	if err != nil {
		return err
	}

	footage.Status = status
	footage.RawStatus = status.String()
	return nil
}

func (executor *Executor) patchFrameStatus(ctx context.Context, frame *record.Frame, status record.FrameStatus) error {
	err := executor.store.PatchFields(ctx, executor.config.FrameLayout, frame.RecordKey, map[string]any{
		record.FieldStatus: status.String(),
	})
	if err != nil {
		return err
	}

	frame.Status = status
	frame.RawStatus = status.String()
	return nil
}

func storeFailure(action string, err error) Result {
	return Result{ErrKind: ErrStoreFailure, ErrText: fmt.Sprintf("%s failed: %v", action, err)}
}

// boundedBuffer keeps the first cap bytes and silently discards the
// rest, so a chatty step cannot balloon memory while we still drain its
// stderr pipe.
type boundedBuffer struct {
	buf bytes.Buffer
	cap int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if remaining := b.cap - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}

	return len(p), nil
}

func (b *boundedBuffer) String() string { return strings.TrimSpace(b.buf.String()) }
