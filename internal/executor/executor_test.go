package executor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loftmedia/autolog/internal/executor"
	"github.com/loftmedia/autolog/internal/record"
	"github.com/loftmedia/autolog/internal/steps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type patch struct {
	layout    string
	recordKey string
	fields    map[string]any
}

type fakePatcher struct {
	mutex   sync.Mutex
	patches []patch
	failFor map[string]error
}

func (patcher *fakePatcher) PatchFields(_ context.Context, layout string, recordKey string, fields map[string]any) error {
	patcher.mutex.Lock()
	defer patcher.mutex.Unlock()

	if err, ok := patcher.failFor[recordKey]; ok {
		return err
	}

	patcher.patches = append(patcher.patches, patch{layout: layout, recordKey: recordKey, fields: fields})
	return nil
}

func (patcher *fakePatcher) Token() string { return "tok-abc123" }

func (patcher *fakePatcher) statuses(recordKey string) []string {
	patcher.mutex.Lock()
	defer patcher.mutex.Unlock()

	out := []string{}
	for _, p := range patcher.patches {
		if p.recordKey == recordKey {
			if status, ok := p.fields[record.FieldStatus].(string); ok {
				out = append(out, status)
			}
		}
	}

	return out
}

func writeScript(t *testing.T, dir string, name string, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body), 0o755))
}

func newExecutor(t *testing.T, patcher *fakePatcher) (*executor.Executor, string) {
	t.Helper()
	dir := t.TempDir()
	return executor.New(patcher, executor.Config{
		FootageLayout: "footage",
		FrameLayout:   "frames",
		ScriptDir:     dir,
	}), dir
}

func Test_RunFootageStep_SuccessPatchesNextStatus(t *testing.T) {
	t.Parallel()
	patcher := &fakePatcher{}
	ex, dir := newExecutor(t, patcher)
	writeScript(t, dir, "probe", `[ "$1" = "AF0001" ] && [ "$2" = "tok-abc123" ] && exit 0; exit 1`)

	footage := &record.Footage{ID: "AF0001", RecordKey: "rec-1", Status: record.FootagePendingFileInfo}
	result := ex.RunFootageStep(context.Background(), footage, steps.FootageStep{
		Script:     "probe",
		NextStatus: record.FootageFileInfoComplete,
		Timeout:    time.Second * 10,
	})

	assert.True(t, result.OK, result.ErrText)
	assert.Equal(t, executor.ErrNone, result.ErrKind)
	assert.Positive(t, result.Duration)
	assert.Equal(t, []string{"1 - File Info Complete"}, patcher.statuses("rec-1"))
	assert.Equal(t, record.FootageFileInfoComplete, footage.Status, "in-memory record must track the patch")
}

func Test_RunFootageStep_PrePatchesInProgressMarker(t *testing.T) {
	t.Parallel()
	patcher := &fakePatcher{}
	ex, dir := newExecutor(t, patcher)
	writeScript(t, dir, "sample", "exit 0")

	footage := &record.Footage{ID: "AF0002", RecordKey: "rec-2", Status: record.FootageThumbnailsComplete}
	result := ex.RunFootageStep(context.Background(), footage, steps.FootageStep{
		Script:     "sample",
		PreStatus:  record.FootageCreatingFrames,
		HasPre:     true,
		NextStatus: record.FootageCreatingFrames,
		Timeout:    time.Second * 10,
	})

	require.True(t, result.OK, result.ErrText)

	// One patch in to the in-progress marker before the run; success
	// leaves the record there rather than re-patching the same value.
	assert.Equal(t, []string{"3 - Creating Frames"}, patcher.statuses("rec-2"))
}

func Test_RunFootageStep_FinalStatusWinsOnSuccess(t *testing.T) {
	t.Parallel()
	patcher := &fakePatcher{}
	ex, dir := newExecutor(t, patcher)
	writeScript(t, dir, "describe", "exit 0")

	footage := &record.Footage{ID: "AF0003", RecordKey: "rec-3", Status: record.FootageProcessingFrameInfo}
	result := ex.RunFootageStep(context.Background(), footage, steps.FootageStep{
		Script:      "describe",
		PreStatus:   record.FootageGeneratingDescription,
		HasPre:      true,
		NextStatus:  record.FootageGeneratingDescription,
		FinalStatus: record.FootageGeneratingEmbeddings,
		HasFinal:    true,
		Timeout:     time.Second * 10,
	})

	require.True(t, result.OK, result.ErrText)
	assert.Equal(t, []string{"6 - Generating Description", "7 - Generating Embeddings"}, patcher.statuses("rec-3"))
}

func Test_RunFootageStep_TransitionSpawnsNothing(t *testing.T) {
	t.Parallel()
	patcher := &fakePatcher{}
	// No scripts exist in the directory; a spawn attempt would fail.
	ex, _ := newExecutor(t, patcher)

	footage := &record.Footage{ID: "AF0004", RecordKey: "rec-4", Status: record.FootageCreatingFrames}
	result := ex.RunFootageStep(context.Background(), footage, steps.FootageStep{
		NextStatus: record.FootageScrapingURL,
	})

	assert.True(t, result.OK, result.ErrText)
	assert.Zero(t, result.Duration)
	assert.Equal(t, []string{"4 - Scraping URL"}, patcher.statuses("rec-4"))
}

func Test_RunFootageStep_FailureLeavesInProgressStatus(t *testing.T) {
	t.Parallel()
	patcher := &fakePatcher{}
	ex, dir := newExecutor(t, patcher)
	writeScript(t, dir, "sample", `echo "sampler could not open source file" >&2; exit 3`)

	footage := &record.Footage{ID: "AF0005", RecordKey: "rec-5", Status: record.FootageThumbnailsComplete}
	result := ex.RunFootageStep(context.Background(), footage, steps.FootageStep{
		Script:     "sample",
		PreStatus:  record.FootageCreatingFrames,
		HasPre:     true,
		NextStatus: record.FootageCreatingFrames,
		Timeout:    time.Second * 10,
	})

	assert.False(t, result.OK)
	assert.Equal(t, executor.ErrStepFailure, result.ErrKind)
	assert.Contains(t, result.ErrText, "code 3")
	assert.Contains(t, result.ErrText, "could not open source file", "stderr must surface in the result")

	// Only the pre-status patch happened; no success patch, no rollback.
	assert.Equal(t, []string{"3 - Creating Frames"}, patcher.statuses("rec-5"))
}

func Test_RunFootageStep_TimeoutKillsChild(t *testing.T) {
	t.Parallel()
	patcher := &fakePatcher{}
	ex, dir := newExecutor(t, patcher)
	writeScript(t, dir, "slow", "sleep 30")

	footage := &record.Footage{ID: "AF0006", RecordKey: "rec-6", Status: record.FootagePendingFileInfo}
	start := time.Now()
	result := ex.RunFootageStep(context.Background(), footage, steps.FootageStep{
		Script:     "slow",
		NextStatus: record.FootageFileInfoComplete,
		Timeout:    time.Millisecond * 200,
	})

	assert.False(t, result.OK)
	assert.Equal(t, executor.ErrStepTimeout, result.ErrKind)
	assert.Less(t, time.Since(start), time.Second*5, "the child must be killed, not waited out")
	assert.Empty(t, patcher.statuses("rec-6"))
}

func Test_RunFootageStep_TimeoutKillsWholeProcessTree(t *testing.T) {
	t.Parallel()
	patcher := &fakePatcher{}
	ex, dir := newExecutor(t, patcher)

	// The backgrounded grandchild inherits our stdout/stderr pipes; if
	// only the shell were killed, the run would block until the grandchild
	// exits on its own.
	writeScript(t, dir, "forker", "sleep 30 &\nsleep 30")

	footage := &record.Footage{ID: "AF0016", RecordKey: "rec-16", Status: record.FootagePendingFileInfo}
	start := time.Now()
	result := ex.RunFootageStep(context.Background(), footage, steps.FootageStep{
		Script:     "forker",
		NextStatus: record.FootageFileInfoComplete,
		Timeout:    time.Millisecond * 200,
	})

	assert.False(t, result.OK)
	assert.Equal(t, executor.ErrStepTimeout, result.ErrKind)
	assert.Less(t, time.Since(start), time.Second*5, "grandchildren must die with the step, not hold the worker")
	assert.Empty(t, patcher.statuses("rec-16"))
}

func Test_RunFootageStep_MissingExecutableIsSystemError(t *testing.T) {
	t.Parallel()
	patcher := &fakePatcher{}
	ex, _ := newExecutor(t, patcher)

	footage := &record.Footage{ID: "AF0007", RecordKey: "rec-7", Status: record.FootagePendingFileInfo}
	result := ex.RunFootageStep(context.Background(), footage, steps.FootageStep{
		Script:     "does_not_exist",
		NextStatus: record.FootageFileInfoComplete,
		Timeout:    time.Second,
	})

	assert.False(t, result.OK)
	assert.Equal(t, executor.ErrSystem, result.ErrKind)
	assert.Empty(t, patcher.statuses("rec-7"), "the record must not be altered when the process never ran")
}

func Test_RunFrameStep_PatchesOnlyAfterSuccess(t *testing.T) {
	t.Parallel()
	patcher := &fakePatcher{}
	ex, dir := newExecutor(t, patcher)
	writeScript(t, dir, "thumb", "exit 0")
	writeScript(t, dir, "caption_fail", "exit 1")

	frame := &record.Frame{ID: "AF0001_001", ParentID: "AF0001", RecordKey: "rec-f1", Status: record.FramePendingThumbnail}
	result := ex.RunFrameStep(context.Background(), frame, steps.FrameStep{
		Script: "thumb", NextStatus: record.FrameThumbnailComplete, Timeout: time.Second * 10,
	})
	require.True(t, result.OK, result.ErrText)
	assert.Equal(t, []string{"2 - Thumbnail Complete"}, patcher.statuses("rec-f1"))
	assert.Equal(t, record.FrameThumbnailComplete, frame.Status)

	result = ex.RunFrameStep(context.Background(), frame, steps.FrameStep{
		Script: "caption_fail", NextStatus: record.FrameCaptionGenerated, Timeout: time.Second * 10,
	})
	assert.False(t, result.OK)
	assert.Equal(t, []string{"2 - Thumbnail Complete"}, patcher.statuses("rec-f1"), "failed frame steps never patch")
}

func Test_ParkAwaitingUserInput_BestEffortChildren(t *testing.T) {
	t.Parallel()
	patcher := &fakePatcher{failFor: map[string]error{"rec-f2": errors.New("store rejected the patch")}}
	ex, _ := newExecutor(t, patcher)

	footage := &record.Footage{ID: "LF0007", RecordKey: "rec-lf", Status: record.FootageCreatingFrames}
	err := ex.ParkAwaitingUserInput(context.Background(), footage, []executor.ChildRef{
		{ID: "LF0007_001", RecordKey: "rec-f1"},
		{ID: "LF0007_002", RecordKey: "rec-f2"},
		{ID: "LF0007_003", RecordKey: "rec-f3"},
	}, "library footage requires manual logging")

	// Footage and the two reachable children were parked; the failure is
	// reported without aborting the rest.
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LF0007_002")
	assert.Equal(t, []string{"Awaiting User Input"}, patcher.statuses("rec-lf"))
	assert.Equal(t, []string{"Awaiting User Input"}, patcher.statuses("rec-f1"))
	assert.Equal(t, []string{"Awaiting User Input"}, patcher.statuses("rec-f3"))
	assert.Equal(t, record.FootageAwaitingUserInput, footage.Status)
}

func Test_ParkAwaitingUserInput_FootagePatchFailureAborts(t *testing.T) {
	t.Parallel()
	patcher := &fakePatcher{failFor: map[string]error{"rec-lf": errors.New("offline")}}
	ex, _ := newExecutor(t, patcher)

	footage := &record.Footage{ID: "LF0008", RecordKey: "rec-lf", Status: record.FootageCreatingFrames}
	err := ex.ParkAwaitingUserInput(context.Background(), footage, []executor.ChildRef{
		{ID: "LF0008_001", RecordKey: "rec-f1"},
	}, "library footage requires manual logging")

	require.Error(t, err)
	assert.Empty(t, patcher.statuses("rec-f1"), "children stay untouched when the footage patch fails")
}
