package steps_test

import (
	"testing"
	"time"

	"github.com/loftmedia/autolog/internal/record"
	"github.com/loftmedia/autolog/internal/steps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_FootageGraph_HappyPathIsConnected(t *testing.T) {
	t.Parallel()
	registry := steps.NewRegistry()

	// Walking the graph from the initial status must visit every
	// processing status and terminate at the embeddings handoff.
	status := record.FootagePendingFileInfo
	visited := []record.FootageStatus{}
	for range [16]int{} {
		step, ok := registry.FootageStepFor(status)
		if !ok {
			break
		}

		visited = append(visited, status)
		next := step.NextStatus
		if step.HasFinal {
			next = step.FinalStatus
		}
		if next == status {
			break
		}
		status = next
	}

	assert.Equal(t, []record.FootageStatus{
		record.FootagePendingFileInfo,
		record.FootageFileInfoComplete,
		record.FootageThumbnailsComplete,
		record.FootageCreatingFrames,
		record.FootageScrapingURL,
		record.FootageProcessingFrameInfo,
	}, visited)
	assert.Equal(t, record.FootageGeneratingEmbeddings, status, "graph must hand off at the embeddings status")

	_, ok := registry.FootageStepFor(record.FootageGeneratingEmbeddings)
	assert.False(t, ok, "embeddings onwards belongs to a downstream system")
	_, ok = registry.FootageStepFor(record.FootageAwaitingUserInput)
	assert.False(t, ok, "awaiting user input must never be auto-advanced")
}

func Test_FootageGraph_PredicatePlacement(t *testing.T) {
	t.Parallel()
	registry := steps.NewRegistry()

	entry, ok := registry.FootageStepFor(record.FootageCreatingFrames)
	require.True(t, ok)
	assert.True(t, entry.IsTransition(), "the hop out of frame creation spawns no process")
	assert.True(t, entry.HasPredicate(steps.FrameDependencyOnly))
	assert.True(t, entry.HasPredicate(steps.URLGated))

	scrape, ok := registry.FootageStepFor(record.FootageScrapingURL)
	require.True(t, ok)
	assert.True(t, scrape.HasPredicate(steps.URLGated))
	assert.False(t, scrape.HasPredicate(steps.RequiresFrameCompletion))

	describe, ok := registry.FootageStepFor(record.FootageProcessingFrameInfo)
	require.True(t, ok)
	assert.True(t, describe.HasPredicate(steps.RequiresFrameCompletion))
	require.True(t, describe.HasFinal)
	assert.Equal(t, record.FootageGeneratingEmbeddings, describe.FinalStatus)
}

func Test_FootageGraph_InterruptedDescriptionRetries(t *testing.T) {
	t.Parallel()
	registry := steps.NewRegistry()

	fresh, ok := registry.FootageStepFor(record.FootageProcessingFrameInfo)
	require.True(t, ok)
	retry, ok := registry.FootageStepFor(record.FootageGeneratingDescription)
	require.True(t, ok)

	assert.Equal(t, fresh.Script, retry.Script, "a run interrupted mid-description must rerun the same script")
	assert.False(t, retry.HasPre, "the retry entry is already at its in-progress status")
	assert.Equal(t, fresh.FinalStatus, retry.FinalStatus)
}

func Test_FootageGraph_ForceResumeReentersFrameProcessing(t *testing.T) {
	t.Parallel()
	registry := steps.NewRegistry()

	entry, ok := registry.FootageStepFor(record.FootageForceResume)
	require.True(t, ok)
	assert.True(t, entry.IsTransition())
	assert.Equal(t, record.FootageProcessingFrameInfo, entry.NextStatus)
}

func Test_FrameGraph_ChainsToAudioAndStops(t *testing.T) {
	t.Parallel()
	registry := steps.NewRegistry()

	status := record.FramePendingThumbnail
	scripts := []string{}
	for range [8]int{} {
		step, ok := registry.FrameStepFor(status)
		if !ok {
			break
		}
		scripts = append(scripts, step.Script)
		status = step.NextStatus
	}

	assert.Equal(t, []string{"frame_thumbnail", "generate_caption", "transcribe_audio"}, scripts)
	assert.Equal(t, record.FrameAudioTranscribed, status)

	resume, ok := registry.FrameStepFor(record.FrameForceResume)
	require.True(t, ok)
	assert.Equal(t, "generate_caption", resume.Script)
	assert.Equal(t, record.FrameCaptionGenerated, resume.NextStatus)
}

func Test_ApplyOverrides_AdjustsScriptAndTimeout(t *testing.T) {
	t.Parallel()
	registry := steps.NewRegistry()
	registry.ApplyOverrides(map[string]steps.Override{
		"generate_caption": {Script: "/opt/autolog/bin/caption_v2.sh", TimeoutSeconds: 900},
		"probe_file_info":  {TimeoutSeconds: 60},
		"no_such_step":     {Script: "ignored"},
	})

	caption, ok := registry.FrameStepFor(record.FrameThumbnailComplete)
	require.True(t, ok)
	assert.Equal(t, "/opt/autolog/bin/caption_v2.sh", caption.Script)
	assert.Equal(t, time.Second*900, caption.Timeout)

	// Force Resume shares the caption step name, so the override reaches
	// it too.
	resume, _ := registry.FrameStepFor(record.FrameForceResume)
	assert.Equal(t, "/opt/autolog/bin/caption_v2.sh", resume.Script)

	probe, _ := registry.FootageStepFor(record.FootagePendingFileInfo)
	assert.Equal(t, "probe_file_info", probe.Script, "script untouched when override leaves it empty")
	assert.Equal(t, time.Second*60, probe.Timeout)
}
