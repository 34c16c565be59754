// Package steps is the declarative description of the footage and frame
// step graphs: for each workflow status, which external script advances
// the record, what the record transitions to, and which gating
// predicates apply before the script may run. The graphs are static;
// deployments override script names and timeouts through configuration.
package steps

import (
	"time"

	"github.com/loftmedia/autolog/internal/record"
)

type (
	Predicate int

	// FootageStep describes the work registered for one footage status.
	// An empty Script marks a pure status transition (no process is
	// spawned). PreStatus, when set, is patched before invocation as the
	// in-progress marker; a failed step therefore re-enters at PreStatus
	// on a later cycle and retries from there.
	FootageStep struct {
		Name        string
		Script      string
		PreStatus   record.FootageStatus
		HasPre      bool
		NextStatus  record.FootageStatus
		FinalStatus record.FootageStatus
		HasFinal    bool
		Timeout     time.Duration
		Predicates  []Predicate
	}

	FrameStep struct {
		Name       string
		Script     string
		NextStatus record.FrameStatus
		Timeout    time.Duration
	}

	// Override adjusts a single step entry by name; zero values leave
	// the default in place.
	Override struct {
		Script         string `yaml:"script"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	}

	Registry struct {
		footage map[record.FootageStatus]FootageStep
		frames  map[record.FrameStatus]FrameStep
	}
)

const (
	// URLGated: footage without a URL skips the scraping step entirely
	// and advances straight to the next status; library (LF) footage is
	// instead parked at Awaiting User Input along with all its frames.
	URLGated Predicate = iota

	// RequiresFrameCompletion: every child frame must satisfy the
	// readiness contract before the step may run.
	RequiresFrameCompletion

	// FrameDependencyOnly: child frames must exist; zero children means
	// the task skips this cycle and re-checks on the next.
	FrameDependencyOnly
)

const (
	// FootageChainCap bounds consecutive step executions for one footage
	// task within a cycle, preventing a single record monopolising a
	// worker.
	FootageChainCap = 5

	// FrameChainCap is the same bound for frame tasks.
	FrameChainCap = 4

	defaultStepTimeout   = time.Second * 300
	frameProcessTimeout  = time.Second * 1800
)

// NewRegistry builds the default step graphs.
//
// Footage follows the numbered happy path: probe -> thumbnails -> frame
// sampling -> URL scraping -> frame-info processing -> description.
// Frame sampling pre-patches to '3 - Creating Frames' so a crashed
// sampler re-enters there; the 3->4 hop is a pure transition gated on
// the sampled frames existing. Description generation pre-patches to
// '6 - Generating Description' and lands on '7 - Generating Embeddings'
// as its final status, so the entry registered at 6 is the retry path
// for an interrupted description run.
func NewRegistry() *Registry {
	footage := map[record.FootageStatus]FootageStep{
		record.FootagePendingFileInfo: {
			Name:       "probe_file_info",
			Script:     "probe_file_info",
			NextStatus: record.FootageFileInfoComplete,
			Timeout:    defaultStepTimeout,
		},
		record.FootageFileInfoComplete: {
			Name:       "generate_thumbnails",
			Script:     "generate_thumbnails",
			NextStatus: record.FootageThumbnailsComplete,
			Timeout:    defaultStepTimeout,
		},
		record.FootageThumbnailsComplete: {
			Name:       "sample_frames",
			Script:     "sample_frames",
			PreStatus:  record.FootageCreatingFrames,
			HasPre:     true,
			NextStatus: record.FootageCreatingFrames,
			Timeout:    defaultStepTimeout,
		},
		record.FootageCreatingFrames: {
			Name:       "enter_url_scrape",
			NextStatus: record.FootageScrapingURL,
			Predicates: []Predicate{FrameDependencyOnly, URLGated},
		},
		record.FootageScrapingURL: {
			Name:       "scrape_url",
			Script:     "scrape_url",
			NextStatus: record.FootageProcessingFrameInfo,
			Timeout:    defaultStepTimeout,
			Predicates: []Predicate{URLGated},
		},
		record.FootageProcessingFrameInfo: {
			Name:        "generate_description",
			Script:      "generate_description",
			PreStatus:   record.FootageGeneratingDescription,
			HasPre:      true,
			NextStatus:  record.FootageGeneratingDescription,
			FinalStatus: record.FootageGeneratingEmbeddings,
			HasFinal:    true,
			Timeout:     defaultStepTimeout,
			Predicates:  []Predicate{RequiresFrameCompletion},
		},
		record.FootageGeneratingDescription: {
			Name:        "generate_description",
			Script:      "generate_description",
			NextStatus:  record.FootageGeneratingDescription,
			FinalStatus: record.FootageGeneratingEmbeddings,
			HasFinal:    true,
			Timeout:     defaultStepTimeout,
			Predicates:  []Predicate{RequiresFrameCompletion},
		},
		record.FootageForceResume: {
			Name:       "force_resume",
			NextStatus: record.FootageProcessingFrameInfo,
		},
	}

	frames := map[record.FrameStatus]FrameStep{
		record.FramePendingThumbnail: {
			Name:       "frame_thumbnail",
			Script:     "frame_thumbnail",
			NextStatus: record.FrameThumbnailComplete,
			Timeout:    defaultStepTimeout,
		},
		record.FrameThumbnailComplete: {
			Name:       "generate_caption",
			Script:     "generate_caption",
			NextStatus: record.FrameCaptionGenerated,
			Timeout:    frameProcessTimeout,
		},
		record.FrameCaptionGenerated: {
			Name:       "transcribe_audio",
			Script:     "transcribe_audio",
			NextStatus: record.FrameAudioTranscribed,
			Timeout:    frameProcessTimeout,
		},
		record.FrameForceResume: {
			Name:       "generate_caption",
			Script:     "generate_caption",
			NextStatus: record.FrameCaptionGenerated,
			Timeout:    frameProcessTimeout,
		},
	}

	return &Registry{footage: footage, frames: frames}
}

// ApplyOverrides adjusts script names and timeouts by step name. An
// override naming an unknown step is ignored; configuration validation
// happens upstream.
func (registry *Registry) ApplyOverrides(overrides map[string]Override) {
	for status, step := range registry.footage {
		if override, ok := overrides[step.Name]; ok {
			if override.Script != "" {
				step.Script = override.Script
			}
			if override.TimeoutSeconds > 0 {
				step.Timeout = time.Duration(override.TimeoutSeconds) * time.Second
			}
			registry.footage[status] = step
		}
	}

	for status, step := range registry.frames {
		if override, ok := overrides[step.Name]; ok {
			if override.Script != "" {
				step.Script = override.Script
			}
			if override.TimeoutSeconds > 0 {
				step.Timeout = time.Duration(override.TimeoutSeconds) * time.Second
			}
			registry.frames[status] = step
		}
	}
}

// FootageStepFor returns the step registered for the given footage
// status, if any. Terminal statuses have no entry.
func (registry *Registry) FootageStepFor(status record.FootageStatus) (FootageStep, bool) {
	step, ok := registry.footage[status]
	return step, ok
}

func (registry *Registry) FrameStepFor(status record.FrameStatus) (FrameStep, bool) {
	step, ok := registry.frames[status]
	return step, ok
}

// HasPredicate reports whether the step declares the given predicate.
func (step FootageStep) HasPredicate(predicate Predicate) bool {
	for _, p := range step.Predicates {
		if p == predicate {
			return true
		}
	}

	return false
}

// IsTransition reports whether this entry is a pure status transition
// with no external process behind it.
func (step FootageStep) IsTransition() bool { return step.Script == "" }
