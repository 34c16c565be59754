// Package record models the two entity families held in the record
// store - footage (video clips) and frames (sampled stills) - along with
// the workflow status enumerations both carry. The wire strings are the
// public contract shared with the store and the step scripts; they are
// the single source of truth and the sum types here are projections of
// them.
package record

import (
	"fmt"
	"strings"
)

type (
	FootageStatus int
	FrameStatus   int
)

const (
	FootagePendingFileInfo FootageStatus = iota
	FootageFileInfoComplete
	FootageThumbnailsComplete
	FootageCreatingFrames
	FootageScrapingURL
	FootageProcessingFrameInfo
	FootageGeneratingDescription
	FootageGeneratingEmbeddings
	FootageApplyingTags
	FootageComplete
	FootageAwaitingUserInput
	FootageForceResume
	FootageStatusUnknown
)

const (
	FramePendingThumbnail FrameStatus = iota
	FrameThumbnailComplete
	FrameCaptionGenerated
	FrameAudioTranscribed
	FrameGeneratingEmbeddings
	FrameEmbeddingsComplete
	FrameComplete
	FrameAwaitingUserInput
	FrameForceResume
	FrameStatusUnknown
)

var footageStatusStrings = map[FootageStatus]string{
	FootagePendingFileInfo:       "0 - Pending File Info",
	FootageFileInfoComplete:      "1 - File Info Complete",
	FootageThumbnailsComplete:    "2 - Thumbnails Complete",
	FootageCreatingFrames:        "3 - Creating Frames",
	FootageScrapingURL:           "4 - Scraping URL",
	FootageProcessingFrameInfo:   "5 - Processing Frame Info",
	FootageGeneratingDescription: "6 - Generating Description",
	FootageGeneratingEmbeddings:  "7 - Generating Embeddings",
	FootageApplyingTags:          "8 - Applying Tags",
	FootageComplete:              "9 - Complete",
	FootageAwaitingUserInput:     "Awaiting User Input",
	FootageForceResume:           "Force Resume",
}

var frameStatusStrings = map[FrameStatus]string{
	FramePendingThumbnail:     "1 - Pending Thumbnail",
	FrameThumbnailComplete:    "2 - Thumbnail Complete",
	FrameCaptionGenerated:     "3 - Caption Generated",
	FrameAudioTranscribed:     "4 - Audio Transcribed",
	FrameGeneratingEmbeddings: "5 - Generating Embeddings",
	FrameEmbeddingsComplete:   "6 - Embeddings Complete",
	FrameComplete:             "6 - Complete",
	FrameAwaitingUserInput:    "Awaiting User Input",
	FrameForceResume:          "Force Resume",
}

var wireToFootageStatus = invert(footageStatusStrings)
var wireToFrameStatus = invert(frameStatusStrings)

func invert[K comparable](in map[K]string) map[string]K {
	out := make(map[string]K, len(in))
	for k, v := range in {
		out[v] = k
	}

	return out
}

// ParseFootageStatus projects a wire status string on to the footage
// status enumeration. Unrecognised strings map to FootageStatusUnknown;
// callers needing the original text should keep the raw string around.
func ParseFootageStatus(wire string) FootageStatus {
	if status, ok := wireToFootageStatus[wire]; ok {
		return status
	}

	return FootageStatusUnknown
}

func ParseFrameStatus(wire string) FrameStatus {
	if status, ok := wireToFrameStatus[wire]; ok {
		return status
	}

	return FrameStatusUnknown
}

func (s FootageStatus) String() string {
	if wire, ok := footageStatusStrings[s]; ok {
		return wire
	}

	return fmt.Sprintf("Unknown[%d]", s)
}

func (s FrameStatus) String() string {
	if wire, ok := frameStatusStrings[s]; ok {
		return wire
	}

	return fmt.Sprintf("Unknown[%d]", s)
}

// IsTerminal reports whether the controller considers this footage
// finished: embeddings generation onwards belongs to downstream
// collaborators, and Awaiting User Input only moves with operator
// intervention.
func (s FootageStatus) IsTerminal() bool {
	switch s {
	case FootageGeneratingEmbeddings, FootageApplyingTags, FootageComplete, FootageAwaitingUserInput:
		return true
	default:
		return false
	}
}

// IsProcessing reports whether footage at this status is eligible for
// discovery by the polling engine.
func (s FootageStatus) IsProcessing() bool {
	switch s {
	case FootagePendingFileInfo, FootageFileInfoComplete, FootageThumbnailsComplete,
		FootageCreatingFrames, FootageScrapingURL, FootageProcessingFrameInfo,
		FootageGeneratingDescription, FootageForceResume:
		return true
	default:
		return false
	}
}

// FootageProcessingStatuses is the discovery set for footage, in happy
// path order with Force Resume last.
func FootageProcessingStatuses() []FootageStatus {
	return []FootageStatus{
		FootagePendingFileInfo,
		FootageFileInfoComplete,
		FootageThumbnailsComplete,
		FootageCreatingFrames,
		FootageScrapingURL,
		FootageProcessingFrameInfo,
		FootageGeneratingDescription,
		FootageForceResume,
	}
}

// FrameProcessingStatuses is the discovery set for frames. Note that
// '4 - Audio Transcribed' is included even though it is terminal for the
// controller: discovery must still load those frames in to the cache so
// that the parents description gate can count them as ready.
func FrameProcessingStatuses() []FrameStatus {
	return []FrameStatus{
		FramePendingThumbnail,
		FrameThumbnailComplete,
		FrameCaptionGenerated,
		FrameAudioTranscribed,
		FrameForceResume,
	}
}

// IsTerminal reports whether the controller is done with a frame at this
// status. Statuses past audio transcription are written by downstream
// systems and never by this controller.
func (s FrameStatus) IsTerminal() bool {
	switch s {
	case FrameAudioTranscribed, FrameGeneratingEmbeddings, FrameEmbeddingsComplete, FrameComplete, FrameAwaitingUserInput:
		return true
	default:
		return false
	}
}

// FrameReady implements the readiness contract used to gate a parents
// description generation: the frame is ready once audio transcription is
// complete AND a caption exists, or once a downstream system has moved
// it past that point. The downstream comparison is textual over the wire
// enumeration, restricted to the numbered statuses so that side states
// (Awaiting User Input, Force Resume) never count as ready.
func FrameReady(rawStatus string, caption string) bool {
	switch ParseFrameStatus(rawStatus) {
	case FrameAudioTranscribed:
		return strings.TrimSpace(caption) != ""
	case FrameGeneratingEmbeddings, FrameEmbeddingsComplete, FrameComplete:
		return true
	}

	// Downstream systems may introduce statuses this controller has no
	// enumeration entry for; a numbered status textually past audio
	// transcription still counts as ready.
	if len(rawStatus) > 0 && rawStatus[0] >= '0' && rawStatus[0] <= '9' {
		return rawStatus > frameStatusStrings[FrameAudioTranscribed]
	}

	return false
}
