package record

import (
	"fmt"
	"strings"
)

// Frame is a sampled still owned by exactly one footage clip. Frame IDs
// are of the form '<footage_id>_NNN' (1-based), so the parent can be
// recovered from the ID when the store omits the parent field.
type Frame struct {
	ID        string
	ParentID  string
	RecordKey string
	Status    FrameStatus
	RawStatus string
	Caption   string
	Transcript string
	Extras    map[string]any
}

// Ready reports whether this frame satisfies the parent-readiness
// contract (see FrameReady).
func (f *Frame) Ready() bool {
	return FrameReady(f.RawStatus, f.Caption)
}

// ParentIDFromFrameID recovers the owning footage ID from a frame ID of
// the form '<footage_id>_NNN'. The empty string is returned when the ID
// does not carry a suffix to strip.
func ParentIDFromFrameID(frameID string) string {
	idx := strings.LastIndex(frameID, "_")
	if idx <= 0 {
		return ""
	}

	return frameID[:idx]
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame{id=%s parent=%s status=%s}", f.ID, f.ParentID, f.Status)
}
