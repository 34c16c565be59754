package record

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Wire field names within a records fieldData document. Like the status
// strings, these are shared with the step scripts and must not drift.
const (
	FieldFootageID = "footage_id"
	FieldFrameID   = "frame_id"
	FieldParentID  = "parent_id"
	FieldStatus    = "status"
	FieldURL       = "url"
	FieldFilePath  = "file_path"
	FieldCaption   = "caption"
	FieldTranscript = "transcript"
)

type footageCore struct {
	ID       string `mapstructure:"footage_id"`
	Status   string `mapstructure:"status"`
	URL      string `mapstructure:"url"`
	FilePath string `mapstructure:"file_path"`
}

type frameCore struct {
	ID         string `mapstructure:"frame_id"`
	ParentID   string `mapstructure:"parent_id"`
	Status     string `mapstructure:"status"`
	Caption    string `mapstructure:"caption"`
	Transcript string `mapstructure:"transcript"`
}

// DecodeFootage projects a store fieldData document on to a Footage.
// Fields outside the typed core are retained verbatim in Extras so that
// step scripts keep seeing everything the store holds.
func DecodeFootage(recordKey string, fieldData map[string]any) (*Footage, error) {
	var core footageCore
	extras, err := decodeCore(fieldData, &core)
	if err != nil {
		return nil, fmt.Errorf("failed to decode footage record %s: %w", recordKey, err)
	}

	if core.ID == "" {
		return nil, fmt.Errorf("footage record %s carries no %s field", recordKey, FieldFootageID)
	}

	return &Footage{
		ID:        core.ID,
		RecordKey: recordKey,
		Status:    ParseFootageStatus(core.Status),
		RawStatus: core.Status,
		URL:       core.URL,
		FilePath:  core.FilePath,
		Extras:    extras,
	}, nil
}

// DecodeFrame projects a store fieldData document on to a Frame. A
// missing parent field is recovered from the frame ID suffix convention.
func DecodeFrame(recordKey string, fieldData map[string]any) (*Frame, error) {
	var core frameCore
	extras, err := decodeCore(fieldData, &core)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame record %s: %w", recordKey, err)
	}

	if core.ID == "" {
		return nil, fmt.Errorf("frame record %s carries no %s field", recordKey, FieldFrameID)
	}

	parentID := core.ParentID
	if parentID == "" {
		parentID = ParentIDFromFrameID(core.ID)
	}

	return &Frame{
		ID:         core.ID,
		ParentID:   parentID,
		RecordKey:  recordKey,
		Status:     ParseFrameStatus(core.Status),
		RawStatus:  core.Status,
		Caption:    core.Caption,
		Transcript: core.Transcript,
		Extras:     extras,
	}, nil
}

// decodeCore runs a weakly-typed mapstructure decode in to the typed
// core provided and returns the unused keys as the extras bag.
func decodeCore(fieldData map[string]any, target any) (map[string]any, error) {
	var metadata mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		Metadata:         &metadata,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}

	if err := decoder.Decode(fieldData); err != nil {
		return nil, err
	}

	extras := make(map[string]any, len(metadata.Unused))
	for _, key := range metadata.Unused {
		extras[key] = fieldData[key]
	}

	return extras, nil
}
