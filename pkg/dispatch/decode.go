package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/jamfoundry/jamcore/pkg/arrange"
	"github.com/jamfoundry/jamcore/pkg/errors"
)

// reshape marshals a loosely-typed payload into a concrete wire struct
func reshape(payload interface{}, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.NewValidationError("payload is not serializable")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.NewValidationError(fmt.Sprintf("malformed payload: %v", err))
	}
	return nil
}

func getString(payload map[string]interface{}, key string) string {
	s, _ := payload[key].(string)
	return s
}

func getBool(payload map[string]interface{}, key string) bool {
	b, _ := payload[key].(bool)
	return b
}

func getFloat(payload map[string]interface{}, key string) (float64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func getObject(payload map[string]interface{}, key string) map[string]interface{} {
	obj, _ := payload[key].(map[string]interface{})
	return obj
}

// trackPatchWire is the update shape clients send for track mutations
type trackPatchWire struct {
	Name               *string  `json:"name"`
	InstrumentID       *string  `json:"instrumentId"`
	InstrumentCategory *string  `json:"instrumentCategory"`
	Volume             *float64 `json:"volume"`
	Pan                *float64 `json:"pan"`
	Mute               *bool    `json:"mute"`
	Solo               *bool    `json:"solo"`
	Color              *string  `json:"color"`
}

func decodeTrackPatch(updates map[string]interface{}) (arrange.TrackPatch, error) {
	var wire trackPatchWire
	if err := reshape(updates, &wire); err != nil {
		return arrange.TrackPatch{}, err
	}
	return arrange.TrackPatch{
		Name:               wire.Name,
		InstrumentID:       wire.InstrumentID,
		InstrumentCategory: wire.InstrumentCategory,
		Volume:             wire.Volume,
		Pan:                wire.Pan,
		Mute:               wire.Mute,
		Solo:               wire.Solo,
		Color:              wire.Color,
	}, nil
}

// regionPatchWire is the update shape clients send for region mutations
type regionPatchWire struct {
	TrackID        *string  `json:"trackId"`
	Name           *string  `json:"name"`
	Start          *float64 `json:"start"`
	Length         *float64 `json:"length"`
	LoopEnabled    *bool    `json:"loopEnabled"`
	LoopIterations *int     `json:"loopIterations"`
	Color          *string  `json:"color"`

	Notes         *[]arrange.MidiNote     `json:"notes"`
	SustainEvents *[]arrange.SustainEvent `json:"sustainEvents"`

	AudioURL        *string  `json:"audioUrl"`
	AudioFileID     *string  `json:"audioFileId"`
	TrimStart       *float64 `json:"trimStart"`
	OriginalLength  *float64 `json:"originalLength"`
	Gain            *float64 `json:"gain"`
	FadeInDuration  *float64 `json:"fadeInDuration"`
	FadeOutDuration *float64 `json:"fadeOutDuration"`
}

func decodeRegionPatch(updates map[string]interface{}) (arrange.RegionPatch, error) {
	var wire regionPatchWire
	if err := reshape(updates, &wire); err != nil {
		return arrange.RegionPatch{}, err
	}
	return arrange.RegionPatch{
		TrackID:         wire.TrackID,
		Name:            wire.Name,
		Start:           wire.Start,
		Length:          wire.Length,
		LoopEnabled:     wire.LoopEnabled,
		LoopIterations:  wire.LoopIterations,
		Color:           wire.Color,
		Notes:           wire.Notes,
		SustainEvents:   wire.SustainEvents,
		AudioURL:        wire.AudioURL,
		AudioFileID:     wire.AudioFileID,
		TrimStart:       wire.TrimStart,
		OriginalLength:  wire.OriginalLength,
		Gain:            wire.Gain,
		FadeInDuration:  wire.FadeInDuration,
		FadeOutDuration: wire.FadeOutDuration,
	}, nil
}

func decodeTrack(payload map[string]interface{}) (arrange.Track, error) {
	var t arrange.Track
	if err := reshape(payload, &t); err != nil {
		return arrange.Track{}, err
	}
	if t.Name == "" {
		return arrange.Track{}, errors.NewValidationError("track name is required")
	}
	if t.Type != arrange.TrackMidi && t.Type != arrange.TrackAudio {
		return arrange.Track{}, errors.NewValidationError("track type must be midi or audio")
	}
	return t, nil
}

func decodeRegion(payload map[string]interface{}) (arrange.Region, error) {
	var reg arrange.Region
	if err := reshape(payload, &reg); err != nil {
		return arrange.Region{}, err
	}
	if reg.TrackID == "" {
		return arrange.Region{}, errors.NewValidationError("region trackId is required")
	}
	if reg.Type != arrange.TrackMidi && reg.Type != arrange.TrackAudio {
		return arrange.Region{}, errors.NewValidationError("region type must be midi or audio")
	}
	if reg.Length < 0 {
		return arrange.Region{}, errors.NewValidationError("region length must not be negative")
	}
	return reg, nil
}

func decodeNotes(raw []interface{}) ([]arrange.MidiNote, error) {
	var notes []arrange.MidiNote
	if err := reshape(raw, &notes); err != nil {
		return nil, err
	}
	for _, note := range notes {
		if note.Pitch < 0 || note.Pitch > 127 {
			return nil, errors.NewValidationError("note pitch must be 0-127")
		}
		if note.Velocity < 0 || note.Velocity > 127 {
			return nil, errors.NewValidationError("note velocity must be 0-127")
		}
		if note.Duration < 0 {
			return nil, errors.NewValidationError("note duration must not be negative")
		}
	}
	return notes, nil
}

func decodeMarker(payload map[string]interface{}) (arrange.Marker, error) {
	var m arrange.Marker
	if err := reshape(payload, &m); err != nil {
		return arrange.Marker{}, err
	}
	if m.Position < 0 {
		return arrange.Marker{}, errors.NewValidationError("marker position must not be negative")
	}
	return m, nil
}

func decodeDrags(payload map[string]interface{}) ([]arrange.RegionDrag, error) {
	raw, ok := payload["updates"].([]interface{})
	if !ok {
		return nil, errors.NewValidationError("updates must be an array")
	}
	var drags []arrange.RegionDrag
	if err := reshape(raw, &drags); err != nil {
		return nil, err
	}
	for _, d := range drags {
		if d.RegionID == "" || d.TrackID == "" {
			return nil, errors.NewValidationError("drag updates require regionId and trackId")
		}
	}
	return drags, nil
}
