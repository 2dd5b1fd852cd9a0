// Package arrange holds the authoritative per-room arrangement state: tracks,
// regions, notes, markers, synth parameters, and element locks.
package arrange

import (
	"fmt"
	"time"
)

// TrackType distinguishes midi tracks from audio tracks
type TrackType string

const (
	TrackMidi  TrackType = "midi"
	TrackAudio TrackType = "audio"
)

// LockType classifies what an element lock protects
type LockType string

const (
	LockRegion        LockType = "region"
	LockTrack         LockType = "track"
	LockTrackProperty LockType = "track_property"
)

// Track is one lane of the arrangement. RegionIDs preserves region order
// within the track.
type Track struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Type               TrackType `json:"type"`
	InstrumentID       string   `json:"instrumentId,omitempty"`
	InstrumentCategory string   `json:"instrumentCategory,omitempty"`
	Volume             float64  `json:"volume"`
	Pan                float64  `json:"pan"`
	Mute               bool     `json:"mute"`
	Solo               bool     `json:"solo"`
	Color              string   `json:"color,omitempty"`
	RegionIDs          []string `json:"regionIds"`
}

// MidiNote is one note inside a midi region
type MidiNote struct {
	ID       string  `json:"id"`
	Pitch    int     `json:"pitch"`
	Velocity int     `json:"velocity"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// SustainEvent is a pedal event inside a midi region
type SustainEvent struct {
	ID    string  `json:"id"`
	Start float64 `json:"start"`
	Value float64 `json:"value"`
}

// Region is a tagged variant: midi regions carry Notes and SustainEvents,
// audio regions carry the audio fields. Start and Length are in beats.
type Region struct {
	ID             string    `json:"id"`
	TrackID        string    `json:"trackId"`
	Name           string    `json:"name"`
	Type           TrackType `json:"type"`
	Start          float64   `json:"start"`
	Length         float64   `json:"length"`
	LoopEnabled    bool      `json:"loopEnabled"`
	LoopIterations int       `json:"loopIterations"`
	Color          string    `json:"color,omitempty"`

	Notes         []MidiNote     `json:"notes,omitempty"`
	SustainEvents []SustainEvent `json:"sustainEvents,omitempty"`

	AudioURL        string  `json:"audioUrl,omitempty"`
	AudioFileID     string  `json:"audioFileId,omitempty"`
	TrimStart       float64 `json:"trimStart,omitempty"`
	OriginalLength  float64 `json:"originalLength,omitempty"`
	Gain            float64 `json:"gain,omitempty"`
	FadeInDuration  float64 `json:"fadeInDuration,omitempty"`
	FadeOutDuration float64 `json:"fadeOutDuration,omitempty"`
}

// LockInfo records who holds a lock on an element
type LockInfo struct {
	UserID    string   `json:"userId"`
	Username  string   `json:"username"`
	Type      LockType `json:"type"`
	Timestamp int64    `json:"timestamp"`
}

// LockEntry is a lock flattened with its element id, for state sync
type LockEntry struct {
	ElementID string `json:"elementId"`
	LockInfo
}

// TimeSignature is the room's meter
type TimeSignature struct {
	Numerator   int `json:"numerator"`
	Denominator int `json:"denominator"`
}

// Marker is a named position on the timeline
type Marker struct {
	ID          string  `json:"id"`
	Position    float64 `json:"position"`
	Description string  `json:"description"`
	Color       string  `json:"color,omitempty"`
}

// State is the full arrangement of one room
type State struct {
	Tracks            []*Track
	Regions           map[string]*Region
	Locks             map[string]LockInfo
	SelectedTrackID   string
	SelectedRegionIDs map[string]struct{}
	BPM               float64
	TimeSignature     TimeSignature
	SynthStates       map[string]map[string]interface{}
	Markers           []*Marker
	LastUpdated       time.Time
}

// Sync is the snapshot shape delivered to late joiners
type Sync struct {
	Tracks            []*Track                          `json:"tracks"`
	Regions           []*Region                         `json:"regions"`
	Locks             []LockEntry                       `json:"locks"`
	SelectedTrackID   string                            `json:"selectedTrackId,omitempty"`
	SelectedRegionIDs []string                          `json:"selectedRegionIds"`
	BPM               float64                           `json:"bpm"`
	TimeSignature     TimeSignature                     `json:"timeSignature"`
	SynthStates       map[string]map[string]interface{} `json:"synthStates"`
	Markers           []*Marker                         `json:"markers"`
}

// LockConflictError reports a mutation blocked by another user's lock
type LockConflictError struct {
	ElementID string
	LockedBy  string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("element %s is locked by %s", e.ElementID, e.LockedBy)
}

// TrackPatch carries the updatable track fields; nil means leave unchanged
type TrackPatch struct {
	Name               *string
	InstrumentID       *string
	InstrumentCategory *string
	Volume             *float64
	Pan                *float64
	Mute               *bool
	Solo               *bool
	Color              *string
}

// RegionPatch carries the updatable region fields; nil means leave unchanged.
// A non-nil TrackID moves the region between tracks. A non-nil Notes replaces
// the full note set of a midi region.
type RegionPatch struct {
	TrackID        *string
	Name           *string
	Start          *float64
	Length         *float64
	LoopEnabled    *bool
	LoopIterations *int
	Color          *string

	Notes         *[]MidiNote
	SustainEvents *[]SustainEvent

	AudioURL        *string
	AudioFileID     *string
	TrimStart       *float64
	OriginalLength  *float64
	Gain            *float64
	FadeInDuration  *float64
	FadeOutDuration *float64
}

// RegionDrag is one element of a batched drag update
type RegionDrag struct {
	RegionID string  `json:"regionId"`
	TrackID  string  `json:"trackId"`
	Start    float64 `json:"start"`
}
