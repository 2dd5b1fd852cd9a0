package arrange

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/errors"
	"github.com/jamfoundry/jamcore/pkg/logger"
)

// Store owns the arrangement state of every room. Each call is atomic
// against the single room it names; different rooms proceed in parallel.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*room

	clock  clock.Clock
	logger logger.Logger
}

type room struct {
	mu    sync.Mutex
	state *State
}

// NewStore creates an empty store
func NewStore(clk clock.Clock, log logger.Logger) *Store {
	return &Store{
		rooms:  make(map[string]*room),
		clock:  clk,
		logger: log,
	}
}

// Init creates the room's state if absent and returns a snapshot. Defaults:
// bpm 120, time signature 4/4.
func (s *Store) Init(roomID string) *Sync {
	r := s.getOrCreate(roomID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == nil {
		r.state = &State{
			Regions:           make(map[string]*Region),
			Locks:             make(map[string]LockInfo),
			SelectedRegionIDs: make(map[string]struct{}),
			BPM:               120,
			TimeSignature:     TimeSignature{Numerator: 4, Denominator: 4},
			SynthStates:       make(map[string]map[string]interface{}),
			LastUpdated:       s.clock.Now(),
		}
	}

	return snapshotLocked(r.state)
}

// Exists reports whether the room has state
func (s *Store) Exists(roomID string) bool {
	s.mu.RLock()
	r, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != nil
}

// Snapshot returns the room's sync view, or nil if the room has no state
func (s *Store) Snapshot(roomID string) *Sync {
	r := s.get(roomID)
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return nil
	}
	return snapshotLocked(r.state)
}

// Clear drops the room's state entirely
func (s *Store) Clear(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

// RoomCount reports rooms holding state, for the performance endpoints
func (s *Store) RoomCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// AddTrack appends a track to the arrangement
func (s *Store) AddTrack(roomID string, t Track) error {
	return s.mutate(roomID, func(st *State) error {
		if findTrack(st, t.ID) != nil {
			return errors.NewConflictError(fmt.Sprintf("track %s already exists", t.ID))
		}
		if t.RegionIDs == nil {
			t.RegionIDs = []string{}
		}
		copied := t
		st.Tracks = append(st.Tracks, &copied)
		return nil
	})
}

// UpdateTrack applies a patch to a track. The actor must not be blocked by
// another user's lock on the track.
func (s *Store) UpdateTrack(roomID, actor, trackID string, patch TrackPatch) error {
	return s.mutate(roomID, func(st *State) error {
		t := findTrack(st, trackID)
		if t == nil {
			return errors.NewNotFoundError(fmt.Sprintf("track %s not found", trackID))
		}
		if err := checkLock(st, trackID, actor); err != nil {
			return err
		}

		if patch.Name != nil {
			t.Name = *patch.Name
		}
		if patch.InstrumentID != nil {
			t.InstrumentID = *patch.InstrumentID
		}
		if patch.InstrumentCategory != nil {
			t.InstrumentCategory = *patch.InstrumentCategory
		}
		if patch.Volume != nil {
			t.Volume = *patch.Volume
		}
		if patch.Pan != nil {
			t.Pan = *patch.Pan
		}
		if patch.Mute != nil {
			t.Mute = *patch.Mute
		}
		if patch.Solo != nil {
			t.Solo = *patch.Solo
		}
		if patch.Color != nil {
			t.Color = *patch.Color
		}
		return nil
	})
}

// RemoveTrack deletes a track and all its regions, pruning the selection.
// The removed regions are returned so the caller can reclaim audio blobs.
func (s *Store) RemoveTrack(roomID, actor, trackID string) ([]*Region, error) {
	var removed []*Region
	err := s.mutate(roomID, func(st *State) error {
		idx := -1
		for i, t := range st.Tracks {
			if t.ID == trackID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return errors.NewNotFoundError(fmt.Sprintf("track %s not found", trackID))
		}
		if err := checkLock(st, trackID, actor); err != nil {
			return err
		}

		for _, regionID := range st.Tracks[idx].RegionIDs {
			if reg, ok := st.Regions[regionID]; ok {
				removed = append(removed, reg)
				delete(st.Regions, regionID)
				delete(st.SelectedRegionIDs, regionID)
				delete(st.Locks, regionID)
			}
		}
		delete(st.SynthStates, trackID)
		delete(st.Locks, trackID)
		if st.SelectedTrackID == trackID {
			st.SelectedTrackID = ""
		}
		st.Tracks = append(st.Tracks[:idx], st.Tracks[idx+1:]...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// ReorderTracks rearranges tracks into the given id order. Ids absent from
// the order keep their relative position at the end.
func (s *Store) ReorderTracks(roomID string, orderedIDs []string) error {
	return s.mutate(roomID, func(st *State) error {
		rank := make(map[string]int, len(orderedIDs))
		for i, id := range orderedIDs {
			rank[id] = i
		}
		sort.SliceStable(st.Tracks, func(a, b int) bool {
			ra, okA := rank[st.Tracks[a].ID]
			rb, okB := rank[st.Tracks[b].ID]
			if okA && okB {
				return ra < rb
			}
			return okA && !okB
		})
		return nil
	})
}

// AddRegion inserts a region into its track. Start is clamped to zero.
func (s *Store) AddRegion(roomID string, reg Region) error {
	return s.mutate(roomID, func(st *State) error {
		if _, ok := st.Regions[reg.ID]; ok {
			return errors.NewConflictError(fmt.Sprintf("region %s already exists", reg.ID))
		}
		t := findTrack(st, reg.TrackID)
		if t == nil {
			return errors.NewNotFoundError(fmt.Sprintf("track %s not found", reg.TrackID))
		}
		if reg.Start < 0 {
			reg.Start = 0
		}
		copied := reg
		st.Regions[reg.ID] = &copied
		t.RegionIDs = append(t.RegionIDs, reg.ID)
		return nil
	})
}

// UpdateRegion applies a patch to a region. A patch with a changed TrackID
// moves the region between the tracks' region lists atomically. The actor
// must not be blocked by another user's lock on the region.
func (s *Store) UpdateRegion(roomID, actor, regionID string, patch RegionPatch) error {
	return s.mutate(roomID, func(st *State) error {
		reg, ok := st.Regions[regionID]
		if !ok {
			return errors.NewNotFoundError(fmt.Sprintf("region %s not found", regionID))
		}
		if err := checkLock(st, regionID, actor); err != nil {
			return err
		}

		if patch.TrackID != nil && *patch.TrackID != reg.TrackID {
			dst := findTrack(st, *patch.TrackID)
			if dst == nil {
				return errors.NewNotFoundError(fmt.Sprintf("track %s not found", *patch.TrackID))
			}
			src := findTrack(st, reg.TrackID)
			if src != nil {
				src.RegionIDs = removeID(src.RegionIDs, regionID)
			}
			dst.RegionIDs = append(dst.RegionIDs, regionID)
			reg.TrackID = *patch.TrackID
		}
		if patch.Name != nil {
			reg.Name = *patch.Name
		}
		if patch.Start != nil {
			start := *patch.Start
			if start < 0 {
				start = 0
			}
			reg.Start = start
		}
		if patch.Length != nil {
			reg.Length = *patch.Length
		}
		if patch.LoopEnabled != nil {
			reg.LoopEnabled = *patch.LoopEnabled
		}
		if patch.LoopIterations != nil {
			reg.LoopIterations = *patch.LoopIterations
		}
		if patch.Color != nil {
			reg.Color = *patch.Color
		}
		if patch.Notes != nil {
			if reg.Type != TrackMidi {
				return errors.NewRoomStateError("notes belong to midi regions only")
			}
			seen := make(map[string]struct{}, len(*patch.Notes))
			for _, n := range *patch.Notes {
				if _, dup := seen[n.ID]; dup {
					return errors.NewValidationError(fmt.Sprintf("duplicate note id %s", n.ID))
				}
				seen[n.ID] = struct{}{}
			}
			reg.Notes = append([]MidiNote(nil), (*patch.Notes)...)
		}
		if patch.SustainEvents != nil {
			if reg.Type != TrackMidi {
				return errors.NewRoomStateError("sustain events belong to midi regions only")
			}
			reg.SustainEvents = append([]SustainEvent(nil), (*patch.SustainEvents)...)
		}
		if patch.AudioURL != nil {
			reg.AudioURL = *patch.AudioURL
		}
		if patch.AudioFileID != nil {
			reg.AudioFileID = *patch.AudioFileID
		}
		if patch.TrimStart != nil {
			reg.TrimStart = *patch.TrimStart
		}
		if patch.OriginalLength != nil {
			reg.OriginalLength = *patch.OriginalLength
		}
		if patch.Gain != nil {
			reg.Gain = *patch.Gain
		}
		if patch.FadeInDuration != nil {
			reg.FadeInDuration = *patch.FadeInDuration
		}
		if patch.FadeOutDuration != nil {
			reg.FadeOutDuration = *patch.FadeOutDuration
		}
		return nil
	})
}

// MoveRegion shifts a region by a beat delta, clamping the result at zero,
// and returns the new start
func (s *Store) MoveRegion(roomID, actor, regionID string, deltaBeats float64) (float64, error) {
	var newStart float64
	err := s.mutate(roomID, func(st *State) error {
		reg, ok := st.Regions[regionID]
		if !ok {
			return errors.NewNotFoundError(fmt.Sprintf("region %s not found", regionID))
		}
		if err := checkLock(st, regionID, actor); err != nil {
			return err
		}
		newStart = reg.Start + deltaBeats
		if newStart < 0 {
			newStart = 0
		}
		reg.Start = newStart
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newStart, nil
}

// RemoveRegion deletes a region, pruning selection and locks, and returns it
// so the caller can reclaim its audio blob
func (s *Store) RemoveRegion(roomID, actor, regionID string) (*Region, error) {
	var removed *Region
	err := s.mutate(roomID, func(st *State) error {
		reg, ok := st.Regions[regionID]
		if !ok {
			return errors.NewNotFoundError(fmt.Sprintf("region %s not found", regionID))
		}
		if err := checkLock(st, regionID, actor); err != nil {
			return err
		}

		if t := findTrack(st, reg.TrackID); t != nil {
			t.RegionIDs = removeID(t.RegionIDs, regionID)
		}
		delete(st.Regions, regionID)
		delete(st.SelectedRegionIDs, regionID)
		delete(st.Locks, regionID)
		removed = reg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// BatchDrag applies a set of drag updates in one transaction. Updates whose
// target track is unknown are skipped; starts are clamped to zero. A lock
// conflict on any region aborts the whole batch.
func (s *Store) BatchDrag(roomID, actor string, drags []RegionDrag) ([]RegionDrag, error) {
	var accepted []RegionDrag
	err := s.mutate(roomID, func(st *State) error {
		for _, d := range drags {
			if _, ok := st.Regions[d.RegionID]; !ok {
				continue
			}
			if err := checkLock(st, d.RegionID, actor); err != nil {
				return err
			}
			if findTrack(st, d.TrackID) == nil {
				continue
			}
			accepted = append(accepted, d)
		}

		for _, d := range accepted {
			reg := st.Regions[d.RegionID]
			if d.TrackID != reg.TrackID {
				if src := findTrack(st, reg.TrackID); src != nil {
					src.RegionIDs = removeID(src.RegionIDs, d.RegionID)
				}
				findTrack(st, d.TrackID).RegionIDs = append(findTrack(st, d.TrackID).RegionIDs, d.RegionID)
				reg.TrackID = d.TrackID
			}
			start := d.Start
			if start < 0 {
				start = 0
			}
			reg.Start = start
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accepted, nil
}

// SetBPM updates the room tempo
func (s *Store) SetBPM(roomID string, bpm float64) error {
	return s.mutate(roomID, func(st *State) error {
		if bpm <= 0 {
			return errors.NewValidationError("bpm must be positive")
		}
		st.BPM = bpm
		return nil
	})
}

// SetTimeSignature updates the room meter
func (s *Store) SetTimeSignature(roomID string, ts TimeSignature) error {
	return s.mutate(roomID, func(st *State) error {
		if ts.Numerator <= 0 || ts.Denominator <= 0 {
			return errors.NewValidationError("time signature parts must be positive")
		}
		st.TimeSignature = ts
		return nil
	})
}

// UpdateSynthParams merges a parameter patch into a track's synth state
func (s *Store) UpdateSynthParams(roomID, trackID string, patch map[string]interface{}) error {
	return s.mutate(roomID, func(st *State) error {
		params, ok := st.SynthStates[trackID]
		if !ok {
			params = make(map[string]interface{})
			st.SynthStates[trackID] = params
		}
		for k, v := range patch {
			params[k] = v
		}
		return nil
	})
}

// SynthParams returns a copy of a track's synth state, or nil
func (s *Store) SynthParams(roomID, trackID string) map[string]interface{} {
	r := s.get(roomID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return nil
	}
	params, ok := r.state.SynthStates[trackID]
	if !ok {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// AddMarker appends a timeline marker
func (s *Store) AddMarker(roomID string, m Marker) error {
	return s.mutate(roomID, func(st *State) error {
		for _, existing := range st.Markers {
			if existing.ID == m.ID {
				return errors.NewConflictError(fmt.Sprintf("marker %s already exists", m.ID))
			}
		}
		copied := m
		st.Markers = append(st.Markers, &copied)
		return nil
	})
}

// UpdateMarker replaces a marker's fields
func (s *Store) UpdateMarker(roomID string, m Marker) error {
	return s.mutate(roomID, func(st *State) error {
		for _, existing := range st.Markers {
			if existing.ID == m.ID {
				*existing = m
				return nil
			}
		}
		return errors.NewNotFoundError(fmt.Sprintf("marker %s not found", m.ID))
	})
}

// RemoveMarker deletes a marker
func (s *Store) RemoveMarker(roomID, markerID string) error {
	return s.mutate(roomID, func(st *State) error {
		for i, existing := range st.Markers {
			if existing.ID == markerID {
				st.Markers = append(st.Markers[:i], st.Markers[i+1:]...)
				return nil
			}
		}
		return errors.NewNotFoundError(fmt.Sprintf("marker %s not found", markerID))
	})
}

// UpdateSelection sets the selection; a nil argument keeps the current value.
// Unknown track or region ids are dropped rather than rejected.
func (s *Store) UpdateSelection(roomID string, selectedTrackID *string, selectedRegionIDs *[]string) error {
	return s.mutate(roomID, func(st *State) error {
		if selectedTrackID != nil {
			if *selectedTrackID == "" || findTrack(st, *selectedTrackID) != nil {
				st.SelectedTrackID = *selectedTrackID
			} else {
				st.SelectedTrackID = ""
			}
		}
		if selectedRegionIDs != nil {
			next := make(map[string]struct{}, len(*selectedRegionIDs))
			for _, id := range *selectedRegionIDs {
				if _, ok := st.Regions[id]; ok {
					next[id] = struct{}{}
				}
			}
			st.SelectedRegionIDs = next
		}
		return nil
	})
}

// ReplaceProject swaps in a whole new arrangement: tracks, regions, tempo,
// meter, and synth states. Selection and locks are reset.
func (s *Store) ReplaceProject(roomID string, tracks []*Track, regions []*Region, bpm float64, ts TimeSignature, synthStates map[string]map[string]interface{}) error {
	r := s.getOrCreate(roomID)

	r.mu.Lock()
	defer r.mu.Unlock()

	regionMap := make(map[string]*Region, len(regions))
	for _, reg := range regions {
		regionMap[reg.ID] = reg
	}
	if synthStates == nil {
		synthStates = make(map[string]map[string]interface{})
	}
	if bpm <= 0 {
		bpm = 120
	}
	if ts.Numerator <= 0 || ts.Denominator <= 0 {
		ts = TimeSignature{Numerator: 4, Denominator: 4}
	}

	r.state = &State{
		Tracks:            tracks,
		Regions:           regionMap,
		Locks:             make(map[string]LockInfo),
		SelectedRegionIDs: make(map[string]struct{}),
		BPM:               bpm,
		TimeSignature:     ts,
		SynthStates:       synthStates,
		LastUpdated:       s.clock.Now(),
	}
	return nil
}

// HasAudioReference reports whether any region still refers to the blob,
// matched by file id or URL. Callers use this before reclaiming storage.
func (s *Store) HasAudioReference(roomID, audioFileID, audioURL string) bool {
	r := s.get(roomID)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return false
	}
	for _, reg := range r.state.Regions {
		if audioFileID != "" && reg.AudioFileID == audioFileID {
			return true
		}
		if audioFileID == "" && audioURL != "" && reg.AudioURL == audioURL {
			return true
		}
	}
	return false
}

func (s *Store) get(roomID string) *room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[roomID]
}

func (s *Store) getOrCreate(roomID string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		r = &room{}
		s.rooms[roomID] = r
	}
	return r
}

// mutate runs a read-modify-write under the room's lock and bumps LastUpdated
func (s *Store) mutate(roomID string, fn func(*State) error) error {
	r := s.get(roomID)
	if r == nil {
		return errors.NewRoomStateError(fmt.Sprintf("room %s has no arrangement state", roomID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == nil {
		return errors.NewRoomStateError(fmt.Sprintf("room %s has no arrangement state", roomID))
	}
	if err := fn(r.state); err != nil {
		return err
	}
	r.state.LastUpdated = s.clock.Now()
	return nil
}

// checkLock returns a LockConflictError when another user holds the element
func checkLock(st *State, elementID, actor string) error {
	lock, ok := st.Locks[elementID]
	if !ok || lock.UserID == actor {
		return nil
	}
	return &LockConflictError{ElementID: elementID, LockedBy: lock.Username}
}

func findTrack(st *State, trackID string) *Track {
	for _, t := range st.Tracks {
		if t.ID == trackID {
			return t
		}
	}
	return nil
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func snapshotLocked(st *State) *Sync {
	tracks := make([]*Track, len(st.Tracks))
	for i, t := range st.Tracks {
		copied := *t
		copied.RegionIDs = append([]string(nil), t.RegionIDs...)
		tracks[i] = &copied
	}

	regions := make([]*Region, 0, len(st.Regions))
	for _, reg := range st.Regions {
		copied := *reg
		copied.Notes = append([]MidiNote(nil), reg.Notes...)
		copied.SustainEvents = append([]SustainEvent(nil), reg.SustainEvents...)
		regions = append(regions, &copied)
	}
	sort.Slice(regions, func(a, b int) bool { return regions[a].ID < regions[b].ID })

	locks := make([]LockEntry, 0, len(st.Locks))
	for elementID, info := range st.Locks {
		locks = append(locks, LockEntry{ElementID: elementID, LockInfo: info})
	}
	sort.Slice(locks, func(a, b int) bool { return locks[a].ElementID < locks[b].ElementID })

	selected := make([]string, 0, len(st.SelectedRegionIDs))
	for id := range st.SelectedRegionIDs {
		selected = append(selected, id)
	}
	sort.Strings(selected)

	synth := make(map[string]map[string]interface{}, len(st.SynthStates))
	for trackID, params := range st.SynthStates {
		copied := make(map[string]interface{}, len(params))
		for k, v := range params {
			copied[k] = v
		}
		synth[trackID] = copied
	}

	markers := make([]*Marker, len(st.Markers))
	for i, m := range st.Markers {
		copied := *m
		markers[i] = &copied
	}

	return &Sync{
		Tracks:            tracks,
		Regions:           regions,
		Locks:             locks,
		SelectedTrackID:   st.SelectedTrackID,
		SelectedRegionIDs: selected,
		BPM:               st.BPM,
		TimeSignature:     st.TimeSignature,
		SynthStates:       synth,
		Markers:           markers,
	}
}
