package arrange

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/jamfoundry/jamcore/pkg/clock"
	"github.com/jamfoundry/jamcore/pkg/errors"
	"github.com/jamfoundry/jamcore/pkg/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewStore(clk, logger.NewDefaultLogger(logger.ErrorLevel, "text"))
}

func strPtr(s string) *string    { return &s }
func f64Ptr(f float64) *float64  { return &f }
func notesPtr(n []MidiNote) *[]MidiNote { return &n }

func seedRoom(t *testing.T, s *Store) {
	t.Helper()
	s.Init("room_1")
	if err := s.AddTrack("room_1", Track{ID: "track_1", Name: "Keys", Type: TrackMidi, Volume: 0.8}); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	if err := s.AddTrack("room_1", Track{ID: "track_2", Name: "Vox", Type: TrackAudio, Volume: 1.0}); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	if err := s.AddRegion("room_1", Region{ID: "region_1", TrackID: "track_1", Type: TrackMidi, Start: 0, Length: 4}); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
}

func TestInitDefaults(t *testing.T) {
	s := newTestStore(t)

	sync := s.Init("room_1")
	if sync.BPM != 120 {
		t.Errorf("Default bpm should be 120, got %v", sync.BPM)
	}
	if sync.TimeSignature.Numerator != 4 || sync.TimeSignature.Denominator != 4 {
		t.Errorf("Default time signature should be 4/4, got %+v", sync.TimeSignature)
	}

	// Init is idempotent
	s.SetBPM("room_1", 90)
	if again := s.Init("room_1"); again.BPM != 90 {
		t.Errorf("Second init should not reset state, got bpm %v", again.BPM)
	}
}

func TestMutateWithoutState(t *testing.T) {
	s := newTestStore(t)

	err := s.SetBPM("room_missing", 100)
	if errors.CodeOf(err) != errors.CodeRoomState {
		t.Errorf("Mutation on uninitialized room should be a room-state error, got %v", err)
	}
}

func TestRegionTrackConsistency(t *testing.T) {
	s := newTestStore(t)
	seedRoom(t, s)

	sync := s.Snapshot("room_1")
	if len(sync.Tracks[0].RegionIDs) != 1 || sync.Tracks[0].RegionIDs[0] != "region_1" {
		t.Errorf("Track should list its region, got %v", sync.Tracks[0].RegionIDs)
	}

	// Moving the region between tracks keeps both lists consistent
	if err := s.UpdateRegion("room_1", "alice", "region_1", RegionPatch{TrackID: strPtr("track_2")}); err != nil {
		t.Fatalf("UpdateRegion: %v", err)
	}
	sync = s.Snapshot("room_1")
	if len(sync.Tracks[0].RegionIDs) != 0 {
		t.Errorf("Source track should no longer list the region, got %v", sync.Tracks[0].RegionIDs)
	}
	if len(sync.Tracks[1].RegionIDs) != 1 {
		t.Errorf("Target track should list the region, got %v", sync.Tracks[1].RegionIDs)
	}
	if sync.Regions[0].TrackID != "track_2" {
		t.Errorf("Region should point at the target track, got %s", sync.Regions[0].TrackID)
	}
}

func TestAddRegionUnknownTrack(t *testing.T) {
	s := newTestStore(t)
	seedRoom(t, s)

	err := s.AddRegion("room_1", Region{ID: "region_x", TrackID: "track_missing"})
	if errors.CodeOf(err) != errors.CodeNotFound {
		t.Errorf("Region on a missing track should fail, got %v", err)
	}
}

func TestAddRegionClampsStart(t *testing.T) {
	s := newTestStore(t)
	seedRoom(t, s)

	if err := s.AddRegion("room_1", Region{ID: "region_2", TrackID: "track_1", Type: TrackMidi, Start: -3}); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	for _, reg := range s.Snapshot("room_1").Regions {
		if reg.Start < 0 {
			t.Errorf("Start should be clamped to 0, got %v", reg.Start)
		}
	}
}

func TestRemoveTrackCascades(t *testing.T) {
	s := newTestStore(t)
	seedRoom(t, s)
	s.UpdateSelection("room_1", strPtr("track_1"), &[]string{"region_1"})

	removed, err := s.RemoveTrack("room_1", "alice", "track_1")
	if err != nil {
		t.Fatalf("RemoveTrack: %v", err)
	}
	if len(removed) != 1 || removed[0].ID != "region_1" {
		t.Errorf("Removed regions should be returned, got %+v", removed)
	}

	sync := s.Snapshot("room_1")
	if len(sync.Regions) != 0 {
		t.Errorf("Track regions should be gone, got %d", len(sync.Regions))
	}
	if sync.SelectedTrackID != "" {
		t.Errorf("Selected track should be pruned, got %q", sync.SelectedTrackID)
	}
	if len(sync.SelectedRegionIDs) != 0 {
		t.Errorf("Selected regions should be pruned, got %v", sync.SelectedRegionIDs)
	}
}

func TestLockBlocksOtherUsersMutation(t *testing.T) {
	s := newTestStore(t)
	seedRoom(t, s)

	ok, _ := s.AcquireLock("room_1", "region_1", LockInfo{UserID: "alice", Username: "alice", Type: LockRegion})
	if !ok {
		t.Fatal("Alice's acquire should succeed")
	}

	err := s.UpdateRegion("room_1", "bob", "region_1", RegionPatch{Start: f64Ptr(8)})
	var conflict *LockConflictError
	if !stderrors.As(err, &conflict) {
		t.Fatalf("Bob's mutation should hit a lock conflict, got %v", err)
	}
	if conflict.LockedBy != "alice" {
		t.Errorf("Conflict should name the holder, got %q", conflict.LockedBy)
	}

	// The holder can still mutate
	if err := s.UpdateRegion("room_1", "alice", "region_1", RegionPatch{Start: f64Ptr(8)}); err != nil {
		t.Errorf("Alice's own mutation should pass, got %v", err)
	}
}

func TestAcquireLockSemantics(t *testing.T) {
	s := newTestStore(t)
	seedRoom(t, s)

	s.AcquireLock("room_1", "region_1", LockInfo{UserID: "alice", Username: "alice", Type: LockRegion})

	// Same user re-acquire refreshes
	ok, _ := s.AcquireLock("room_1", "region_1", LockInfo{UserID: "alice", Username: "alice", Type: LockRegion})
	if !ok {
		t.Error("Same-user re-acquire should succeed")
	}

	// Another user is refused and told who holds it
	ok, held := s.AcquireLock("room_1", "region_1", LockInfo{UserID: "bob", Username: "bob", Type: LockRegion})
	if ok {
		t.Error("Bob's acquire should fail")
	}
	if held == nil || held.Username != "alice" {
		t.Errorf("Held lock should name alice, got %+v", held)
	}
}

func TestReleaseLockOwnerOnly(t *testing.T) {
	s := newTestStore(t)
	seedRoom(t, s)

	s.AcquireLock("room_1", "region_1", LockInfo{UserID: "alice", Username: "alice", Type: LockRegion})

	if s.ReleaseLock("room_1", "region_1", "bob") {
		t.Error("Non-owner release should fail")
	}
	if !s.ReleaseLock("room_1", "region_1", "alice") {
		t.Error("Owner release should succeed")
	}
	if s.IsLocked("room_1", "region_1") != nil {
		t.Error("Lock should be gone")
	}
}

func TestReleaseUserLocks(t *testing.T) {
	s := newTestStore(t)
	seedRoom(t, s)

	s.AcquireLock("room_1", "region_1", LockInfo{UserID: "alice", Username: "alice", Type: LockRegion})
	s.AcquireLock("room_1", "track_1", LockInfo{UserID: "alice", Username: "alice", Type: LockTrack})
	s.AcquireLock("room_1", "track_2", LockInfo{UserID: "bob", Username: "bob", Type: LockTrack})

	released := s.ReleaseUserLocks("room_1", "alice")
	if len(released) != 2 {
		t.Errorf("Alice held 2 locks, released %d", len(released))
	}
	if s.IsLocked("room_1", "track_2") == nil {
		t.Error("Bob's lock should survive")
	}
}

func TestNotesOnlyOnMidiRegions(t *testing.T) {
	s := newTestStore(t)
	seedRoom(t, s)
	s.AddRegion("room_1", Region{ID: "region_a", TrackID: "track_2", Type: TrackAudio, AudioFileID: "file_1"})

	notes := []MidiNote{{ID: "note_1", Pitch: 60, Velocity: 100, Start: 0, Duration: 1}}

	if err := s.UpdateRegion("room_1", "alice", "region_1", RegionPatch{Notes: notesPtr(notes)}); err != nil {
		t.Errorf("Note substitution on a midi region should pass, got %v", err)
	}
	err := s.UpdateRegion("room_1", "alice", "region_a", RegionPatch{Notes: notesPtr(notes)})
	if errors.CodeOf(err) != errors.CodeRoomState {
		t.Errorf("Note substitution on an audio region should fail, got %v", err)
	}
}

func TestBatchDrag(t *testing.T) {
	s := newTestStore(t)
	seedRoom(t, s)
	s.AddRegion("room_1", Region{ID: "region_2", TrackID: "track_1", Type: TrackMidi, Start: 4, Length: 2})

	accepted, err := s.BatchDrag("room_1", "alice", []RegionDrag{
		{RegionID: "region_1", TrackID: "track_2", Start: -2},
		{RegionID: "region_2", TrackID: "track_missing", Start: 8},
		{RegionID: "region_missing", TrackID: "track_1", Start: 0},
	})
	if err != nil {
		t.Fatalf("BatchDrag: %v", err)
	}
	if len(accepted) != 1 || accepted[0].RegionID != "region_1" {
		t.Fatalf("Only region_1 should be accepted, got %+v", accepted)
	}

	sync := s.Snapshot("room_1")
	for _, reg := range sync.Regions {
		if reg.ID == "region_1" {
			if reg.TrackID != "track_2" || reg.Start != 0 {
				t.Errorf("region_1 should be on track_2 at start 0, got %s/%v", reg.TrackID, reg.Start)
			}
		}
		if reg.ID == "region_2" && reg.Start != 4 {
			t.Errorf("Skipped drag should leave region_2 untouched, got %v", reg.Start)
		}
	}
}

func TestBatchDragAbortsOnLockConflict(t *testing.T) {
	s := newTestStore(t)
	seedRoom(t, s)
	s.AcquireLock("room_1", "region_1", LockInfo{UserID: "bob", Username: "bob", Type: LockRegion})

	_, err := s.BatchDrag("room_1", "alice", []RegionDrag{
		{RegionID: "region_1", TrackID: "track_1", Start: 2},
	})
	var conflict *LockConflictError
	if !stderrors.As(err, &conflict) {
		t.Errorf("Drag over bob's lock should conflict, got %v", err)
	}
}

func TestSelectionFallsBackWhenNil(t *testing.T) {
	s := newTestStore(t)
	seedRoom(t, s)

	s.UpdateSelection("room_1", strPtr("track_1"), &[]string{"region_1"})
	s.UpdateSelection("room_1", nil, &[]string{})

	sync := s.Snapshot("room_1")
	if sync.SelectedTrackID != "track_1" {
		t.Errorf("Nil track argument should keep current selection, got %q", sync.SelectedTrackID)
	}
	if len(sync.SelectedRegionIDs) != 0 {
		t.Errorf("Region selection should be cleared, got %v", sync.SelectedRegionIDs)
	}
}

func TestHasAudioReference(t *testing.T) {
	s := newTestStore(t)
	seedRoom(t, s)
	s.AddRegion("room_1", Region{ID: "region_a", TrackID: "track_2", Type: TrackAudio, AudioFileID: "file_1", AudioURL: "/audio/file_1"})
	s.AddRegion("room_1", Region{ID: "region_b", TrackID: "track_2", Type: TrackAudio, AudioFileID: "file_1", AudioURL: "/audio/file_1"})

	s.RemoveRegion("room_1", "alice", "region_a")
	if !s.HasAudioReference("room_1", "file_1", "") {
		t.Error("Blob is still referenced by region_b")
	}

	s.RemoveRegion("room_1", "alice", "region_b")
	if s.HasAudioReference("room_1", "file_1", "") {
		t.Error("Last reference gone, blob should be reclaimable")
	}
}

func TestReplaceProjectResetsSelectionAndLocks(t *testing.T) {
	s := newTestStore(t)
	seedRoom(t, s)
	s.AcquireLock("room_1", "region_1", LockInfo{UserID: "alice", Username: "alice", Type: LockRegion})
	s.UpdateSelection("room_1", strPtr("track_1"), nil)

	tracks := []*Track{{ID: "track_9", Name: "New", Type: TrackMidi, RegionIDs: []string{"region_9"}}}
	regions := []*Region{{ID: "region_9", TrackID: "track_9", Type: TrackMidi, Length: 8}}
	if err := s.ReplaceProject("room_1", tracks, regions, 140, TimeSignature{Numerator: 3, Denominator: 4}, nil); err != nil {
		t.Fatalf("ReplaceProject: %v", err)
	}

	sync := s.Snapshot("room_1")
	if sync.BPM != 140 || sync.TimeSignature.Numerator != 3 {
		t.Errorf("Tempo and meter should be replaced, got %v %+v", sync.BPM, sync.TimeSignature)
	}
	if len(sync.Locks) != 0 || sync.SelectedTrackID != "" {
		t.Errorf("Locks and selection should be reset, got %+v %q", sync.Locks, sync.SelectedTrackID)
	}
	if len(sync.Tracks) != 1 || sync.Tracks[0].ID != "track_9" {
		t.Errorf("Tracks should be replaced, got %+v", sync.Tracks)
	}
}

func TestReorderTracks(t *testing.T) {
	s := newTestStore(t)
	seedRoom(t, s)

	if err := s.ReorderTracks("room_1", []string{"track_2", "track_1"}); err != nil {
		t.Fatalf("ReorderTracks: %v", err)
	}
	sync := s.Snapshot("room_1")
	if sync.Tracks[0].ID != "track_2" {
		t.Errorf("track_2 should come first, got %s", sync.Tracks[0].ID)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := newTestStore(t)
	seedRoom(t, s)

	sync := s.Snapshot("room_1")
	sync.Tracks[0].Name = "mutated"
	sync.Regions[0].Start = 999

	again := s.Snapshot("room_1")
	if again.Tracks[0].Name == "mutated" {
		t.Error("Snapshot tracks should not alias store state")
	}
	if again.Regions[0].Start == 999 {
		t.Error("Snapshot regions should not alias store state")
	}
}
