package arrange

// AcquireLock claims an element for a user. It succeeds when the element is
// unlocked or the existing lock belongs to the same user (refresh). On
// failure the holding lock is returned.
func (s *Store) AcquireLock(roomID, elementID string, info LockInfo) (bool, *LockInfo) {
	var held *LockInfo
	ok := false

	err := s.mutate(roomID, func(st *State) error {
		existing, locked := st.Locks[elementID]
		if locked && existing.UserID != info.UserID {
			copied := existing
			held = &copied
			return nil
		}
		if info.Timestamp == 0 {
			info.Timestamp = s.clock.NowMs()
		}
		st.Locks[elementID] = info
		ok = true
		return nil
	})
	if err != nil {
		return false, nil
	}
	return ok, held
}

// ReleaseLock frees an element; only the owner may release
func (s *Store) ReleaseLock(roomID, elementID, userID string) bool {
	released := false
	s.mutate(roomID, func(st *State) error {
		if lock, ok := st.Locks[elementID]; ok && lock.UserID == userID {
			delete(st.Locks, elementID)
			released = true
		}
		return nil
	})
	return released
}

// ReleaseUserLocks frees every lock held by the user and returns the freed
// element ids. Called when a user leaves or their grace period expires.
func (s *Store) ReleaseUserLocks(roomID, userID string) []string {
	var released []string
	s.mutate(roomID, func(st *State) error {
		for elementID, lock := range st.Locks {
			if lock.UserID == userID {
				delete(st.Locks, elementID)
				released = append(released, elementID)
			}
		}
		return nil
	})
	return released
}

// IsLocked returns the lock on an element, or nil
func (s *Store) IsLocked(roomID, elementID string) *LockInfo {
	r := s.get(roomID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return nil
	}
	if lock, ok := r.state.Locks[elementID]; ok {
		copied := lock
		return &copied
	}
	return nil
}
