package verify

// Snapshot is the set of container ids for a component at one instant.
type Snapshot map[string]struct{}

// NewSnapshot builds a snapshot from ids.
func NewSnapshot(ids []string) Snapshot {
	s := make(Snapshot, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether id was present.
func (s Snapshot) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// FirstNew returns the first id not in the snapshot.
func (s Snapshot) FirstNew(ids []string) (string, bool) {
	for _, id := range ids {
		if !s.Contains(id) {
			return id, true
		}
	}
	return "", false
}
