package scheduler

import (
	"sort"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	snap := Snapshot{Running: s.c != nil, Timezone: loc.String()}
	for _, d := range s.defs {
		it := EntryInfo{TaskID: d.taskID, TaskKey: d.key, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		snap.Entries = append(snap.Entries, it)
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].TaskKey < snap.Entries[j].TaskKey })
	return snap
}
