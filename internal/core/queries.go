package core

// IsRegistered reports whether the type id has a live registration.
func (s *Service) IsRegistered(typeID TypeID) bool {
	var ok bool
	_ = s.do(func() { _, ok = s.regs[typeID] })
	return ok
}

// GroupOf returns the group a registered type belongs to.
func (s *Service) GroupOf(typeID TypeID) (Group, bool) {
	var (
		g  Group
		ok bool
	)
	_ = s.do(func() {
		if reg, exists := s.regs[typeID]; exists {
			g, ok = reg.group, true
		}
	})
	return g, ok
}

// Idle reports whether the active set is empty. Queued tasks don't count.
func (s *Service) Idle() bool {
	idle := true
	_ = s.do(func() { idle = len(s.active) == 0 })
	return idle
}

// AddedByType reports whether a task of the given type is present, and if
// so whether it is active (vs queued). The active set is checked first.
func (s *Service) AddedByType(typeID TypeID) (added, active bool) {
	_ = s.do(func() {
		for _, t := range s.active {
			if t.typeID == typeID {
				added, active = true, true
				return
			}
		}
		for _, t := range s.queued {
			if t.typeID == typeID {
				added = true
				return
			}
		}
	})
	return added, active
}

// AddedByGroup reports whether a task in the given group is present, and if
// so whether it is active (vs queued). The active set is checked first.
func (s *Service) AddedByGroup(g Group) (added, active bool) {
	_ = s.do(func() {
		for _, t := range s.active {
			if t.group == g {
				added, active = true, true
				return
			}
		}
		for _, t := range s.queued {
			if t.group == g {
				added = true
				return
			}
		}
	})
	return added, active
}

// Stats returns a consistent snapshot of scheduler occupancy.
func (s *Service) Stats() Stats {
	st := Stats{
		ActiveByGroup: map[Group]int{},
		QueuedByGroup: map[Group]int{},
	}
	_ = s.do(func() {
		st.Registered = len(s.regs)
		st.Active = len(s.active)
		st.Queued = len(s.queued)
		st.Draining = s.draining
		for _, t := range s.active {
			st.ActiveByGroup[t.group]++
		}
		for _, t := range s.queued {
			st.QueuedByGroup[t.group]++
		}
	})
	return st
}
