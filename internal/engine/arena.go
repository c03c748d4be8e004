package engine

// ModuleState is an analysis module's per-state storage. Clone must return a
// deep copy; forked states evolve independently.
type ModuleState interface {
	Clone() ModuleState
}

// Arena stores each module's state keyed by execution-state ID, so modules
// stay free of their own bookkeeping maps and forks copy everything in one
// place.
type Arena struct {
	slots map[int]map[string]ModuleState
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{slots: make(map[int]map[string]ModuleState)}
}

// Get returns the module's storage for the given state, creating it with
// factory on first access.
func (a *Arena) Get(stateID int, module string, factory func() ModuleState) ModuleState {
	slot, ok := a.slots[stateID]
	if !ok {
		slot = make(map[string]ModuleState)
		a.slots[stateID] = slot
	}
	ms, ok := slot[module]
	if !ok {
		ms = factory()
		slot[module] = ms
	}
	return ms
}

// Lookup returns the module's storage for the given state without creating
// it.
func (a *Arena) Lookup(stateID int, module string) (ModuleState, bool) {
	slot, ok := a.slots[stateID]
	if !ok {
		return nil, false
	}
	ms, ok := slot[module]
	return ms, ok
}

// CloneFor copies every module's storage from parent to child.
func (a *Arena) CloneFor(parentID, childID int) {
	parent, ok := a.slots[parentID]
	if !ok {
		return
	}
	child := make(map[string]ModuleState, len(parent))
	for name, ms := range parent {
		child[name] = ms.Clone()
	}
	a.slots[childID] = child
}

// Destroy releases a state's storage.
func (a *Arena) Destroy(stateID int) {
	delete(a.slots, stateID)
}
