package crdt

import (
	"bytes"
	"sort"
)

// lwwEntry is one register value. A tombstone (value == nil) is retained so
// its timestamp keeps participating in ordering.
type lwwEntry struct {
	ts    Timestamp
	value []byte // nil means tombstone
}

// compareOrdering returns the ordering of (ts, value) against the entry.
// Ordering is (timestamp, bytewise(value)) ascending; a tombstone is less
// than any non-empty payload at the same timestamp.
func (e *lwwEntry) compareOrdering(ts Timestamp, value []byte) int {
	if ts != e.ts {
		if ts > e.ts {
			return 1
		}
		return -1
	}
	if value == nil && e.value == nil {
		return 0
	}
	if value == nil {
		return -1
	}
	if e.value == nil {
		return 1
	}
	return bytes.Compare(value, e.value)
}

// LastWriteWins holds at most one value per entity for a single component.
type LastWriteWins struct {
	entries map[EntityID]*lwwEntry
}

func newLastWriteWins() *LastWriteWins {
	return &LastWriteWins{entries: make(map[EntityID]*lwwEntry)}
}

// Get returns the current value for an entity. ok is false for both a missing
// entry and a tombstone.
func (l *LastWriteWins) Get(entity EntityID) ([]byte, bool) {
	e, ok := l.entries[entity]
	if !ok || e.value == nil {
		return nil, false
	}
	return e.value, true
}

// GrowOnlySet is an ordered append-only log per entity. It never shrinks
// during the entity's life and is cleared only when the entity dies.
type GrowOnlySet struct {
	logs map[EntityID][][]byte
}

func newGrowOnlySet() *GrowOnlySet {
	return &GrowOnlySet{logs: make(map[EntityID][][]byte)}
}

// Iter returns the append log for an entity in insertion order.
func (g *GrowOnlySet) Iter(entity EntityID) [][]byte {
	return g.logs[entity]
}

// DirtyEntities are the per-tick birth and death sets.
type DirtyEntities struct {
	Born []EntityID
	Died []EntityID
}

// Dirty is the per-tick change summary. Reading it via TakeDirty atomically
// clears the accumulated state.
type Dirty struct {
	Entities DirtyEntities
	LWW      map[ComponentID][]EntityID
	GOS      map[ComponentID]map[EntityID]int
}

func newDirty() Dirty {
	return Dirty{
		LWW: make(map[ComponentID][]EntityID),
		GOS: make(map[ComponentID]map[EntityID]int),
	}
}

// entitySlot tracks the live generation of one entity number.
type entitySlot struct {
	version uint16
	alive   bool
}

// State is the CRDT store for a single scene. It is not internally
// synchronized: each side of the scene/host boundary owns its projection and
// exchanges deltas.
type State struct {
	lww map[ComponentID]*LastWriteWins
	gos map[ComponentID]*GrowOnlySet

	slots map[uint16]entitySlot

	dirty Dirty
}

// NewState creates a state with the well-known host components registered.
// The TRANSFORM component exists for every component map.
func NewState() *State {
	s := &State{
		lww:   make(map[ComponentID]*LastWriteWins),
		gos:   make(map[ComponentID]*GrowOnlySet),
		slots: make(map[uint16]entitySlot),
		dirty: newDirty(),
	}
	s.RegisterComponent(ComponentTransform, KindLWW)
	s.RegisterComponent(ComponentInternalPlayerData, KindLWW)
	return s
}

// NewStateFromManifest pre-registers every schema-declared component.
// Registration is idempotent.
func NewStateFromManifest(manifest []ComponentSchema) *State {
	s := NewState()
	for _, c := range manifest {
		s.RegisterComponent(c.ID, c.Kind)
	}
	return s
}

// RegisterComponent registers a component id with a replication kind.
// Registering an already-known id is a no-op.
func (s *State) RegisterComponent(id ComponentID, kind ComponentKind) {
	switch kind {
	case KindLWW:
		if _, ok := s.lww[id]; !ok {
			s.lww[id] = newLastWriteWins()
		}
	case KindGOS:
		if _, ok := s.gos[id]; !ok {
			s.gos[id] = newGrowOnlySet()
		}
	}
}

// HasComponent reports whether a component id is registered.
func (s *State) HasComponent(id ComponentID) bool {
	if _, ok := s.lww[id]; ok {
		return true
	}
	_, ok := s.gos[id]
	return ok
}

// entityUsable reports whether writes to an entity may proceed, birthing the
// entity if this is its first sighting. A write to a dead or stale generation
// fails silently.
func (s *State) entityUsable(entity EntityID) bool {
	slot, seen := s.slots[entity.Number()]
	if !seen || entity.Version() > slot.version {
		s.slots[entity.Number()] = entitySlot{version: entity.Version(), alive: true}
		s.dirty.Entities.Born = append(s.dirty.Entities.Born, entity)
		return true
	}
	if entity.Version() < slot.version {
		return false
	}
	return slot.alive
}

// EntityAlive reports whether the entity's generation is current and alive.
func (s *State) EntityAlive(entity EntityID) bool {
	slot, ok := s.slots[entity.Number()]
	return ok && slot.version == entity.Version() && slot.alive
}

// PutLWW applies a last-write-wins write. A nil value writes a tombstone.
// Returns true when the write was applied (strictly greater ordering than the
// current entry, with missing treated as the minimum).
func (s *State) PutLWW(component ComponentID, entity EntityID, ts Timestamp, value []byte) bool {
	reg, ok := s.lww[component]
	if !ok {
		return false
	}
	if !s.entityUsable(entity) {
		return false
	}

	if cur, ok := reg.entries[entity]; ok {
		if cur.compareOrdering(ts, value) <= 0 {
			return false
		}
		cur.ts = ts
		cur.value = value
	} else {
		reg.entries[entity] = &lwwEntry{ts: ts, value: value}
	}

	s.markLWWDirty(component, entity)
	return true
}

// DeleteLWW writes a tombstone; the entry is retained with its timestamp to
// preserve ordering.
func (s *State) DeleteLWW(component ComponentID, entity EntityID, ts Timestamp) bool {
	return s.PutLWW(component, entity, ts, nil)
}

// GetLWW returns the current value for (component, entity).
func (s *State) GetLWW(component ComponentID, entity EntityID) ([]byte, bool) {
	reg, ok := s.lww[component]
	if !ok {
		return nil, false
	}
	return reg.Get(entity)
}

// AppendGOS appends an element to the entity's grow-only log. GOS carries no
// timestamps; ordering is insertion order.
func (s *State) AppendGOS(component ComponentID, entity EntityID, element []byte) bool {
	set, ok := s.gos[component]
	if !ok {
		return false
	}
	if !s.entityUsable(entity) {
		return false
	}

	set.logs[entity] = append(set.logs[entity], element)

	counts, ok := s.dirty.GOS[component]
	if !ok {
		counts = make(map[EntityID]int)
		s.dirty.GOS[component] = counts
	}
	counts[entity]++
	return true
}

// IterGOS returns the append log for (component, entity) in insertion order.
func (s *State) IterGOS(component ComponentID, entity EntityID) [][]byte {
	set, ok := s.gos[component]
	if !ok {
		return nil
	}
	return set.Iter(entity)
}

// KillEntity records the entity's death and drops its LWW entries and GOS
// logs at once. Subsequent writes to the same (number, version) are ignored;
// writes with a higher version start a fresh entry.
func (s *State) KillEntity(entity EntityID) {
	slot, seen := s.slots[entity.Number()]
	if seen && (entity.Version() < slot.version || (entity.Version() == slot.version && !slot.alive)) {
		return
	}
	s.slots[entity.Number()] = entitySlot{version: entity.Version(), alive: false}
	for _, reg := range s.lww {
		delete(reg.entries, entity)
	}
	for _, set := range s.gos {
		delete(set.logs, entity)
	}
	s.dirty.Entities.Died = append(s.dirty.Entities.Died, entity)
}

func (s *State) markLWWDirty(component ComponentID, entity EntityID) {
	for _, e := range s.dirty.LWW[component] {
		if e == entity {
			return
		}
	}
	s.dirty.LWW[component] = append(s.dirty.LWW[component], entity)
}

// TakeDirty returns the accumulated change summary and clears it. Entities
// that died this tick have their LWW entries dropped and GOS logs cleared
// without per-component dirty events.
func (s *State) TakeDirty() Dirty {
	dirty := s.dirty
	s.dirty = newDirty()

	for _, dead := range dirty.Entities.Died {
		for component, reg := range s.lww {
			delete(reg.entries, dead)
			dirty.LWW[component] = removeEntity(dirty.LWW[component], dead)
		}
		for component, set := range s.gos {
			delete(set.logs, dead)
			if counts, ok := dirty.GOS[component]; ok {
				delete(counts, dead)
			}
		}
		// A born-and-died-in-one-tick entity never surfaces
		dirty.Entities.Born = removeEntity(dirty.Entities.Born, dead)
	}

	for component, counts := range dirty.GOS {
		if len(counts) == 0 {
			delete(dirty.GOS, component)
		}
	}
	for component, entities := range dirty.LWW {
		if len(entities) == 0 {
			delete(dirty.LWW, component)
		}
	}

	sortEntities(dirty.Entities.Born)
	sortEntities(dirty.Entities.Died)
	return dirty
}

// Empty reports whether a dirty summary carries no changes.
func (d *Dirty) Empty() bool {
	return len(d.Entities.Born) == 0 && len(d.Entities.Died) == 0 &&
		len(d.LWW) == 0 && len(d.GOS) == 0
}

func removeEntity(list []EntityID, target EntityID) []EntityID {
	out := list[:0]
	for _, e := range list {
		if e != target {
			out = append(out, e)
		}
	}
	return out
}

func sortEntities(list []EntityID) {
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
}
