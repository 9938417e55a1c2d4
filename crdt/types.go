// Package crdt implements the per-scene replicated state store: last-write-wins
// registers and grow-only sets keyed by (entity, component), with a dirty-set
// that is drained once per tick.
package crdt

import "fmt"

// EntityID is a 32-bit value partitioned as (number:16, version:16). Reuse of
// a number requires a monotonic increase of its version.
type EntityID uint32

// NewEntityID builds an EntityID from its number and version parts.
func NewEntityID(number, version uint16) EntityID {
	return EntityID(uint32(number) | uint32(version)<<16)
}

// Number returns the slot index part.
func (e EntityID) Number() uint16 { return uint16(e & 0xffff) }

// Version returns the reuse generation part.
func (e EntityID) Version() uint16 { return uint16(e >> 16) }

func (e EntityID) String() string {
	return fmt.Sprintf("E%d.%d", e.Number(), e.Version())
}

// ComponentID is a 32-bit registry key. Values below MaxReservedComponent are
// reserved for well-known host components; the rest are registered from a
// schema manifest.
type ComponentID uint32

const (
	// ComponentTransform exists in every component map.
	ComponentTransform ComponentID = 1
	// ComponentInternalPlayerData carries host-owned player state.
	ComponentInternalPlayerData ComponentID = 1040

	// MaxReservedComponent bounds the host-reserved component id range.
	MaxReservedComponent ComponentID = 2048
)

// Timestamp is a 32-bit monotonic counter scoped to
// (scene, entity, component).
type Timestamp uint32

// SceneID is an opaque dense integer assigned by the lifecycle manager on
// scene spawn.
type SceneID int32

// ComponentKind distinguishes the two replication semantics.
type ComponentKind int

const (
	KindLWW ComponentKind = iota
	KindGOS
)

// ComponentSchema is one entry of a scene's component manifest.
type ComponentSchema struct {
	ID   ComponentID
	Name string
	Kind ComponentKind
}
