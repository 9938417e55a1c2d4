package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityIDParts(t *testing.T) {
	e := NewEntityID(7, 3)
	assert.Equal(t, uint16(7), e.Number())
	assert.Equal(t, uint16(3), e.Version())
}

func TestLWWBasicPut(t *testing.T) {
	s := NewState()
	e := NewEntityID(1, 0)

	assert.True(t, s.PutLWW(ComponentTransform, e, 1, []byte{0xaa}))
	got, ok := s.GetLWW(ComponentTransform, e)
	require.True(t, ok)
	assert.Equal(t, []byte{0xaa}, got)

	// Lower timestamp is rejected
	assert.False(t, s.PutLWW(ComponentTransform, e, 0, []byte{0xbb}))
	got, _ = s.GetLWW(ComponentTransform, e)
	assert.Equal(t, []byte{0xaa}, got)
}

func TestLWWTieBreaksOnBytes(t *testing.T) {
	s := NewState()
	e := NewEntityID(1, 0)

	assert.True(t, s.PutLWW(ComponentTransform, e, 5, []byte{0x01}))
	d := s.TakeDirty()
	assert.Equal(t, []EntityID{e}, d.LWW[ComponentTransform])

	// Same timestamp, smaller byte value loses
	assert.False(t, s.PutLWW(ComponentTransform, e, 5, []byte{0x00}))
	got, _ := s.GetLWW(ComponentTransform, e)
	assert.Equal(t, []byte{0x01}, got)

	d = s.TakeDirty()
	assert.True(t, d.Empty())
}

func TestLWWConvergence(t *testing.T) {
	// Two permutations of the same write multiset converge
	type write struct {
		ts Timestamp
		v  []byte
	}
	writes := []write{
		{3, []byte{0x10}},
		{1, []byte{0xff}},
		{3, []byte{0x09}},
		{2, nil},
	}

	apply := func(order []int) ([]byte, bool) {
		s := NewState()
		e := NewEntityID(4, 0)
		for _, i := range order {
			s.PutLWW(ComponentTransform, e, writes[i].ts, writes[i].v)
		}
		return s.GetLWW(ComponentTransform, e)
	}

	v1, ok1 := apply([]int{0, 1, 2, 3})
	v2, ok2 := apply([]int{3, 2, 1, 0})
	v3, ok3 := apply([]int{1, 3, 0, 2})
	assert.Equal(t, ok1, ok2)
	assert.Equal(t, ok1, ok3)
	assert.Equal(t, v1, v2)
	assert.Equal(t, v1, v3)
	assert.Equal(t, []byte{0x10}, v1)
}

func TestTombstonePreservesOrdering(t *testing.T) {
	s := NewState()
	e := NewEntityID(2, 0)

	require.True(t, s.PutLWW(ComponentTransform, e, 5, []byte{0x01}))
	require.True(t, s.DeleteLWW(ComponentTransform, e, 6))

	_, ok := s.GetLWW(ComponentTransform, e)
	assert.False(t, ok)

	// A write older than the tombstone stays dead
	assert.False(t, s.PutLWW(ComponentTransform, e, 5, []byte{0xff}))
	// At the tombstone's timestamp any payload beats the tombstone
	assert.True(t, s.PutLWW(ComponentTransform, e, 6, []byte{0x00}))
}

func TestGOSMonotonicity(t *testing.T) {
	s := NewState()
	s.RegisterComponent(3000, KindGOS)
	e := NewEntityID(1, 0)

	require.True(t, s.AppendGOS(3000, e, []byte("a")))
	require.True(t, s.AppendGOS(3000, e, []byte("b")))

	first := append([][]byte(nil), s.IterGOS(3000, e)...)

	require.True(t, s.AppendGOS(3000, e, []byte("c")))
	second := s.IterGOS(3000, e)

	require.Len(t, second, 3)
	for i := range first {
		assert.Equal(t, first[i], second[i], "earlier sequence is a prefix")
	}
}

func TestKillEntityClearsState(t *testing.T) {
	s := NewState()
	s.RegisterComponent(3000, KindGOS)
	e := NewEntityID(7, 0)

	s.PutLWW(ComponentTransform, e, 1, []byte("A"))
	s.AppendGOS(3000, e, []byte("x"))
	s.TakeDirty()

	s.KillEntity(e)
	d := s.TakeDirty()

	assert.Equal(t, []EntityID{e}, d.Entities.Died)
	assert.Empty(t, d.LWW[ComponentTransform])
	assert.Empty(t, d.GOS[ComponentID(3000)])
	assert.Nil(t, s.IterGOS(3000, e))

	// Same (number, version) writes have no effect
	assert.False(t, s.PutLWW(ComponentTransform, e, 99, []byte("B")))
	d = s.TakeDirty()
	assert.True(t, d.Empty())
}

func TestEntityRespawn(t *testing.T) {
	s := NewState()
	v0 := NewEntityID(7, 0)
	v1 := NewEntityID(7, 1)

	require.True(t, s.PutLWW(ComponentTransform, v0, 1, []byte("A")))
	s.KillEntity(v0)

	// Higher version starts a fresh entry even at a lower timestamp
	require.True(t, s.PutLWW(ComponentTransform, v1, 0, []byte("B")))

	got, ok := s.GetLWW(ComponentTransform, v1)
	require.True(t, ok)
	assert.Equal(t, []byte("B"), got)

	_, ok = s.GetLWW(ComponentTransform, v0)
	assert.False(t, ok)

	d := s.TakeDirty()
	for _, e := range d.LWW[ComponentTransform] {
		assert.NotEqual(t, v0, e, "no dirty entries for the dead generation")
	}
}

func TestBornAndDiedSameTickNeverSurfaces(t *testing.T) {
	s := NewState()
	e := NewEntityID(9, 0)

	s.PutLWW(ComponentTransform, e, 1, []byte("x"))
	s.KillEntity(e)

	d := s.TakeDirty()
	assert.Empty(t, d.Entities.Born)
	assert.Equal(t, []EntityID{e}, d.Entities.Died)
	assert.Empty(t, d.LWW)
}

func TestTakeDirtyClears(t *testing.T) {
	s := NewState()
	e := NewEntityID(1, 0)

	s.PutLWW(ComponentTransform, e, 1, []byte("x"))
	d := s.TakeDirty()
	assert.False(t, d.Empty())

	d = s.TakeDirty()
	assert.True(t, d.Empty())
}

func TestGOSDirtyCounts(t *testing.T) {
	s := NewState()
	s.RegisterComponent(3000, KindGOS)
	e := NewEntityID(1, 0)

	s.AppendGOS(3000, e, []byte("a"))
	s.AppendGOS(3000, e, []byte("b"))

	d := s.TakeDirty()
	assert.Equal(t, 2, d.GOS[ComponentID(3000)][e])
}

func TestRegisterComponentIdempotent(t *testing.T) {
	s := NewState()
	s.RegisterComponent(3000, KindGOS)
	e := NewEntityID(1, 0)
	s.AppendGOS(3000, e, []byte("a"))

	// Re-registering must not drop existing logs
	s.RegisterComponent(3000, KindGOS)
	assert.Len(t, s.IterGOS(3000, e), 1)
}

func TestStaleVersionWriteIgnored(t *testing.T) {
	s := NewState()
	v2 := NewEntityID(5, 2)
	v1 := NewEntityID(5, 1)

	require.True(t, s.PutLWW(ComponentTransform, v2, 1, []byte("new")))
	assert.False(t, s.PutLWW(ComponentTransform, v1, 50, []byte("old")))
	_, ok := s.GetLWW(ComponentTransform, v1)
	assert.False(t, ok)
}
