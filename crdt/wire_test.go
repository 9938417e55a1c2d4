package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutFrameRoundTrip(t *testing.T) {
	f := Frame{
		Kind:      FrameKindPutComponent,
		Component: ComponentTransform,
		Entity:    NewEntityID(12, 1),
		Timestamp: 77,
		Data:      []byte{1, 2, 3, 4},
	}

	decoded, err := DecodeBatch(EncodeFrame(nil, f))
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, f, decoded[0])
}

func TestBatchPreservesOrder(t *testing.T) {
	frames := []Frame{
		{Kind: FrameKindPutComponent, Component: 1, Entity: 1, Timestamp: 1, Data: []byte("a")},
		{Kind: FrameKindAppendComponent, Component: 3000, Entity: 1, Data: []byte("b")},
		{Kind: FrameKindDeleteComponent, Component: 1, Entity: 2, Timestamp: 5},
		{Kind: FrameKindDeleteEntity, Entity: 3},
	}

	decoded, err := DecodeBatch(EncodeBatch(frames))
	require.NoError(t, err)
	require.Len(t, decoded, 4)
	for i := range frames {
		assert.Equal(t, frames[i].Kind, decoded[i].Kind)
		assert.Equal(t, frames[i].Entity, decoded[i].Entity)
	}
}

func TestMalformedFrameAbortsBatchKeepsPrior(t *testing.T) {
	good := EncodeFrame(nil, Frame{
		Kind: FrameKindPutComponent, Component: 1, Entity: 1, Timestamp: 1, Data: []byte("ok"),
	})
	// Garbage tail: bogus length
	stream := append(good, 0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0)

	decoded, err := DecodeBatch(stream)
	require.Error(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, []byte("ok"), decoded[0].Data)
}

func TestUnknownKindRejected(t *testing.T) {
	stream := EncodeFrame(nil, Frame{Kind: FrameKindDeleteEntity, Entity: 1})
	stream[4] = 0x99 // corrupt the kind

	_, err := DecodeBatch(stream)
	assert.Error(t, err)
}

func TestApplyBatchRetainsPriorFramesOnError(t *testing.T) {
	s := NewState()
	e := NewEntityID(1, 0)

	good := EncodeFrame(nil, Frame{
		Kind: FrameKindPutComponent, Component: ComponentTransform, Entity: e, Timestamp: 1, Data: []byte("v"),
	})
	stream := append(good, 1, 2, 3) // truncated header

	err := s.ApplyBatch(stream)
	require.Error(t, err)

	got, ok := s.GetLWW(ComponentTransform, e)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestApplyBatchOrdering(t *testing.T) {
	s := NewState()
	e := NewEntityID(1, 0)

	stream := EncodeBatch([]Frame{
		{Kind: FrameKindPutComponent, Component: ComponentTransform, Entity: e, Timestamp: 1, Data: []byte("first")},
		{Kind: FrameKindPutComponent, Component: ComponentTransform, Entity: e, Timestamp: 2, Data: []byte("second")},
	})

	require.NoError(t, s.ApplyBatch(stream))
	got, _ := s.GetLWW(ComponentTransform, e)
	assert.Equal(t, []byte("second"), got)
}
