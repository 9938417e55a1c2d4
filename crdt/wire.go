package crdt

import (
	"encoding/binary"

	"github.com/orbisworld/orbis/errors"
)

// Frame kinds for the scene/host CRDT framing. All integers are
// little-endian. A frame is `u32 length + u32 kind + body`, where length
// counts the whole frame including the length field itself.
const (
	FrameKindPutComponent    uint32 = 0
	FrameKindDeleteComponent uint32 = 1
	FrameKindDeleteEntity    uint32 = 2
	FrameKindAppendComponent uint32 = 3
)

const frameHeaderSize = 8 // length + kind

// Frame is one decoded scene/host CRDT message.
type Frame struct {
	Kind      uint32
	Component ComponentID
	Entity    EntityID
	Timestamp Timestamp
	Data      []byte
}

// EncodeFrame appends the frame's wire representation to dst.
func EncodeFrame(dst []byte, f Frame) []byte {
	var body []byte
	switch f.Kind {
	case FrameKindPutComponent:
		body = make([]byte, 16+len(f.Data))
		binary.LittleEndian.PutUint32(body[0:], uint32(f.Component))
		binary.LittleEndian.PutUint32(body[4:], uint32(f.Entity))
		binary.LittleEndian.PutUint32(body[8:], uint32(f.Timestamp))
		binary.LittleEndian.PutUint32(body[12:], uint32(len(f.Data)))
		copy(body[16:], f.Data)
	case FrameKindDeleteComponent:
		body = make([]byte, 12)
		binary.LittleEndian.PutUint32(body[0:], uint32(f.Component))
		binary.LittleEndian.PutUint32(body[4:], uint32(f.Entity))
		binary.LittleEndian.PutUint32(body[8:], uint32(f.Timestamp))
	case FrameKindDeleteEntity:
		body = make([]byte, 4)
		binary.LittleEndian.PutUint32(body[0:], uint32(f.Entity))
	case FrameKindAppendComponent:
		body = make([]byte, 12+len(f.Data))
		binary.LittleEndian.PutUint32(body[0:], uint32(f.Component))
		binary.LittleEndian.PutUint32(body[4:], uint32(f.Entity))
		binary.LittleEndian.PutUint32(body[8:], uint32(len(f.Data)))
		copy(body[12:], f.Data)
	}

	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:], uint32(frameHeaderSize+len(body)))
	binary.LittleEndian.PutUint32(header[4:], f.Kind)
	dst = append(dst, header[:]...)
	return append(dst, body...)
}

// EncodeBatch encodes frames back to back into a single byte stream.
func EncodeBatch(frames []Frame) []byte {
	var out []byte
	for _, f := range frames {
		out = EncodeFrame(out, f)
	}
	return out
}

// DecodeBatch decodes a byte stream of frames. Processing is all-or-nothing
// per frame: a malformed frame aborts the batch, returning the frames decoded
// before it together with the error.
func DecodeBatch(data []byte) ([]Frame, error) {
	var frames []Frame
	off := 0
	for off < len(data) {
		if len(data)-off < frameHeaderSize {
			return frames, errors.Newf("truncated frame header at offset %d", off)
		}
		length := binary.LittleEndian.Uint32(data[off:])
		kind := binary.LittleEndian.Uint32(data[off+4:])
		if length < frameHeaderSize || int(length) > len(data)-off {
			return frames, errors.Newf("invalid frame length %d at offset %d", length, off)
		}
		body := data[off+frameHeaderSize : off+int(length)]

		f, err := decodeBody(kind, body)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		off += int(length)
	}
	return frames, nil
}

func decodeBody(kind uint32, body []byte) (Frame, error) {
	f := Frame{Kind: kind}
	switch kind {
	case FrameKindPutComponent:
		if len(body) < 16 {
			return f, errors.Newf("put frame body too short: %d", len(body))
		}
		f.Component = ComponentID(binary.LittleEndian.Uint32(body[0:]))
		f.Entity = EntityID(binary.LittleEndian.Uint32(body[4:]))
		f.Timestamp = Timestamp(binary.LittleEndian.Uint32(body[8:]))
		dataLen := binary.LittleEndian.Uint32(body[12:])
		if int(dataLen) != len(body)-16 {
			return f, errors.Newf("put frame data length mismatch: declared %d, have %d", dataLen, len(body)-16)
		}
		f.Data = body[16:]
	case FrameKindDeleteComponent:
		if len(body) != 12 {
			return f, errors.Newf("delete-component frame body size %d", len(body))
		}
		f.Component = ComponentID(binary.LittleEndian.Uint32(body[0:]))
		f.Entity = EntityID(binary.LittleEndian.Uint32(body[4:]))
		f.Timestamp = Timestamp(binary.LittleEndian.Uint32(body[8:]))
	case FrameKindDeleteEntity:
		if len(body) != 4 {
			return f, errors.Newf("delete-entity frame body size %d", len(body))
		}
		f.Entity = EntityID(binary.LittleEndian.Uint32(body[0:]))
	case FrameKindAppendComponent:
		if len(body) < 12 {
			return f, errors.Newf("append frame body too short: %d", len(body))
		}
		f.Component = ComponentID(binary.LittleEndian.Uint32(body[0:]))
		f.Entity = EntityID(binary.LittleEndian.Uint32(body[4:]))
		dataLen := binary.LittleEndian.Uint32(body[8:])
		if int(dataLen) != len(body)-12 {
			return f, errors.Newf("append frame data length mismatch: declared %d, have %d", dataLen, len(body)-12)
		}
		f.Data = body[12:]
	default:
		return f, errors.Newf("unknown frame kind %d", kind)
	}
	return f, nil
}

// Apply applies one decoded frame to the state.
func (s *State) Apply(f Frame) {
	switch f.Kind {
	case FrameKindPutComponent:
		s.PutLWW(f.Component, f.Entity, f.Timestamp, f.Data)
	case FrameKindDeleteComponent:
		s.DeleteLWW(f.Component, f.Entity, f.Timestamp)
	case FrameKindDeleteEntity:
		s.KillEntity(f.Entity)
	case FrameKindAppendComponent:
		s.AppendGOS(f.Component, f.Entity, f.Data)
	}
}

// ApplyBatch decodes data and applies frames in emission order. On a
// malformed frame the preceding frames remain applied and the error is
// returned; the scene is not killed.
func (s *State) ApplyBatch(data []byte) error {
	frames, err := DecodeBatch(data)
	for _, f := range frames {
		s.Apply(f)
	}
	return err
}
