// Package wire implements the transport wire formats: Rfc4 peer packets, the
// WebSocket room wrapper, and the Archipelago control messages. Messages are
// encoded with the protobuf wire format via encoding/protowire; every decoder
// tolerates unknown fields so peers running newer schemas stay compatible.
package wire

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/orbisworld/orbis/errors"
)

// Rfc4 packet oneof field numbers.
const (
	fieldPosition           = 1
	fieldMovement           = 2
	fieldMovementCompressed = 3
	fieldChat               = 4
	fieldProfileRequest     = 5
	fieldProfileResponse    = 6
	fieldProfileVersion     = 7
	fieldScene              = 8
	fieldVoice              = 9
)

// Packet is the Rfc4 peer packet. Exactly one variant is set.
type Packet struct {
	Position           *Position
	Movement           *Movement
	MovementCompressed *MovementCompressed
	Chat               *Chat
	ProfileRequest     *ProfileRequest
	ProfileResponse    *ProfileResponse
	ProfileVersion     *ProfileVersion
	Scene              *SceneMessage
	Voice              *Voice
}

// Position is a full-precision avatar transform sample.
type Position struct {
	Index uint32
	X, Y, Z float32
	RotX, RotY, RotZ, RotW float32
}

// Movement is an uncompressed movement sample.
type Movement struct {
	Timestamp float32
	X, Y, Z   float32
	VelX, VelY, VelZ float32
	RotationY float32
}

// MovementCompressed is a fixed-width bit-packed movement record in
// realm-space. See movement.go for the packing.
type MovementCompressed struct {
	TemporalData uint32
	MovementData uint64
}

// Chat is a broadcast text message.
type Chat struct {
	Message   string
	Timestamp float64
}

// ProfileRequest asks a specific address for its profile.
type ProfileRequest struct {
	Address        string
	ProfileVersion uint32
}

// ProfileResponse carries a serialized profile document.
type ProfileResponse struct {
	SerializedProfile string
	BaseURL           string
}

// ProfileVersion announces the sender's current profile version.
type ProfileVersion struct {
	ProfileVersion uint32
}

// SceneMessage is scene-to-scene bus traffic, routed by scene id.
type SceneMessage struct {
	SceneID string
	Data    []byte
}

// Voice carries one PCM frame. The stream parameters ride along so the first
// frame of a new sender can initialize the audio channel.
type Voice struct {
	EncodedSamples    []byte
	Index             uint32
	SampleRate        uint32
	NumChannels       uint32
	SamplesPerChannel uint32
}

// Marshal encodes the packet. Exactly one variant must be set.
func (p *Packet) Marshal() ([]byte, error) {
	var b []byte
	switch {
	case p.Position != nil:
		b = appendMessage(b, fieldPosition, p.Position.marshal())
	case p.Movement != nil:
		b = appendMessage(b, fieldMovement, p.Movement.marshal())
	case p.MovementCompressed != nil:
		b = appendMessage(b, fieldMovementCompressed, p.MovementCompressed.marshal())
	case p.Chat != nil:
		b = appendMessage(b, fieldChat, p.Chat.marshal())
	case p.ProfileRequest != nil:
		b = appendMessage(b, fieldProfileRequest, p.ProfileRequest.marshal())
	case p.ProfileResponse != nil:
		b = appendMessage(b, fieldProfileResponse, p.ProfileResponse.marshal())
	case p.ProfileVersion != nil:
		b = appendMessage(b, fieldProfileVersion, p.ProfileVersion.marshal())
	case p.Scene != nil:
		b = appendMessage(b, fieldScene, p.Scene.marshal())
	case p.Voice != nil:
		b = appendMessage(b, fieldVoice, p.Voice.marshal())
	default:
		return nil, errors.New("empty packet")
	}
	return b, nil
}

// UnmarshalPacket decodes an Rfc4 packet.
func UnmarshalPacket(data []byte) (*Packet, error) {
	p := &Packet{}
	err := walkFields(data, func(num protowire.Number, payload []byte) error {
		switch num {
		case fieldPosition:
			p.Position = &Position{}
			return p.Position.unmarshal(payload)
		case fieldMovement:
			p.Movement = &Movement{}
			return p.Movement.unmarshal(payload)
		case fieldMovementCompressed:
			p.MovementCompressed = &MovementCompressed{}
			return p.MovementCompressed.unmarshal(payload)
		case fieldChat:
			p.Chat = &Chat{}
			return p.Chat.unmarshal(payload)
		case fieldProfileRequest:
			p.ProfileRequest = &ProfileRequest{}
			return p.ProfileRequest.unmarshal(payload)
		case fieldProfileResponse:
			p.ProfileResponse = &ProfileResponse{}
			return p.ProfileResponse.unmarshal(payload)
		case fieldProfileVersion:
			p.ProfileVersion = &ProfileVersion{}
			return p.ProfileVersion.unmarshal(payload)
		case fieldScene:
			p.Scene = &SceneMessage{}
			return p.Scene.unmarshal(payload)
		case fieldVoice:
			p.Voice = &Voice{}
			return p.Voice.unmarshal(payload)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (m *Position) marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Index))
	b = appendFloatField(b, 2, m.X)
	b = appendFloatField(b, 3, m.Y)
	b = appendFloatField(b, 4, m.Z)
	b = appendFloatField(b, 5, m.RotX)
	b = appendFloatField(b, 6, m.RotY)
	b = appendFloatField(b, 7, m.RotZ)
	b = appendFloatField(b, 8, m.RotW)
	return b
}

func (m *Position) unmarshal(data []byte) error {
	return walkScalars(data, func(num protowire.Number, typ protowire.Type, v uint64) {
		switch num {
		case 1:
			m.Index = uint32(v)
		case 2:
			m.X = math.Float32frombits(uint32(v))
		case 3:
			m.Y = math.Float32frombits(uint32(v))
		case 4:
			m.Z = math.Float32frombits(uint32(v))
		case 5:
			m.RotX = math.Float32frombits(uint32(v))
		case 6:
			m.RotY = math.Float32frombits(uint32(v))
		case 7:
			m.RotZ = math.Float32frombits(uint32(v))
		case 8:
			m.RotW = math.Float32frombits(uint32(v))
		}
	})
}

func (m *Movement) marshal() []byte {
	var b []byte
	b = appendFloatField(b, 1, m.Timestamp)
	b = appendFloatField(b, 2, m.X)
	b = appendFloatField(b, 3, m.Y)
	b = appendFloatField(b, 4, m.Z)
	b = appendFloatField(b, 5, m.VelX)
	b = appendFloatField(b, 6, m.VelY)
	b = appendFloatField(b, 7, m.VelZ)
	b = appendFloatField(b, 8, m.RotationY)
	return b
}

func (m *Movement) unmarshal(data []byte) error {
	return walkScalars(data, func(num protowire.Number, typ protowire.Type, v uint64) {
		f := math.Float32frombits(uint32(v))
		switch num {
		case 1:
			m.Timestamp = f
		case 2:
			m.X = f
		case 3:
			m.Y = f
		case 4:
			m.Z = f
		case 5:
			m.VelX = f
		case 6:
			m.VelY = f
		case 7:
			m.VelZ = f
		case 8:
			m.RotationY = f
		}
	})
}

func (m *MovementCompressed) marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.TemporalData))
	b = appendVarintField(b, 2, m.MovementData)
	return b
}

func (m *MovementCompressed) unmarshal(data []byte) error {
	return walkScalars(data, func(num protowire.Number, typ protowire.Type, v uint64) {
		switch num {
		case 1:
			m.TemporalData = uint32(v)
		case 2:
			m.MovementData = v
		}
	})
}

func (m *Chat) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.Message)
	b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(m.Timestamp))
	return b
}

func (m *Chat) unmarshal(data []byte) error {
	return walkAll(data, func(num protowire.Number, typ protowire.Type, v uint64, payload []byte) {
		switch num {
		case 1:
			m.Message = string(payload)
		case 2:
			m.Timestamp = math.Float64frombits(v)
		}
	})
}

func (m *ProfileRequest) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.Address)
	b = appendVarintField(b, 2, uint64(m.ProfileVersion))
	return b
}

func (m *ProfileRequest) unmarshal(data []byte) error {
	return walkAll(data, func(num protowire.Number, typ protowire.Type, v uint64, payload []byte) {
		switch num {
		case 1:
			m.Address = string(payload)
		case 2:
			m.ProfileVersion = uint32(v)
		}
	})
}

func (m *ProfileResponse) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.SerializedProfile)
	b = appendStringField(b, 2, m.BaseURL)
	return b
}

func (m *ProfileResponse) unmarshal(data []byte) error {
	return walkAll(data, func(num protowire.Number, typ protowire.Type, v uint64, payload []byte) {
		switch num {
		case 1:
			m.SerializedProfile = string(payload)
		case 2:
			m.BaseURL = string(payload)
		}
	})
}

func (m *ProfileVersion) marshal() []byte {
	return appendVarintField(nil, 1, uint64(m.ProfileVersion))
}

func (m *ProfileVersion) unmarshal(data []byte) error {
	return walkScalars(data, func(num protowire.Number, typ protowire.Type, v uint64) {
		if num == 1 {
			m.ProfileVersion = uint32(v)
		}
	})
}

func (m *SceneMessage) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.SceneID)
	b = appendBytesField(b, 2, m.Data)
	return b
}

func (m *SceneMessage) unmarshal(data []byte) error {
	return walkAll(data, func(num protowire.Number, typ protowire.Type, v uint64, payload []byte) {
		switch num {
		case 1:
			m.SceneID = string(payload)
		case 2:
			m.Data = append([]byte(nil), payload...)
		}
	})
}

func (m *Voice) marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.EncodedSamples)
	b = appendVarintField(b, 2, uint64(m.Index))
	b = appendVarintField(b, 3, uint64(m.SampleRate))
	b = appendVarintField(b, 4, uint64(m.NumChannels))
	b = appendVarintField(b, 5, uint64(m.SamplesPerChannel))
	return b
}

func (m *Voice) unmarshal(data []byte) error {
	return walkAll(data, func(num protowire.Number, typ protowire.Type, v uint64, payload []byte) {
		switch num {
		case 1:
			m.EncodedSamples = append([]byte(nil), payload...)
		case 2:
			m.Index = uint32(v)
		case 3:
			m.SampleRate = uint32(v)
		case 4:
			m.NumChannels = uint32(v)
		case 5:
			m.SamplesPerChannel = uint32(v)
		}
	})
}
