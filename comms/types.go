// Package comms implements the communications multiplexer: the peer state
// machine and message processor that unify packets from multiple transport
// rooms, plus the transport adapters themselves (WebSocket room, WebRTC/SFU
// room, Archipelago controller).
package comms

import (
	"context"
	"encoding/json"

	"github.com/orbisworld/orbis/comms/wire"
	"github.com/orbisworld/orbis/identity"
)

// Adapter is the uniform transport room contract.
type Adapter interface {
	// Poll pumps the adapter once on the host thread. Returns false when the
	// adapter is permanently finished and should be discarded.
	Poll() bool
	// Clean closes sockets and cancels internal tasks.
	Clean()
	// SendRfc4 broadcasts a peer packet. Reliable delivery is requested
	// unless unreliable is set.
	SendRfc4(packet *wire.Packet, unreliable bool) bool
	// ChangeProfile announces a new profile version to the room.
	ChangeProfile(version uint32)
	// BroadcastVoice publishes one PCM frame to the room, if supported.
	BroadcastVoice(frame *wire.Voice)
	// SupportsVoiceChat reports whether the room carries voice.
	SupportsVoiceChat() bool
}

// Profile is a peer's deserialized profile document.
type Profile struct {
	Version uint32          `json:"version"`
	Name    string          `json:"name"`
	Raw     json.RawMessage `json:"-"`
}

// ParseProfile decodes a serialized profile document.
func ParseProfile(serialized string) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal([]byte(serialized), &p); err != nil {
		return nil, err
	}
	p.Raw = json.RawMessage(serialized)
	return &p, nil
}

// ProfileFetcher resolves a profile document from the realm's lambda
// endpoint.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, address identity.Address) (*Profile, error)
}

// AvatarSink is the avatar layer contract. The peer table and the avatar
// layer are coupled by alias only; eviction drops the peer first, then frees
// the alias here.
type AvatarSink interface {
	AddAvatar(alias uint32, address identity.Address)
	RemoveAvatar(alias uint32)
	UpdatePosition(alias uint32, pos *wire.Position)
	UpdateMovement(alias uint32, mv *wire.Movement)
	UpdateMovementCompressed(alias uint32, mc *wire.MovementCompressed)
	SetProfile(alias uint32, profile *Profile)
}

// VoiceSink is the audio pipeline contract.
type VoiceSink interface {
	InitChannel(alias, sampleRate, numChannels, samplesPerChannel uint32)
	Frame(alias uint32, pcm []byte)
}

// incomingKind discriminates inbox entries.
type incomingKind int

const (
	incomingPacket incomingKind = iota
	incomingPeerSeen
	incomingProfileFetched
	incomingRoomClosed
)

// Incoming is one inbox entry. Rooms forward packets through the bounded
// inbox and never touch the peer table directly.
type Incoming struct {
	kind    incomingKind
	RoomID  string
	From    identity.Address
	Packet  *wire.Packet
	profile *Profile
}

// NewIncomingPacket wraps a room packet for the processor inbox.
func NewIncomingPacket(roomID string, from identity.Address, packet *wire.Packet) Incoming {
	return Incoming{kind: incomingPacket, RoomID: roomID, From: from, Packet: packet}
}

// NewIncomingPeerSeen records a peer sighting without a packet, used for
// welcome snapshots and join events.
func NewIncomingPeerSeen(roomID string, from identity.Address) Incoming {
	return Incoming{kind: incomingPeerSeen, RoomID: roomID, From: from}
}

// ChatEntry is one drained chat message.
type ChatEntry struct {
	Address   identity.Address
	Alias     uint32
	Message   string
	Timestamp float64
}
