package wire

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrips(t *testing.T) {
	packets := []*Packet{
		{Position: &Position{Index: 4, X: 1.5, Y: 2.25, Z: -3, RotW: 1}},
		{Movement: &Movement{Timestamp: 12.5, X: 1, VelZ: -0.25, RotationY: 3.1}},
		{MovementCompressed: &MovementCompressed{TemporalData: 1234, MovementData: 0xdeadbeefcafe}},
		{Chat: &Chat{Message: "hola", Timestamp: 1700000000.5}},
		{ProfileRequest: &ProfileRequest{Address: "0xabc", ProfileVersion: 7}},
		{ProfileResponse: &ProfileResponse{SerializedProfile: `{"name":"x"}`, BaseURL: "https://peer.example"}},
		{ProfileVersion: &ProfileVersion{ProfileVersion: 9}},
		{Scene: &SceneMessage{SceneID: "bafkscene", Data: []byte{1, 2, 3}}},
		{Voice: &Voice{EncodedSamples: []byte{9, 9}, Index: 2, SampleRate: 48000, NumChannels: 1, SamplesPerChannel: 960}},
	}

	for _, p := range packets {
		data, err := p.Marshal()
		require.NoError(t, err)
		got, err := UnmarshalPacket(data)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestEmptyPacketRejected(t *testing.T) {
	_, err := (&Packet{}).Marshal()
	assert.Error(t, err)
}

func TestWsPacketRoundTrips(t *testing.T) {
	packets := []*WsPacket{
		{PeerIdentification: &PeerIdentification{Address: "0x0123"}},
		{ChallengeMessage: &ChallengeMessage{ChallengeToSign: "dcl-xyz", AlreadyConnected: true}},
		{SignedChallenge: &SignedChallengeForServer{AuthChainJSON: `[{"type":"SIGNER"}]`}},
		{Welcome: &WelcomeMessage{Alias: 3, PeerIdentities: map[uint32]string{1: "0xaa", 9: "0xbb"}}},
		{PeerJoin: &PeerJoinMessage{Alias: 5, Address: "0xcc"}},
		{PeerLeave: &PeerLeaveMessage{Alias: 5}},
		{PeerUpdate: &PeerUpdateMessage{FromAlias: 2, Body: []byte{7, 7}, Unreliable: true}},
		{PeerKicked: &PeerKicked{Reason: "session replaced"}},
	}

	for _, p := range packets {
		data, err := p.Marshal()
		require.NoError(t, err)
		got, err := UnmarshalWsPacket(data)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestArchipelagoRoundTrips(t *testing.T) {
	client := []*ArchipelagoClientPacket{
		{ChallengeRequest: &ChallengeRequest{Address: "0xdd"}},
		{SignedChallenge: &SignedChallenge{AuthChainJSON: "[]"}},
		{Heartbeat: &Heartbeat{X: 16, Y: 0, Z: -32, DesiredRoom: "room-1"}},
	}
	for _, p := range client {
		data, err := p.Marshal()
		require.NoError(t, err)
		got, err := UnmarshalArchipelagoClientPacket(data)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	server := []*ArchipelagoServerPacket{
		{ChallengeResponse: &ChallengeResponse{ChallengeToSign: "dcl-123"}},
		{Welcome: &ArchipelagoWelcome{PeerID: "0xdd"}},
		{IslandChanged: &IslandChanged{IslandID: "i1", ConnStr: "livekit:wss://sfu?access_token=t"}},
		{Kicked: &Kicked{Reason: "bye"}},
	}
	for _, p := range server {
		data, err := p.Marshal()
		require.NoError(t, err)
		got, err := UnmarshalArchipelagoServerPacket(data)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestMovementCompressionRoundTrip(t *testing.T) {
	bounds := ParcelBounds{MinX: -10, MinZ: -10, MaxX: 10, MaxZ: 10}

	m := CompressMovement(5.25, 100, 12, -50, 1.5, 8, bounds)
	ts, x, y, z, rot, speed := m.Decompress(bounds)

	assert.InDelta(t, 5.25, ts, 0.01)
	// X extent here is 336 m over 17 bits: ~2.6 mm resolution
	assert.InDelta(t, 100, x, 0.01)
	assert.InDelta(t, 12, y, 0.05)
	assert.InDelta(t, -50, z, 0.01)
	assert.InDelta(t, 1.5, rot, 0.01)
	assert.InDelta(t, 8, speed, 0.3)
}

func TestMovementCompressionClampsToBounds(t *testing.T) {
	bounds := ParcelBounds{MinX: 0, MinZ: 0, MaxX: 1, MaxZ: 1}

	m := CompressMovement(0, 9999, 9999, -9999, 0, 0, bounds)
	_, x, y, z, _, speed := m.Decompress(bounds)

	assert.LessOrEqual(t, x, float32(32.0))
	assert.LessOrEqual(t, y, float32(maxHeight))
	assert.GreaterOrEqual(t, z, float32(0.0))
	assert.Equal(t, float32(0), speed)
}

func TestStoppedFlagZeroesSpeed(t *testing.T) {
	bounds := ParcelBounds{MinX: 0, MinZ: 0, MaxX: 1, MaxZ: 1}
	m := CompressMovement(1, 5, 0, 5, 0, 0, bounds)
	assert.NotZero(t, m.TemporalData&stoppedBit)
	_, _, _, _, _, speed := m.Decompress(bounds)
	assert.Equal(t, float32(0), speed)
}

func TestUnknownFieldsTolerated(t *testing.T) {
	p := &Packet{Chat: &Chat{Message: "hi", Timestamp: 1}}
	data, err := p.Marshal()
	require.NoError(t, err)

	// Append an unknown varint field (number 50)
	data = append(data, 0x90, 0x03, 0x01)

	got, err := UnmarshalPacket(data)
	require.NoError(t, err)
	require.NotNil(t, got.Chat)
	assert.Equal(t, "hi", got.Chat.Message)
}

func TestChatTimestampPrecision(t *testing.T) {
	p := &Packet{Chat: &Chat{Message: "t", Timestamp: 1699999999.123}}
	data, err := p.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalPacket(data)
	require.NoError(t, err)
	assert.True(t, math.Abs(got.Chat.Timestamp-1699999999.123) < 1e-9)
}
