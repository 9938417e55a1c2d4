package wire

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/orbisworld/orbis/errors"
)

// Archipelago client->server oneof field numbers.
const (
	fieldChallengeRequest = 1
	fieldSignedChallengeA = 2
	fieldHeartbeat        = 3
)

// Archipelago server->client oneof field numbers.
const (
	fieldChallengeResponse = 1
	fieldWelcomeA          = 2
	fieldIslandChanged     = 3
	fieldKicked            = 4
)

// ArchipelagoClientPacket is the client side of the coordination channel.
type ArchipelagoClientPacket struct {
	ChallengeRequest *ChallengeRequest
	SignedChallenge  *SignedChallenge
	Heartbeat        *Heartbeat
}

// ChallengeRequest opens the handshake with the client's address.
type ChallengeRequest struct {
	Address string
}

// SignedChallenge answers the server's challenge with the auth chain.
type SignedChallenge struct {
	AuthChainJSON string
}

// Heartbeat reports the player position and an optional desired room.
type Heartbeat struct {
	X, Y, Z     float32
	DesiredRoom string
}

// ArchipelagoServerPacket is the server side of the coordination channel.
type ArchipelagoServerPacket struct {
	ChallengeResponse *ChallengeResponse
	Welcome           *ArchipelagoWelcome
	IslandChanged     *IslandChanged
	Kicked            *Kicked
}

// ChallengeResponse carries the challenge string; valid challenges start
// with "dcl-".
type ChallengeResponse struct {
	ChallengeToSign string
}

// ArchipelagoWelcome confirms the session.
type ArchipelagoWelcome struct {
	PeerID string
}

// IslandChanged steers the client into a transport room. ConnStr has the
// form "<protocol>:<address>".
type IslandChanged struct {
	IslandID string
	ConnStr  string
}

// Kicked terminates the session.
type Kicked struct {
	Reason string
}

// Marshal encodes the client packet. Exactly one variant must be set.
func (p *ArchipelagoClientPacket) Marshal() ([]byte, error) {
	var b []byte
	switch {
	case p.ChallengeRequest != nil:
		b = appendMessage(b, fieldChallengeRequest, appendStringField(nil, 1, p.ChallengeRequest.Address))
	case p.SignedChallenge != nil:
		b = appendMessage(b, fieldSignedChallengeA, appendStringField(nil, 1, p.SignedChallenge.AuthChainJSON))
	case p.Heartbeat != nil:
		m := appendFloatField(nil, 1, p.Heartbeat.X)
		m = appendFloatField(m, 2, p.Heartbeat.Y)
		m = appendFloatField(m, 3, p.Heartbeat.Z)
		m = appendStringField(m, 4, p.Heartbeat.DesiredRoom)
		b = appendMessage(b, fieldHeartbeat, m)
	default:
		return nil, errors.New("empty archipelago client packet")
	}
	return b, nil
}

// UnmarshalArchipelagoClientPacket decodes a client packet (used by tests
// standing in for the coordination service).
func UnmarshalArchipelagoClientPacket(data []byte) (*ArchipelagoClientPacket, error) {
	p := &ArchipelagoClientPacket{}
	err := walkFields(data, func(num protowire.Number, payload []byte) error {
		switch num {
		case fieldChallengeRequest:
			p.ChallengeRequest = &ChallengeRequest{}
			return walkAll(payload, func(n protowire.Number, _ protowire.Type, _ uint64, pl []byte) {
				if n == 1 {
					p.ChallengeRequest.Address = string(pl)
				}
			})
		case fieldSignedChallengeA:
			p.SignedChallenge = &SignedChallenge{}
			return walkAll(payload, func(n protowire.Number, _ protowire.Type, _ uint64, pl []byte) {
				if n == 1 {
					p.SignedChallenge.AuthChainJSON = string(pl)
				}
			})
		case fieldHeartbeat:
			p.Heartbeat = &Heartbeat{}
			return walkAll(payload, func(n protowire.Number, _ protowire.Type, v uint64, pl []byte) {
				switch n {
				case 1:
					p.Heartbeat.X = float32frombits(v)
				case 2:
					p.Heartbeat.Y = float32frombits(v)
				case 3:
					p.Heartbeat.Z = float32frombits(v)
				case 4:
					p.Heartbeat.DesiredRoom = string(pl)
				}
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Marshal encodes the server packet. Exactly one variant must be set.
func (p *ArchipelagoServerPacket) Marshal() ([]byte, error) {
	var b []byte
	switch {
	case p.ChallengeResponse != nil:
		b = appendMessage(b, fieldChallengeResponse, appendStringField(nil, 1, p.ChallengeResponse.ChallengeToSign))
	case p.Welcome != nil:
		b = appendMessage(b, fieldWelcomeA, appendStringField(nil, 1, p.Welcome.PeerID))
	case p.IslandChanged != nil:
		m := appendStringField(nil, 1, p.IslandChanged.IslandID)
		m = appendStringField(m, 2, p.IslandChanged.ConnStr)
		b = appendMessage(b, fieldIslandChanged, m)
	case p.Kicked != nil:
		b = appendMessage(b, fieldKicked, appendStringField(nil, 1, p.Kicked.Reason))
	default:
		return nil, errors.New("empty archipelago server packet")
	}
	return b, nil
}

// UnmarshalArchipelagoServerPacket decodes a server packet.
func UnmarshalArchipelagoServerPacket(data []byte) (*ArchipelagoServerPacket, error) {
	p := &ArchipelagoServerPacket{}
	err := walkFields(data, func(num protowire.Number, payload []byte) error {
		switch num {
		case fieldChallengeResponse:
			p.ChallengeResponse = &ChallengeResponse{}
			return walkAll(payload, func(n protowire.Number, _ protowire.Type, _ uint64, pl []byte) {
				if n == 1 {
					p.ChallengeResponse.ChallengeToSign = string(pl)
				}
			})
		case fieldWelcomeA:
			p.Welcome = &ArchipelagoWelcome{}
			return walkAll(payload, func(n protowire.Number, _ protowire.Type, _ uint64, pl []byte) {
				if n == 1 {
					p.Welcome.PeerID = string(pl)
				}
			})
		case fieldIslandChanged:
			p.IslandChanged = &IslandChanged{}
			return walkAll(payload, func(n protowire.Number, _ protowire.Type, _ uint64, pl []byte) {
				switch n {
				case 1:
					p.IslandChanged.IslandID = string(pl)
				case 2:
					p.IslandChanged.ConnStr = string(pl)
				}
			})
		case fieldKicked:
			p.Kicked = &Kicked{}
			return walkAll(payload, func(n protowire.Number, _ protowire.Type, _ uint64, pl []byte) {
				if n == 1 {
					p.Kicked.Reason = string(pl)
				}
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
