package wire

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/orbisworld/orbis/errors"
)

// WsPacket oneof field numbers.
const (
	fieldPeerIdentification = 1
	fieldChallengeMessage   = 2
	fieldSignedChallenge    = 3
	fieldWelcomeMessage     = 4
	fieldPeerJoin           = 5
	fieldPeerLeave          = 6
	fieldPeerUpdate         = 7
	fieldPeerKicked         = 8
)

// WsPacket is the WebSocket room wrapper. Exactly one variant is set.
type WsPacket struct {
	PeerIdentification *PeerIdentification
	ChallengeMessage   *ChallengeMessage
	SignedChallenge    *SignedChallengeForServer
	Welcome            *WelcomeMessage
	PeerJoin           *PeerJoinMessage
	PeerLeave          *PeerLeaveMessage
	PeerUpdate         *PeerUpdateMessage
	PeerKicked         *PeerKicked
}

// PeerIdentification opens the handshake with the client's account address.
type PeerIdentification struct {
	Address string
}

// ChallengeMessage is the server's challenge to sign.
type ChallengeMessage struct {
	ChallengeToSign  string
	AlreadyConnected bool
}

// SignedChallengeForServer carries the signed auth chain.
type SignedChallengeForServer struct {
	AuthChainJSON string
}

// WelcomeMessage completes the handshake with the local alias and the
// current peer table (alias -> address).
type WelcomeMessage struct {
	Alias          uint32
	PeerIdentities map[uint32]string
}

// PeerJoinMessage announces a new peer in the room.
type PeerJoinMessage struct {
	Alias   uint32
	Address string
}

// PeerLeaveMessage announces a peer departure.
type PeerLeaveMessage struct {
	Alias uint32
}

// PeerUpdateMessage relays an Rfc4 packet from another peer.
type PeerUpdateMessage struct {
	FromAlias  uint32
	Body       []byte
	Unreliable bool
}

// PeerKicked tells the client to drop the connection and not reconnect.
type PeerKicked struct {
	Reason string
}

// Marshal encodes the packet. Exactly one variant must be set.
func (p *WsPacket) Marshal() ([]byte, error) {
	var b []byte
	switch {
	case p.PeerIdentification != nil:
		b = appendMessage(b, fieldPeerIdentification, appendStringField(nil, 1, p.PeerIdentification.Address))
	case p.ChallengeMessage != nil:
		m := appendStringField(nil, 1, p.ChallengeMessage.ChallengeToSign)
		m = appendBoolField(m, 2, p.ChallengeMessage.AlreadyConnected)
		b = appendMessage(b, fieldChallengeMessage, m)
	case p.SignedChallenge != nil:
		b = appendMessage(b, fieldSignedChallenge, appendStringField(nil, 1, p.SignedChallenge.AuthChainJSON))
	case p.Welcome != nil:
		b = appendMessage(b, fieldWelcomeMessage, p.Welcome.marshal())
	case p.PeerJoin != nil:
		m := appendVarintField(nil, 1, uint64(p.PeerJoin.Alias))
		m = appendStringField(m, 2, p.PeerJoin.Address)
		b = appendMessage(b, fieldPeerJoin, m)
	case p.PeerLeave != nil:
		b = appendMessage(b, fieldPeerLeave, appendVarintField(nil, 1, uint64(p.PeerLeave.Alias)))
	case p.PeerUpdate != nil:
		m := appendVarintField(nil, 1, uint64(p.PeerUpdate.FromAlias))
		m = appendBytesField(m, 2, p.PeerUpdate.Body)
		m = appendBoolField(m, 3, p.PeerUpdate.Unreliable)
		b = appendMessage(b, fieldPeerUpdate, m)
	case p.PeerKicked != nil:
		b = appendMessage(b, fieldPeerKicked, appendStringField(nil, 1, p.PeerKicked.Reason))
	default:
		return nil, errors.New("empty ws packet")
	}
	return b, nil
}

// UnmarshalWsPacket decodes a WebSocket room packet.
func UnmarshalWsPacket(data []byte) (*WsPacket, error) {
	p := &WsPacket{}
	err := walkFields(data, func(num protowire.Number, payload []byte) error {
		switch num {
		case fieldPeerIdentification:
			p.PeerIdentification = &PeerIdentification{}
			return walkAll(payload, func(n protowire.Number, _ protowire.Type, _ uint64, pl []byte) {
				if n == 1 {
					p.PeerIdentification.Address = string(pl)
				}
			})
		case fieldChallengeMessage:
			p.ChallengeMessage = &ChallengeMessage{}
			return walkAll(payload, func(n protowire.Number, _ protowire.Type, v uint64, pl []byte) {
				switch n {
				case 1:
					p.ChallengeMessage.ChallengeToSign = string(pl)
				case 2:
					p.ChallengeMessage.AlreadyConnected = v != 0
				}
			})
		case fieldSignedChallenge:
			p.SignedChallenge = &SignedChallengeForServer{}
			return walkAll(payload, func(n protowire.Number, _ protowire.Type, _ uint64, pl []byte) {
				if n == 1 {
					p.SignedChallenge.AuthChainJSON = string(pl)
				}
			})
		case fieldWelcomeMessage:
			p.Welcome = &WelcomeMessage{}
			return p.Welcome.unmarshal(payload)
		case fieldPeerJoin:
			p.PeerJoin = &PeerJoinMessage{}
			return walkAll(payload, func(n protowire.Number, _ protowire.Type, v uint64, pl []byte) {
				switch n {
				case 1:
					p.PeerJoin.Alias = uint32(v)
				case 2:
					p.PeerJoin.Address = string(pl)
				}
			})
		case fieldPeerLeave:
			p.PeerLeave = &PeerLeaveMessage{}
			return walkAll(payload, func(n protowire.Number, _ protowire.Type, v uint64, _ []byte) {
				if n == 1 {
					p.PeerLeave.Alias = uint32(v)
				}
			})
		case fieldPeerUpdate:
			p.PeerUpdate = &PeerUpdateMessage{}
			return walkAll(payload, func(n protowire.Number, _ protowire.Type, v uint64, pl []byte) {
				switch n {
				case 1:
					p.PeerUpdate.FromAlias = uint32(v)
				case 2:
					p.PeerUpdate.Body = append([]byte(nil), pl...)
				case 3:
					p.PeerUpdate.Unreliable = v != 0
				}
			})
		case fieldPeerKicked:
			p.PeerKicked = &PeerKicked{}
			return walkAll(payload, func(n protowire.Number, _ protowire.Type, _ uint64, pl []byte) {
				if n == 1 {
					p.PeerKicked.Reason = string(pl)
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

// WelcomeMessage.PeerIdentities is a protobuf map, encoded as repeated
// entries of {1: key varint, 2: value string}.
func (m *WelcomeMessage) marshal() []byte {
	b := appendVarintField(nil, 1, uint64(m.Alias))
	for alias, address := range m.PeerIdentities {
		entry := appendVarintField(nil, 1, uint64(alias))
		entry = appendStringField(entry, 2, address)
		b = appendMessage(b, 2, entry)
	}
	return b
}

func (m *WelcomeMessage) unmarshal(data []byte) error {
	m.PeerIdentities = make(map[uint32]string)
	return walkAll(data, func(n protowire.Number, _ protowire.Type, v uint64, pl []byte) {
		switch n {
		case 1:
			m.Alias = uint32(v)
		case 2:
			var key uint32
			var val string
			if err := walkAll(pl, func(en protowire.Number, _ protowire.Type, ev uint64, epl []byte) {
				switch en {
				case 1:
					key = uint32(ev)
				case 2:
					val = string(epl)
				}
			}); err == nil {
				m.PeerIdentities[key] = val
			}
		}
	})
}
