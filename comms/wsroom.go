package comms

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orbisworld/orbis/comms/wire"
	"github.com/orbisworld/orbis/errors"
	"github.com/orbisworld/orbis/identity"
)

// WS room connection states.
const (
	wsStateConnecting int32 = iota
	wsStateConnected
	wsStateIdentSent
	wsStateChallengeSent
	wsStateWelcomed
)

const wsReconnectDelay = 1 * time.Second

func wsStateName(s int32) string {
	switch s {
	case wsStateConnecting:
		return "Connecting"
	case wsStateConnected:
		return "Connected"
	case wsStateIdentSent:
		return "IdentSent"
	case wsStateChallengeSent:
		return "ChallengeSent"
	case wsStateWelcomed:
		return "Welcomed"
	}
	return "Unknown"
}

// WsRoom is the WebSocket transport room. A background goroutine owns the
// socket and replays the handshake on every reconnect; packets flow into the
// processor inbox in arrival order.
type WsRoom struct {
	roomID   string
	url      string
	identity *identity.Identity
	proc     *Processor
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	state      atomic.Int32
	localAlias atomic.Uint32

	connMu sync.Mutex
	conn   *websocket.Conn

	// Room-level alias table (server aliases -> addresses); distinct from the
	// processor's session aliases.
	peersMu sync.RWMutex
	peers   map[uint32]identity.Address

	kicked atomic.Bool
}

// NewWsRoom creates the room and starts its connection loop. DilateWsURL is
// applied to bare hostnames.
func NewWsRoom(roomID, url string, id *identity.Identity, proc *Processor, log *zap.SugaredLogger) *WsRoom {
	ctx, cancel := context.WithCancel(context.Background())
	r := &WsRoom{
		roomID:   roomID,
		url:      DilateWsURL(url),
		identity: id,
		proc:     proc,
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[uint32]identity.Address),
	}
	go r.run()
	return r
}

// DilateWsURL turns a bare hostname into a wss:// URL. Explicit ws:// is
// honored; there is no TLS-failure downgrade.
func DilateWsURL(url string) string {
	if strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://") {
		return url
	}
	return "wss://" + url
}

// RoomID returns the room identifier carried in processor inbox entries.
func (r *WsRoom) RoomID() string {
	return r.roomID
}

// State returns the connection state name, for diagnostics and tests.
func (r *WsRoom) State() string {
	return wsStateName(r.state.Load())
}

// LocalAlias returns the alias assigned by the last Welcome.
func (r *WsRoom) LocalAlias() uint32 {
	return r.localAlias.Load()
}

func (r *WsRoom) run() {
	for r.ctx.Err() == nil && !r.kicked.Load() {
		r.state.Store(wsStateConnecting)

		conn, _, err := websocket.DefaultDialer.DialContext(r.ctx, r.url, nil)
		if err != nil {
			r.logger.Debugw("WebSocket connect failed", "url", r.url, "error", err)
			r.sleep(wsReconnectDelay)
			continue
		}

		r.connMu.Lock()
		r.conn = conn
		r.connMu.Unlock()
		r.state.Store(wsStateConnected)

		if err := r.session(conn); err != nil && r.ctx.Err() == nil {
			r.logger.Debugw("WebSocket room session ended", "room", r.roomID, "error", err)
		}

		conn.Close()
		r.connMu.Lock()
		r.conn = nil
		r.connMu.Unlock()

		r.sleep(wsReconnectDelay)
	}
	r.state.Store(wsStateConnecting)
}

func (r *WsRoom) sleep(d time.Duration) {
	select {
	case <-r.ctx.Done():
	case <-time.After(d):
	}
}

// session runs the handshake and then the read loop until the socket drops.
func (r *WsRoom) session(conn *websocket.Conn) error {
	if err := r.writePacket(&wire.WsPacket{
		PeerIdentification: &wire.PeerIdentification{Address: r.identity.Address().String()},
	}); err != nil {
		return errors.Wrap(err, "failed to send identification")
	}
	r.state.Store(wsStateIdentSent)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "socket closed")
		}

		packet, err := wire.UnmarshalWsPacket(data)
		if err != nil {
			// Malformed frames are logged and dropped
			r.logger.Warnw("Dropping malformed ws packet", "room", r.roomID, "error", err)
			continue
		}

		if err := r.handle(packet); err != nil {
			return err
		}
	}
}

func (r *WsRoom) handle(packet *wire.WsPacket) error {
	switch {
	case packet.ChallengeMessage != nil:
		challenge := packet.ChallengeMessage.ChallengeToSign
		if !strings.HasPrefix(challenge, "dcl-") {
			return errors.Newf("unauthorized challenge %q", challenge)
		}
		chain, err := r.identity.SignPayload(challenge)
		if err != nil {
			return errors.Wrap(err, "failed to sign challenge")
		}
		if err := r.writePacket(&wire.WsPacket{
			SignedChallenge: &wire.SignedChallengeForServer{AuthChainJSON: chain},
		}); err != nil {
			return errors.Wrap(err, "failed to send signed challenge")
		}
		r.state.Store(wsStateChallengeSent)

	case packet.Welcome != nil:
		r.localAlias.Store(packet.Welcome.Alias)
		r.peersMu.Lock()
		r.peers = make(map[uint32]identity.Address, len(packet.Welcome.PeerIdentities))
		for alias, addrStr := range packet.Welcome.PeerIdentities {
			addr, err := identity.ParseAddress(addrStr)
			if err != nil {
				continue
			}
			r.peers[alias] = addr
			// Snapshot push: the processor births each peer immediately
			r.proc.Offer(NewIncomingPeerSeen(r.roomID, addr))
		}
		count := len(r.peers)
		r.peersMu.Unlock()
		r.state.Store(wsStateWelcomed)
		r.logger.Infow("WebSocket room welcomed", "room", r.roomID, "alias", packet.Welcome.Alias, "peer_count", count)

	case packet.PeerJoin != nil:
		addr, err := identity.ParseAddress(packet.PeerJoin.Address)
		if err != nil {
			return nil
		}
		r.peersMu.Lock()
		r.peers[packet.PeerJoin.Alias] = addr
		r.peersMu.Unlock()
		r.proc.Offer(NewIncomingPeerSeen(r.roomID, addr))

	case packet.PeerLeave != nil:
		r.peersMu.Lock()
		delete(r.peers, packet.PeerLeave.Alias)
		r.peersMu.Unlock()

	case packet.PeerUpdate != nil:
		r.peersMu.RLock()
		addr, ok := r.peers[packet.PeerUpdate.FromAlias]
		r.peersMu.RUnlock()
		if !ok {
			return nil
		}
		inner, err := wire.UnmarshalPacket(packet.PeerUpdate.Body)
		if err != nil {
			r.logger.Warnw("Dropping malformed peer update", "room", r.roomID, "error", err)
			return nil
		}
		if !r.proc.Offer(NewIncomingPacket(r.roomID, addr, inner)) {
			r.logger.Debugw("Processor inbox full, dropping packet", "room", r.roomID)
		}

	case packet.PeerKicked != nil:
		r.kicked.Store(true)
		return errors.Newf("kicked: %s", packet.PeerKicked.Reason)
	}
	return nil
}

func (r *WsRoom) writePacket(p *wire.WsPacket) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		return errors.New("not connected")
	}
	return r.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Poll implements Adapter. The room runs on its own goroutine, so polling
// only reports liveness.
func (r *WsRoom) Poll() bool {
	return r.ctx.Err() == nil && !r.kicked.Load()
}

// Clean implements Adapter.
func (r *WsRoom) Clean() {
	r.cancel()
	r.connMu.Lock()
	if r.conn != nil {
		r.conn.Close()
	}
	r.connMu.Unlock()
}

// SendRfc4 implements Adapter. Packets are silently dropped until Welcomed.
func (r *WsRoom) SendRfc4(packet *wire.Packet, unreliable bool) bool {
	if r.state.Load() != wsStateWelcomed {
		return false
	}
	body, err := packet.Marshal()
	if err != nil {
		return false
	}
	err = r.writePacket(&wire.WsPacket{PeerUpdate: &wire.PeerUpdateMessage{
		FromAlias:  r.localAlias.Load(),
		Body:       body,
		Unreliable: unreliable,
	}})
	return err == nil
}

// ChangeProfile implements Adapter.
func (r *WsRoom) ChangeProfile(version uint32) {
	r.SendRfc4(&wire.Packet{ProfileVersion: &wire.ProfileVersion{ProfileVersion: version}}, false)
}

// BroadcastVoice implements Adapter. WS rooms do not carry voice.
func (r *WsRoom) BroadcastVoice(*wire.Voice) {}

// SupportsVoiceChat implements Adapter.
func (r *WsRoom) SupportsVoiceChat() bool { return false }
