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

const (
	archipelagoHeartbeatInterval = 3 * time.Second
	archipelagoReconnectDelay    = 1 * time.Second

	childRetryInitial = 1 * time.Second
	childRetryBackoff = 5 * time.Second
)

// PositionProvider reports the player's current world position for
// heartbeats.
type PositionProvider func() (x, y, z float32)

// ArchipelagoController maintains the coordination channel that steers the
// client between islands. On each island change it builds a child transport
// room (currently only livekit-protocol rooms) attached to the same
// processor. It implements Adapter by delegating to the active child.
type ArchipelagoController struct {
	url      string
	identity *identity.Identity
	proc     *Processor
	position PositionProvider
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   *websocket.Conn

	welcomed atomic.Bool
	kicked   atomic.Bool

	childMu      sync.Mutex
	child        Adapter
	island       string
	childConnStr string
	childRetryAt time.Time
	childRetries int

	desiredRoom atomic.Value // string

	// newChild builds the island room; swapped out in tests
	newChild func(roomID, address string) (Adapter, error)
}

// ChildFactory builds an island transport room. Pass nil to
// NewArchipelagoController for the default livekit room; tests inject fakes.
type ChildFactory func(roomID, address string) (Adapter, error)

// NewArchipelagoController connects to the coordination service and starts
// the session loop.
func NewArchipelagoController(url string, id *identity.Identity, proc *Processor, position PositionProvider, newChild ChildFactory, log *zap.SugaredLogger) *ArchipelagoController {
	ctx, cancel := context.WithCancel(context.Background())
	c := &ArchipelagoController{
		url:      DilateWsURL(url),
		identity: id,
		proc:     proc,
		position: position,
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.desiredRoom.Store("")
	if newChild == nil {
		newChild = func(roomID, address string) (Adapter, error) {
			return NewSfuRoom(roomID, address, id.Address(), proc, log)
		}
	}
	c.newChild = newChild
	go c.run()
	go c.heartbeatLoop()
	return c
}

// SetDesiredRoom requests a specific room in subsequent heartbeats.
func (c *ArchipelagoController) SetDesiredRoom(room string) {
	c.desiredRoom.Store(room)
}

// RoomID returns the active island room id, matching the inbox entries the
// child room produces.
func (c *ArchipelagoController) RoomID() string {
	c.childMu.Lock()
	defer c.childMu.Unlock()
	return "island:" + c.island
}

// Island returns the current island id.
func (c *ArchipelagoController) Island() string {
	c.childMu.Lock()
	defer c.childMu.Unlock()
	return c.island
}

func (c *ArchipelagoController) run() {
	for c.ctx.Err() == nil && !c.kicked.Load() {
		conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			c.logger.Debugw("Archipelago connect failed", "url", c.url, "error", err)
			c.sleep(archipelagoReconnectDelay)
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		if err := c.session(conn); err != nil && c.ctx.Err() == nil {
			c.logger.Debugw("Archipelago session ended", "error", err)
		}

		c.welcomed.Store(false)
		conn.Close()
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()

		c.sleep(archipelagoReconnectDelay)
	}
}

func (c *ArchipelagoController) sleep(d time.Duration) {
	select {
	case <-c.ctx.Done():
	case <-time.After(d):
	}
}

func (c *ArchipelagoController) session(conn *websocket.Conn) error {
	if err := c.writePacket(&wire.ArchipelagoClientPacket{
		ChallengeRequest: &wire.ChallengeRequest{Address: c.identity.Address().String()},
	}); err != nil {
		return errors.Wrap(err, "failed to send challenge request")
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "socket closed")
		}

		packet, err := wire.UnmarshalArchipelagoServerPacket(data)
		if err != nil {
			c.logger.Warnw("Dropping malformed archipelago packet", "error", err)
			continue
		}

		if err := c.handle(packet); err != nil {
			return err
		}
	}
}

func (c *ArchipelagoController) handle(packet *wire.ArchipelagoServerPacket) error {
	switch {
	case packet.ChallengeResponse != nil:
		challenge := packet.ChallengeResponse.ChallengeToSign
		if !strings.HasPrefix(challenge, "dcl-") {
			return errors.Newf("unauthorized challenge %q", challenge)
		}
		chain, err := c.identity.SignPayload(challenge)
		if err != nil {
			return errors.Wrap(err, "failed to sign challenge")
		}
		if err := c.writePacket(&wire.ArchipelagoClientPacket{
			SignedChallenge: &wire.SignedChallenge{AuthChainJSON: chain},
		}); err != nil {
			return errors.Wrap(err, "failed to send signed challenge")
		}

	case packet.Welcome != nil:
		c.welcomed.Store(true)
		c.logger.Infow("Archipelago welcomed")

	case packet.IslandChanged != nil:
		c.changeIsland(packet.IslandChanged.IslandID, packet.IslandChanged.ConnStr)

	case packet.Kicked != nil:
		c.kicked.Store(true)
		return errors.Newf("kicked: %s", packet.Kicked.Reason)
	}
	return nil
}

// changeIsland swaps the child room. The previous child is discarded and its
// Clean is called. The processor's peer table is not touched: a peer seen
// again through the new room keeps its alias, and only peers reaped for
// inactivity get a new alias on their next sighting.
func (c *ArchipelagoController) changeIsland(islandID, connStr string) {
	protocol, address := connStrProtocol(connStr)
	if protocol != "livekit" {
		c.logger.Warnw("Ignoring island with unsupported protocol", "island", islandID, "protocol", protocol)
		return
	}

	c.childMu.Lock()
	old := c.child
	c.child = nil
	c.island = islandID
	c.childConnStr = address
	c.childRetries = 0
	c.childRetryAt = time.Time{}
	c.childMu.Unlock()

	if old != nil {
		old.Clean()
	}

	child, err := c.newChild("island:"+islandID, address)
	if err != nil {
		c.logger.Warnw("Failed to join island room", "island", islandID, "error", err)
		c.scheduleChildRetry()
		return
	}

	c.childMu.Lock()
	c.child = child
	c.childMu.Unlock()
	c.logger.Infow("Island changed", "island", islandID)
}

func (c *ArchipelagoController) scheduleChildRetry() {
	c.childMu.Lock()
	defer c.childMu.Unlock()
	delay := childRetryInitial
	if c.childRetries > 0 {
		delay = childRetryBackoff
	}
	c.childRetries++
	c.childRetryAt = time.Now().Add(delay)
}

// retryChild rebuilds a failed child room off-thread.
func (c *ArchipelagoController) retryChild() {
	c.childMu.Lock()
	connStr := c.childConnStr
	island := c.island
	c.childRetryAt = time.Time{}
	c.childMu.Unlock()

	if connStr == "" {
		return
	}

	go func() {
		child, err := c.newChild("island:"+island, connStr)
		if err != nil {
			c.logger.Debugw("Island room reconnect failed", "island", island, "error", err)
			c.scheduleChildRetry()
			return
		}
		c.childMu.Lock()
		if c.child != nil {
			c.childMu.Unlock()
			child.Clean()
			return
		}
		c.child = child
		c.childMu.Unlock()
	}()
}

func (c *ArchipelagoController) heartbeatLoop() {
	ticker := time.NewTicker(archipelagoHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.welcomed.Load() {
				continue
			}
			x, y, z := c.position()
			hb := &wire.Heartbeat{X: x, Y: y, Z: z}
			if room, _ := c.desiredRoom.Load().(string); room != "" {
				hb.DesiredRoom = room
			}
			if err := c.writePacket(&wire.ArchipelagoClientPacket{Heartbeat: hb}); err != nil {
				c.logger.Debugw("Heartbeat failed", "error", err)
			}
		}
	}
}

func (c *ArchipelagoController) writePacket(p *wire.ArchipelagoClientPacket) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *ArchipelagoController) activeChild() Adapter {
	c.childMu.Lock()
	defer c.childMu.Unlock()
	return c.child
}

// Poll implements Adapter. It pumps the child and drives its reconnect
// backoff.
func (c *ArchipelagoController) Poll() bool {
	if c.ctx.Err() != nil || c.kicked.Load() {
		return false
	}

	c.childMu.Lock()
	child := c.child
	retryAt := c.childRetryAt
	c.childMu.Unlock()

	if child != nil {
		if !child.Poll() {
			c.childMu.Lock()
			c.child = nil
			c.childMu.Unlock()
			child.Clean()
			c.scheduleChildRetry()
		}
	} else if !retryAt.IsZero() && time.Now().After(retryAt) {
		c.retryChild()
	}
	return true
}

// Clean implements Adapter.
func (c *ArchipelagoController) Clean() {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.childMu.Lock()
	child := c.child
	c.child = nil
	c.childMu.Unlock()
	if child != nil {
		child.Clean()
	}
}

// SendRfc4 implements Adapter by delegating to the island room.
func (c *ArchipelagoController) SendRfc4(packet *wire.Packet, unreliable bool) bool {
	if child := c.activeChild(); child != nil {
		return child.SendRfc4(packet, unreliable)
	}
	return false
}

// ChangeProfile implements Adapter.
func (c *ArchipelagoController) ChangeProfile(version uint32) {
	if child := c.activeChild(); child != nil {
		child.ChangeProfile(version)
	}
}

// BroadcastVoice implements Adapter.
func (c *ArchipelagoController) BroadcastVoice(frame *wire.Voice) {
	if child := c.activeChild(); child != nil {
		child.BroadcastVoice(frame)
	}
}

// SupportsVoiceChat implements Adapter.
func (c *ArchipelagoController) SupportsVoiceChat() bool {
	if child := c.activeChild(); child != nil {
		return child.SupportsVoiceChat()
	}
	return false
}
