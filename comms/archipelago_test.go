package comms

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbisworld/orbis/comms/wire"
)

type fakeChild struct {
	roomID  string
	address string
	mu      sync.Mutex
	cleaned bool
	alive   bool
	sent    []*wire.Packet
}

func (f *fakeChild) Poll() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}
func (f *fakeChild) Clean() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = true
	f.alive = false
}
func (f *fakeChild) SendRfc4(p *wire.Packet, _ bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return true
}
func (f *fakeChild) ChangeProfile(uint32)          {}
func (f *fakeChild) BroadcastVoice(*wire.Voice)    {}
func (f *fakeChild) SupportsVoiceChat() bool       { return true }
func (f *fakeChild) RoomID() string                { return f.roomID }

type archServer struct {
	t      *testing.T
	connCh chan *websocket.Conn
}

func newArchServer(t *testing.T) (*archServer, *httptest.Server) {
	as := &archServer{t: t, connCh: make(chan *websocket.Conn, 4)}
	srv := httptest.NewServer(http.HandlerFunc(as.handle))
	t.Cleanup(srv.Close)
	return as, srv
}

func (as *archServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// ChallengeRequest
	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	req, err := wire.UnmarshalArchipelagoClientPacket(data)
	require.NoError(as.t, err)
	require.NotNil(as.t, req.ChallengeRequest)

	// Challenge / signed challenge / welcome
	challenge, _ := (&wire.ArchipelagoServerPacket{ChallengeResponse: &wire.ChallengeResponse{ChallengeToSign: "dcl-arch"}}).Marshal()
	if err := conn.WriteMessage(websocket.BinaryMessage, challenge); err != nil {
		return
	}

	_, data, err = conn.ReadMessage()
	if err != nil {
		return
	}
	signed, err := wire.UnmarshalArchipelagoClientPacket(data)
	require.NoError(as.t, err)
	require.NotNil(as.t, signed.SignedChallenge)
	require.True(as.t, strings.Contains(signed.SignedChallenge.AuthChainJSON, "dcl-arch"))

	welcome, _ := (&wire.ArchipelagoServerPacket{Welcome: &wire.ArchipelagoWelcome{PeerID: "p"}}).Marshal()
	if err := conn.WriteMessage(websocket.BinaryMessage, welcome); err != nil {
		return
	}

	as.connCh <- conn
}

func (as *archServer) sendIsland(conn *websocket.Conn, island, connStr string) {
	msg, _ := (&wire.ArchipelagoServerPacket{IslandChanged: &wire.IslandChanged{IslandID: island, ConnStr: connStr}}).Marshal()
	require.NoError(as.t, conn.WriteMessage(websocket.BinaryMessage, msg))
}

func newTestController(t *testing.T, srv *httptest.Server) (*ArchipelagoController, *sync.Map) {
	children := &sync.Map{}
	p, _, _, _ := newTestProcessor(t)
	factory := func(roomID, address string) (Adapter, error) {
		c := &fakeChild{roomID: roomID, address: address, alive: true}
		children.Store(address, c)
		return c, nil
	}
	ctrl := NewArchipelagoController(wsURL(srv), testIdentity(t), p, func() (float32, float32, float32) {
		return 1, 2, 3
	}, factory, zap.NewNop().Sugar())
	t.Cleanup(ctrl.Clean)
	return ctrl, children
}

func TestArchipelagoHandshakeAndIslandHandoff(t *testing.T) {
	as, srv := newArchServer(t)
	ctrl, children := newTestController(t, srv)

	conn := <-as.connCh
	require.Eventually(t, func() bool { return ctrl.welcomed.Load() }, 2*time.Second, 10*time.Millisecond)

	as.sendIsland(conn, "i1", "livekit:wss://sfu1?access_token=t1")
	require.Eventually(t, func() bool { return ctrl.Island() == "i1" }, 2*time.Second, 10*time.Millisecond)

	c1v, ok := children.Load("wss://sfu1?access_token=t1")
	require.True(t, ok)
	c1 := c1v.(*fakeChild)

	// Second island change: previous child is discarded via Clean
	as.sendIsland(conn, "i2", "livekit:wss://sfu2?access_token=t2")
	require.Eventually(t, func() bool { return ctrl.Island() == "i2" }, 2*time.Second, 10*time.Millisecond)

	c1.mu.Lock()
	cleaned := c1.cleaned
	c1.mu.Unlock()
	assert.True(t, cleaned)

	_, ok = children.Load("wss://sfu2?access_token=t2")
	assert.True(t, ok)
	assert.Equal(t, "island:i2", ctrl.RoomID())
}

func TestArchipelagoIgnoresUnsupportedProtocol(t *testing.T) {
	as, srv := newArchServer(t)
	ctrl, children := newTestController(t, srv)

	conn := <-as.connCh
	require.Eventually(t, func() bool { return ctrl.welcomed.Load() }, 2*time.Second, 10*time.Millisecond)

	as.sendIsland(conn, "ix", "ws-room:rooms.example/ix")
	time.Sleep(100 * time.Millisecond)

	count := 0
	children.Range(func(_, _ any) bool { count++; return true })
	assert.Zero(t, count)
	assert.Empty(t, ctrl.Island())
}

func TestArchipelagoHeartbeatCarriesPosition(t *testing.T) {
	as, srv := newArchServer(t)
	ctrl, _ := newTestController(t, srv)

	conn := <-as.connCh
	require.Eventually(t, func() bool { return ctrl.welcomed.Load() }, 2*time.Second, 10*time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "expected a heartbeat within the interval")
		pkt, err := wire.UnmarshalArchipelagoClientPacket(data)
		require.NoError(t, err)
		if pkt.Heartbeat == nil {
			continue
		}
		assert.Equal(t, float32(1), pkt.Heartbeat.X)
		assert.Equal(t, float32(3), pkt.Heartbeat.Z)
		return
	}
}

func TestArchipelagoChildFailureSchedulesRetry(t *testing.T) {
	as, srv := newArchServer(t)
	ctrl, children := newTestController(t, srv)

	conn := <-as.connCh
	require.Eventually(t, func() bool { return ctrl.welcomed.Load() }, 2*time.Second, 10*time.Millisecond)

	as.sendIsland(conn, "i1", "livekit:wss://sfu1?t=1")
	require.Eventually(t, func() bool { return ctrl.Island() == "i1" }, 2*time.Second, 10*time.Millisecond)

	cv, _ := children.Load("wss://sfu1?t=1")
	child := cv.(*fakeChild)
	child.mu.Lock()
	child.alive = false
	child.mu.Unlock()

	// Poll notices the dead child and cleans it
	assert.True(t, ctrl.Poll())
	child.mu.Lock()
	assert.True(t, child.cleaned)
	child.mu.Unlock()

	// A replacement is built after the retry delay
	require.Eventually(t, func() bool {
		ctrl.Poll()
		c := ctrl.activeChild()
		return c != nil && c.Poll()
	}, 5*time.Second, 50*time.Millisecond)
}

func TestConnStrProtocol(t *testing.T) {
	proto, address := connStrProtocol("livekit:wss://sfu?access_token=abc")
	assert.Equal(t, "livekit", proto)
	assert.Equal(t, "wss://sfu?access_token=abc", address)

	proto, address = connStrProtocol("bare")
	assert.Equal(t, "bare", proto)
	assert.Empty(t, address)
}
