package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbisworld/orbis/comms"
	"github.com/orbisworld/orbis/comms/wire"
	"github.com/orbisworld/orbis/config"
	"github.com/orbisworld/orbis/identity"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.Cache.Dir = t.TempDir()
	c, err := New(Options{Config: cfg, Logger: zap.NewNop().Sugar()})
	require.NoError(t, err)
	return c
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestMovePlayerParcelMapping(t *testing.T) {
	c := newTestClient(t)

	c.MovePlayer(0, 0, 0)
	x, z := c.parcel()
	assert.Equal(t, int32(0), x)
	assert.Equal(t, int32(0), z)

	c.MovePlayer(31.9, 2, -0.1)
	x, z = c.parcel()
	assert.Equal(t, int32(1), x)
	assert.Equal(t, int32(-1), z)

	c.MovePlayer(-16, 0, 47.9)
	x, z = c.parcel()
	assert.Equal(t, int32(-1), x)
	assert.Equal(t, int32(2), z)
}

func TestLocalProfile(t *testing.T) {
	c := newTestClient(t)
	p := c.localProfile()
	assert.Equal(t, uint32(1), p.Version)
	assert.Equal(t, "wanderer", p.Name)
	assert.Contains(t, string(p.Raw), c.Identity().Address().String())
}

func TestAttachCommsAdapterRejectsUnknown(t *testing.T) {
	c := newTestClient(t)
	self := c.Identity().Address()
	proc := comms.NewProcessor(self, c.localProfile(), noopAvatars{}, noopVoice{}, nil, zap.NewNop().Sugar())
	c.manager = comms.NewManager(proc, zap.NewNop().Sugar())

	assert.Error(t, c.attachCommsAdapter(""))
	assert.Error(t, c.attachCommsAdapter("offline"))
	assert.Error(t, c.attachCommsAdapter("smoke-signals:hill"))
}

func TestSceneBusRoundTrip(t *testing.T) {
	c := newTestClient(t)
	self := c.Identity().Address()
	proc := comms.NewProcessor(self, c.localProfile(), noopAvatars{}, noopVoice{}, nil, zap.NewNop().Sugar())
	manager := comms.NewManager(proc, zap.NewNop().Sugar())
	bus := &sceneBus{manager: manager}

	// Inbound: a peer's scene message lands in the per-scene queue
	var from identity.Address
	from[19] = 1
	proc.Offer(comms.NewIncomingPacket("r", from, &wire.Packet{Scene: &wire.SceneMessage{
		SceneID: "hashX",
		Data:    []byte("howdy"),
	}}))
	proc.Poll()

	msgs := bus.DrainSceneMessages("hashX")
	require.Equal(t, []string{"howdy"}, msgs)
	assert.Empty(t, bus.DrainSceneMessages("hashX"))

	// Outbound send is a broadcast; with no adapters attached it is a no-op
	bus.SendSceneMessage("hashX", "reply")
}
