package scene

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbisworld/orbis/content"
	"github.com/orbisworld/orbis/crdt"
	"github.com/orbisworld/orbis/internal/httpclient"
	"github.com/orbisworld/orbis/realm"
)

type fakeBus struct {
	mu       sync.Mutex
	inbound  map[string][]string
	outbound []string
}

func (b *fakeBus) DrainSceneMessages(entityID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.inbound[entityID]
	delete(b.inbound, entityID)
	return out
}

func (b *fakeBus) SendSceneMessage(entityID string, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbound = append(b.outbound, entityID+":"+message)
}

func newTestLifecycle(t *testing.T, bus MessageBus) (*Lifecycle, *realm.Coordinator) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	}))
	t.Cleanup(srv.Close)

	client := httpclient.WrapClient(srv.Client())
	coord := realm.NewCoordinator(client, srv.URL, 1, false, zap.NewNop().Sugar())
	provider := content.NewProvider(t.TempDir(), 1<<20, 2, client, zap.NewNop().Sugar())

	l := NewLifecycle(LifecycleConfig{
		Provider:     provider,
		Coordinator:  coord,
		Bus:          bus,
		TickInterval: 5 * time.Millisecond,
		Logger:       zap.NewNop().Sugar(),
	})
	return l, coord
}

func TestLifecycleRoutesBusMessages(t *testing.T) {
	bus := &fakeBus{inbound: map[string][]string{"hashA": {"ping"}}}
	l, _ := newTestLifecycle(t, bus)

	iso := &fakeIsolate{pendingComms: []CommsOutgoing{{Bus: "b", Message: "pong"}}}
	s := SpawnScene(1, "hashA", iso, nil, nil, 5*time.Millisecond, zap.NewNop().Sugar())
	l.scenes["hashA"] = s
	l.hostStates["hashA"] = crdt.NewState()
	defer l.Shutdown()

	// Wait for the scene to tick at least once so the comms output is queued
	require.Eventually(t, func() bool {
		iso.mu.Lock()
		defer iso.mu.Unlock()
		return iso.updates > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		l.pumpScenes()
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.outbound) > 0
	}, 2*time.Second, 5*time.Millisecond)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Equal(t, "hashA:pong", bus.outbound[0])

	iso.mu.Lock()
	defer iso.mu.Unlock()
	assert.Equal(t, []string{"ping"}, iso.comms)
}

func TestLifecycleAppliesDeltasToHostState(t *testing.T) {
	l, _ := newTestLifecycle(t, nil)

	e := crdt.NewEntityID(2, 0)
	iso := &fakeIsolate{emitPerTick: [][]byte{putFrame(e, 3, []byte("v"))}}
	s := SpawnScene(2, "hashB", iso, nil, nil, 5*time.Millisecond, zap.NewNop().Sugar())
	l.scenes["hashB"] = s
	l.hostStates["hashB"] = crdt.NewState()
	defer l.Shutdown()

	require.Eventually(t, func() bool {
		l.pumpScenes()
		st, _ := l.HostState("hashB")
		_, ok := st.GetLWW(crdt.ComponentTransform, e)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := l.HostState("hashB")
	v, ok := st.GetLWW(crdt.ComponentTransform, e)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestLifecycleObserverReceivesDirty(t *testing.T) {
	l, _ := newTestLifecycle(t, nil)

	var mu sync.Mutex
	var seen []crdt.SceneID
	l.observer = func(sceneID crdt.SceneID, entityID string, dirty crdt.Dirty) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, sceneID)
	}

	e := crdt.NewEntityID(3, 0)
	iso := &fakeIsolate{emitPerTick: [][]byte{putFrame(e, 1, []byte("x"))}}
	s := SpawnScene(7, "hashC", iso, nil, nil, 5*time.Millisecond, zap.NewNop().Sugar())
	l.scenes["hashC"] = s
	l.hostStates["hashC"] = crdt.NewState()
	defer l.Shutdown()

	require.Eventually(t, func() bool {
		l.pumpScenes()
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, crdt.SceneID(7), seen[0])
}

func TestLifecycleTeardownOnUndesired(t *testing.T) {
	l, _ := newTestLifecycle(t, nil)

	iso := &fakeIsolate{}
	s := SpawnScene(9, "gone", iso, nil, nil, 5*time.Millisecond, zap.NewNop().Sugar())
	l.scenes["gone"] = s
	l.hostStates["gone"] = crdt.NewState()

	// The coordinator's desired set is empty, so reconcile drops the scene
	l.reconcile()
	assert.Zero(t, l.SceneCount())

	s.Wait()
	iso.mu.Lock()
	defer iso.mu.Unlock()
	assert.True(t, iso.closed)
}

func TestLifecycleSendFramesToScene(t *testing.T) {
	l, _ := newTestLifecycle(t, nil)

	iso := &fakeIsolate{}
	s := SpawnScene(11, "hashD", iso, nil, nil, time.Hour, zap.NewNop().Sugar())
	l.scenes["hashD"] = s
	l.hostStates["hashD"] = crdt.NewState()
	defer l.Shutdown()

	e := crdt.NewEntityID(5, 0)
	frames := putFrame(e, 2, []byte("host-write"))
	require.True(t, l.SendFramesToScene("hashD", frames))

	// Host projection reflects the write immediately
	st, _ := l.HostState("hashD")
	v, ok := st.GetLWW(crdt.ComponentTransform, e)
	require.True(t, ok)
	assert.Equal(t, []byte("host-write"), v)

	assert.False(t, l.SendFramesToScene("unknown", frames))
}
