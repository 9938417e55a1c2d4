package realm

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbisworld/orbis/internal/httpclient"
)

// pointerServer answers /entities/active from a static pointer -> entity map.
type pointerServer struct {
	mu       sync.Mutex
	entities map[string]*EntityDefinition // entity id -> definition
	byCoord  map[string]string            // pointer -> entity id
	requests int
}

func (ps *pointerServer) handle(w http.ResponseWriter, r *http.Request) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.requests++

	var body struct {
		Pointers []string `json:"pointers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	seen := make(map[string]bool)
	var out []*EntityDefinition
	for _, ptr := range body.Pointers {
		if id, ok := ps.byCoord[ptr]; ok && !seen[id] {
			seen[id] = true
			out = append(out, ps.entities[id])
		}
	}
	json.NewEncoder(w).Encode(out)
}

func sceneDef(id string, pointers ...string) *EntityDefinition {
	def := &EntityDefinition{ID: id, Pointers: pointers}
	def.Metadata.Scene.Parcels = pointers
	if len(pointers) > 0 {
		def.Metadata.Scene.Base = pointers[0]
	}
	return def
}

func newTestCoordinator(t *testing.T, ps *pointerServer) *Coordinator {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(ps.handle))
	t.Cleanup(srv.Close)
	return NewCoordinator(httpclient.WrapClient(srv.Client()), srv.URL+"/entities/active", 1, true, zap.NewNop().Sugar())
}

func settle(t *testing.T, c *Coordinator) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.Update()
		return !c.PendingResponse()
	}, 2*time.Second, 10*time.Millisecond)
	c.Update()
}

func TestCoordinatorLoadsScenesInRange(t *testing.T) {
	ps := &pointerServer{
		entities: map[string]*EntityDefinition{"X": sceneDef("X", "0,0", "1,0")},
		byCoord:  map[string]string{"0,0": "X", "1,0": "X"},
	}
	c := newTestCoordinator(t, ps)

	c.SetPosition(0, 0)
	settle(t, c)

	desired := c.DesiredScenes()
	assert.Equal(t, []string{"X"}, desired.Loadable)
	assert.Empty(t, desired.KeepAlive)
	// Parcels with no scene resolved to the empty sentinel
	assert.Equal(t, EmptySentinel, c.SceneEntityID(Coord{X: -1, Z: -1}))
	assert.NotZero(t, desired.Version)
}

func TestCoordinatorTransitionOnMove(t *testing.T) {
	ps := &pointerServer{
		entities: map[string]*EntityDefinition{
			"X": sceneDef("X", "0,0", "1,0"),
			"Y": sceneDef("Y", "5,0"),
		},
		byCoord: map[string]string{"0,0": "X", "1,0": "X", "5,0": "Y"},
	}
	c := newTestCoordinator(t, ps)

	c.SetPosition(0, 0)
	settle(t, c)
	require.Equal(t, []string{"X"}, c.DesiredScenes().Loadable)
	v1 := c.Version()

	// Move out of X's range; (5,0) is uncached so nothing is loadable until
	// the batch returns
	c.SetPosition(5, 0)
	immediate := c.DesiredScenes()
	assert.NotContains(t, immediate.Loadable, "Y")

	settle(t, c)
	desired := c.DesiredScenes()
	assert.Equal(t, []string{"Y"}, desired.Loadable)
	assert.NotContains(t, desired.KeepAlive, "X")
	assert.Greater(t, desired.Version, v1)
}

func TestCoordinatorKeepAliveRing(t *testing.T) {
	ps := &pointerServer{
		entities: map[string]*EntityDefinition{
			"A": sceneDef("A", "0,0"),
			"B": sceneDef("B", "2,0"), // outer ring at radius 1
		},
		byCoord: map[string]string{"0,0": "A", "2,0": "B"},
	}
	c := newTestCoordinator(t, ps)

	c.SetPosition(0, 0)
	settle(t, c)

	desired := c.DesiredScenes()
	assert.Equal(t, []string{"A"}, desired.Loadable)
	assert.Equal(t, []string{"B"}, desired.KeepAlive)
}

func TestCoordinatorVersionStableWithoutChange(t *testing.T) {
	ps := &pointerServer{
		entities: map[string]*EntityDefinition{"A": sceneDef("A", "0,0")},
		byCoord:  map[string]string{"0,0": "A"},
	}
	c := newTestCoordinator(t, ps)

	c.SetPosition(0, 0)
	settle(t, c)
	v := c.Version()

	c.Update()
	c.Update()
	assert.Equal(t, v, c.Version())
}

func TestCoordinatorSingleRequestPerParcel(t *testing.T) {
	ps := &pointerServer{
		entities: map[string]*EntityDefinition{"A": sceneDef("A", "0,0")},
		byCoord:  map[string]string{"0,0": "A"},
	}
	c := newTestCoordinator(t, ps)

	c.SetPosition(0, 0)
	settle(t, c)

	// Returning to a fully cached position issues no new request
	ps.mu.Lock()
	before := ps.requests
	ps.mu.Unlock()

	c.SetPosition(0, 1)
	c.SetPosition(0, 0)
	settle(t, c)

	ps.mu.Lock()
	after := ps.requests
	ps.mu.Unlock()
	// Only the (0,1) move may add coords; the return adds none
	assert.LessOrEqual(t, after-before, 1)
}

func TestCoordinatorCityDisabledMarksUnknownEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no requests expected with city loading disabled")
	}))
	t.Cleanup(srv.Close)

	c := NewCoordinator(httpclient.WrapClient(srv.Client()), srv.URL, 1, false, zap.NewNop().Sugar())
	c.SetPosition(0, 0)
	c.Update()

	desired := c.DesiredScenes()
	assert.Empty(t, desired.Loadable)
	assert.Len(t, desired.EmptyParcels, 9)
}

func TestCoordinatorGlobalEntities(t *testing.T) {
	global := sceneDef("G")
	payload, err := json.Marshal(global)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	c := NewCoordinator(httpclient.WrapClient(srv.Client()), srv.URL+"/entities/active", 1, false, zap.NewNop().Sugar())
	c.SetFixedGlobalURNs([]string{"urn:orbis:entity:G?=&baseUrl=" + srv.URL + "/contents/"})

	require.Eventually(t, func() bool {
		c.Update()
		return len(c.DesiredScenes().Loadable) == 1
	}, 2*time.Second, 10*time.Millisecond)

	def, ok := c.Definition("G")
	require.True(t, ok)
	assert.True(t, def.Global)

	// Clearing the urns drops the global
	c.SetFixedGlobalURNs(nil)
	assert.Empty(t, c.DesiredScenes().Loadable)
}

func TestCoordinatorRejectsUnsupportedRuntime(t *testing.T) {
	modern := sceneDef("M", "0,0")
	modern.Metadata.RuntimeVersion = "9.1.0"
	ps := &pointerServer{
		entities: map[string]*EntityDefinition{"M": modern},
		byCoord:  map[string]string{"0,0": "M"},
	}
	c := newTestCoordinator(t, ps)

	c.SetPosition(0, 0)
	settle(t, c)

	assert.Empty(t, c.DesiredScenes().Loadable)
	assert.Equal(t, EmptySentinel, c.SceneEntityID(Coord{0, 0}))
}

func TestParseCoord(t *testing.T) {
	c, err := ParseCoord("12,-4")
	require.NoError(t, err)
	assert.Equal(t, Coord{X: 12, Z: -4}, c)
	assert.Equal(t, "12,-4", c.String())

	_, err = ParseCoord("12")
	assert.Error(t, err)
	_, err = ParseCoord("a,b")
	assert.Error(t, err)
}

func TestParseURN(t *testing.T) {
	u, err := ParseURN("urn:orbis:entity:bafkhash?=&baseUrl=https://cdn.example/ipfs/")
	require.NoError(t, err)
	assert.Equal(t, "bafkhash", u.Hash)
	assert.Equal(t, "https://cdn.example/ipfs/", u.BaseURL)

	_, err = ParseURN("not-a-urn")
	assert.Error(t, err)
	_, err = ParseURN("urn:foo:pointer:0,0")
	assert.Error(t, err)
}

func TestRuntimeSupported(t *testing.T) {
	def := &EntityDefinition{}
	assert.True(t, def.RuntimeSupported())

	def.Metadata.RuntimeVersion = "7.4.2"
	assert.True(t, def.RuntimeSupported())

	def.Metadata.RuntimeVersion = "8.0.0"
	assert.False(t, def.RuntimeSupported())

	def.Metadata.RuntimeVersion = "latest"
	assert.True(t, def.RuntimeSupported())
}
