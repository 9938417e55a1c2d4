package realm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/orbisworld/orbis/errors"
	"github.com/orbisworld/orbis/internal/httpclient"
)

// keepAliveMargin is the extra ring of parcels whose scenes stay alive but
// need not be fully interactive.
const keepAliveMargin = 1

// DesiredScenes is the coordinator's output, polled by the lifecycle manager
// through the version counter.
type DesiredScenes struct {
	Version      uint32
	Loadable     []string
	KeepAlive    []string
	EmptyParcels []Coord
}

type pointerResponse struct {
	requestID uint64
	coords    []Coord
	entities  []*EntityDefinition
	err       error
}

type globalResponse struct {
	urn URN
	def *EntityDefinition
	err error
}

// Coordinator decides which scenes to instantiate, keep alive, or unload as
// the player moves, and resolves pointers to content bundles. All mutation
// happens on the host thread via Update/SetPosition; network responses
// arrive through an internal channel.
type Coordinator struct {
	client            *httpclient.Client
	entitiesActiveURL string
	contentBaseURL    string
	logger            *zap.SugaredLogger

	radius     int32
	cityLoader bool

	pos        Coord
	positioned bool

	// cache maps every sighted pointer to an entity id or EmptySentinel
	cache map[Coord]string
	defs  map[string]*EntityDefinition

	requested     map[Coord]uint64 // in-flight coords -> request id
	nextRequestID uint64

	globalURNs map[string]bool
	globals    map[string]*EntityDefinition // entity id -> definition

	responses       chan pointerResponse
	globalResponses chan globalResponse

	loadable     map[string]bool
	keepAlive    map[string]bool
	emptyParcels map[Coord]bool
	version      uint32
}

// NewCoordinator creates a coordinator against a pointer-resolution
// endpoint. cityLoader enables parcel-space discovery; with it disabled only
// fixed entities load and unknown parcels resolve to empty.
func NewCoordinator(client *httpclient.Client, entitiesActiveURL string, radius int32, cityLoader bool, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		client:            client,
		entitiesActiveURL: entitiesActiveURL,
		logger:            log,
		radius:            radius,
		cityLoader:        cityLoader,
		cache:             make(map[Coord]string),
		defs:              make(map[string]*EntityDefinition),
		requested:         make(map[Coord]uint64),
		globalURNs:        make(map[string]bool),
		globals:           make(map[string]*EntityDefinition),
		responses:         make(chan pointerResponse, 16),
		globalResponses:   make(chan globalResponse, 16),
		loadable:          make(map[string]bool),
		keepAlive:         make(map[string]bool),
		emptyParcels:      make(map[Coord]bool),
	}
}

// SetContentBaseURL sets the prefix pointer-resolved entities fetch their
// content hashes from.
func (c *Coordinator) SetContentBaseURL(url string) {
	c.contentBaseURL = url
}

// SetRadius changes the inner ring radius.
func (c *Coordinator) SetRadius(r int32) {
	c.radius = r
	c.requestMissing()
	c.recompute()
}

// SetFixedGlobalURNs replaces the set of globally loaded entities. Each URN
// resolves to a single descriptor that never occupies coordinate space.
func (c *Coordinator) SetFixedGlobalURNs(urns []string) {
	fresh := make(map[string]bool, len(urns))
	for _, raw := range urns {
		fresh[raw] = true
		if c.globalURNs[raw] {
			continue
		}
		urn, err := ParseURN(raw)
		if err != nil {
			c.logger.Warnw("Ignoring invalid scene urn", "url", raw, "error", err)
			continue
		}
		go c.fetchGlobal(urn)
	}
	// Drop globals that are no longer requested
	for id, def := range c.globals {
		if !fresh[def.sourceURN] {
			delete(c.globals, id)
		}
	}
	c.globalURNs = fresh
	c.recompute()
}

// SetPosition moves the player to a new grid coordinate and requests every
// uncached pointer in range.
func (c *Coordinator) SetPosition(x, z int32) {
	pos := Coord{X: x, Z: z}
	if c.positioned && pos == c.pos {
		return
	}
	c.pos = pos
	c.positioned = true
	c.requestMissing()
	c.recompute()
}

// ring enumerates the square ring of parcels within radius r of the current
// position.
func (c *Coordinator) ring(r int32) []Coord {
	if !c.positioned {
		return nil
	}
	out := make([]Coord, 0, (2*r+1)*(2*r+1))
	for x := c.pos.X - r; x <= c.pos.X+r; x++ {
		for z := c.pos.Z - r; z <= c.pos.Z+r; z++ {
			out = append(out, Coord{X: x, Z: z})
		}
	}
	return out
}

// requestMissing batches a pointer-resolution request for every in-range
// coord that is neither cached nor in flight.
func (c *Coordinator) requestMissing() {
	if !c.cityLoader || !c.positioned {
		return
	}

	var missing []Coord
	for _, coord := range c.ring(c.radius + keepAliveMargin) {
		if _, cached := c.cache[coord]; cached {
			continue
		}
		if _, inflight := c.requested[coord]; inflight {
			continue
		}
		missing = append(missing, coord)
	}
	if len(missing) == 0 {
		return
	}

	c.nextRequestID++
	id := c.nextRequestID
	for _, coord := range missing {
		c.requested[coord] = id
	}
	go c.fetchPointers(id, missing)
}

func (c *Coordinator) fetchPointers(requestID uint64, coords []Coord) {
	pointers := make([]string, len(coords))
	for i, coord := range coords {
		pointers[i] = coord.String()
	}
	body, err := json.Marshal(map[string][]string{"pointers": pointers})
	if err != nil {
		c.responses <- pointerResponse{requestID: requestID, coords: coords, err: err}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entities, err := c.postEntities(ctx, body)
	c.responses <- pointerResponse{requestID: requestID, coords: coords, entities: entities, err: err}
}

func (c *Coordinator) postEntities(ctx context.Context, body []byte) ([]*EntityDefinition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.entitiesActiveURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build pointers request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "pointers request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("pointers request returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read pointers response")
	}

	var entities []*EntityDefinition
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, errors.Wrap(err, "unparseable pointers response")
	}
	return entities, nil
}

func (c *Coordinator) fetchGlobal(urn URN) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	url := urn.BaseURL + urn.Hash
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.globalResponses <- globalResponse{urn: urn, err: err}
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.globalResponses <- globalResponse{urn: urn, err: err}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.globalResponses <- globalResponse{urn: urn, err: errors.Newf("entity fetch returned %d", resp.StatusCode)}
		return
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		c.globalResponses <- globalResponse{urn: urn, err: err}
		return
	}

	def, err := ParseEntityDefinition(data, urn.BaseURL)
	if err != nil {
		c.globalResponses <- globalResponse{urn: urn, err: err}
		return
	}
	if def.ID == "" {
		def.ID = urn.Hash
	}
	def.Global = true
	def.sourceURN = urn.Raw
	c.globalResponses <- globalResponse{urn: urn, def: def}
}

// Update drains network responses and recomputes the desired sets. Called
// once per host tick.
func (c *Coordinator) Update() {
	changedInput := false
	for {
		select {
		case resp := <-c.responses:
			c.applyPointerResponse(resp)
			changedInput = true
		case resp := <-c.globalResponses:
			if resp.err != nil {
				c.logger.Warnw("Failed to resolve global scene", "url", resp.urn.Raw, "error", resp.err)
				continue
			}
			if c.globalURNs[resp.urn.Raw] {
				c.globals[resp.def.ID] = resp.def
				c.defs[resp.def.ID] = resp.def
				changedInput = true
			}
		default:
			if changedInput {
				c.recompute()
			}
			return
		}
	}
}

func (c *Coordinator) applyPointerResponse(resp pointerResponse) {
	// Release in-flight markers for this request regardless of outcome
	for _, coord := range resp.coords {
		if c.requested[coord] == resp.requestID {
			delete(c.requested, coord)
		}
	}

	if resp.err != nil {
		// The request is invalidated; its coords stay uncached and are
		// re-requested on the next position change
		c.logger.Warnw("Pointer resolution failed", "count", len(resp.coords), "error", resp.err)
		return
	}

	returned := make(map[Coord]bool)
	for _, def := range resp.entities {
		if def == nil || def.ID == "" {
			continue
		}
		if !def.RuntimeSupported() {
			c.logger.Warnw("Scene requires unsupported runtime", "hash", def.ID, "state", def.Metadata.RuntimeVersion)
			continue
		}
		if def.BaseURL == "" {
			def.BaseURL = c.contentBaseURL
		}
		c.defs[def.ID] = def
		// Index every pointer the entity declares, including ones outside
		// the requested batch
		for _, ptr := range def.Pointers {
			coord, err := ParseCoord(ptr)
			if err != nil {
				continue
			}
			c.cache[coord] = def.ID
			returned[coord] = true
		}
	}

	// Requested but not returned parcels are empty
	for _, coord := range resp.coords {
		if !returned[coord] {
			if _, cached := c.cache[coord]; !cached {
				c.cache[coord] = EmptySentinel
			}
		}
	}
}

// recompute rebuilds loadable/keep-alive/empty and bumps the version iff any
// of the three sets changed.
func (c *Coordinator) recompute() {
	loadable := make(map[string]bool)
	keepAlive := make(map[string]bool)
	empty := make(map[Coord]bool)

	inner := c.ring(c.radius)
	outer := c.ring(c.radius + keepAliveMargin)

	innerSet := make(map[Coord]bool, len(inner))
	for _, coord := range inner {
		innerSet[coord] = true
		switch id := c.cache[coord]; id {
		case "":
			// Unknown parcels become empty only when nothing is pending and
			// city discovery is off
			if !c.cityLoader && len(c.requested) == 0 {
				empty[coord] = true
			}
		case EmptySentinel:
			empty[coord] = true
		default:
			loadable[id] = true
		}
	}

	for id := range c.globals {
		loadable[id] = true
	}

	for _, coord := range outer {
		if innerSet[coord] {
			continue
		}
		if id := c.cache[coord]; id != "" && id != EmptySentinel && !loadable[id] {
			keepAlive[id] = true
		}
	}

	if !sameStringSet(c.loadable, loadable) || !sameStringSet(c.keepAlive, keepAlive) || !sameCoordSet(c.emptyParcels, empty) {
		c.version++
	}
	c.loadable = loadable
	c.keepAlive = keepAlive
	c.emptyParcels = empty
}

// Version returns the desired-set version counter.
func (c *Coordinator) Version() uint32 {
	return c.version
}

// PendingResponse reports whether any pointer request is in flight.
func (c *Coordinator) PendingResponse() bool {
	return len(c.requested) > 0
}

// Definition returns a resolved scene descriptor by entity id.
func (c *Coordinator) Definition(entityID string) (*EntityDefinition, bool) {
	def, ok := c.defs[entityID]
	return def, ok
}

// SceneEntityID returns the cache value for a coord: an entity id,
// EmptySentinel, or "" when unknown.
func (c *Coordinator) SceneEntityID(coord Coord) string {
	return c.cache[coord]
}

// DesiredScenes snapshots the current desired sets.
func (c *Coordinator) DesiredScenes() DesiredScenes {
	out := DesiredScenes{
		Version:   c.version,
		Loadable:  sortedKeys(c.loadable),
		KeepAlive: sortedKeys(c.keepAlive),
	}
	for coord := range c.emptyParcels {
		out.EmptyParcels = append(out.EmptyParcels, coord)
	}
	sort.Slice(out.EmptyParcels, func(i, j int) bool {
		a, b := out.EmptyParcels[i], out.EmptyParcels[j]
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Z < b.Z
	})
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sameStringSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func sameCoordSet(a, b map[Coord]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
