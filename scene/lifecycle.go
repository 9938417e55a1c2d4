package scene

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/orbisworld/orbis/content"
	"github.com/orbisworld/orbis/crdt"
	"github.com/orbisworld/orbis/errors"
	"github.com/orbisworld/orbis/identity"
	"github.com/orbisworld/orbis/realm"
)

// MessageBus is the comms surface the lifecycle needs: per-scene inbound
// queues and outbound broadcast.
type MessageBus interface {
	DrainSceneMessages(entityID string) []string
	SendSceneMessage(entityID string, message string)
}

// ActionSink receives gated scene actions for focus/origin validation by the
// host UI layer.
type ActionSink interface {
	HandleRestrictedAction(entityID string, action RestrictedAction)
}

// DirtyObserver receives each scene's per-tick dirty-set on the host thread,
// in strict tick order. This is the renderer's ingestion point.
type DirtyObserver func(sceneID crdt.SceneID, entityID string, dirty crdt.Dirty)

type spawnResult struct {
	entityID string
	scene    *Scene
	err      error
}

// Lifecycle owns the active scenes: it polls the coordinator's desired set,
// spawns and tears down scenes, routes CRDT deltas to the host projections,
// and forwards scene-bus messages. Host-thread only.
type Lifecycle struct {
	provider    *content.Provider
	coordinator *realm.Coordinator
	bus         MessageBus
	actions     ActionSink
	observer    DirtyObserver
	signer      *identity.Identity
	logger      *zap.SugaredLogger

	allowedHosts []string
	tickInterval time.Duration

	scenes      map[string]*Scene     // entity id -> running scene
	hostStates  map[string]*crdt.State // entity id -> host projection
	sceneIDs    map[string]crdt.SceneID
	nextSceneID crdt.SceneID

	pendingSpawns map[string]bool
	spawned       chan spawnResult

	lastVersion uint32
}

// LifecycleConfig wires the lifecycle's collaborators. Bus, Actions, and
// Observer may be nil.
type LifecycleConfig struct {
	Provider     *content.Provider
	Coordinator  *realm.Coordinator
	Bus          MessageBus
	Actions      ActionSink
	Observer     DirtyObserver
	Signer       *identity.Identity
	AllowedHosts []string
	TickInterval time.Duration
	Logger       *zap.SugaredLogger
}

// NewLifecycle creates the scene lifecycle manager.
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 33 * time.Millisecond
	}
	return &Lifecycle{
		provider:      cfg.Provider,
		coordinator:   cfg.Coordinator,
		bus:           cfg.Bus,
		actions:       cfg.Actions,
		observer:      cfg.Observer,
		signer:        cfg.Signer,
		logger:        cfg.Logger,
		allowedHosts:  cfg.AllowedHosts,
		tickInterval:  cfg.TickInterval,
		scenes:        make(map[string]*Scene),
		hostStates:    make(map[string]*crdt.State),
		sceneIDs:      make(map[string]crdt.SceneID),
		pendingSpawns: make(map[string]bool),
		spawned:       make(chan spawnResult, 8),
	}
}

// SceneCount returns the number of running scenes.
func (l *Lifecycle) SceneCount() int {
	return len(l.scenes)
}

// HostState returns the host-side CRDT projection for a scene.
func (l *Lifecycle) HostState(entityID string) (*crdt.State, bool) {
	st, ok := l.hostStates[entityID]
	return st, ok
}

// EmitEvent queues a host event for one scene; the scene drops it unless
// its script subscribed to the id.
func (l *Lifecycle) EmitEvent(entityID string, eventID uint32, payload json.RawMessage) bool {
	s, ok := l.scenes[entityID]
	if !ok {
		return false
	}
	return s.EmitEvent(eventID, payload)
}

// BroadcastEvent queues a host event for every running scene.
func (l *Lifecycle) BroadcastEvent(eventID uint32, payload json.RawMessage) {
	for _, s := range l.scenes {
		s.EmitEvent(eventID, payload)
	}
}

// SendFramesToScene queues host mutations (e.g. the renderer moving
// TRANSFORM) for a scene. They are applied to the host projection
// immediately and to the scene projection at its next tick.
func (l *Lifecycle) SendFramesToScene(entityID string, frames []byte) bool {
	s, ok := l.scenes[entityID]
	if !ok {
		return false
	}
	if st, ok := l.hostStates[entityID]; ok {
		if err := st.ApplyBatch(frames); err != nil {
			l.logger.Warnw("Malformed host mutation batch", "scene_id", s.ID, "error", err)
		}
		st.TakeDirty() // host-originated writes are not re-announced
	}
	return s.SendFrames(frames)
}

// Update runs one host tick: coordinator poll, desired-set reconciliation,
// spawn completion, and per-scene delta routing.
func (l *Lifecycle) Update() {
	l.coordinator.Update()

	if v := l.coordinator.Version(); v != l.lastVersion {
		l.lastVersion = v
		l.reconcile()
	}

	l.drainSpawns()
	l.pumpScenes()
}

// reconcile matches the running set against the coordinator's desired set.
func (l *Lifecycle) reconcile() {
	desired := l.coordinator.DesiredScenes()

	want := make(map[string]bool, len(desired.Loadable)+len(desired.KeepAlive))
	for _, id := range desired.Loadable {
		want[id] = true
		if !l.pendingSpawns[id] && l.scenes[id] == nil {
			l.spawnAsync(id)
		}
	}
	// Keep-alive scenes stay running but are not instantiated anew
	for _, id := range desired.KeepAlive {
		want[id] = true
	}

	for id, s := range l.scenes {
		if !want[id] {
			l.teardown(id, s)
		}
	}
}

func (l *Lifecycle) teardown(entityID string, s *Scene) {
	s.Kill()
	delete(l.scenes, entityID)
	delete(l.hostStates, entityID)
	delete(l.sceneIDs, entityID)
	l.logger.Infow("Scene unloaded", "scene_id", s.ID, "hash", entityID)
}

// spawnAsync fetches the scene bundle off-thread and hands the running scene
// back through a channel.
func (l *Lifecycle) spawnAsync(entityID string) {
	def, ok := l.coordinator.Definition(entityID)
	if !ok {
		return
	}
	l.pendingSpawns[entityID] = true

	id := l.nextSceneID
	l.nextSceneID++
	l.sceneIDs[entityID] = id

	go func() {
		s, err := l.buildScene(id, def)
		l.spawned <- spawnResult{entityID: entityID, scene: s, err: err}
	}()
}

func (l *Lifecycle) buildScene(id crdt.SceneID, def *realm.EntityDefinition) (*Scene, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	main := def.Metadata.Main
	if main == "" {
		main = "main.js"
	}
	scriptHash, ok := def.ContentHash(main)
	if !ok {
		return nil, errors.Newf("scene %s manifest has no %q", def.ID, main)
	}

	script, err := l.provider.FetchBytes(ctx, def.BaseURL+scriptHash, scriptHash, "")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch scene script %s", scriptHash)
	}

	// Initial state batch is optional
	var initialBatch []byte
	if crdtHash, ok := def.ContentHash("main.crdt"); ok {
		initialBatch, err = l.provider.FetchBytes(ctx, def.BaseURL+crdtHash, crdtHash, "")
		if err != nil {
			l.logger.Warnw("Failed to fetch initial scene state", "hash", crdtHash, "error", err)
			initialBatch = nil
		}
	}

	vm, err := NewVM(ctx, VMConfig{
		Source:       script,
		AllowedHosts: l.allowedHosts,
		Signer:       l.signer,
		Logger:       l.logger,
	})
	if err != nil {
		// Failure to allocate an isolate is fatal for the scene only
		return nil, errors.Wrapf(err, "failed to create isolate for scene %s", def.ID)
	}

	s := SpawnScene(id, def.ID, vm, nil, initialBatch, l.tickInterval, l.logger)
	return s, nil
}

func (l *Lifecycle) drainSpawns() {
	for {
		select {
		case res := <-l.spawned:
			delete(l.pendingSpawns, res.entityID)
			if res.err != nil {
				l.logger.Errorw("Scene spawn failed", "hash", res.entityID, "error", res.err)
				delete(l.sceneIDs, res.entityID)
				continue
			}
			// The desired set may have moved on while we were fetching
			if !l.stillDesired(res.entityID) {
				res.scene.Kill()
				continue
			}
			l.scenes[res.entityID] = res.scene
			l.hostStates[res.entityID] = crdt.NewState()
			l.logger.Infow("Scene spawned", "scene_id", res.scene.ID, "hash", res.entityID)
		default:
			return
		}
	}
}

func (l *Lifecycle) stillDesired(entityID string) bool {
	desired := l.coordinator.DesiredScenes()
	for _, id := range desired.Loadable {
		if id == entityID {
			return true
		}
	}
	for _, id := range desired.KeepAlive {
		if id == entityID {
			return true
		}
	}
	return false
}

// pumpScenes routes bus messages in and tick output out for every running
// scene.
func (l *Lifecycle) pumpScenes() {
	for entityID, s := range l.scenes {
		if l.bus != nil {
			if msgs := l.bus.DrainSceneMessages(entityID); len(msgs) > 0 {
				s.ForwardCommsMessages(msgs)
			}
		}

		for draining := true; draining; {
			select {
			case resp := <-s.Responses():
				l.applyResponse(entityID, s, resp)
			default:
				draining = false
			}
		}
	}
}

func (l *Lifecycle) applyResponse(entityID string, s *Scene, resp Response) {
	if len(resp.Frames) > 0 {
		if st, ok := l.hostStates[entityID]; ok {
			if err := st.ApplyBatch(resp.Frames); err != nil {
				l.logger.Warnw("Malformed scene delta batch", "scene_id", s.ID, "error", err)
			}
			st.TakeDirty()
		}
	}

	if l.observer != nil && !resp.Dirty.Empty() {
		l.observer(s.ID, entityID, resp.Dirty)
	}

	for _, entry := range resp.Logs {
		if entry.Level == logLevelError {
			l.logger.Errorw("[scene] "+entry.Message, "scene_id", s.ID)
		} else {
			l.logger.Debugw("[scene] "+entry.Message, "scene_id", s.ID)
		}
	}

	if l.bus != nil {
		for _, out := range resp.Comms {
			l.bus.SendSceneMessage(entityID, out.Message)
		}
	}

	if l.actions != nil {
		for _, action := range resp.Actions {
			l.actions.HandleRestrictedAction(entityID, action)
		}
	}
}

// Shutdown tears down every scene and waits for the threads to join.
func (l *Lifecycle) Shutdown() {
	for _, s := range l.scenes {
		s.Kill()
	}
	for id, s := range l.scenes {
		s.Wait()
		delete(l.scenes, id)
	}
}
