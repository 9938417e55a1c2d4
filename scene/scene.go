package scene

import (
	"context"
	"encoding/json"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/orbisworld/orbis/crdt"
)

const (
	toSceneCapacity   = 64
	eventsCapacity    = 64
	responsesCapacity = 16
)

// HostEvent is one event-bus entry emitted by the host for subscribed
// scenes.
type HostEvent struct {
	ID      uint32
	Payload json.RawMessage
}

// Response is the per-tick publication from a scene thread to the host:
// the frames the script emitted, the dirty-set after applying them, and the
// accumulated logs, bus messages, and restricted actions.
type Response struct {
	SceneID crdt.SceneID
	Tick    uint64
	Frames  []byte
	Dirty   crdt.Dirty
	Logs    []LogEntry
	Comms   []CommsOutgoing
	Actions []RestrictedAction
	Elapsed time.Duration
}

// Isolate abstracts the script VM for the tick loop. The real implementation
// is *VM; tests use scripted fakes.
type Isolate interface {
	PushIncomingFrames(frames []byte)
	EnqueueCommsMessages(msgs []string)
	EmitEvent(eventID uint32, payload json.RawMessage)
	Start(ctx context.Context) error
	Update(ctx context.Context, dt float32) error
	TakeOutput() (frames []byte, logs []LogEntry, comms []CommsOutgoing, actions []RestrictedAction)
	Close(ctx context.Context) error
}

// Scene is one running scene: a VM on a dedicated OS thread plus the
// scene-side CRDT projection. The host communicates exclusively through
// bounded channels.
type Scene struct {
	ID       crdt.SceneID
	EntityID string

	vm    Isolate
	state *crdt.State

	toScene   chan []byte
	events    chan HostEvent
	responses chan Response

	dying  atomic.Bool
	done   chan struct{}
	logger *zap.SugaredLogger

	tickInterval time.Duration
	tick         uint64

	scriptErrors     int
	responseDrops    atomic.Uint64
}

// SpawnScene starts the scene thread. initialBatch is the main.crdt content,
// applied before the first script tick.
func SpawnScene(id crdt.SceneID, entityID string, vm Isolate, manifest []crdt.ComponentSchema, initialBatch []byte, tickInterval time.Duration, log *zap.SugaredLogger) *Scene {
	s := &Scene{
		ID:           id,
		EntityID:     entityID,
		vm:           vm,
		state:        crdt.NewStateFromManifest(manifest),
		toScene:      make(chan []byte, toSceneCapacity),
		events:       make(chan HostEvent, eventsCapacity),
		responses:    make(chan Response, responsesCapacity),
		done:         make(chan struct{}),
		logger:       log,
		tickInterval: tickInterval,
	}
	go s.run(initialBatch)
	return s
}

// Responses returns the bounded channel of per-tick publications, delivered
// in strict tick order.
func (s *Scene) Responses() <-chan Response {
	return s.responses
}

// SendFrames queues host->scene frames for the next tick. Non-blocking;
// returns false when the channel is full and the batch was dropped.
func (s *Scene) SendFrames(frames []byte) bool {
	select {
	case s.toScene <- frames:
		return true
	default:
		return false
	}
}

// EmitEvent queues an event for the scene's next tick; the VM drops it
// unless the script subscribed to the id. Non-blocking; returns false when
// the channel is full and the event was dropped.
func (s *Scene) EmitEvent(eventID uint32, payload json.RawMessage) bool {
	select {
	case s.events <- HostEvent{ID: eventID, Payload: payload}:
		return true
	default:
		return false
	}
}

// ForwardCommsMessages delivers scene-bus messages to the VM.
func (s *Scene) ForwardCommsMessages(msgs []string) {
	s.vm.EnqueueCommsMessages(msgs)
}

// Kill sets the dying flag; the tick loop exits at the next iteration and
// the isolate is terminated. A script stuck inside a tick is interrupted.
func (s *Scene) Kill() {
	s.dying.Store(true)
	if ir, ok := s.vm.(interface{ Interrupt() }); ok {
		ir.Interrupt()
	}
}

// Wait blocks until the scene thread has exited.
func (s *Scene) Wait() {
	<-s.done
}

// run is the scene thread. The VM is single-threaded; the thread is pinned
// so the isolate never migrates.
func (s *Scene) run(initialBatch []byte) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.done)

	ctx := context.Background()
	defer s.vm.Close(ctx)

	if len(initialBatch) > 0 {
		if err := s.state.ApplyBatch(initialBatch); err != nil {
			s.logger.Warnw("Initial scene state batch malformed", "scene_id", s.ID, "error", err)
		}
		s.vm.PushIncomingFrames(initialBatch)
	}

	if err := s.vm.Start(ctx); err != nil {
		s.logger.Errorw("Scene start failed", "scene_id", s.ID, "error", err)
	}

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	last := time.Now()

	for !s.dying.Load() {
		<-ticker.C
		now := time.Now()
		dt := float32(now.Sub(last).Seconds())
		last = now
		s.runTick(ctx, dt)
	}
}

// runTick executes one iteration of the tick pipeline:
//
//  1. Drain host->scene frames and hand them to the VM.
//  2. Run the script tick.
//  3. Apply emitted frames to the scene projection in emission order.
//  4. Publish the dirty-set and accumulated output to the host.
func (s *Scene) runTick(ctx context.Context, dt float32) {
	start := time.Now()

	// No suspension between drain and script dispatch
	for draining := true; draining; {
		select {
		case frames := <-s.toScene:
			if err := s.state.ApplyBatch(frames); err != nil {
				s.logger.Warnw("Malformed host frame batch", "scene_id", s.ID, "error", err)
			}
			s.vm.PushIncomingFrames(frames)
		default:
			draining = false
		}
	}

	for draining := true; draining; {
		select {
		case ev := <-s.events:
			s.vm.EmitEvent(ev.ID, ev.Payload)
		default:
			draining = false
		}
	}

	scriptOK := true
	if err := s.vm.Update(ctx, dt); err != nil {
		scriptOK = false
		s.scriptErrors++
		if s.scriptErrors <= maxVerboseScriptErrors {
			s.logger.Errorw("Scene script error", "scene_id", s.ID, "count", s.scriptErrors, "error", err)
			if s.scriptErrors == maxVerboseScriptErrors {
				s.logger.Warnw("Suppressing further script errors", "scene_id", s.ID)
			}
		}
	} else {
		s.scriptErrors = 0
	}

	frames, logs, comms, actions := s.vm.TakeOutput()
	if !scriptOK {
		// A failed tick produced no output; only the logs survive
		frames = nil
		comms = nil
		actions = nil
	}

	if len(frames) > 0 {
		if err := s.state.ApplyBatch(frames); err != nil {
			// Prior frames in the batch are retained; the scene is not killed
			s.logger.Warnw("Malformed scene frame batch", "scene_id", s.ID, "error", err)
		}
	}

	s.tick++
	resp := Response{
		SceneID: s.ID,
		Tick:    s.tick,
		Frames:  frames,
		Dirty:   s.state.TakeDirty(),
		Logs:    logs,
		Comms:   comms,
		Actions: actions,
		Elapsed: time.Since(start),
	}

	select {
	case s.responses <- resp:
	default:
		// Loss is an error: bounded capacity is the flow control
		s.responseDrops.Add(1)
		s.logger.Errorw("Host response channel full, dropping tick output", "scene_id", s.ID)
	}
}

// ResponseDrops reports how many tick outputs were lost to backpressure.
func (s *Scene) ResponseDrops() uint64 {
	return s.responseDrops.Load()
}
