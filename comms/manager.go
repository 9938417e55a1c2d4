package comms

import (
	"go.uber.org/zap"

	"github.com/orbisworld/orbis/comms/wire"
)

const micChannelCapacity = 64

// Manager owns the active transport adapters and wires the processor's
// egress. The host thread calls Poll once per tick; everything else feeds
// bounded channels.
type Manager struct {
	proc     *Processor
	logger   *zap.SugaredLogger
	adapters []Adapter

	mic chan *wire.Voice

	profileVersion uint32
}

// NewManager creates a manager around a processor.
func NewManager(proc *Processor, log *zap.SugaredLogger) *Manager {
	m := &Manager{
		proc:   proc,
		logger: log,
		mic:    make(chan *wire.Voice, micChannelCapacity),
	}
	proc.SetOutbound(m.SendPacket, m.respondOn)
	return m
}

// Processor returns the message processor.
func (m *Manager) Processor() *Processor {
	return m.proc
}

// Attach adds a transport adapter.
func (m *Manager) Attach(a Adapter) {
	m.adapters = append(m.adapters, a)
	if m.profileVersion > 0 {
		a.ChangeProfile(m.profileVersion)
	}
}

// Detach removes and cleans one adapter.
func (m *Manager) Detach(target Adapter) {
	kept := m.adapters[:0]
	for _, a := range m.adapters {
		if a == target {
			a.Clean()
			continue
		}
		kept = append(kept, a)
	}
	m.adapters = kept
}

// Microphone returns the bounded PCM channel feeding voice broadcast.
// Producers must use a non-blocking send.
func (m *Manager) Microphone() chan<- *wire.Voice {
	return m.mic
}

// Poll pumps every adapter, discards dead ones, forwards microphone frames,
// and runs the processor. Called once per host tick.
func (m *Manager) Poll() {
	kept := m.adapters[:0]
	for _, a := range m.adapters {
		if !a.Poll() {
			m.logger.Infow("Transport room finished, discarding")
			a.Clean()
			continue
		}
		kept = append(kept, a)
	}
	m.adapters = kept

	m.drainMicrophone()
	m.proc.Poll()
}

func (m *Manager) drainMicrophone() {
	var voiceRoom Adapter
	for _, a := range m.adapters {
		if a.SupportsVoiceChat() {
			voiceRoom = a
			break
		}
	}
	for {
		select {
		case frame := <-m.mic:
			if voiceRoom != nil {
				voiceRoom.BroadcastVoice(frame)
			}
		default:
			return
		}
	}
}

// SendPacket broadcasts a peer packet on every room.
func (m *Manager) SendPacket(p *wire.Packet, unreliable bool) {
	for _, a := range m.adapters {
		a.SendRfc4(p, unreliable)
	}
}

// respondOn targets the originating room; falls back to broadcast when the
// room is gone (the requester may have moved islands with us).
func (m *Manager) respondOn(roomID string, p *wire.Packet) {
	for _, a := range m.adapters {
		if ra, ok := a.(interface{ RoomID() string }); ok && ra.RoomID() == roomID {
			a.SendRfc4(p, false)
			return
		}
	}
	m.SendPacket(p, false)
}

// AnnounceProfile pushes a new profile version to every room and remembers
// it for rooms attached later.
func (m *Manager) AnnounceProfile(version uint32) {
	m.profileVersion = version
	for _, a := range m.adapters {
		a.ChangeProfile(version)
	}
}

// Clean shuts down every adapter.
func (m *Manager) Clean() {
	for _, a := range m.adapters {
		a.Clean()
	}
	m.adapters = nil
}
