package comms

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/orbisworld/orbis/comms/wire"
	"github.com/orbisworld/orbis/errors"
	"github.com/orbisworld/orbis/identity"
)

// sfuSignal is the JSON signaling envelope exchanged with the SFU over its
// WebSocket. The join is sign-less: the session URL carries the access token.
type sfuSignal struct {
	Type      string                     `json:"type"`
	From      string                     `json:"from,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Data-channel payloads are framed as the 20-byte publisher address followed
// by the Rfc4 packet bytes. The SFU stamps the address from the participant
// identity, so a peer cannot spoof another's.
const sfuAddressPrefixLen = 20

// SfuRoom is the WebRTC/SFU transport room. One PeerConnection to the media
// router, two data channels (reliable and lossy), one published audio track,
// and auto-subscribed inbound audio.
type SfuRoom struct {
	roomID string
	url    string
	self   identity.Address
	proc   *Processor
	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	pc *webrtc.PeerConnection

	sigMu   sync.Mutex
	sigConn *websocket.Conn

	reliable *webrtc.DataChannel
	lossy    *webrtc.DataChannel

	audioTrack *webrtc.TrackLocalStaticSample

	connected atomic.Bool
	failed    atomic.Bool
}

// NewSfuRoom dials the SFU and starts the session. url is the full signaling
// URL including the access token query parameter.
func NewSfuRoom(roomID, url string, self identity.Address, proc *Processor, log *zap.SugaredLogger) (*SfuRoom, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &SfuRoom{
		roomID: roomID,
		url:    DilateWsURL(url),
		self:   self,
		proc:   proc,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}
	if err := r.connect(); err != nil {
		cancel()
		return nil, err
	}
	go r.signalLoop()
	return r, nil
}

// RoomID returns the room identifier carried in processor inbox entries.
func (r *SfuRoom) RoomID() string {
	return r.roomID
}

func (r *SfuRoom) connect() error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return errors.Wrap(err, "failed to create peer connection")
	}
	r.pc = pc

	reliable, err := pc.CreateDataChannel("reliable", nil)
	if err != nil {
		return errors.Wrap(err, "failed to create reliable channel")
	}
	ordered := false
	var maxRetransmits uint16 = 0
	lossy, err := pc.CreateDataChannel("lossy", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create lossy channel")
	}
	r.reliable = reliable
	r.lossy = lossy

	reliable.OnMessage(func(msg webrtc.DataChannelMessage) { r.onData(msg.Data) })
	lossy.OnMessage(func(msg webrtc.DataChannelMessage) { r.onData(msg.Data) })

	// Microphone PCM rides a G.711 track; encoding happens upstream in the
	// audio pipeline.
	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1},
		"mic", r.self.String(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create audio track")
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		return errors.Wrap(err, "failed to publish audio track")
	}
	r.audioTrack = audioTrack

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go r.consumeRemoteTrack(remote)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			r.connected.Store(true)
			r.logger.Infow("SFU room connected", "room", r.roomID)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			r.connected.Store(false)
			r.failed.Store(true)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		r.sendSignal(&sfuSignal{Type: "candidate", Candidate: &init})
	})

	conn, _, err := websocket.DefaultDialer.DialContext(r.ctx, r.url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to dial sfu")
	}
	r.sigMu.Lock()
	r.sigConn = conn
	r.sigMu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return errors.Wrap(err, "failed to create offer")
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return errors.Wrap(err, "failed to set local description")
	}
	return r.sendSignal(&sfuSignal{Type: "offer", From: r.self.String(), Offer: &offer})
}

func (r *SfuRoom) sendSignal(msg *sfuSignal) error {
	r.sigMu.Lock()
	defer r.sigMu.Unlock()
	if r.sigConn == nil {
		return errors.New("signaling closed")
	}
	return r.sigConn.WriteJSON(msg)
}

func (r *SfuRoom) signalLoop() {
	for r.ctx.Err() == nil {
		var msg sfuSignal
		r.sigMu.Lock()
		conn := r.sigConn
		r.sigMu.Unlock()
		if conn == nil {
			return
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if r.ctx.Err() == nil {
				r.logger.Debugw("SFU signaling closed", "room", r.roomID, "error", err)
				r.failed.Store(true)
			}
			return
		}

		switch msg.Type {
		case "answer":
			if msg.Answer != nil {
				if err := r.pc.SetRemoteDescription(*msg.Answer); err != nil {
					r.logger.Warnw("Failed to apply sfu answer", "room", r.roomID, "error", err)
				}
			}
		case "candidate":
			if msg.Candidate != nil {
				if err := r.pc.AddICECandidate(*msg.Candidate); err != nil {
					r.logger.Debugw("Failed to add ICE candidate", "room", r.roomID, "error", err)
				}
			}
		}
	}
}

// onData demultiplexes a data-channel payload by publisher address and feeds
// the inner Rfc4 packet to the processor.
func (r *SfuRoom) onData(data []byte) {
	if len(data) < sfuAddressPrefixLen {
		r.logger.Debugw("Dropping short sfu payload", "room", r.roomID, "size", len(data))
		return
	}
	var from identity.Address
	copy(from[:], data[:sfuAddressPrefixLen])

	packet, err := wire.UnmarshalPacket(data[sfuAddressPrefixLen:])
	if err != nil {
		r.logger.Warnw("Dropping malformed sfu packet", "room", r.roomID, "error", err)
		return
	}
	if !r.proc.Offer(NewIncomingPacket(r.roomID, from, packet)) {
		r.logger.Debugw("Processor inbox full, dropping packet", "room", r.roomID)
	}
}

// consumeRemoteTrack reads an inbound audio track and forwards frames as
// voice packets. The first frame from a new participant carries the stream
// parameters, which triggers the channel-init event downstream.
func (r *SfuRoom) consumeRemoteTrack(remote *webrtc.TrackRemote) {
	// Participant identity string carries the publisher address
	from, err := identity.ParseAddress(remote.StreamID())
	if err != nil {
		r.logger.Debugw("Ignoring track with unknown identity", "room", r.roomID, "error", err)
		return
	}

	codec := remote.Codec()
	var index uint32
	for r.ctx.Err() == nil {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		voice := &wire.Voice{
			EncodedSamples:    pkt.Payload,
			Index:             index,
			SampleRate:        codec.ClockRate,
			NumChannels:       uint32(codec.Channels),
			SamplesPerChannel: uint32(len(pkt.Payload)),
		}
		index++
		r.proc.Offer(NewIncomingPacket(r.roomID, from, &wire.Packet{Voice: voice}))
	}
}

// Poll implements Adapter.
func (r *SfuRoom) Poll() bool {
	return r.ctx.Err() == nil && !r.failed.Load()
}

// Clean implements Adapter.
func (r *SfuRoom) Clean() {
	r.cancel()
	r.sigMu.Lock()
	if r.sigConn != nil {
		r.sigConn.Close()
		r.sigConn = nil
	}
	r.sigMu.Unlock()
	if r.pc != nil {
		r.pc.Close()
	}
}

// SendRfc4 implements Adapter. Reliable vs lossy is chosen per packet.
func (r *SfuRoom) SendRfc4(packet *wire.Packet, unreliable bool) bool {
	if !r.connected.Load() {
		return false
	}
	body, err := packet.Marshal()
	if err != nil {
		return false
	}
	payload := make([]byte, 0, sfuAddressPrefixLen+len(body))
	payload = append(payload, r.self[:]...)
	payload = append(payload, body...)

	ch := r.reliable
	if unreliable {
		ch = r.lossy
	}
	return ch.Send(payload) == nil
}

// ChangeProfile implements Adapter.
func (r *SfuRoom) ChangeProfile(version uint32) {
	r.SendRfc4(&wire.Packet{ProfileVersion: &wire.ProfileVersion{ProfileVersion: version}}, false)
}

// BroadcastVoice implements Adapter.
func (r *SfuRoom) BroadcastVoice(frame *wire.Voice) {
	if !r.connected.Load() || r.audioTrack == nil {
		return
	}
	dur := time.Second
	if frame.SampleRate > 0 {
		dur = time.Duration(frame.SamplesPerChannel) * time.Second / time.Duration(frame.SampleRate)
	}
	if err := r.audioTrack.WriteSample(media.Sample{Data: frame.EncodedSamples, Duration: dur}); err != nil {
		r.logger.Debugw("Failed to write voice sample", "room", r.roomID, "error", err)
	}
}

// SupportsVoiceChat implements Adapter.
func (r *SfuRoom) SupportsVoiceChat() bool { return true }

// connStrProtocol splits an island connection string "<protocol>:<address>".
func connStrProtocol(connStr string) (protocol, address string) {
	i := strings.Index(connStr, ":")
	if i < 0 {
		return connStr, ""
	}
	return connStr[:i], connStr[i+1:]
}
