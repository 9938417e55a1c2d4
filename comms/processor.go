package comms

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/orbisworld/orbis/comms/wire"
	"github.com/orbisworld/orbis/identity"
)

const (
	// Peers silent for this long are reaped and their visual freed.
	peerInactivityTimeout = 5 * time.Second

	// At most one profile-request broadcast per interval (table-wide).
	profileRequestInterval = 10 * time.Second
	// At most one profile response per requester per interval.
	profileResponseInterval = 10 * time.Second

	inboxCapacity = 1024
)

// Peer is one remote participant as seen by the processor.
type Peer struct {
	Address                  identity.Address
	Alias                    uint32
	AnnouncedProfileVersion  uint32
	Profile                  *Profile
	ProtocolVersion          uint32
	LastActivity             time.Time

	lastProfileResponse time.Time
	profileFetchInFlight bool
}

// Processor owns the peer table. It is single-writer: all mutation happens
// in Poll on the host thread; rooms only feed the bounded inbox.
type Processor struct {
	self     identity.Address
	myProfile *Profile

	avatars AvatarSink
	voice   VoiceSink
	fetcher ProfileFetcher
	logger  *zap.SugaredLogger

	inbox chan Incoming

	peers     map[identity.Address]*Peer
	nextAlias uint32

	chatLog []ChatEntry

	sceneMessages map[string][]*wire.SceneMessage

	voiceInitDone map[uint32]bool

	requestLimiter *rate.Limiter

	// send hooks installed by the manager; nil until attached
	sendPacket func(p *wire.Packet, unreliable bool)
	respondOn  func(roomID string, p *wire.Packet)
}

// NewProcessor creates a processor for the local address.
func NewProcessor(self identity.Address, myProfile *Profile, avatars AvatarSink, voice VoiceSink, fetcher ProfileFetcher, log *zap.SugaredLogger) *Processor {
	return &Processor{
		self:           self,
		myProfile:      myProfile,
		avatars:        avatars,
		voice:          voice,
		fetcher:        fetcher,
		logger:         log,
		inbox:          make(chan Incoming, inboxCapacity),
		peers:          make(map[identity.Address]*Peer),
		nextAlias:      1,
		sceneMessages:  make(map[string][]*wire.SceneMessage),
		voiceInitDone:  make(map[uint32]bool),
		requestLimiter: rate.NewLimiter(rate.Every(profileRequestInterval), 1),
	}
}

// Inbox returns the bounded channel rooms feed. Senders must use a
// non-blocking send and drop on overflow.
func (p *Processor) Inbox() chan<- Incoming {
	return p.inbox
}

// Offer performs the non-blocking inbox send. Returns false when the entry
// was dropped due to backpressure.
func (p *Processor) Offer(in Incoming) bool {
	select {
	case p.inbox <- in:
		return true
	default:
		return false
	}
}

// PeerCount returns the current peer table size.
func (p *Processor) PeerCount() int {
	return len(p.peers)
}

// PeerByAddress looks up a peer.
func (p *Processor) PeerByAddress(address identity.Address) (*Peer, bool) {
	peer, ok := p.peers[address]
	return peer, ok
}

// SetOutbound installs the manager's egress hooks.
func (p *Processor) SetOutbound(sendPacket func(*wire.Packet, bool), respondOn func(string, *wire.Packet)) {
	p.sendPacket = sendPacket
	p.respondOn = respondOn
}

// Poll drains the inbox, processes every entry, reaps inactive peers, and
// issues a throttled profile-request broadcast when any peer's profile is
// stale. Called once per host tick.
func (p *Processor) Poll() {
	for {
		select {
		case in := <-p.inbox:
			p.process(in)
		default:
			p.reapInactive()
			p.maybeRequestProfiles()
			return
		}
	}
}

func (p *Processor) process(in Incoming) {
	switch in.kind {
	case incomingPacket:
		peer := p.touchPeer(in.From)
		p.handlePacket(peer, in)
	case incomingPeerSeen:
		p.touchPeer(in.From)
	case incomingProfileFetched:
		peer, ok := p.peers[in.From]
		if !ok {
			return
		}
		peer.profileFetchInFlight = false
		if in.profile != nil && (peer.Profile == nil || in.profile.Version > peer.Profile.Version) {
			peer.Profile = in.profile
			p.avatars.SetProfile(peer.Alias, in.profile)
		}
	case incomingRoomClosed:
		// Peers fade out through the inactivity timeout; nothing to do
		// eagerly, rooms can resurrect quickly after a reconnect.
	}
}

// touchPeer returns the peer for an address, allocating a fresh alias and
// avatar on first sighting. A peer already in the table for the address is
// refreshed and keeps its alias, whichever room the sighting came through;
// it is not evicted here.
func (p *Processor) touchPeer(address identity.Address) *Peer {
	if peer, ok := p.peers[address]; ok {
		peer.LastActivity = time.Now()
		return peer
	}

	alias := p.nextAlias
	p.nextAlias++

	peer := &Peer{
		Address:      address,
		Alias:        alias,
		LastActivity: time.Now(),
	}
	p.peers[address] = peer
	p.avatars.AddAvatar(alias, address)
	p.logger.Debugw("Peer appeared", "peer_address", address.String(), "alias", alias)
	return peer
}

// EvictPeer removes a peer and frees its visual. The inactivity reaper calls
// it; a later sighting of the same address then gets a fresh alias.
func (p *Processor) EvictPeer(address identity.Address) {
	peer, ok := p.peers[address]
	if !ok {
		return
	}
	delete(p.peers, address)
	delete(p.voiceInitDone, peer.Alias)
	p.avatars.RemoveAvatar(peer.Alias)
	p.logger.Debugw("Peer evicted", "peer_address", address.String(), "alias", peer.Alias)
}

func (p *Processor) reapInactive() {
	now := time.Now()
	for address, peer := range p.peers {
		if now.Sub(peer.LastActivity) > peerInactivityTimeout {
			p.EvictPeer(address)
		}
	}
}

func (p *Processor) handlePacket(peer *Peer, in Incoming) {
	pk := in.Packet
	switch {
	case pk.Position != nil:
		// The avatar layer is trusted to validate timestamps
		p.avatars.UpdatePosition(peer.Alias, pk.Position)

	case pk.Movement != nil:
		p.avatars.UpdateMovement(peer.Alias, pk.Movement)

	case pk.MovementCompressed != nil:
		p.avatars.UpdateMovementCompressed(peer.Alias, pk.MovementCompressed)

	case pk.Chat != nil:
		p.appendChat(peer, pk.Chat)

	case pk.ProfileVersion != nil:
		announced := pk.ProfileVersion.ProfileVersion
		if announced > peer.AnnouncedProfileVersion {
			peer.AnnouncedProfileVersion = announced
		}
		if p.profileStale(peer) {
			p.fetchProfileAsync(peer)
		}

	case pk.ProfileRequest != nil:
		p.handleProfileRequest(peer, in.RoomID, pk.ProfileRequest)

	case pk.ProfileResponse != nil:
		incoming, err := ParseProfile(pk.ProfileResponse.SerializedProfile)
		if err != nil {
			p.logger.Debugw("Dropping malformed profile response", "peer_address", peer.Address.String(), "error", err)
			return
		}
		if peer.Profile == nil || incoming.Version > peer.Profile.Version {
			peer.Profile = incoming
			if incoming.Version > peer.AnnouncedProfileVersion {
				peer.AnnouncedProfileVersion = incoming.Version
			}
			p.avatars.SetProfile(peer.Alias, incoming)
		}

	case pk.Scene != nil:
		id := pk.Scene.SceneID
		p.sceneMessages[id] = append(p.sceneMessages[id], pk.Scene)

	case pk.Voice != nil:
		if !p.voiceInitDone[peer.Alias] {
			p.voiceInitDone[peer.Alias] = true
			p.voice.InitChannel(peer.Alias, pk.Voice.SampleRate, pk.Voice.NumChannels, pk.Voice.SamplesPerChannel)
		}
		p.voice.Frame(peer.Alias, pk.Voice.EncodedSamples)
	}
}

// appendChat adds to the drain-on-poll chat log, deduplicating identical
// (address, message, timestamp) repeats.
func (p *Processor) appendChat(peer *Peer, chat *wire.Chat) {
	for i := len(p.chatLog) - 1; i >= 0; i-- {
		e := &p.chatLog[i]
		if e.Address == peer.Address && e.Message == chat.Message && e.Timestamp == chat.Timestamp {
			return
		}
	}
	p.chatLog = append(p.chatLog, ChatEntry{
		Address:   peer.Address,
		Alias:     peer.Alias,
		Message:   chat.Message,
		Timestamp: chat.Timestamp,
	})
}

// DrainChat returns and clears the chat log.
func (p *Processor) DrainChat() []ChatEntry {
	out := p.chatLog
	p.chatLog = nil
	return out
}

// DrainSceneMessages returns and clears the queue for one scene.
func (p *Processor) DrainSceneMessages(sceneID string) []*wire.SceneMessage {
	out := p.sceneMessages[sceneID]
	delete(p.sceneMessages, sceneID)
	return out
}

func (p *Processor) handleProfileRequest(peer *Peer, roomID string, req *wire.ProfileRequest) {
	if req.Address != p.self.String() || p.myProfile == nil || p.respondOn == nil {
		return
	}
	// Throttle per requester: one slow peer must not starve another
	if time.Since(peer.lastProfileResponse) < profileResponseInterval {
		return
	}
	peer.lastProfileResponse = time.Now()

	p.respondOn(roomID, &wire.Packet{ProfileResponse: &wire.ProfileResponse{
		SerializedProfile: string(p.myProfile.Raw),
	}})
}

func (p *Processor) profileStale(peer *Peer) bool {
	if peer.Profile == nil {
		return true
	}
	return peer.AnnouncedProfileVersion > peer.Profile.Version
}

// fetchProfileAsync resolves the peer's profile off-thread; the result is
// posted back through the inbox so the table stays single-writer.
func (p *Processor) fetchProfileAsync(peer *Peer) {
	if peer.profileFetchInFlight || p.fetcher == nil {
		return
	}
	peer.profileFetchInFlight = true
	address := peer.Address

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		profile, err := p.fetcher.FetchProfile(ctx, address)
		if err != nil {
			p.logger.Debugw("Profile fetch failed", "peer_address", address.String(), "error", err)
		}
		p.Offer(Incoming{kind: incomingProfileFetched, From: address, profile: profile})
	}()
}

// maybeRequestProfiles broadcasts one profile request for peers whose
// announced version is newer than what we hold, throttled table-wide.
func (p *Processor) maybeRequestProfiles() {
	if p.sendPacket == nil {
		return
	}
	for _, peer := range p.peers {
		if !p.profileStale(peer) {
			continue
		}
		if !p.requestLimiter.Allow() {
			return
		}
		p.sendPacket(&wire.Packet{ProfileRequest: &wire.ProfileRequest{
			Address:        peer.Address.String(),
			ProfileVersion: peer.AnnouncedProfileVersion,
		}}, false)
		return
	}
}
