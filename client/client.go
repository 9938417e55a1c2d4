// Package client assembles the Orbis runtime: realm resolution, the content
// cache, the comms stack, and the scene lifecycle, driven by a single host
// loop.
package client

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbisworld/orbis/comms"
	"github.com/orbisworld/orbis/comms/wire"
	"github.com/orbisworld/orbis/config"
	"github.com/orbisworld/orbis/content"
	"github.com/orbisworld/orbis/errors"
	"github.com/orbisworld/orbis/identity"
	"github.com/orbisworld/orbis/internal/httpclient"
	"github.com/orbisworld/orbis/realm"
	"github.com/orbisworld/orbis/scene"
)

const (
	hostTickInterval      = 33 * time.Millisecond
	positionBroadcastEach = 100 * time.Millisecond
	parcelSize            = 16.0
)

// Options configures a client. Nil collaborator sinks default to no-ops.
type Options struct {
	Config   *config.Config
	Logger   *zap.SugaredLogger
	Wallet   identity.Wallet
	Avatars  comms.AvatarSink
	Voice    comms.VoiceSink
	Actions  scene.ActionSink
	Observer scene.DirtyObserver
}

// Client is the assembled runtime.
type Client struct {
	cfg       *config.Config
	logger    *zap.SugaredLogger
	sessionID string

	identity *identity.Identity
	http     *httpclient.Client

	descriptor  *realm.Descriptor
	provider    *content.Provider
	coordinator *realm.Coordinator
	manager     *comms.Manager
	lifecycle   *scene.Lifecycle
	watcher     *scene.DevWatcher

	avatars  comms.AvatarSink
	voice    comms.VoiceSink
	actions  scene.ActionSink
	observer scene.DirtyObserver

	posMu sync.Mutex
	posX, posY, posZ float32
}

// New prepares a client; network work happens in Run.
func New(opts Options) (*Client, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	wallet := opts.Wallet
	if wallet == nil {
		w, err := identity.NewDevWallet()
		if err != nil {
			return nil, errors.Wrap(err, "failed to create wallet")
		}
		wallet = w
	}
	id, err := identity.NewEphemeral(wallet, 24*time.Hour)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session identity")
	}

	c := &Client{
		cfg:       opts.Config,
		logger:    log,
		sessionID: uuid.NewString(),
		identity:  id,
		http:     httpclient.New(30 * time.Second),
		avatars:  opts.Avatars,
		voice:    opts.Voice,
		actions:  opts.Actions,
		observer: opts.Observer,
	}
	if c.avatars == nil {
		c.avatars = noopAvatars{}
	}
	if c.voice == nil {
		c.voice = noopVoice{}
	}
	return c, nil
}

// Identity returns the session identity.
func (c *Client) Identity() *identity.Identity {
	return c.identity
}

// MovePlayer updates the player world position. Drives both the coordinator
// and comms heartbeats.
func (c *Client) MovePlayer(x, y, z float32) {
	c.posMu.Lock()
	c.posX, c.posY, c.posZ = x, y, z
	c.posMu.Unlock()
}

func (c *Client) position() (float32, float32, float32) {
	c.posMu.Lock()
	defer c.posMu.Unlock()
	return c.posX, c.posY, c.posZ
}

func (c *Client) parcel() (int32, int32) {
	x, _, z := c.position()
	return int32(math.Floor(float64(x) / parcelSize)), int32(math.Floor(float64(z) / parcelSize))
}

// Run connects to the realm and drives the host loop until ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	descriptor, err := realm.Resolve(ctx, c.http, c.cfg.Realm.URL)
	if err != nil {
		return errors.Wrap(err, "failed to resolve realm")
	}
	c.descriptor = descriptor
	c.logger.Infow("Realm resolved", "realm", descriptor.Configurations.RealmName, "session", c.sessionID)

	c.provider = content.NewProvider(
		c.cfg.Cache.Dir,
		c.cfg.Cache.MaxBytes,
		c.cfg.Cache.MaxConcurrentDownloads,
		c.http,
		c.logger.Named("content"),
	)

	c.coordinator = realm.NewCoordinator(
		c.http,
		descriptor.EntitiesActiveURL(),
		c.cfg.Scene.Radius,
		c.cfg.Scene.CityLoader,
		c.logger.Named("realm"),
	)
	c.coordinator.SetContentBaseURL(descriptor.ContentsBaseURL())
	if len(c.cfg.Scene.GlobalURNs) > 0 {
		c.coordinator.SetFixedGlobalURNs(c.cfg.Scene.GlobalURNs)
	}

	myProfile := c.localProfile()
	fetcher := &comms.LambdaProfileFetcher{BaseURL: descriptor.Lambdas.PublicURL, Client: c.http}
	processor := comms.NewProcessor(c.identity.Address(), myProfile, c.avatars, c.voice, fetcher, c.logger.Named("comms"))
	c.manager = comms.NewManager(processor, c.logger.Named("comms"))
	defer c.manager.Clean()

	if err := c.attachCommsAdapter(descriptor.CommsAdapter()); err != nil {
		c.logger.Warnw("Comms unavailable, continuing offline", "error", err)
	}
	c.manager.AnnounceProfile(myProfile.Version)

	c.lifecycle = scene.NewLifecycle(scene.LifecycleConfig{
		Provider:     c.provider,
		Coordinator:  c.coordinator,
		Bus:          &sceneBus{manager: c.manager},
		Actions:      c.actions,
		Observer:     c.observer,
		Signer:       c.identity,
		AllowedHosts: c.cfg.Scene.AllowedHosts,
		Logger:       c.logger.Named("scene"),
	})
	defer c.lifecycle.Shutdown()

	if c.cfg.Scene.DevDir != "" {
		watcher, err := scene.NewDevWatcher(c.cfg.Scene.DevDir, c.logger.Named("scene"))
		if err != nil {
			c.logger.Warnw("Dev scene watcher unavailable", "error", err)
		} else {
			c.watcher = watcher
			defer watcher.Close()
			watcher.OnReload(func(string) {
				// A rebuilt artifact invalidates the cached bundle; the
				// lifecycle respawns it on the next desired-set change
				c.provider.Clear()
			})
		}
	}

	return c.loop(ctx)
}

func (c *Client) loop(ctx context.Context) error {
	ticker := time.NewTicker(hostTickInterval)
	defer ticker.Stop()

	lastBroadcast := time.Now()
	var positionIndex uint32

	for {
		select {
		case <-ctx.Done():
			c.logger.Infow("Client shutting down")
			return nil
		case <-ticker.C:
			px, pz := c.parcel()
			c.coordinator.SetPosition(px, pz)

			c.manager.Poll()
			c.lifecycle.Update()

			if time.Since(lastBroadcast) >= positionBroadcastEach {
				lastBroadcast = time.Now()
				x, y, z := c.position()
				positionIndex++
				c.manager.SendPacket(&wire.Packet{Position: &wire.Position{
					Index: positionIndex,
					X:     x, Y: y, Z: z,
					RotW: 1,
				}}, true)
			}
		}
	}
}

// attachCommsAdapter parses the realm's connection string and attaches the
// matching transport.
func (c *Client) attachCommsAdapter(connStr string) error {
	if connStr == "" || connStr == "offline" {
		return errors.New("realm provides no comms adapter")
	}

	proc := c.manager.Processor()
	switch {
	case strings.HasPrefix(connStr, "archipelago:"):
		url := strings.TrimPrefix(connStr, "archipelago:")
		ctrl := comms.NewArchipelagoController(url, c.identity, proc, c.position, nil, c.logger.Named("comms"))
		c.manager.Attach(ctrl)
	case strings.HasPrefix(connStr, "ws-room:"):
		url := strings.TrimPrefix(connStr, "ws-room:")
		room := comms.NewWsRoom("ws:"+url, url, c.identity, proc, c.logger.Named("comms"))
		c.manager.Attach(room)
	case strings.HasPrefix(connStr, "livekit:"):
		url := strings.TrimPrefix(connStr, "livekit:")
		room, err := comms.NewSfuRoom("livekit:"+url, url, c.identity.Address(), proc, c.logger.Named("comms"))
		if err != nil {
			return err
		}
		c.manager.Attach(room)
	default:
		return errors.Newf("unsupported comms adapter %q", connStr)
	}
	return nil
}

func (c *Client) localProfile() *comms.Profile {
	doc := map[string]any{
		"version": 1,
		"name":    c.cfg.Profile.Name,
		"userId":  c.identity.Address().String(),
	}
	raw, _ := json.Marshal(doc)
	return &comms.Profile{Version: 1, Name: c.cfg.Profile.Name, Raw: raw}
}

// sceneBus adapts the comms manager to the lifecycle's bus contract.
type sceneBus struct {
	manager *comms.Manager
}

func (b *sceneBus) DrainSceneMessages(entityID string) []string {
	msgs := b.manager.Processor().DrainSceneMessages(entityID)
	if len(msgs) == 0 {
		return nil
	}
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Data)
	}
	return out
}

func (b *sceneBus) SendSceneMessage(entityID string, message string) {
	b.manager.SendPacket(&wire.Packet{Scene: &wire.SceneMessage{
		SceneID: entityID,
		Data:    []byte(message),
	}}, false)
}

// noopAvatars discards avatar updates when no renderer is attached.
type noopAvatars struct{}

func (noopAvatars) AddAvatar(uint32, identity.Address)                    {}
func (noopAvatars) RemoveAvatar(uint32)                                   {}
func (noopAvatars) UpdatePosition(uint32, *wire.Position)                 {}
func (noopAvatars) UpdateMovement(uint32, *wire.Movement)                 {}
func (noopAvatars) UpdateMovementCompressed(uint32, *wire.MovementCompressed) {}
func (noopAvatars) SetProfile(uint32, *comms.Profile)                     {}

// noopVoice discards audio when no pipeline is attached.
type noopVoice struct{}

func (noopVoice) InitChannel(uint32, uint32, uint32, uint32) {}
func (noopVoice) Frame(uint32, []byte)                       {}
