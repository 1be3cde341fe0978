// Package netsync coordinates replicated game state across clients: store
// reconciliation, spawn arbitration, peer fan-out and liveness. There is no
// authoritative server; every client runs this coordinator against the
// shared store and a mesh of direct peer links.
package netsync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stackfall/stackfall/internal/game"
	"github.com/stackfall/stackfall/internal/peer"
	"github.com/stackfall/stackfall/internal/render"
	"github.com/stackfall/stackfall/internal/store"
	"go.uber.org/zap"
)

const (
	opInitialize = "netsync.initialize"
	opReconcile  = "netsync.reconcile"
	opSpawn      = "netsync.spawn"
	opPeers      = "netsync.peers"
	opBroadcast  = "netsync.broadcast"
	opPiece      = "netsync.piece"
	opRows       = "netsync.rows"
	opHeartbeat  = "netsync.heartbeat"
	opShutdown   = "netsync.shutdown"

	// spawnCooldown is the minimum gap between committed spawns.
	spawnCooldown = 1000 * time.Millisecond
	// sentinelTimeout clears a spawn claim whose owner never committed.
	sentinelTimeout = 3000 * time.Millisecond
	// pieceThrottle caps piece patch frequency per piece.
	pieceThrottle = 200 * time.Millisecond
	// reconnectDelay is the fixed backoff between peer dial attempts.
	reconnectDelay = 5 * time.Second
	// staleAfter marks an offline player record disposable.
	staleAfter = 5 * time.Second
	// heartbeatInterval refreshes the local lastSeen stamp.
	heartbeatInterval = 2 * time.Second

	defaultFallSpeed = 1.0
)

var nicknamePool = []string{
	"Mason", "Harper", "Quinn", "Rowan", "Sage",
	"Ember", "Atlas", "Nova", "Reef", "Wren",
}

var (
	errMissingStore     = errors.New("netsync: store dependency required")
	errMissingTransport = errors.New("netsync: transport dependency required")
)

// Config wires the coordinator's collaborators. ClientID defaults to a
// fresh uuid; pass the same value used as the transport's local identity.
type Config struct {
	Store     store.Store
	Transport peer.Transport
	Renderer  render.Renderer
	Logger    *zap.Logger
	ClientID  string
	Nickname  string
	Clock     func() time.Time
}

// Coordinator replicates the local simulation into the shared store and
// mirrors every remote participant into the local arena. One mutex
// serializes store watch events, peer callbacks and frame ticks.
type Coordinator struct {
	db        store.Store
	transport peer.Transport
	renderer  render.Renderer
	logger    *zap.Logger
	clock     func() time.Time

	clientID string
	nickname string
	peerAddr string

	mu        sync.Mutex
	players   map[string]game.PlayerRecord
	avatars   map[string]bool
	pieces    map[string]*game.Piece
	scores    map[string]game.ScoreRecord
	bullets   map[string]*game.Bullet
	gameState game.GameStateRecord

	selfPosition game.Vec3
	selfRotation game.Vec3

	lastPiecePatch map[string]time.Time
	pendingDials   map[string]*time.Timer
	sentinelSeen   time.Time
	sentinelTimer  *time.Timer
	lastTick       time.Time

	cancels []func()
	done    chan struct{}
	closed  bool
}

// NewCoordinator validates dependencies and builds an idle coordinator.
// Initialize joins the arena.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	renderer := cfg.Renderer
	if renderer == nil {
		renderer = render.Nop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return &Coordinator{
		db:             cfg.Store,
		transport:      cfg.Transport,
		renderer:       renderer,
		logger:         logger,
		clock:          clock,
		clientID:       clientID,
		nickname:       cfg.Nickname,
		players:        make(map[string]game.PlayerRecord),
		avatars:        make(map[string]bool),
		pieces:         make(map[string]*game.Piece),
		scores:         make(map[string]game.ScoreRecord),
		bullets:        make(map[string]*game.Bullet),
		lastPiecePatch: make(map[string]time.Time),
		pendingDials:   make(map[string]*time.Timer),
		done:           make(chan struct{}),
	}, nil
}

// ClientID returns the local identity under which store records are keyed.
func (c *Coordinator) ClientID() string { return c.clientID }

// Nickname returns the display name chosen during Initialize.
func (c *Coordinator) Nickname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nickname
}

// Initialize joins the arena: open the peer endpoint, pick a nickname,
// publish the local player record with its offline hook, seize game-state
// initialization when the arena is empty, then subscribe to every shared
// path and start the heartbeat.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.transport.SetHandlers(peer.Handlers{
		OnMessage: c.handlePeerMessage,
		OnOpen:    c.handlePeerOpen,
		OnClose:   c.handlePeerClose,
	})
	address, err := c.transport.Listen()
	if err != nil {
		return fmt.Errorf("netsync: open peer endpoint: %w", err)
	}
	c.peerAddr = address

	existing, err := c.db.GetChildren(ctx, game.PathPlayers)
	if err != nil {
		return fmt.Errorf("netsync: read players: %w", err)
	}
	c.mu.Lock()
	c.nickname = chooseNickname(c.nickname, existing)
	c.mu.Unlock()

	now := c.clock()
	if len(existing) == 0 {
		state := game.GameStateRecord{IsActive: true, CreatedBy: c.clientID}
		if err := c.db.Set(ctx, game.PathGameState, state); err != nil {
			c.logError(opInitialize, "seize_game_state_failed", err)
		}
	}

	playerPath := game.PathPlayers + "/" + c.clientID
	record := game.PlayerRecord{
		Nickname:   c.nickname,
		LastUpdate: now.UnixMilli(),
		PeerID:     address,
		Online:     true,
		LastSeen:   now.UnixMilli(),
		Colors:     randomColors(),
	}
	if err := c.db.Set(ctx, playerPath, record); err != nil {
		return fmt.Errorf("netsync: publish player record: %w", err)
	}
	if err := c.db.OnDisconnect(ctx, store.DisconnectOp{
		Action: store.DisconnectUpdate,
		Path:   playerPath,
		Fields: map[string]interface{}{"online": false},
	}); err != nil {
		c.logError(opInitialize, "register_offline_hook_failed", err)
	}

	cancelPlayers, err := c.db.WatchChildren(ctx, game.PathPlayers, c.reconcilePlayers)
	if err != nil {
		return fmt.Errorf("netsync: watch players: %w", err)
	}
	cancelShapes, err := c.db.WatchChildren(ctx, game.PathShapes, c.reconcileShapes)
	if err != nil {
		cancelPlayers()
		return fmt.Errorf("netsync: watch shapes: %w", err)
	}
	cancelScores, err := c.db.WatchChildren(ctx, game.PathScores, c.reconcileScores)
	if err != nil {
		cancelPlayers()
		cancelShapes()
		return fmt.Errorf("netsync: watch scores: %w", err)
	}
	cancelState, err := c.db.WatchDoc(ctx, game.PathGameState, c.handleGameState)
	if err != nil {
		cancelPlayers()
		cancelShapes()
		cancelScores()
		return fmt.Errorf("netsync: watch game state: %w", err)
	}
	c.cancels = []func(){cancelPlayers, cancelShapes, cancelScores, cancelState}

	go c.heartbeatLoop()

	c.logger.Info("joined arena",
		zap.String("client_id", c.clientID),
		zap.String("nickname", c.nickname),
		zap.String("peer_address", address))
	return nil
}

// Shutdown leaves the arena: delete the local player record, tear down
// every peer link, then the endpoint. Store watch subscriptions are
// cancelled first so teardown does not reconcile against itself.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	for _, timer := range c.pendingDials {
		timer.Stop()
	}
	c.pendingDials = make(map[string]*time.Timer)
	if c.sentinelTimer != nil {
		c.sentinelTimer.Stop()
	}
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if err := c.db.Delete(ctx, game.PathPlayers+"/"+c.clientID); err != nil {
		c.logError(opShutdown, "delete_player_failed", err)
	}
	if err := c.transport.Close(); err != nil {
		c.logError(opShutdown, "close_transport_failed", err)
	}
	c.logger.Info("left arena", zap.String("client_id", c.clientID))
	return nil
}

// GameState returns the last observed shared game state.
func (c *Coordinator) GameState() game.GameStateRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gameState
}

// PlayerIDs lists the player ids currently reconciled into the arena.
func (c *Coordinator) PlayerIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.players))
	for id := range c.players {
		ids = append(ids, id)
	}
	return ids
}

// PieceIDs lists the piece ids currently reconciled into the arena.
func (c *Coordinator) PieceIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.pieces))
	for id := range c.pieces {
		ids = append(ids, id)
	}
	return ids
}

// Score returns the reconciled score for a player id.
func (c *Coordinator) Score(playerID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scores[playerID].Score
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("sync coordinator error", attrs...)
}

// chooseNickname picks the configured name, else the first pool name not
// already displayed, else a random fallback.
func chooseNickname(configured string, players store.Snapshot) string {
	if nickname, err := game.NewNickname(configured); err == nil {
		return nickname.String()
	}
	taken := make(map[string]bool, len(players))
	for _, raw := range players {
		var record game.PlayerRecord
		if err := decodeRecord(raw, &record); err == nil {
			taken[record.Nickname] = true
		}
	}
	for _, candidate := range nicknamePool {
		if !taken[candidate] {
			return candidate
		}
	}
	return fmt.Sprintf("Player%04d", rand.Intn(10000))
}

func randomColors() game.AvatarColors {
	return game.AvatarColors{
		HeadHue:       float64(rand.Intn(360)),
		BodyHue:       float64(rand.Intn(360)),
		HeadLightness: 40 + float64(rand.Intn(40)),
	}
}
