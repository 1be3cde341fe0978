package netsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stackfall/stackfall/internal/game"
	"github.com/stackfall/stackfall/internal/peer"
	"github.com/stackfall/stackfall/internal/render"
	"github.com/stackfall/stackfall/internal/store"
)

// fakeTransport is an in-process peer mesh for coordinator tests.
type fakeTransport struct {
	mu       sync.Mutex
	localID  string
	handlers peer.Handlers
	links    map[string]*fakeTransport
	sent     []peer.Envelope
}

func newFakeTransport(localID string) *fakeTransport {
	return &fakeTransport{localID: localID, links: make(map[string]*fakeTransport)}
}

func (t *fakeTransport) SetHandlers(handlers peer.Handlers) {
	t.mu.Lock()
	t.handlers = handlers
	t.mu.Unlock()
}

func (t *fakeTransport) Listen() (string, error) { return "mem://" + t.localID, nil }
func (t *fakeTransport) Addr() string            { return "mem://" + t.localID }

func (t *fakeTransport) Connect(peerID, address string) error {
	return nil
}

// wire links two fake transports directly, firing both OnOpen callbacks.
func wire(a, b *fakeTransport) {
	a.mu.Lock()
	a.links[b.localID] = b
	onOpenA := a.handlers.OnOpen
	a.mu.Unlock()
	b.mu.Lock()
	b.links[a.localID] = a
	onOpenB := b.handlers.OnOpen
	b.mu.Unlock()
	if onOpenA != nil {
		onOpenA(b.localID)
	}
	if onOpenB != nil {
		onOpenB(a.localID)
	}
}

func (t *fakeTransport) Send(peerID string, envelope peer.Envelope) error {
	t.mu.Lock()
	remote := t.links[peerID]
	t.sent = append(t.sent, envelope)
	t.mu.Unlock()
	if remote == nil {
		return peer.ErrNotConnected
	}
	remote.mu.Lock()
	onMessage := remote.handlers.OnMessage
	remote.mu.Unlock()
	if onMessage != nil {
		onMessage(t.localID, envelope)
	}
	return nil
}

func (t *fakeTransport) Connected(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[peerID] != nil
}

func (t *fakeTransport) Disconnect(peerID string) {
	t.mu.Lock()
	delete(t.links, peerID)
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error { return nil }

func newTestCoordinator(t *testing.T, db *store.Memory, clientID string) (*Coordinator, *render.Recorder, *fakeTransport) {
	t.Helper()
	recorder := render.NewRecorder()
	transport := newFakeTransport(clientID)
	coordinator, err := NewCoordinator(Config{
		Store:     db.Open(),
		Transport: transport,
		Renderer:  recorder,
		ClientID:  clientID,
	})
	if err != nil {
		t.Fatalf("unexpected coordinator error: %v", err)
	}
	if err := coordinator.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected initialize error: %v", err)
	}
	t.Cleanup(func() { coordinator.Shutdown(context.Background()) })
	return coordinator, recorder, transport
}

func waitFor(t *testing.T, check func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !check() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out: %s", message)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInitializePublishesPlayerAndSeizesGameState(t *testing.T) {
	db := store.NewMemory()
	coordinator, _, _ := newTestCoordinator(t, db, "client-a")

	session := db.Open()
	defer session.Close()
	waitFor(t, func() bool {
		snapshot, err := session.GetChildren(context.Background(), game.PathPlayers)
		return err == nil && len(snapshot) == 1
	}, "player record never published")

	waitFor(t, func() bool {
		return coordinator.GameState().CreatedBy == "client-a"
	}, "empty arena must seize game state")
	if coordinator.Nickname() == "" {
		t.Fatalf("nickname never chosen")
	}
}

func TestJoinVisibilityAcrossCoordinators(t *testing.T) {
	db := store.NewMemory()
	first, recorderA, _ := newTestCoordinator(t, db, "client-a")
	second, recorderB, _ := newTestCoordinator(t, db, "client-b")

	waitFor(t, func() bool {
		return len(first.PlayerIDs()) == 2 && len(second.PlayerIDs()) == 2
	}, "players never saw each other")

	waitFor(t, func() bool {
		return recorderA.Has(avatarObjectID("client-b")) && recorderB.Has(avatarObjectID("client-a"))
	}, "remote avatars never entered the scene")
}

func TestSpawnArbitrationCommitsSingleShape(t *testing.T) {
	db := store.NewMemory()
	first, _, _ := newTestCoordinator(t, db, "client-a")
	second, _, _ := newTestCoordinator(t, db, "client-b")

	waitFor(t, func() bool {
		state := first.GameState()
		return state.CurrentShapeID != "" && state.CurrentShapeID != game.SentinelSpawning
	}, "no shape ever committed")

	state := first.GameState()
	waitFor(t, func() bool {
		return second.GameState().CurrentShapeID == state.CurrentShapeID
	}, "shape id never replicated")

	waitFor(t, func() bool {
		return len(first.PieceIDs()) == 1 && len(second.PieceIDs()) == 1
	}, "piece never reconciled on both sides")
}

func TestOnlyLeaderSpawns(t *testing.T) {
	db := store.NewMemory()
	first, _, _ := newTestCoordinator(t, db, "client-a")

	waitFor(t, func() bool {
		return first.GameState().CurrentShapeID != "" &&
			first.GameState().CurrentShapeID != game.SentinelSpawning
	}, "no shape ever committed")

	second, _, _ := newTestCoordinator(t, db, "client-b")
	waitFor(t, func() bool { return len(second.PieceIDs()) == 1 }, "piece never replicated")

	session := db.Open()
	defer session.Close()
	shapeID := first.GameState().CurrentShapeID
	raw, err := session.GetDoc(context.Background(), game.PathShapes+"/"+shapeID)
	if err != nil || raw == nil {
		t.Fatalf("shape record missing: %v", err)
	}
	var record game.ShapeRecord
	if err := decodeRecord(raw, &record); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if record.CreatedBy != "client-a" {
		t.Fatalf("shape created by %q, leader is client-a", record.CreatedBy)
	}
}

func TestSentinelSweepClearsStuckClaim(t *testing.T) {
	db := store.NewMemory()
	coordinator, _, _ := newTestCoordinator(t, db, "client-a")

	waitFor(t, func() bool {
		state := coordinator.GameState()
		return state.CurrentShapeID != "" && state.CurrentShapeID != game.SentinelSpawning
	}, "no shape ever committed")

	// A claim from a client that died mid-spawn.
	session := db.Open()
	defer session.Close()
	stuck := game.GameStateRecord{
		IsActive:       true,
		CurrentShapeID: game.SentinelSpawning,
		ClaimedBy:      "ghost",
		LastSpawnTime:  time.Now().UnixMilli(),
	}
	if err := session.Set(context.Background(), game.PathGameState, stuck); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}

	waitFor(t, func() bool {
		return coordinator.GameState().CurrentShapeID != game.SentinelSpawning
	}, "stuck sentinel never cleared")
}

func TestBroadcastPositionReachesPeerAvatar(t *testing.T) {
	db := store.NewMemory()
	first, _, transportA := newTestCoordinator(t, db, "client-a")
	_, recorderB, transportB := newTestCoordinator(t, db, "client-b")

	waitFor(t, func() bool { return len(first.PlayerIDs()) == 2 }, "join never replicated")
	wire(transportA, transportB)

	first.BroadcastPosition(game.Vec3{X: 2, Y: 1}, game.Vec3{Y: 0.5})

	transportA.mu.Lock()
	var positions int
	for _, envelope := range transportA.sent {
		if envelope.Kind == peer.KindPosition {
			positions++
		}
	}
	transportA.mu.Unlock()
	if positions == 0 {
		t.Fatalf("position envelope never sent")
	}

	waitFor(t, func() bool {
		return recorderB.Has(avatarObjectID("client-a"))
	}, "peer position never applied")
}

func TestPeerBulletRotatesPiece(t *testing.T) {
	db := store.NewMemory()
	first, _, _ := newTestCoordinator(t, db, "client-a")

	waitFor(t, func() bool { return len(first.PieceIDs()) == 1 }, "no piece spawned")
	pieceID := first.PieceIDs()[0]

	first.mu.Lock()
	piece := first.pieces[pieceID]
	position := piece.Position
	before := piece.CurrentRotation
	first.mu.Unlock()

	first.handlePeerMessage("client-b", peer.Envelope{
		Kind: peer.KindBullet,
		From: "client-b",
		Bullet: &peer.BulletPayload{
			ID:       "client-b_1",
			Position: position,
			Velocity: game.Vec3{Z: -5},
		},
	})

	first.mu.Lock()
	after := piece.CurrentRotation
	rotating := piece.IsRotating
	first.mu.Unlock()
	if after == before && !rotating {
		t.Fatalf("bullet hit must rotate the piece")
	}
}

func TestRowCompletionAwardsLocalScoreOnly(t *testing.T) {
	db := store.NewMemory()
	coordinator, _, _ := newTestCoordinator(t, db, "client-a")

	// Lay a full locked row by hand.
	coordinator.mu.Lock()
	now := coordinator.clock()
	for i := 0; i < game.RowBlockCount; i += 2 {
		x := float64(i) - game.HalfGrid
		record := game.ShapeRecord{
			Type:     "O",
			IsLocked: true,
			Position: game.Vec3{X: x},
			Blocks: []game.Block{
				{Position: game.Vec3{X: x}},
				{Position: game.Vec3{X: x + 1}},
			},
			CreatedBy: "client-a",
		}
		coordinator.pieces["laid-"+string(rune('a'+i))] = game.PieceFromRecord("laid", record, now)
	}
	coordinator.mu.Unlock()

	coordinator.RowCompletion(context.Background(), 0)

	waitFor(t, func() bool {
		return coordinator.Score("client-a") == game.RowPoints
	}, "score never awarded")

	state := coordinator.GameState()
	if state.LastRowCompletion == nil {
		waitFor(t, func() bool {
			return coordinator.GameState().LastRowCompletion != nil
		}, "row completion never stamped")
	}
}

func TestReconcileShapesIsIdempotent(t *testing.T) {
	db := store.NewMemory()
	coordinator, recorder, _ := newTestCoordinator(t, db, "client-a")

	waitFor(t, func() bool { return len(coordinator.PieceIDs()) == 1 }, "no piece spawned")

	session := db.Open()
	defer session.Close()
	snapshot, err := session.GetChildren(context.Background(), game.PathShapes)
	if err != nil {
		t.Fatalf("unexpected children error: %v", err)
	}
	for i := 0; i < 3; i++ {
		coordinator.reconcileShapes(snapshot)
	}

	if len(coordinator.PieceIDs()) != 1 {
		t.Fatalf("replayed snapshot duplicated pieces: %v", coordinator.PieceIDs())
	}
	objects := 0
	for _, id := range recorder.ObjectIDs() {
		if len(id) > 6 && id[:6] == "piece/" {
			objects++
		}
	}
	if objects != 1 {
		t.Fatalf("replayed snapshot duplicated scene objects: %v", recorder.ObjectIDs())
	}
}

func TestStaleOfflinePlayerIsEvicted(t *testing.T) {
	db := store.NewMemory()
	coordinator, recorder, _ := newTestCoordinator(t, db, "client-a")

	session := db.Open()
	defer session.Close()
	ctx := context.Background()
	now := time.Now()
	ghost := game.PlayerRecord{
		Nickname:   "Ghost",
		Online:     true,
		LastSeen:   now.UnixMilli(),
		LastUpdate: now.UnixMilli(),
	}
	if err := session.Set(ctx, game.PathPlayers+"/ghost", ghost); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	waitFor(t, func() bool {
		return recorder.Has(avatarObjectID("ghost"))
	}, "ghost avatar never entered the scene")

	ghost.Online = false
	ghost.LastSeen = now.Add(-time.Minute).UnixMilli()
	if err := session.Set(ctx, game.PathPlayers+"/ghost", ghost); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}

	waitFor(t, func() bool {
		for _, id := range coordinator.PlayerIDs() {
			if id == "ghost" {
				return false
			}
		}
		return !recorder.Has(avatarObjectID("ghost")) && recorder.Disposed(avatarObjectID("ghost"))
	}, "stale player never evicted")
}

// claimRivalStore lands a second spawn claim under the same client id
// between the claim write and its verification read.
type claimRivalStore struct {
	store.Store
	mu      sync.Mutex
	rivaled bool
}

func (s *claimRivalStore) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	if err := s.Store.Update(ctx, path, fields); err != nil {
		return err
	}
	s.mu.Lock()
	rival := false
	if path == game.PathGameState && !s.rivaled {
		if shape, ok := fields["currentShapeId"].(string); ok && shape == game.SentinelSpawning {
			s.rivaled = true
			rival = true
		}
	}
	s.mu.Unlock()
	if rival {
		return s.Store.Update(ctx, path, map[string]interface{}{
			"currentShapeId": game.SentinelSpawning,
			"claimedBy":      "client-a",
		})
	}
	return nil
}

func TestSpawnAbortsWhenClaimOverwrittenUnderSameID(t *testing.T) {
	db := store.NewMemory()
	rival := &claimRivalStore{Store: db.Open()}
	recorder := render.NewRecorder()
	transport := newFakeTransport("client-a")
	coordinator, err := NewCoordinator(Config{
		Store:     rival,
		Transport: transport,
		Renderer:  recorder,
		ClientID:  "client-a",
	})
	if err != nil {
		t.Fatalf("unexpected coordinator error: %v", err)
	}
	if err := coordinator.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected initialize error: %v", err)
	}
	t.Cleanup(func() { coordinator.Shutdown(context.Background()) })

	waitFor(t, func() bool {
		return coordinator.GameState().ClaimedBy == "client-a"
	}, "rival claim never observed")

	// The losing attempt must not commit its shape even though the rival
	// claim carries its own client id.
	time.Sleep(150 * time.Millisecond)
	session := db.Open()
	defer session.Close()
	snapshot, err := session.GetChildren(context.Background(), game.PathShapes)
	if err != nil {
		t.Fatalf("unexpected children error: %v", err)
	}
	if len(snapshot) != 0 {
		t.Fatalf("losing claim committed %d shapes", len(snapshot))
	}

	// The sentinel sweep recovers the arena and a later attempt commits.
	waitFor(t, func() bool {
		state := coordinator.GameState()
		return state.CurrentShapeID != "" &&
			state.CurrentShapeID != game.SentinelSpawning &&
			len(coordinator.PieceIDs()) == 1
	}, "arena never recovered after lost claim")
}

func TestShutdownDeletesPlayerRecord(t *testing.T) {
	db := store.NewMemory()
	coordinator, _, _ := newTestCoordinator(t, db, "client-a")

	if err := coordinator.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}

	session := db.Open()
	defer session.Close()
	doc, err := session.GetDoc(context.Background(), game.PathPlayers+"/client-a")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if doc != nil {
		t.Fatalf("player record survived shutdown")
	}
}
