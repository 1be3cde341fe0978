package netsync

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/stackfall/stackfall/internal/game"
	"github.com/stackfall/stackfall/internal/render"
	"github.com/stackfall/stackfall/internal/store"
	"go.uber.org/zap"
)

func decodeRecord(raw json.RawMessage, out interface{}) error {
	return json.Unmarshal(raw, out)
}

func avatarObjectID(playerID string) string { return "avatar/" + playerID }
func pieceObjectID(shapeID string) string   { return "piece/" + shapeID }
func bulletObjectID(bulletID string) string { return "bullet/" + bulletID }

// mirrorPosition maps a remote player's transform into the local view.
// Every client renders the board from its own side, so remote avatars
// appear across the arena.
func mirrorPosition(position game.Vec3) game.Vec3 {
	return game.Vec3{X: -position.X, Y: position.Y, Z: -position.Z}
}

func mirrorRotation(rotation game.Vec3) game.Vec3 {
	return game.Vec3{X: rotation.X, Y: -rotation.Y, Z: rotation.Z}
}

// reconcilePlayers diffs the replicated player set against the local arena:
// unknown ids enter, known ids update in place, missing or stale ids leave
// with their renderer resources released first. Safe to replay on identical
// snapshots.
func (c *Coordinator) reconcilePlayers(snapshot store.Snapshot) {
	type dialTarget struct{ id, address string }
	var dials []dialTarget

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := c.clock()
	seen := make(map[string]bool, len(snapshot))

	for id, raw := range snapshot {
		var record game.PlayerRecord
		if err := decodeRecord(raw, &record); err != nil {
			c.logError(opReconcile, "bad_player_record", err, zap.String("player_id", id))
			continue
		}
		record = record.Sanitize()
		seen[id] = true
		c.players[id] = record
		if id == c.clientID {
			continue
		}

		if c.isStaleLocked(record, now) {
			c.evictPlayerLocked(id)
			continue
		}

		objectID := avatarObjectID(id)
		if !c.avatars[id] {
			c.renderer.AddObject(objectID, render.KindAvatar)
			c.avatars[id] = true
		}
		if record.Position != nil {
			rotation := game.Vec3{}
			if record.Rotation != nil {
				rotation = *record.Rotation
			}
			c.renderer.UpdateTransform(objectID, mirrorPosition(*record.Position), mirrorRotation(rotation))
		}
		if record.Online && record.PeerID != "" && !c.transport.Connected(id) {
			dials = append(dials, dialTarget{id: id, address: record.PeerID})
		}
	}

	for id := range c.players {
		if seen[id] {
			continue
		}
		c.evictPlayerLocked(id)
	}
	c.mu.Unlock()

	for _, target := range dials {
		go c.dialPeer(target.id, target.address)
	}
	c.maybeSpawn(context.Background())
}

func (c *Coordinator) isStaleLocked(record game.PlayerRecord, now time.Time) bool {
	return !record.Online && now.UnixMilli()-record.LastSeen > staleAfter.Milliseconds()
}

// evictPlayerLocked removes a player from the local arena: renderer
// resources first, then the record, the peer link and any pending redial.
func (c *Coordinator) evictPlayerLocked(playerID string) {
	c.dropAvatarLocked(playerID)
	delete(c.players, playerID)
	c.transport.Disconnect(playerID)
	if timer := c.pendingDials[playerID]; timer != nil {
		timer.Stop()
		delete(c.pendingDials, playerID)
	}
}

func (c *Coordinator) dropAvatarLocked(playerID string) {
	if !c.avatars[playerID] {
		return
	}
	objectID := avatarObjectID(playerID)
	c.renderer.Dispose(objectID)
	c.renderer.RemoveObject(objectID)
	delete(c.avatars, playerID)
}

// reconcileShapes mirrors the replicated piece set. Known pieces absorb
// patches through ApplyRecord, which ignores stale or lock-violating
// updates; unknown ids materialize; missing ids leave the scene.
func (c *Coordinator) reconcileShapes(snapshot store.Snapshot) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := c.clock()
	seen := make(map[string]bool, len(snapshot))

	for id, raw := range snapshot {
		var record game.ShapeRecord
		if err := decodeRecord(raw, &record); err != nil {
			c.logError(opReconcile, "bad_shape_record", err, zap.String("shape_id", id))
			continue
		}
		record = record.Sanitize()
		seen[id] = true

		piece, known := c.pieces[id]
		if !known {
			piece = game.PieceFromRecord(id, record, now)
			c.pieces[id] = piece
			c.renderer.AddObject(pieceObjectID(id), render.KindPiece)
		} else {
			piece.ApplyRecord(record)
		}
		c.renderer.UpdateTransform(pieceObjectID(id), piece.Position,
			game.Vec3{Z: piece.CurrentRotation * math.Pi / 180})
	}

	for id := range c.pieces {
		if seen[id] {
			continue
		}
		objectID := pieceObjectID(id)
		c.renderer.Dispose(objectID)
		c.renderer.RemoveObject(objectID)
		delete(c.pieces, id)
		delete(c.lastPiecePatch, id)
	}

	floaters := c.floatingPiecesLocked()
	c.mu.Unlock()

	for _, id := range floaters {
		if err := c.db.Delete(context.Background(), game.PathShapes+"/"+id); err != nil {
			c.logError(opReconcile, "floating_shape_delete_failed", err, zap.String("shape_id", id))
		}
	}
	c.maybeSpawn(context.Background())
}

// floatingPiecesLocked finds spawn-race losers: active unlocked pieces that
// are not the current shape. First to lock wins; the leader deletes the
// rest.
func (c *Coordinator) floatingPiecesLocked() []string {
	if !c.isLeaderLocked() {
		return nil
	}
	current := c.gameState.CurrentShapeID
	if current == "" || current == game.SentinelSpawning {
		return nil
	}
	var floaters []string
	for id, piece := range c.pieces {
		if id == current || piece.IsLocked || !piece.IsActive {
			continue
		}
		floaters = append(floaters, id)
	}
	return floaters
}

// reconcileScores mirrors the replicated scoreboard.
func (c *Coordinator) reconcileScores(snapshot store.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	seen := make(map[string]bool, len(snapshot))
	for id, raw := range snapshot {
		var record game.ScoreRecord
		if err := decodeRecord(raw, &record); err != nil {
			c.logError(opReconcile, "bad_score_record", err, zap.String("player_id", id))
			continue
		}
		seen[id] = true
		c.scores[id] = record.Sanitize()
	}
	for id := range c.scores {
		if !seen[id] {
			delete(c.scores, id)
		}
	}
}

// handleGameState absorbs the shared singleton and drives arbitration:
// every change re-evaluates the spawn guard, and an observed sentinel arms
// the liveness sweep.
func (c *Coordinator) handleGameState(doc json.RawMessage) {
	var record game.GameStateRecord
	if doc != nil {
		if err := decodeRecord(doc, &record); err != nil {
			c.logError(opReconcile, "bad_game_state", err)
			return
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	previous := c.gameState
	c.gameState = record

	if record.CurrentShapeID == game.SentinelSpawning {
		fresh := previous.CurrentShapeID != game.SentinelSpawning ||
			previous.ClaimedBy != record.ClaimedBy
		if fresh {
			c.sentinelSeen = c.clock()
			c.armSentinelSweepLocked()
		}
	} else {
		c.sentinelSeen = time.Time{}
	}
	c.mu.Unlock()

	c.maybeSpawn(context.Background())
}

// isLeaderLocked reports whether the local client is first in the sorted
// ordering of online player ids. Heuristic election; ties on stale views
// resolve through the sentinel claim.
func (c *Coordinator) isLeaderLocked() bool {
	ids := make([]string, 0, len(c.players)+1)
	for id, record := range c.players {
		if id != c.clientID && !record.Online {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return true
	}
	sort.Strings(ids)
	return ids[0] == c.clientID
}
