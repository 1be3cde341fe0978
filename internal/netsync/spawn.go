package netsync

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/stackfall/stackfall/internal/game"
	"github.com/stackfall/stackfall/internal/render"
	"go.uber.org/zap"
)

// maybeSpawn runs the spawn guard and, when every condition holds, the
// two-phase claim: write the "spawning" sentinel stamped with a per-attempt
// claim token, re-read to verify the claim survived concurrent writers,
// then commit the shape record and release the sentinel. The token carries
// a nonce so two attempts racing under the same client id cannot verify
// each other's claim. Losing a claim is not an error; duplicate commits
// are tolerated and swept once a winner locks.
func (c *Coordinator) maybeSpawn(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := c.clock()
	state := c.gameState
	ready := state.IsActive &&
		state.CurrentShapeID == "" &&
		now.UnixMilli()-state.LastSpawnTime >= spawnCooldown.Milliseconds() &&
		!c.hasActiveUnlockedPieceLocked() &&
		c.isLeaderLocked()
	c.mu.Unlock()
	if !ready {
		return
	}

	claimToken := c.clientID + "/" + uuid.NewString()
	claim := map[string]interface{}{
		"currentShapeId": game.SentinelSpawning,
		"claimedBy":      claimToken,
	}
	if err := c.db.Update(ctx, game.PathGameState, claim); err != nil {
		c.logError(opSpawn, "claim_write_failed", err)
		return
	}

	raw, err := c.db.GetDoc(ctx, game.PathGameState)
	if err != nil {
		c.logError(opSpawn, "claim_verify_failed", err)
		return
	}
	var verified game.GameStateRecord
	if raw == nil || decodeRecord(raw, &verified) != nil {
		return
	}
	if verified.CurrentShapeID != game.SentinelSpawning || verified.ClaimedBy != claimToken {
		c.logger.Debug("spawn claim lost",
			zap.String("client_id", c.clientID),
			zap.String("claimed_by", verified.ClaimedBy))
		return
	}

	pieceID := uuid.NewString()
	pieceType := game.PieceTypes[rand.Intn(len(game.PieceTypes))]
	piece := game.NewPiece(pieceID, pieceType, float64(rand.Intn(360)),
		game.Vec3{Y: game.SpawnHeight}, defaultFallSpeed, c.clientID, now)

	if err := c.db.Set(ctx, game.PathShapes+"/"+pieceID, piece.ToRecord(now)); err != nil {
		c.logError(opSpawn, "shape_commit_failed", err, zap.String("shape_id", pieceID))
		return
	}
	release := map[string]interface{}{
		"currentShapeId": pieceID,
		"lastSpawnTime":  now.UnixMilli(),
		"claimedBy":      "",
	}
	if err := c.db.Update(ctx, game.PathGameState, release); err != nil {
		c.logError(opSpawn, "claim_release_failed", err, zap.String("shape_id", pieceID))
		return
	}

	c.mu.Lock()
	if _, known := c.pieces[pieceID]; !known {
		c.pieces[pieceID] = piece
		c.renderer.AddObject(pieceObjectID(pieceID), render.KindPiece)
	}
	c.mu.Unlock()

	c.logger.Info("spawned shape",
		zap.String("shape_id", pieceID),
		zap.String("type", string(pieceType)))
}

func (c *Coordinator) hasActiveUnlockedPieceLocked() bool {
	for _, piece := range c.pieces {
		if piece.IsActive && !piece.IsLocked {
			return true
		}
	}
	return false
}

// armSentinelSweepLocked schedules the liveness sweep for the sentinel just
// observed. One timer at a time; a fresh claim re-arms it.
func (c *Coordinator) armSentinelSweepLocked() {
	if c.sentinelTimer != nil {
		c.sentinelTimer.Stop()
	}
	c.sentinelTimer = time.AfterFunc(sentinelTimeout, c.sweepSentinel)
}

// sweepSentinel clears a "spawning" claim whose owner never committed a
// shape. Without the sweep a claimant crashing mid-spawn would wedge the
// arena forever.
func (c *Coordinator) sweepSentinel() {
	c.mu.Lock()
	if c.closed || c.gameState.CurrentShapeID != game.SentinelSpawning {
		c.mu.Unlock()
		return
	}
	if c.sentinelSeen.IsZero() {
		c.mu.Unlock()
		return
	}
	if remaining := sentinelTimeout - c.clock().Sub(c.sentinelSeen); remaining > 0 {
		// Timer fired early; try again when the timeout actually elapses.
		c.sentinelTimer = time.AfterFunc(remaining, c.sweepSentinel)
		c.mu.Unlock()
		return
	}
	claimant := c.gameState.ClaimedBy
	c.mu.Unlock()

	clear := map[string]interface{}{"currentShapeId": "", "claimedBy": ""}
	if err := c.db.Update(context.Background(), game.PathGameState, clear); err != nil {
		c.logError(opSpawn, "sentinel_sweep_failed", err)
		return
	}
	c.logger.Warn("cleared stuck spawn claim", zap.String("claimed_by", claimant))
}
