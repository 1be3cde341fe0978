package netsync

import (
	"context"
	"math"
	"time"

	"github.com/stackfall/stackfall/internal/game"
	"go.uber.org/zap"
)

// maxFrameDelta caps simulation catch-up after a stall so pieces do not
// tunnel through the floor.
const maxFrameDelta = 250 * time.Millisecond

// localPieceLocked finds the piece this client is currently driving.
func (c *Coordinator) localPieceLocked() *game.Piece {
	for _, piece := range c.pieces {
		if piece.CreatedBy == c.clientID && piece.IsActive && !piece.IsLocked {
			return piece
		}
	}
	return nil
}

// cellBlockedLocked reports whether any locked block occupies a grid cell.
func (c *Coordinator) cellBlockedLocked(cell game.Vec3, excludeID string) bool {
	for id, piece := range c.pieces {
		if id == excludeID || !piece.IsLocked {
			continue
		}
		for _, block := range piece.Blocks() {
			if math.Round(block.Position.X) == cell.X &&
				math.Round(block.Position.Y) == cell.Y &&
				math.Round(block.Position.Z) == cell.Z {
				return true
			}
		}
	}
	return false
}

// ShiftPiece moves the driven piece horizontally by whole cells. Returns
// false when there is no driven piece or the move would exit the grid.
func (c *Coordinator) ShiftPiece(dx float64) bool {
	c.mu.Lock()
	piece := c.localPieceLocked()
	moved := piece != nil && piece.Shift(dx)
	c.mu.Unlock()
	if moved {
		c.publishPiece(piece, false)
	}
	return moved
}

// RotatePiece requests a quarter turn on the driven piece.
func (c *Coordinator) RotatePiece() bool {
	c.mu.Lock()
	piece := c.localPieceLocked()
	rotated := piece != nil && piece.Rotate(true)
	c.mu.Unlock()
	if rotated {
		c.publishPiece(piece, false)
	}
	return rotated
}

// Advance runs one frame of the locally owned simulation: step own bullets,
// advance the driven piece, publish throttled patches, and on a lock detect
// completed rows and hand the turn back to arbitration.
func (c *Coordinator) Advance(now time.Time) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	delta := maxFrameDelta
	if !c.lastTick.IsZero() {
		if measured := now.Sub(c.lastTick); measured < delta {
			delta = measured
		}
	}
	c.lastTick = now
	dt := delta.Seconds()

	var struckPieces []*game.Piece
	for id, bullet := range c.bullets {
		if bullet.OwnerID == c.clientID {
			bullet.Step(dt)
			if hit := c.collideBulletLocked(bullet); hit != nil {
				struckPieces = append(struckPieces, hit)
				continue
			}
		}
		if bullet.Expired(now) {
			c.disposeBulletLocked(id)
			continue
		}
		c.renderer.UpdateTransform(bulletObjectID(id), bullet.Position, game.Vec3{})
	}

	piece := c.localPieceLocked()
	var landed bool
	var completedRows []float64
	if piece != nil {
		wasLocked := piece.IsLocked
		piece.Advance(now, func(cell game.Vec3) bool {
			return c.cellBlockedLocked(cell, piece.ID)
		})
		c.renderer.UpdateTransform(pieceObjectID(piece.ID), piece.Position,
			game.Vec3{Z: piece.CurrentRotation * math.Pi / 180})
		landed = !wasLocked && piece.IsLocked
		if landed {
			completedRows = c.completedRowsLocked()
		}
	}
	currentShape := c.gameState.CurrentShapeID
	c.mu.Unlock()

	for _, struck := range struckPieces {
		c.publishPiece(struck, true)
	}
	if piece != nil {
		c.publishPiece(piece, landed)
	}
	if landed {
		ctx := context.Background()
		if currentShape == piece.ID {
			release := map[string]interface{}{"currentShapeId": "", "claimedBy": ""}
			if err := c.db.Update(ctx, game.PathGameState, release); err != nil {
				c.logError(opPiece, "turn_release_failed", err, zap.String("shape_id", piece.ID))
			}
		}
		for _, row := range completedRows {
			c.RowCompletion(ctx, row)
		}
		c.maybeSpawn(ctx)
	}
}

// publishPiece writes the piece record to the store. Patches are throttled
// per piece; force bypasses the throttle for lock transitions and hits.
func (c *Coordinator) publishPiece(piece *game.Piece, force bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := c.clock()
	if !force {
		if last, ok := c.lastPiecePatch[piece.ID]; ok && now.Sub(last) < pieceThrottle {
			c.mu.Unlock()
			return
		}
	}
	c.lastPiecePatch[piece.ID] = now
	record := piece.ToRecord(now)
	c.mu.Unlock()

	path := game.PathShapes + "/" + piece.ID
	if err := c.db.Set(context.Background(), path, record); err != nil {
		c.logError(opPiece, "patch_write_failed", err, zap.String("shape_id", piece.ID))
	}
}

// completedRowsLocked finds rows fully tiled by locked blocks.
func (c *Coordinator) completedRowsLocked() []float64 {
	counts := make(map[float64]int)
	for _, piece := range c.pieces {
		if !piece.IsLocked {
			continue
		}
		for _, block := range piece.Blocks() {
			counts[math.Round(block.Position.Y)]++
		}
	}
	var rows []float64
	for row, count := range counts {
		if count >= game.RowBlockCount {
			rows = append(rows, row)
		}
	}
	return rows
}

// RowCompletion clears a completed row: strip the row's blocks from every
// locked piece, republish the truncated records, award the fixed points to
// the local player, and stamp the shared state so peers can display the
// event. Scoring stays local; peers do not re-derive it from the stamp.
func (c *Coordinator) RowCompletion(ctx context.Context, row float64) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := c.clock()
	var truncated []*game.Piece
	for _, piece := range c.pieces {
		if piece.IsLocked && piece.RemoveBlocksAtRow(row) > 0 {
			truncated = append(truncated, piece)
		}
	}
	nickname := c.nickname
	total := c.scores[c.clientID].Score + game.RowPoints
	c.mu.Unlock()

	for _, piece := range truncated {
		c.publishPiece(piece, true)
	}

	score := game.ScoreRecord{Nickname: nickname, Score: total, LastUpdate: now.UnixMilli()}
	if err := c.db.Set(ctx, game.PathScores+"/"+c.clientID, score); err != nil {
		c.logError(opRows, "score_write_failed", err)
	}
	stamp := map[string]interface{}{
		"lastRowCompletion": map[string]interface{}{"y": row, "timestamp": now.UnixMilli()},
	}
	if err := c.db.Update(ctx, game.PathGameState, stamp); err != nil {
		c.logError(opRows, "stamp_write_failed", err)
	}
	c.logger.Info("row completed",
		zap.Float64("row", row),
		zap.Int64("score", total),
		zap.Int("pieces_truncated", len(truncated)))
}

// heartbeatLoop refreshes the local liveness stamp and runs the periodic
// staleness and spawn checks. Staleness is observed explicitly on each
// side; store disconnect hooks only cover the clean half of failures.
func (c *Coordinator) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		now := c.clock()
		fields := map[string]interface{}{
			"lastSeen":   now.UnixMilli(),
			"lastUpdate": now.UnixMilli(),
		}
		if err := c.db.Update(context.Background(), game.PathPlayers+"/"+c.clientID, fields); err != nil {
			c.logError(opHeartbeat, "refresh_failed", err)
		}

		c.mu.Lock()
		for id, record := range c.players {
			if id == c.clientID {
				continue
			}
			if c.isStaleLocked(record, now) {
				c.evictPlayerLocked(id)
			}
		}
		c.mu.Unlock()

		c.maybeSpawn(context.Background())
	}
}
