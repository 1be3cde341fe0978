package netsync

import (
	"time"

	"github.com/stackfall/stackfall/internal/game"
	"github.com/stackfall/stackfall/internal/peer"
	"github.com/stackfall/stackfall/internal/render"
	"go.uber.org/zap"
)

// dialPeer opens a link to one peer. Failures schedule a retry on the
// fixed backoff; the peer may simply not be listening yet.
func (c *Coordinator) dialPeer(peerID, address string) {
	if err := c.transport.Connect(peerID, address); err != nil {
		c.logError(opPeers, "dial_failed", err,
			zap.String("peer_id", peerID),
			zap.String("address", address))
		c.scheduleRedial(peerID)
	}
}

// scheduleRedial arms one retry timer per peer on the fixed backoff.
// Retries continue for as long as the player record stays online.
func (c *Coordinator) scheduleRedial(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.pendingDials[peerID] != nil {
		return
	}
	c.pendingDials[peerID] = time.AfterFunc(reconnectDelay, func() {
		c.mu.Lock()
		delete(c.pendingDials, peerID)
		record, known := c.players[peerID]
		closed := c.closed
		c.mu.Unlock()
		if closed || !known || !record.Online || record.PeerID == "" {
			return
		}
		if c.transport.Connected(peerID) {
			return
		}
		c.dialPeer(peerID, record.PeerID)
	})
}

// handlePeerOpen pushes the current transform so a newly linked peer sees
// this avatar immediately instead of waiting for the next movement.
func (c *Coordinator) handlePeerOpen(peerID string) {
	c.mu.Lock()
	position := c.selfPosition
	rotation := c.selfRotation
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	envelope := peer.NewPositionEnvelope(c.clientID, position, rotation)
	if err := c.transport.Send(peerID, envelope); err != nil {
		c.logError(opPeers, "greeting_send_failed", err, zap.String("peer_id", peerID))
	}
}

func (c *Coordinator) handlePeerClose(peerID string) {
	c.mu.Lock()
	record, known := c.players[peerID]
	closed := c.closed
	c.mu.Unlock()
	if closed || !known || !record.Online {
		return
	}
	c.scheduleRedial(peerID)
}

// handlePeerMessage dispatches one inbound envelope. The switch is
// exhaustive over the decoded kinds; the transport already dropped unknown
// ones.
func (c *Coordinator) handlePeerMessage(peerID string, envelope peer.Envelope) {
	switch envelope.Kind {
	case peer.KindPosition:
		c.applyPeerPosition(peerID, *envelope.Position)
	case peer.KindBullet:
		c.applyPeerBullet(peerID, *envelope.Bullet)
	case peer.KindShape:
		// Piece state propagates through the durable store; the direct
		// channel carries only an advisory id.
	}
}

func (c *Coordinator) applyPeerPosition(peerID string, payload peer.PositionPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	objectID := avatarObjectID(peerID)
	if !c.avatars[peerID] {
		c.renderer.AddObject(objectID, render.KindAvatar)
		c.avatars[peerID] = true
	}
	c.renderer.UpdateTransform(objectID,
		mirrorPosition(payload.Position), mirrorRotation(payload.Rotation))

	if record, known := c.players[peerID]; known {
		position := payload.Position
		rotation := payload.Rotation
		record.Position = &position
		record.Rotation = &rotation
		c.players[peerID] = record
	}
}

// applyPeerBullet creates or updates the mirrored projectile, then runs it
// against every live piece so hits land without waiting for the owner's
// next store patch.
func (c *Coordinator) applyPeerBullet(peerID string, payload peer.BulletPayload) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := c.clock()
	bullet, known := c.bullets[payload.ID]
	if !known {
		bullet = game.RemoteBullet(payload.ID, peerID, payload.Position, payload.Velocity, now)
		c.bullets[payload.ID] = bullet
		c.renderer.AddObject(bulletObjectID(payload.ID), render.KindBullet)
	} else {
		bullet.Position = payload.Position
		bullet.Velocity = payload.Velocity
	}
	c.renderer.UpdateTransform(bulletObjectID(payload.ID), bullet.Position, game.Vec3{})

	hit := c.collideBulletLocked(bullet)
	c.mu.Unlock()

	if hit != nil {
		c.publishPiece(hit, true)
	}
}

// collideBulletLocked runs one bullet against every live piece. Returns the
// struck piece when it is locally owned and needs republishing.
func (c *Coordinator) collideBulletLocked(bullet *game.Bullet) *game.Piece {
	for _, piece := range c.pieces {
		if !bullet.CollidePiece(piece) {
			continue
		}
		c.disposeBulletLocked(bullet.ID)
		if piece.CreatedBy == c.clientID {
			return piece
		}
		return nil
	}
	return nil
}

func (c *Coordinator) disposeBulletLocked(bulletID string) {
	objectID := bulletObjectID(bulletID)
	c.renderer.Dispose(objectID)
	c.renderer.RemoveObject(objectID)
	delete(c.bullets, bulletID)
}

// BroadcastPosition fans the local transform out to every linked peer and
// mirrors it into the local view. Per-peer failures are logged and skipped;
// position updates are transient and the next frame replaces them.
func (c *Coordinator) BroadcastPosition(position, rotation game.Vec3) {
	position = game.SanitizePosition(position)
	rotation = game.SanitizeRotation(rotation)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.selfPosition = position
	c.selfRotation = rotation
	targets := make([]string, 0, len(c.players))
	for id, record := range c.players {
		if id == c.clientID || !record.Online {
			continue
		}
		if c.transport.Connected(id) {
			targets = append(targets, id)
		}
	}
	selfObject := avatarObjectID(c.clientID)
	if !c.avatars[c.clientID] {
		c.renderer.AddObject(selfObject, render.KindAvatar)
		c.avatars[c.clientID] = true
	}
	c.renderer.UpdateTransform(selfObject, position, rotation)
	c.mu.Unlock()

	envelope := peer.NewPositionEnvelope(c.clientID, position, rotation)
	for _, id := range targets {
		if err := c.transport.Send(id, envelope); err != nil {
			c.logError(opBroadcast, "position_send_failed", err, zap.String("peer_id", id))
		}
	}
}

// Fire launches a projectile from the camera toward the arena, mirrors it
// locally and announces it to every linked peer.
func (c *Coordinator) Fire(velocity game.Vec3) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := c.clock()
	origin := c.renderer.CameraPosition()
	bullet := game.NewBullet(c.clientID, origin, velocity, now)
	c.bullets[bullet.ID] = bullet
	c.renderer.AddObject(bulletObjectID(bullet.ID), render.KindBullet)
	targets := make([]string, 0, len(c.players))
	for id, record := range c.players {
		if id == c.clientID || !record.Online {
			continue
		}
		if c.transport.Connected(id) {
			targets = append(targets, id)
		}
	}
	c.mu.Unlock()

	envelope := peer.NewBulletEnvelope(c.clientID, bullet)
	for _, id := range targets {
		if err := c.transport.Send(id, envelope); err != nil {
			c.logError(opBroadcast, "bullet_send_failed", err, zap.String("peer_id", id))
		}
	}
}
