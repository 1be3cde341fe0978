package game

import (
	"fmt"
	"math"
	"time"
)

// Ballistic tuning for transient projectiles.
const (
	BulletLifetime   = 8000 * time.Millisecond
	BulletGravity    = 9.8  // world units per second squared
	BulletAirDamping = 0.25 // velocity fraction retained per second
	BulletBounce     = 0.6  // vertical velocity retained per floor bounce
	BulletHitRange   = 0.5  // per-axis proximity threshold
	bulletRestSpeed  = 0.05
)

// Bullet is a client-owned ballistic projectile. It is never written to the
// durable store; peers only ever see it through direct transport messages.
type Bullet struct {
	ID       string
	OwnerID  string
	Position Vec3
	Velocity Vec3

	spawnedAt time.Time
	expired   bool
}

// NewBullet constructs a projectile owned by the local client. The identity
// combines the owner with the spawn timestamp so remote create-or-update
// handling is idempotent.
func NewBullet(ownerID string, position, velocity Vec3, now time.Time) *Bullet {
	return &Bullet{
		ID:        fmt.Sprintf("%s_%d", ownerID, now.UnixMilli()),
		OwnerID:   ownerID,
		Position:  position,
		Velocity:  velocity,
		spawnedAt: now,
	}
}

// RemoteBullet constructs a mirror of a peer-owned projectile.
func RemoteBullet(id, ownerID string, position, velocity Vec3, now time.Time) *Bullet {
	return &Bullet{
		ID:        id,
		OwnerID:   ownerID,
		Position:  SanitizePosition(position),
		Velocity:  velocity,
		spawnedAt: now,
	}
}

// Step integrates one tick of ballistic motion: gravity, multiplicative air
// resistance on all three axes, and a damped floor bounce.
func (b *Bullet) Step(dt float64) {
	if b.expired || dt <= 0 {
		return
	}

	b.Velocity.Y -= BulletGravity * dt
	damping := math.Pow(BulletAirDamping, dt)
	b.Velocity.X *= damping
	b.Velocity.Y *= damping
	b.Velocity.Z *= damping

	b.Position.X += b.Velocity.X * dt
	b.Position.Y += b.Velocity.Y * dt
	b.Position.Z += b.Velocity.Z * dt

	if b.Position.Y < FloorY {
		b.Position.Y = FloorY
		if b.Velocity.Y < 0 {
			b.Velocity.Y = -b.Velocity.Y * BulletBounce
		}
		if math.Abs(b.Velocity.Y) < bulletRestSpeed {
			b.expired = true
		}
	}
}

// Expired reports whether the bullet has outlived its lifetime, come to
// rest on the floor, or been consumed by a collision.
func (b *Bullet) Expired(now time.Time) bool {
	if b.expired {
		return true
	}
	return now.Sub(b.spawnedAt) > BulletLifetime
}

// Expire force-disposes the bullet.
func (b *Bullet) Expire() {
	b.expired = true
}

// CollidePiece tests the bullet against every block of an active, unlocked
// piece using an axis-aligned proximity check. The first hit triggers a
// rotation on the struck piece and disposes the bullet.
func (b *Bullet) CollidePiece(piece *Piece) bool {
	if b.expired || piece == nil || piece.IsLocked || !piece.IsActive {
		return false
	}
	for _, block := range piece.Blocks() {
		if math.Abs(block.Position.X-b.Position.X) < BulletHitRange &&
			math.Abs(block.Position.Y-b.Position.Y) < BulletHitRange &&
			math.Abs(block.Position.Z-b.Position.Z) < BulletHitRange {
			piece.Rotate(true)
			b.expired = true
			return true
		}
	}
	return false
}
