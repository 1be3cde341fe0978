package peer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stackfall/stackfall/internal/game"
)

// Kind tags the variant carried by a peer message envelope.
type Kind string

const (
	KindPosition Kind = "position"
	KindBullet   Kind = "bullet"
	KindShape    Kind = "shape"
)

// ErrUnknownKind indicates an envelope carried a kind this build does not
// understand. Unknown kinds are dropped, not treated as fatal.
var ErrUnknownKind = errors.New("peer: unknown message kind")

// Envelope is the wire form of every peer-to-peer message. Exactly one
// payload field is populated, selected by Kind.
type Envelope struct {
	Kind     Kind             `json:"kind"`
	From     string           `json:"from"`
	Position *PositionPayload `json:"position,omitempty"`
	Bullet   *BulletPayload   `json:"bullet,omitempty"`
	Shape    *ShapePayload    `json:"shape,omitempty"`
}

// PositionPayload carries an avatar transform update.
type PositionPayload struct {
	Position game.Vec3 `json:"position"`
	Rotation game.Vec3 `json:"rotation"`
}

// BulletPayload carries a projectile spawn or in-flight update.
type BulletPayload struct {
	ID       string    `json:"id"`
	Position game.Vec3 `json:"position"`
	Velocity game.Vec3 `json:"velocity"`
}

// ShapePayload announces a piece event by identifier. The store already
// replicates piece state, so receivers treat this as advisory.
type ShapePayload struct {
	ID string `json:"id"`
}

// NewPositionEnvelope builds a position message from a local transform.
func NewPositionEnvelope(from string, position, rotation game.Vec3) Envelope {
	return Envelope{
		Kind:     KindPosition,
		From:     from,
		Position: &PositionPayload{Position: position, Rotation: rotation},
	}
}

// NewBulletEnvelope builds a bullet message from a local projectile.
func NewBulletEnvelope(from string, bullet *game.Bullet) Envelope {
	return Envelope{
		Kind:   KindBullet,
		From:   from,
		Bullet: &BulletPayload{ID: bullet.ID, Position: bullet.Position, Velocity: bullet.Velocity},
	}
}

// NewShapeEnvelope builds a shape announcement.
func NewShapeEnvelope(from, shapeID string) Envelope {
	return Envelope{Kind: KindShape, From: from, Shape: &ShapePayload{ID: shapeID}}
}

// Encode marshals an envelope for the wire.
func Encode(envelope Envelope) ([]byte, error) {
	return json.Marshal(envelope)
}

// Decode parses and sanitizes an inbound envelope. Numeric fields pass
// through the same sanitation as store records so a malformed peer cannot
// inject NaN or out-of-range values into the simulation.
func Decode(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("peer: decode envelope: %w", err)
	}

	switch envelope.Kind {
	case KindPosition:
		if envelope.Position == nil {
			return Envelope{}, fmt.Errorf("peer: %s envelope missing payload", envelope.Kind)
		}
		envelope.Position.Position = game.SanitizePosition(envelope.Position.Position)
		envelope.Position.Rotation = game.SanitizeRotation(envelope.Position.Rotation)
	case KindBullet:
		if envelope.Bullet == nil {
			return Envelope{}, fmt.Errorf("peer: %s envelope missing payload", envelope.Kind)
		}
		if envelope.Bullet.ID == "" {
			return Envelope{}, errors.New("peer: bullet envelope missing id")
		}
		envelope.Bullet.Position = game.SanitizePosition(envelope.Bullet.Position)
		envelope.Bullet.Velocity = sanitizeVelocity(envelope.Bullet.Velocity)
	case KindShape:
		if envelope.Shape == nil {
			return Envelope{}, fmt.Errorf("peer: %s envelope missing payload", envelope.Kind)
		}
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, envelope.Kind)
	}
	return envelope, nil
}

func sanitizeVelocity(velocity game.Vec3) game.Vec3 {
	return game.Vec3{
		X: game.SanitizeFloat(velocity.X, 0, -maxBulletSpeed, maxBulletSpeed),
		Y: game.SanitizeFloat(velocity.Y, 0, -maxBulletSpeed, maxBulletSpeed),
		Z: game.SanitizeFloat(velocity.Z, 0, -maxBulletSpeed, maxBulletSpeed),
	}
}

const maxBulletSpeed = 100.0
