package game

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Store paths shared by every client.
const (
	PathPlayers   = "players"
	PathShapes    = "shapes"
	PathScores    = "scores"
	PathGameState = "gameState"
)

// SentinelSpawning is the soft spawn-intent lock written to
// gameState.currentShapeId before a shape record is committed.
const SentinelSpawning = "spawning"

// Board and timing constants shared by every client.
const (
	GridSize        = 10
	HalfGrid        = float64(GridSize) / 2
	FloorY          = 0.0
	SpawnHeight     = 15.0
	RowPoints       = 100
	RowBlockCount   = GridSize
	MaxNicknameLen  = 20
	RotationStepDeg = 9.0
)

var (
	// ErrInvalidNickname indicates an empty or over-long display name.
	ErrInvalidNickname = errors.New("game: invalid nickname")
	// ErrInvalidID indicates an empty entity identifier.
	ErrInvalidID = errors.New("game: invalid id")
)

// Vec3 is a point or direction in world space.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add returns the component-wise sum of two vectors.
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// SanitizeFloat coerces NaN and infinities to the fallback and clamps the
// result into [min, max]. Every numeric field crossing the network boundary
// passes through here before use.
func SanitizeFloat(value, fallback, min, max float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		value = fallback
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// SanitizePosition clamps a world position into the playable volume.
func SanitizePosition(position Vec3) Vec3 {
	return Vec3{
		X: SanitizeFloat(position.X, 0, -100, 100),
		Y: SanitizeFloat(position.Y, 0, -1, 20),
		Z: SanitizeFloat(position.Z, 0, -100, 100),
	}
}

// SanitizeRotation clamps Euler angles to one full turn per axis.
func SanitizeRotation(rotation Vec3) Vec3 {
	return Vec3{
		X: SanitizeFloat(rotation.X, 0, -2*math.Pi, 2*math.Pi),
		Y: SanitizeFloat(rotation.Y, 0, -2*math.Pi, 2*math.Pi),
		Z: SanitizeFloat(rotation.Z, 0, -2*math.Pi, 2*math.Pi),
	}
}

// Nickname is a validated player display name.
type Nickname string

// NewNickname validates raw input and returns a Nickname.
func NewNickname(rawInput string) (Nickname, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNickname)
	}
	if len(trimmed) > MaxNicknameLen {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNickname, MaxNicknameLen)
	}
	return Nickname(trimmed), nil
}

// String returns the underlying display name.
func (n Nickname) String() string {
	return string(n)
}

// AvatarColors carries the hue/lightness triple used to tint a player figure.
type AvatarColors struct {
	HeadHue       float64 `json:"headHue"`
	BodyHue       float64 `json:"bodyHue"`
	HeadLightness float64 `json:"headLightness"`
}

// Sanitize clamps the colors into their displayable ranges.
func (c AvatarColors) Sanitize() AvatarColors {
	return AvatarColors{
		HeadHue:       SanitizeFloat(c.HeadHue, 0, 0, 360),
		BodyHue:       SanitizeFloat(c.BodyHue, 0, 0, 360),
		HeadLightness: SanitizeFloat(c.HeadLightness, 50, 0, 100),
	}
}

// PlayerRecord is the durable store document at players/{id}.
type PlayerRecord struct {
	Nickname   string       `json:"nickname"`
	LastUpdate int64        `json:"lastUpdate"`
	PeerID     string       `json:"peerId"`
	Online     bool         `json:"online"`
	LastSeen   int64        `json:"lastSeen"`
	Colors     AvatarColors `json:"colors"`
	Position   *Vec3        `json:"position,omitempty"`
	Rotation   *Vec3        `json:"rotation,omitempty"`
}

// Sanitize coerces every remote-supplied field to a safe value.
func (r PlayerRecord) Sanitize() PlayerRecord {
	out := r
	if len(out.Nickname) > MaxNicknameLen {
		out.Nickname = out.Nickname[:MaxNicknameLen]
	}
	out.Colors = out.Colors.Sanitize()
	if out.Position != nil {
		sanitized := SanitizePosition(*out.Position)
		out.Position = &sanitized
	}
	if out.Rotation != nil {
		sanitized := SanitizeRotation(*out.Rotation)
		out.Rotation = &sanitized
	}
	return out
}

// Block is a single cell of a shape, positioned in world space when stored.
type Block struct {
	Position Vec3 `json:"position"`
}

// ShapeRecord is the durable store document at shapes/{id}.
type ShapeRecord struct {
	Type            string  `json:"type"`
	Color           float64 `json:"color"`
	Position        Vec3    `json:"position"`
	IsLocked        bool    `json:"isLocked"`
	IsActive        bool    `json:"isActive"`
	IsRotating      bool    `json:"isRotating,omitempty"`
	CurrentRotation float64 `json:"currentRotation,omitempty"`
	Blocks          []Block `json:"blocks,omitempty"`
	LastUpdate      int64   `json:"lastUpdate"`
	CreatedBy       string  `json:"createdBy"`
}

// Sanitize coerces every remote-supplied field to a safe value.
func (r ShapeRecord) Sanitize() ShapeRecord {
	out := r
	out.Color = SanitizeFloat(out.Color, 0, 0, 360)
	out.Position = SanitizePosition(out.Position)
	out.CurrentRotation = SanitizeFloat(out.CurrentRotation, 0, -360000, 360000)
	for i := range out.Blocks {
		out.Blocks[i].Position = SanitizePosition(out.Blocks[i].Position)
	}
	return out
}

// ScoreRecord is the durable store document at scores/{id}.
type ScoreRecord struct {
	Nickname   string `json:"nickname"`
	Score      int64  `json:"score"`
	LastUpdate int64  `json:"lastUpdate"`
}

// Sanitize coerces every remote-supplied field to a safe value.
func (r ScoreRecord) Sanitize() ScoreRecord {
	out := r
	if len(out.Nickname) > MaxNicknameLen {
		out.Nickname = out.Nickname[:MaxNicknameLen]
	}
	if out.Score < 0 {
		out.Score = 0
	}
	return out
}

// RowCompletion stamps the last completed row on the shared game state so
// peers can display it. Peers do not re-derive scoring from the stamp.
type RowCompletion struct {
	Y         float64 `json:"y"`
	Timestamp int64   `json:"timestamp"`
}

// GameStateRecord is the singleton durable store document at gameState.
// CurrentShapeID is empty when no shape is in play, the sentinel
// "spawning" while a spawn claim is in flight, or a shape id. ClaimedBy
// stamps the sentinel with the claimant's per-attempt token so a client can
// verify its own claim survived before committing a shape record.
type GameStateRecord struct {
	IsActive          bool           `json:"isActive"`
	CurrentShapeID    string         `json:"currentShapeId"`
	LastSpawnTime     int64          `json:"lastSpawnTime"`
	CreatedBy         string         `json:"createdBy"`
	ClaimedBy         string         `json:"claimedBy,omitempty"`
	LastRowCompletion *RowCompletion `json:"lastRowCompletion,omitempty"`
}
