package game

import (
	"math"
	"time"
)

// PieceType enumerates the supported tetromino shapes.
type PieceType string

const (
	PieceI PieceType = "I"
	PieceO PieceType = "O"
	PieceT PieceType = "T"
	PieceL PieceType = "L"
	PieceS PieceType = "S"
)

// PieceTypes lists every spawnable shape.
var PieceTypes = []PieceType{PieceI, PieceO, PieceT, PieceL, PieceS}

// pieceOffsets maps each shape onto four cell offsets relative to the base
// position, laid out in the X/Y plane.
var pieceOffsets = map[PieceType][]Vec3{
	PieceI: {{X: -1}, {}, {X: 1}, {X: 2}},
	PieceO: {{}, {X: 1}, {Y: 1}, {X: 1, Y: 1}},
	PieceT: {{X: -1}, {}, {X: 1}, {Y: 1}},
	PieceL: {{}, {Y: 1}, {Y: 2}, {X: 1}},
	PieceS: {{X: -1}, {}, {Y: 1}, {X: 1, Y: 1}},
}

// OffsetsFor returns a copy of the cell offsets for a shape type. Unknown
// types degrade to a single-cell placeholder rather than failing.
func OffsetsFor(pieceType PieceType) []Vec3 {
	table, ok := pieceOffsets[pieceType]
	if !ok {
		return []Vec3{{}}
	}
	out := make([]Vec3, len(table))
	copy(out, table)
	return out
}

// Piece is one falling multi-block shape. The base position is grid-snapped
// on the horizontal axes and continuous on the vertical axis. Locking is
// terminal: a locked piece never moves or rotates again.
type Piece struct {
	ID        string
	Type      PieceType
	Color     float64
	Position  Vec3
	CreatedBy string

	IsLocked   bool
	IsActive   bool
	IsRotating bool

	// CurrentRotation tracks the displayed angle in degrees. Offsets are
	// rebaked at every quarter turn, so the angle is cosmetic between turns.
	CurrentRotation float64

	FallSpeed float64 // world units per second

	offsets           []Vec3
	pendingOffsets    []Vec3
	rotationRemaining float64
	rotationDirection float64
	lastFall          time.Time
	lastApplied       int64
}

// NewPiece constructs an active piece at the given base position.
func NewPiece(id string, pieceType PieceType, color float64, position Vec3, fallSpeed float64, createdBy string, now time.Time) *Piece {
	if fallSpeed <= 0 {
		fallSpeed = 1
	}
	return &Piece{
		ID:        id,
		Type:      pieceType,
		Color:     color,
		Position:  position,
		CreatedBy: createdBy,
		IsActive:  true,
		FallSpeed: fallSpeed,
		offsets:   OffsetsFor(pieceType),
		lastFall:  now,
	}
}

// Offsets returns a copy of the committed block offsets.
func (p *Piece) Offsets() []Vec3 {
	out := make([]Vec3, len(p.offsets))
	copy(out, p.offsets)
	return out
}

// Blocks returns the absolute world position of every committed block.
func (p *Piece) Blocks() []Block {
	out := make([]Block, len(p.offsets))
	for i, offset := range p.offsets {
		out[i] = Block{Position: p.Position.Add(offset)}
	}
	return out
}

// LowestBlockY returns the vertical position of the lowest block.
func (p *Piece) LowestBlockY() float64 {
	lowest := math.Inf(1)
	for _, offset := range p.offsets {
		if y := p.Position.Y + offset.Y; y < lowest {
			lowest = y
		}
	}
	return lowest
}

// Rotate requests a quarter turn. The rotation is rejected outright,
// leaving state untouched, when the piece is locked, inactive, already
// rotating, or any resulting block would exit the horizontal grid bounds.
// On acceptance the turn commits immediately and Advance animates the
// angular interpolation over subsequent ticks.
func (p *Piece) Rotate(clockwise bool) bool {
	if p.IsLocked || !p.IsActive || p.IsRotating {
		return false
	}
	rotated := rotateQuarter(p.offsets, clockwise)
	for _, offset := range rotated {
		if math.Abs(p.Position.X+offset.X) > HalfGrid {
			return false
		}
	}
	p.pendingOffsets = rotated
	p.IsRotating = true
	p.rotationRemaining = 90
	p.rotationDirection = 1
	if clockwise {
		p.rotationDirection = -1
	}
	return true
}

// Shift moves the base column, rejecting moves that exit the grid.
func (p *Piece) Shift(dx float64) bool {
	if p.IsLocked || !p.IsActive {
		return false
	}
	for _, offset := range p.offsets {
		if math.Abs(p.Position.X+dx+offset.X) > HalfGrid {
			return false
		}
	}
	p.Position.X += dx
	return true
}

// Advance runs one simulation tick. A pending rotation animates to
// completion before gravity resumes. Gravity applies one downward step per
// elapsed fall interval; a step that would push any block past the floor or
// into an occupied cell locks the piece in place instead. The blocked
// callback may be nil, in which case only the floor terminates descent.
// Returns true when this tick locked the piece.
func (p *Piece) Advance(now time.Time, blocked func(Vec3) bool) bool {
	if p.IsLocked || !p.IsActive {
		return false
	}

	if p.IsRotating {
		p.stepRotation()
		return false
	}

	interval := time.Duration(float64(time.Second) / p.FallSpeed)
	if now.Sub(p.lastFall) < interval {
		return false
	}
	p.lastFall = now

	nextBase := p.Position
	nextBase.Y -= 1
	for _, offset := range p.offsets {
		prospective := nextBase.Add(offset)
		if prospective.Y < FloorY {
			p.lock()
			return true
		}
		if blocked != nil && blocked(snapToCell(prospective)) {
			p.lock()
			return true
		}
	}

	p.Position = nextBase
	return false
}

func (p *Piece) stepRotation() {
	step := RotationStepDeg
	if step > p.rotationRemaining {
		step = p.rotationRemaining
	}
	p.CurrentRotation += p.rotationDirection * step
	p.rotationRemaining -= step
	if p.rotationRemaining > 1e-9 {
		return
	}
	// Bake the turn into the stored offsets so later rotations compose.
	p.offsets = p.pendingOffsets
	p.pendingOffsets = nil
	p.IsRotating = false
	p.CurrentRotation = math.Mod(p.CurrentRotation, 360)
}

// lock is the terminal transition: snap the base to the nearest cell and
// lift the piece so its lowest block rests exactly on the floor.
func (p *Piece) lock() {
	p.Position.X = math.Round(p.Position.X)
	p.Position.Y = math.Round(p.Position.Y)
	p.Position.Z = math.Round(p.Position.Z)
	if lowest := p.LowestBlockY(); lowest < FloorY {
		p.Position.Y += FloorY - lowest
	}
	p.IsLocked = true
	p.IsActive = false
	p.IsRotating = false
	p.pendingOffsets = nil
	p.rotationRemaining = 0
}

// RemoveBlocksAtRow strips every block whose rounded vertical position
// matches the given row. Returns the number of blocks removed. Only locked
// pieces participate in row completion.
func (p *Piece) RemoveBlocksAtRow(row float64) int {
	if !p.IsLocked {
		return 0
	}
	target := math.Round(row)
	kept := p.offsets[:0]
	removed := 0
	for _, offset := range p.offsets {
		if math.Round(p.Position.Y+offset.Y) == target {
			removed++
			continue
		}
		kept = append(kept, offset)
	}
	p.offsets = kept
	return removed
}

// ToRecord serializes the piece for the durable store.
func (p *Piece) ToRecord(now time.Time) ShapeRecord {
	return ShapeRecord{
		Type:            string(p.Type),
		Color:           p.Color,
		Position:        p.Position,
		IsLocked:        p.IsLocked,
		IsActive:        p.IsActive,
		IsRotating:      p.IsRotating,
		CurrentRotation: p.CurrentRotation,
		Blocks:          p.Blocks(),
		LastUpdate:      now.UnixMilli(),
		CreatedBy:       p.CreatedBy,
	}
}

// PieceFromRecord reconstructs a piece from a sanitized store record.
func PieceFromRecord(id string, record ShapeRecord, now time.Time) *Piece {
	record = record.Sanitize()
	piece := NewPiece(id, PieceType(record.Type), record.Color, record.Position, 1, record.CreatedBy, now)
	piece.IsActive = record.IsActive
	piece.CurrentRotation = record.CurrentRotation
	piece.applyBlocks(record.Blocks)
	if record.IsLocked {
		piece.IsLocked = true
		piece.IsActive = false
	}
	piece.lastApplied = record.LastUpdate
	return piece
}

// ApplyRecord folds a newer remote record into the local piece. Stale
// records (lastUpdate not newer than the last applied one) are ignored so
// reapplying a snapshot is idempotent. Locking is terminal: a record can
// lock a live piece but never revive a locked one; for locked pieces only
// the block list is updated, which is how row completion propagates.
func (p *Piece) ApplyRecord(record ShapeRecord) bool {
	record = record.Sanitize()
	if record.LastUpdate <= p.lastApplied {
		return false
	}
	p.lastApplied = record.LastUpdate

	if p.IsLocked {
		p.applyBlocks(record.Blocks)
		return true
	}

	p.Position = record.Position
	p.Color = record.Color
	p.CurrentRotation = record.CurrentRotation
	p.applyBlocks(record.Blocks)
	if record.IsLocked {
		p.IsLocked = true
		p.IsActive = false
		p.IsRotating = false
		p.pendingOffsets = nil
	} else {
		p.IsActive = record.IsActive
	}
	return true
}

func (p *Piece) applyBlocks(blocks []Block) {
	if blocks == nil {
		return
	}
	offsets := make([]Vec3, len(blocks))
	for i, block := range blocks {
		offsets[i] = Vec3{
			X: block.Position.X - p.Position.X,
			Y: block.Position.Y - p.Position.Y,
			Z: block.Position.Z - p.Position.Z,
		}
	}
	p.offsets = offsets
}

func rotateQuarter(offsets []Vec3, clockwise bool) []Vec3 {
	out := make([]Vec3, len(offsets))
	for i, offset := range offsets {
		if clockwise {
			out[i] = Vec3{X: offset.Y, Y: -offset.X, Z: offset.Z}
		} else {
			out[i] = Vec3{X: -offset.Y, Y: offset.X, Z: offset.Z}
		}
	}
	return out
}

func snapToCell(position Vec3) Vec3 {
	return Vec3{
		X: math.Round(position.X),
		Y: math.Round(position.Y),
		Z: math.Round(position.Z),
	}
}
