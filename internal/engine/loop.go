// Package engine drives the frame loop: sample input, apply it to the
// shared world, advance the local simulation.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/stackfall/stackfall/internal/game"
)

// Frame is one tick's worth of sampled input.
type Frame struct {
	MoveX        float64
	Rotate       bool
	Fire         bool
	FireVelocity game.Vec3
	Position     game.Vec3
	Rotation     game.Vec3
	Moved        bool
}

// Input samples player intent once per frame. Headless clients plug in a
// scripted or idle implementation.
type Input interface {
	Sample(now time.Time) Frame
}

// Idle is an input source that never does anything.
type Idle struct{}

func (Idle) Sample(time.Time) Frame { return Frame{} }

// World is the slice of the sync coordinator the loop drives each frame.
type World interface {
	Advance(now time.Time)
	ShiftPiece(dx float64) bool
	RotatePiece() bool
	Fire(velocity game.Vec3)
	BroadcastPosition(position, rotation game.Vec3)
}

var (
	errMissingWorld = errors.New("engine: world dependency required")
	errMissingInput = errors.New("engine: input dependency required")
)

// Loop ties an input source to the world at a fixed tick rate.
type Loop struct {
	world World
	input Input
}

// NewLoop validates dependencies and builds a loop.
func NewLoop(world World, input Input) (*Loop, error) {
	if world == nil {
		return nil, errMissingWorld
	}
	if input == nil {
		return nil, errMissingInput
	}
	return &Loop{world: world, input: input}, nil
}

// Tick runs one frame: apply sampled intent, then advance the simulation.
func (l *Loop) Tick(now time.Time) {
	frame := l.input.Sample(now)
	if frame.MoveX != 0 {
		l.world.ShiftPiece(frame.MoveX)
	}
	if frame.Rotate {
		l.world.RotatePiece()
	}
	if frame.Fire {
		l.world.Fire(frame.FireVelocity)
	}
	if frame.Moved {
		l.world.BroadcastPosition(frame.Position, frame.Rotation)
	}
	l.world.Advance(now)
}

// Run ticks at the given rate until the context is cancelled.
func (l *Loop) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second / 30
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			l.Tick(now)
		}
	}
}
