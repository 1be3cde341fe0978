package game

import (
	"math"
	"strings"
	"testing"
)

func TestSanitizeFloatCoercesBadValues(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		fallback float64
		min, max float64
		want     float64
	}{
		{name: "nan", value: math.NaN(), fallback: 1, min: 0, max: 10, want: 1},
		{name: "positive-inf", value: math.Inf(1), fallback: 2, min: 0, max: 10, want: 2},
		{name: "below-min", value: -5, fallback: 0, min: 0, max: 10, want: 0},
		{name: "above-max", value: 400, fallback: 0, min: 0, max: 360, want: 360},
		{name: "in-range", value: 7.5, fallback: 0, min: 0, max: 10, want: 7.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeFloat(tt.value, tt.fallback, tt.min, tt.max)
			if got != tt.want {
				t.Fatalf("SanitizeFloat = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSanitizePositionClampsVolume(t *testing.T) {
	got := SanitizePosition(Vec3{X: -500, Y: math.NaN(), Z: 101})
	if got.X != -100 || got.Y != 0 || got.Z != 100 {
		t.Fatalf("unexpected sanitized position %+v", got)
	}
}

func TestNewNicknameValidation(t *testing.T) {
	if _, err := NewNickname("   "); err == nil {
		t.Fatalf("expected empty nickname to be rejected")
	}
	if _, err := NewNickname(strings.Repeat("a", MaxNicknameLen+1)); err == nil {
		t.Fatalf("expected over-long nickname to be rejected")
	}
	name, err := NewNickname("  Blockhead  ")
	if err != nil {
		t.Fatalf("unexpected nickname error: %v", err)
	}
	if name.String() != "Blockhead" {
		t.Fatalf("nickname not trimmed: %q", name.String())
	}
}

func TestShapeRecordSanitize(t *testing.T) {
	record := ShapeRecord{
		Type:     "I",
		Color:    math.NaN(),
		Position: Vec3{X: 1000, Y: 30, Z: -1000},
		Blocks:   []Block{{Position: Vec3{Y: math.Inf(-1)}}},
	}
	got := record.Sanitize()
	if got.Color != 0 {
		t.Fatalf("NaN color not coerced: %v", got.Color)
	}
	if got.Position.X != 100 || got.Position.Y != 20 || got.Position.Z != -100 {
		t.Fatalf("position not clamped: %+v", got.Position)
	}
	if got.Blocks[0].Position.Y != 0 {
		t.Fatalf("infinite block position not coerced: %+v", got.Blocks[0].Position)
	}
}

func TestScoreRecordSanitizeFloorsAtZero(t *testing.T) {
	got := ScoreRecord{Nickname: strings.Repeat("x", 40), Score: -10}.Sanitize()
	if got.Score != 0 {
		t.Fatalf("negative score not floored: %d", got.Score)
	}
	if len(got.Nickname) != MaxNicknameLen {
		t.Fatalf("nickname not truncated: %d", len(got.Nickname))
	}
}
