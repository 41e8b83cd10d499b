package core

import (
	"errors"
	"testing"
)

func TestComputeTileGeometry(t *testing.T) {
	tests := []struct {
		shape Shape
		want  TileGeometry
	}{
		{Shape{1, 1, 32, 32}, TileGeometry{32, 32, 1, 1, 1, 1}},
		{Shape{2, 3, 64, 96}, TileGeometry{32, 32, 3, 2, 6, 36}},
		{Shape{1, 4, 128, 32}, TileGeometry{32, 32, 1, 4, 4, 16}},
	}
	for _, tt := range tests {
		got, err := ComputeTileGeometry(tt.shape)
		if err != nil {
			t.Fatalf("ComputeTileGeometry(%v) failed: %v", tt.shape, err)
		}
		if got != tt.want {
			t.Errorf("ComputeTileGeometry(%v) = %+v, want %+v", tt.shape, got, tt.want)
		}
		if got.HtWt() != got.Ht*got.Wt {
			t.Errorf("HtWt() = %d, want %d", got.HtWt(), got.Ht*got.Wt)
		}
	}
}

func TestComputeTileGeometryRejectsUnaligned(t *testing.T) {
	for _, shape := range []Shape{
		{1, 1, 17, 32},
		{1, 1, 32, 33},
		{1, 32, 32},
		{1, 0, 32, 32},
	} {
		_, err := ComputeTileGeometry(shape)
		if !errors.Is(err, ErrShape) {
			t.Errorf("ComputeTileGeometry(%v) error = %v, want ErrShape", shape, err)
		}
	}
}

func TestShapeDims4(t *testing.T) {
	n, c, h, w, err := Shape{2, 3, 4, 5}.Dims4()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || c != 3 || h != 4 || w != 5 {
		t.Errorf("Dims4() = %d,%d,%d,%d", n, c, h, w)
	}
	if got := (Shape{2, 3, 4, 5}).NumElements(); got != 120 {
		t.Errorf("NumElements() = %d, want 120", got)
	}
}
