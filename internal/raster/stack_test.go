package raster

import (
	"errors"
	"testing"
)

func grid(originX, originY float64, w, h, bands int) Geometry {
	return Geometry{
		Projection: "EPSG:32617",
		Transform:  NorthUpTransform(originX, originY, 30, -30),
		Width:      w,
		Height:     h,
		Bands:      bands,
	}
}

func TestStackReadsSameGrid(t *testing.T) {
	ref := grid(0, 0, 3, 2, 1)
	ds := NewMemDataset(ref, 0)
	for i := range ds.Data[0] {
		ds.Data[0][i] = float64(i + 1)
	}
	op := NewMemOpener()
	op.Add("a", ds)

	s := OpenStack(op, ref, []string{"a"})
	defer s.Close()

	got, err := s.Read(0, 1, Window{XOff: 1, YOff: 0, Width: 2, Height: 2}, -1)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	want := []float64{2, 3, 5, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pixel %d: expected %g, got %g", i, want[i], got[i])
		}
	}
}

func TestStackTranslatesShiftedInput(t *testing.T) {
	ref := grid(0, 0, 4, 1, 1)
	// Input starts one pixel east of the reference and is two pixels wide.
	shifted := NewMemDataset(grid(30, 0, 2, 1, 1), 0)
	shifted.Data[0][0] = 10
	shifted.Data[0][1] = 20
	op := NewMemOpener()
	op.Add("shifted", shifted)

	s := OpenStack(op, ref, []string{"shifted"})
	got, err := s.Read(0, 1, ref.Extent(), -9999)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	want := []float64{-9999, 10, 20, -9999}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pixel %d: expected %g, got %g", i, want[i], got[i])
		}
	}
}

func TestStackOpenFailureBecomesReadError(t *testing.T) {
	ref := grid(0, 0, 2, 2, 1)
	op := NewMemOpener()
	op.Fail("broken", errors.New("corrupt header"))

	s := OpenStack(op, ref, []string{"broken"})
	_, err := s.Read(0, 1, ref.Extent(), 0)
	if !errors.Is(err, ErrRead) {
		t.Fatalf("expected ErrRead, got %v", err)
	}
	var re *ReadError
	if !errors.As(err, &re) || re.Path != "broken" {
		t.Fatalf("expected ReadError for broken, got %v", err)
	}
}

func TestStackReadOutsideInputExtentIsFill(t *testing.T) {
	ref := grid(0, 0, 4, 4, 1)
	small := NewMemDataset(grid(0, 0, 2, 2, 1), 5)
	op := NewMemOpener()
	op.Add("small", small)

	s := OpenStack(op, ref, []string{"small"})
	got, err := s.Read(0, 1, Window{XOff: 2, YOff: 2, Width: 2, Height: 2}, -1)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	for i, v := range got {
		if v != -1 {
			t.Fatalf("pixel %d: expected fill, got %g", i, v)
		}
	}
}
