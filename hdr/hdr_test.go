package hdr

import (
	"errors"
	"testing"

	"github.com/afsc-mace/trawlcam/camera"
)

func flat(w, h int, v uint16, expUs int) camera.Frame {
	f := camera.Frame{Width: w, Height: h, ExposureUs: expUs, Pixels: make([]uint16, w*h)}
	for i := range f.Pixels {
		f.Pixels[i] = v
	}
	return f
}

func TestNewFuser(t *testing.T) {
	if _, err := NewFuser("weighted"); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFuser(""); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFuser("exotic"); err == nil {
		t.Fatal("unknown method should error")
	}
}

func TestFuseRejectsIncompleteBank(t *testing.T) {
	w := &Weighted{}
	_, err := w.Fuse([]camera.Frame{flat(4, 4, 100, 1000)})
	if !errors.Is(err, ErrIncompleteBank) {
		t.Fatalf("err = %v", err)
	}
}

func TestFuseRejectsMismatchedDims(t *testing.T) {
	w := &Weighted{}
	bank := []camera.Frame{
		flat(4, 4, 100, 1000), flat(4, 4, 100, 2000),
		flat(8, 4, 100, 3000), flat(4, 4, 100, 4000),
	}
	if _, err := w.Fuse(bank); err == nil {
		t.Fatal("mismatched dims should error")
	}
}

func TestFuseConsistentRadiance(t *testing.T) {
	// the same scene shot at 1x, 2x, 4x, 8x exposure should fuse back to
	// roughly the longest exposure's pixel value
	w := &Weighted{}
	bank := []camera.Frame{
		flat(4, 4, 250, 1000),
		flat(4, 4, 500, 2000),
		flat(4, 4, 1000, 4000),
		flat(4, 4, 2000, 8000),
	}
	out, err := w.Fuse(bank)
	if err != nil {
		t.Fatal(err)
	}
	if out.ExposureUs != 8000 {
		t.Errorf("merged frame should carry longest exposure, got %d", out.ExposureUs)
	}
	for i, p := range out.Pixels {
		if p < 1900 || p > 2100 {
			t.Fatalf("pixel %d = %d, want near 2000", i, p)
		}
	}
}

func TestFuseClampsToSaturation(t *testing.T) {
	w := &Weighted{}
	bank := []camera.Frame{
		flat(2, 2, 4095, 1000),
		flat(2, 2, 4095, 2000),
		flat(2, 2, 4095, 4000),
		flat(2, 2, 4095, 8000),
	}
	out, err := w.Fuse(bank)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range out.Pixels {
		if p > 4095 {
			t.Fatalf("pixel %d exceeds full scale", p)
		}
	}
}
