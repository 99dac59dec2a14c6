package imgwriter

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/afsc-mace/trawlcam/camera"
)

func testFrame() camera.Frame {
	ts := time.Date(2026, 8, 28, 14, 30, 5, 250*1e6, time.UTC)
	f := camera.Frame{Width: 16, Height: 8, ExposureUs: 4000, Gain: 18, Timestamp: ts,
		Pixels: make([]uint16, 16*8)}
	for i := range f.Pixels {
		f.Pixels[i] = uint16(i * 20)
	}
	return f
}

func TestBasename(t *testing.T) {
	f := testFrame()
	cases := []struct {
		stamp Stamp
		want  string
	}{
		{Stamp{Number: 42, Frame: f, Camera: "cam-left"},
			"000042_D20260828-T143005.250_cam-left"},
		{Stamp{Number: 1000000, Frame: f, Camera: "cam-left"},
			"001000000_D20260828-T143005.250_cam-left"},
		{Stamp{Number: 42, Frame: f, Camera: "cam-left", HDRIndex: 3},
			"000042_D20260828-T143005.250_cam-left_HDR-3-4000-18"},
		{Stamp{Number: 42, Frame: f, Camera: "cam-left", HDRIndex: -1},
			"000042_D20260828-T143005.250_cam-left_HDR-merged"},
	}
	for _, tc := range cases {
		if got := tc.stamp.Basename(); got != tc.want {
			t.Errorf("Basename() = %q, want %q", got, tc.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("jpeg") != JPEG || ParseFormat("jpg") != JPEG {
		t.Error("jpeg strings should map to JPEG")
	}
	if ParseFormat("fits") != FITS || ParseFormat("") != FITS {
		t.Error("everything else should map to FITS")
	}
}

func TestSaveJPEG(t *testing.T) {
	w := &Writer{Dir: t.TempDir(), Format: JPEG, Quality: 80}
	name, sum, err := w.Save(Stamp{Number: 7, Frame: testFrame(), Camera: "cam"})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(name) != ".jpg" {
		t.Errorf("name = %q", name)
	}
	if len(sum) != 32 {
		t.Errorf("md5 = %q", sum)
	}
	fi, err := os.Stat(filepath.Join(w.Dir, name))
	if err != nil || fi.Size() == 0 {
		t.Fatalf("stat: %v, size %d", err, fi.Size())
	}
}

func TestSaveFITS(t *testing.T) {
	w := &Writer{Dir: filepath.Join(t.TempDir(), "cam-left"), Format: FITS}
	name, _, err := w.Save(Stamp{Number: 8, Frame: testFrame(), Camera: "cam-left"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(w.Dir, name))
	if err != nil {
		t.Fatal(err)
	}
	if len(b) < 2880 || string(b[:6]) != "SIMPLE" {
		t.Fatalf("not a FITS file, %d bytes", len(b))
	}
}
