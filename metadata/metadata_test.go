package metadata

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "meta.db3"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	s := openTemp(t)
	if n, err := s.NextImageNumber(); err != nil || n != 1 {
		t.Fatalf("fresh db next = %d, %v", n, err)
	}
}

func TestNextImageNumberTracksMax(t *testing.T) {
	s := openTemp(t)
	now := time.Now()
	if err := s.RecordImage(41, "cam-left", now, "img41", 4000, 18, false, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordImage(7, "cam-right", now, "img7", 4000, 18, false, ""); err != nil {
		t.Fatal(err)
	}
	if n, err := s.NextImageNumber(); err != nil || n != 42 {
		t.Fatalf("next = %d, %v", n, err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db3")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RecordImage(3, "cam", time.Now(), "img3", 1000, 0, false, ""); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if n, _ := s2.NextImageNumber(); n != 4 {
		t.Fatalf("after reopen next = %d", n)
	}
}

func TestOpenWithAlternates(t *testing.T) {
	dir := t.TempDir()
	// a directory where the primary file should be forces Open to fail
	primary := filepath.Join(dir, "meta.db3")
	if err := os.Mkdir(primary, 0755); err != nil {
		t.Fatal(err)
	}
	s, err := OpenWithAlternates(primary)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if want := filepath.Join(dir, "meta-1.db3"); s.Path() != want {
		t.Fatalf("path = %s, want %s", s.Path(), want)
	}
}

func TestNilStoreIsInert(t *testing.T) {
	var s *Store
	if err := s.RecordImage(1, "cam", time.Now(), "x", 0, 0, false, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordDropped(1, "cam", time.Now()); err != nil {
		t.Fatal(err)
	}
	if n, err := s.NextImageNumber(); err != nil || n != 1 {
		t.Fatalf("nil store next = %d, %v", n, err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestScanNextImageNumber(t *testing.T) {
	dir := t.TempDir()
	camDir := filepath.Join(dir, "cam-left")
	if err := os.Mkdir(camDir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		"000001_D20260828-T120000.000_cam-left.jpg",
		"000117_D20260828-T120030.000_cam-left.jpg",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(camDir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	if n, err := ScanNextImageNumber(dir); err != nil || n != 118 {
		t.Fatalf("scan = %d, %v", n, err)
	}
}

func TestScanNextImageNumberEmpty(t *testing.T) {
	if n, err := ScanNextImageNumber(filepath.Join(t.TempDir(), "missing")); err != nil || n != 1 {
		t.Fatalf("scan = %d, %v", n, err)
	}
}

func TestSensorRows(t *testing.T) {
	s := openTemp(t)
	now := time.Now()
	if err := s.RecordSyncSensor(5, now, "ctrl", "$OHPR", "1.0,2.0,3.0"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordAsyncSensor(now, "ctrl", "$CTCS", "24.1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StampDeployment(now); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertCamera("cam", "usb:1", "1", "left", "none", "1.0", "SS"); err != nil {
		t.Fatal(err)
	}
	// second upsert must not violate the primary key
	if err := s.UpsertCamera("cam", "usb:1", "1", "left", "cw180", "1.0", "SS"); err != nil {
		t.Fatal(err)
	}
}
