package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeCfg(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "trawlcam.yaml")
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Acquisition.TriggerRateHz != 5 {
		t.Errorf("default trigger_rate, got %v", c.Acquisition.TriggerRateHz)
	}
	if c.Application.OutputMode != "separate" {
		t.Errorf("default output_mode, got %q", c.Application.OutputMode)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	p := writeCfg(t, `
application:
  output_mode: combined
acquisition:
  trigger_rate: 2
cameras:
  default:
    exposure_us: 8000
  cam-left:
    trigger_divider: 2
    hbinning: 2
`)
	c, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if c.Application.OutputMode != "combined" {
		t.Errorf("output_mode = %q", c.Application.OutputMode)
	}
	if c.Acquisition.TriggerRateHz != 2 {
		t.Errorf("trigger_rate = %v", c.Acquisition.TriggerRateHz)
	}
	// untouched default survives the merge
	if !c.Application.ShutDownOnExit {
		t.Error("shut_down_on_exit default lost in merge")
	}
	// holes in camera sections are filled from camera defaults
	if cam := c.Cameras["cam-left"]; cam.ExposureUs != 4000 || cam.TriggerDivider != 2 {
		t.Errorf("cam-left = %+v", cam)
	}
	if cam := c.Cameras["cam-left"]; cam.HBinning != 2 || cam.VBinning != 1 {
		t.Errorf("cam-left binning = %dx%d", cam.HBinning, cam.VBinning)
	}
	if cam := c.Cameras["default"]; cam.ExposureUs != 8000 || cam.Gain != 18 {
		t.Errorf("default cam = %+v", cam)
	}
}

func TestCameraForFallsBackToDefault(t *testing.T) {
	c := Default()
	c.Cameras = map[string]Camera{
		"default":  fillCamera(Camera{ExposureUs: 1000}),
		"cam-left": fillCamera(Camera{ExposureUs: 2000}),
	}
	if cam, ok := c.CameraFor("cam-left"); !ok || cam.ExposureUs != 2000 {
		t.Errorf("named lookup = %+v %v", cam, ok)
	}
	if cam, ok := c.CameraFor("cam-right"); !ok || cam.ExposureUs != 1000 {
		t.Errorf("default fallback = %+v %v", cam, ok)
	}
	delete(c.Cameras, "default")
	if _, ok := c.CameraFor("cam-right"); ok {
		t.Error("no section and no default should report not found")
	}
}

func TestTriggerInterval(t *testing.T) {
	c := Default()
	c.Acquisition.TriggerRateHz = 4
	if got := c.TriggerInterval(); got != 250*time.Millisecond {
		t.Errorf("interval = %v", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"zero rate", func(c *Config) { c.Acquisition.TriggerRateHz = 0 }},
		{"bad output mode", func(c *Config) { c.Application.OutputMode = "both" }},
		{"bad strobe channel", func(c *Config) { c.Controller.StrobeChannel = 4 }},
		{"zero divider", func(c *Config) {
			c.Cameras = map[string]Camera{"x": {TriggerDivider: 0, SaveStillDivider: 1, SaveVideoDivider: 1, ControllerPort: 1}}
		}},
		{"zero binning", func(c *Config) {
			cam := DefaultCamera()
			cam.HBinning = 0
			c.Cameras = map[string]Camera{"x": cam}
		}},
		{"hdr without bank", func(c *Config) {
			cam := DefaultCamera()
			cam.HDREnabled = true
			c.Cameras = map[string]Camera{"x": cam}
		}},
	}
	for _, tc := range cases {
		c := Default()
		tc.mut(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
