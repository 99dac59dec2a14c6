/*Package config holds the typed configuration for the acquisition daemon.

Defaults are loaded from a struct, then the YAML file is merged over them in
a single pass at startup, then the result is validated before any hardware
is touched.  Per-camera sections live under cameras:, keyed by camera name,
with an optional "default" entry applied to cameras that have no section of
their own.
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
)

// HDRExposure is one sub-exposure of the 4-step HDR bank.
type HDRExposure struct {
	ExposureUs int     `koanf:"exposure_us" yaml:"exposure_us"`
	Gain       float64 `koanf:"gain" yaml:"gain"`
	Emit       bool    `koanf:"emit" yaml:"emit"`
	Save       bool    `koanf:"save" yaml:"save"`
}

// Camera is the per-camera configuration section.
type Camera struct {
	Label              string        `koanf:"label" yaml:"label"`
	ExposureUs         int           `koanf:"exposure_us" yaml:"exposure_us"`
	Gain               float64       `koanf:"gain" yaml:"gain"`
	HBinning           int           `koanf:"hbinning" yaml:"hbinning"`
	VBinning           int           `koanf:"vbinning" yaml:"vbinning"`
	Rotation           string        `koanf:"rotation" yaml:"rotation"`
	TriggerSource      string        `koanf:"trigger_source" yaml:"trigger_source"`
	TriggerDivider     int           `koanf:"trigger_divider" yaml:"trigger_divider"`
	SaveStillDivider   int           `koanf:"save_still_divider" yaml:"save_still_divider"`
	SaveVideoDivider   int           `koanf:"save_video_divider" yaml:"save_video_divider"`
	ControllerPort     int           `koanf:"controller_trigger_port" yaml:"controller_trigger_port"`
	SaveStills         bool          `koanf:"save_stills" yaml:"save_stills"`
	SaveVideo          bool          `koanf:"save_video" yaml:"save_video"`
	StillFormat        string        `koanf:"still_format" yaml:"still_format"`
	JpegQuality        int           `koanf:"jpeg_quality" yaml:"jpeg_quality"`
	HDREnabled         bool          `koanf:"hdr_enabled" yaml:"hdr_enabled"`
	HDRSaveMerged      bool          `koanf:"hdr_save_merged" yaml:"hdr_save_merged"`
	HDREmitMerged      bool          `koanf:"hdr_emit_merged" yaml:"hdr_emit_merged"`
	HDRMergeMethod     string        `koanf:"hdr_merge_method" yaml:"hdr_merge_method"`
	HDRExposures       []HDRExposure `koanf:"hdr_exposures" yaml:"hdr_exposures"`
}

// Application is the top-level application section.
type Application struct {
	// CameraSystem names the registered camera.System to open; SDK
	// bindings register under their own names, "mock" is built in.
	CameraSystem         string `koanf:"camera_system" yaml:"camera_system"`
	OutputMode           string `koanf:"output_mode" yaml:"output_mode"`
	OutputPath           string `koanf:"output_path" yaml:"output_path"`
	DatabaseName         string `koanf:"database_name" yaml:"database_name"`
	ShutDownOnExit       bool   `koanf:"shut_down_on_exit" yaml:"shut_down_on_exit"`
	AlwaysTriggerAtStart bool   `koanf:"always_trigger_at_start" yaml:"always_trigger_at_start"`
}

// Controller is the power/depth controller section.
type Controller struct {
	UseController   bool   `koanf:"use_controller" yaml:"use_controller"`
	SerialPort      string `koanf:"serial_port" yaml:"serial_port"`
	BaudRate        int    `koanf:"baud_rate" yaml:"baud_rate"`
	StrobePreFireUs int    `koanf:"strobe_pre_fire" yaml:"strobe_pre_fire"`
	StrobeChannel   int    `koanf:"strobe_channel" yaml:"strobe_channel"`
}

// Acquisition is the trigger loop section.
type Acquisition struct {
	TriggerRateHz  float64 `koanf:"trigger_rate" yaml:"trigger_rate"`
	TriggerLimit   int     `koanf:"trigger_limit" yaml:"trigger_limit"`
	CycleTimeoutMs int     `koanf:"cycle_timeout_ms" yaml:"cycle_timeout_ms"`
	StopTimeoutMs  int     `koanf:"stop_timeout_ms" yaml:"stop_timeout_ms"`
}

// Server is the telemetry/control server section.
type Server struct {
	StartServer bool   `koanf:"start_server" yaml:"start_server"`
	Interface   string `koanf:"server_interface" yaml:"server_interface"`
	Port        int    `koanf:"server_port" yaml:"server_port"`
}

// Sensors classifies sensor datagrams by header.
type Sensors struct {
	DefaultType        string   `koanf:"default_type" yaml:"default_type"`
	Synchronous        []string `koanf:"synchronous" yaml:"synchronous"`
	Asynchronous       []string `koanf:"asynchronous" yaml:"asynchronous"`
	SynchronousTimeout int      `koanf:"synchronous_timeout" yaml:"synchronous_timeout"`
}

// Disk configures the free-space monitor.
type Disk struct {
	MinFreeMB      int `koanf:"min_free_mb" yaml:"min_free_mb"`
	PollIntervalS  int `koanf:"poll_interval_s" yaml:"poll_interval_s"`
}

// Config is the whole configuration file.
type Config struct {
	Application Application       `koanf:"application" yaml:"application"`
	Controller  Controller        `koanf:"controller" yaml:"controller"`
	Acquisition Acquisition       `koanf:"acquisition" yaml:"acquisition"`
	Server      Server            `koanf:"server" yaml:"server"`
	Sensors     Sensors           `koanf:"sensors" yaml:"sensors"`
	Disk        Disk              `koanf:"disk" yaml:"disk"`
	Cameras     map[string]Camera `koanf:"cameras" yaml:"cameras"`
}

// Default returns the configuration used when the file provides nothing.
func Default() Config {
	return Config{
		Application: Application{
			CameraSystem:   "mock",
			OutputMode:     "separate",
			OutputPath:     "./data",
			DatabaseName:   "TrawlcamMetadata.db3",
			ShutDownOnExit: true,
		},
		Controller: Controller{
			SerialPort:      "/dev/ttyS0",
			BaudRate:        57600,
			StrobePreFireUs: 150,
			StrobeChannel:   3,
		},
		Acquisition: Acquisition{
			TriggerRateHz:  5,
			TriggerLimit:   -1,
			CycleTimeoutMs: 10000,
			StopTimeoutMs:  10000,
		},
		Server: Server{
			StartServer: true,
			Interface:   "0.0.0.0",
			Port:        7889,
		},
		Sensors: Sensors{
			DefaultType:        "synchronous",
			Synchronous:        []string{"$OHPR"},
			Asynchronous:       []string{"$CTCS", "$SBCS", "$IMUC", "$CTSV"},
			SynchronousTimeout: 5,
		},
		Disk: Disk{
			MinFreeMB:     512,
			PollIntervalS: 30,
		},
		Cameras: map[string]Camera{},
	}
}

// DefaultCamera returns the camera settings used when a camera's section
// omits a value.
func DefaultCamera() Camera {
	return Camera{
		Label:            "Camera",
		ExposureUs:       4000,
		Gain:             18,
		HBinning:         1,
		VBinning:         1,
		Rotation:         "none",
		TriggerSource:    "software",
		TriggerDivider:   1,
		SaveStillDivider: 1,
		SaveVideoDivider: 1,
		ControllerPort:   1,
		SaveStills:       true,
		StillFormat:      "fits",
		JpegQuality:      90,
		HDRMergeMethod:   "weighted",
	}
}

// Load reads path over the defaults.  A missing file is not an error; the
// defaults are returned as-is.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") {
			return Config{}, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	// per-camera sections only carry overrides in the file; fill the holes
	// from the camera defaults
	for name, cam := range c.Cameras {
		c.Cameras[name] = fillCamera(cam)
	}
	return c, nil
}

func fillCamera(c Camera) Camera {
	d := DefaultCamera()
	if c.Label == "" {
		c.Label = d.Label
	}
	if c.ExposureUs == 0 {
		c.ExposureUs = d.ExposureUs
	}
	if c.Gain == 0 {
		c.Gain = d.Gain
	}
	if c.HBinning == 0 {
		c.HBinning = d.HBinning
	}
	if c.VBinning == 0 {
		c.VBinning = d.VBinning
	}
	if c.Rotation == "" {
		c.Rotation = d.Rotation
	}
	if c.TriggerSource == "" {
		c.TriggerSource = d.TriggerSource
	}
	if c.TriggerDivider == 0 {
		c.TriggerDivider = d.TriggerDivider
	}
	if c.SaveStillDivider == 0 {
		c.SaveStillDivider = d.SaveStillDivider
	}
	if c.SaveVideoDivider == 0 {
		c.SaveVideoDivider = d.SaveVideoDivider
	}
	if c.ControllerPort == 0 {
		c.ControllerPort = d.ControllerPort
	}
	if c.StillFormat == "" {
		c.StillFormat = d.StillFormat
	}
	if c.JpegQuality == 0 {
		c.JpegQuality = d.JpegQuality
	}
	if c.HDRMergeMethod == "" {
		c.HDRMergeMethod = d.HDRMergeMethod
	}
	return c
}

// CameraFor resolves the section for a camera by name: a named entry wins,
// then "default", then nothing (the camera is skipped).
func (c Config) CameraFor(name string) (Camera, bool) {
	if cam, ok := c.Cameras[name]; ok {
		return cam, true
	}
	if cam, ok := c.Cameras["default"]; ok {
		return cam, true
	}
	return Camera{}, false
}

// TriggerInterval converts the configured rate to a cycle interval.
func (c Config) TriggerInterval() time.Duration {
	if c.Acquisition.TriggerRateHz <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / c.Acquisition.TriggerRateHz)
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	if c.Acquisition.TriggerRateHz <= 0 {
		return fmt.Errorf("config: trigger_rate must be > 0, got %v", c.Acquisition.TriggerRateHz)
	}
	om := strings.ToLower(c.Application.OutputMode)
	if om != "separate" && om != "combined" {
		return fmt.Errorf("config: output_mode must be separate or combined, got %q", c.Application.OutputMode)
	}
	if sc := c.Controller.StrobeChannel; sc < 1 || sc > 3 {
		return fmt.Errorf("config: strobe_channel must be 1, 2, or 3 (both), got %d", sc)
	}
	for name, cam := range c.Cameras {
		if cam.TriggerDivider < 1 {
			return fmt.Errorf("config: camera %s: trigger_divider must be >= 1", name)
		}
		if cam.SaveStillDivider < 1 || cam.SaveVideoDivider < 1 {
			return fmt.Errorf("config: camera %s: save dividers must be >= 1", name)
		}
		if cam.HBinning < 1 || cam.VBinning < 1 {
			return fmt.Errorf("config: camera %s: binning must be >= 1", name)
		}
		if cam.HDREnabled && len(cam.HDRExposures) != 4 {
			return fmt.Errorf("config: camera %s: hdr_enabled requires exactly 4 hdr_exposures, got %d",
				name, len(cam.HDRExposures))
		}
		if p := cam.ControllerPort; p != 1 && p != 2 {
			return fmt.Errorf("config: camera %s: controller_trigger_port must be 1 or 2, got %d", name, p)
		}
	}
	return nil
}
