package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/theckman/yacspin"
	yml "gopkg.in/yaml.v2"

	"github.com/afsc-mace/trawlcam/acquire"
	"github.com/afsc-mace/trawlcam/camera"
	"github.com/afsc-mace/trawlcam/config"
	"github.com/afsc-mace/trawlcam/controller"
	"github.com/afsc-mace/trawlcam/server"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "2.0"

	// ConfigFileName is what it sounds like
	ConfigFileName = "trawlcam.yml"
)

func root() {
	str := `trawlcamd runs a multi-camera underwater acquisition deployment: it
triggers the cameras on a common clock, writes stills and metadata to the
deployment directory, and serves telemetry over HTTP/WebSocket.

Usage:
	trawlcamd <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `trawlcamd is configured via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Run mkconf to write a starting configuration with one "default" camera
section; a camera with no section of its own uses "default", and a camera
with neither is skipped.

Hardware-triggered cameras (trigger_source: hardware) need the controller
board enabled (controller: use_controller: true) so the trigger pulses and
strobes have somewhere to come from; without a controller the daemon
software-triggers from startup.

Camera SDK bindings register themselves by name; application:
camera_system selects one.  "mock" is built in and needs no hardware.`
	fmt.Println(str)
}

func loadconf() config.Config {
	cfg, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	return cfg
}

func mkconf() {
	cfg := config.Default()
	cfg.Cameras["default"] = config.DefaultCamera()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := yml.NewEncoder(f).Encode(cfg); err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	if err := yml.NewEncoder(os.Stdout).Encode(loadconf()); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("trawlcamd version %v\n", Version)
}

// spinObserver shows a spinner from process start until the cameras are up,
// then hands every notification to the real observer.
type spinObserver struct {
	next acquire.Observer
	spin *yacspin.Spinner
	once sync.Once
}

func (o *spinObserver) LifecycleState(s acquire.State) {
	switch s {
	case acquire.Ready, acquire.Acquiring:
		o.once.Do(func() { o.spin.Stop() })
	case acquire.Degraded:
		o.once.Do(func() { o.spin.StopFail() })
	}
	o.next.LifecycleState(s)
}

func (o *spinObserver) ControllerState(s controller.State) { o.next.ControllerState(s) }

func (o *spinObserver) ParameterData(h string, v []float64) { o.next.ParameterData(h, v) }

func run() {
	cfg := loadconf()
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	sys, err := camera.NewSystem(cfg.Application.CameraSystem)
	if err != nil {
		log.Fatal(err)
	}

	life := acquire.New(cfg, sys)
	life.Version = Version
	life.PowerOff = func() {
		if err := exec.Command("shutdown", "-h", "now").Run(); err != nil {
			log.Printf("power off failed: %v", err)
		}
	}

	ctx, stopSig := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSig()

	srv := server.New(cfg.Server, life)
	if cfg.Server.StartServer {
		life.Notify = srv
		life.Emit = srv
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				log.Printf("server: %v", err)
			}
		}()
	}

	spin, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " bringing up cameras",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	spin.Start()
	obs := &spinObserver{spin: spin}
	if cfg.Server.StartServer {
		obs.next = srv
	} else {
		obs.next = nopObserver{}
	}
	life.Observer = obs

	if err := life.Run(ctx); err != nil {
		log.Fatal(err)
	}
}

type nopObserver struct{}

func (nopObserver) LifecycleState(acquire.State)     {}
func (nopObserver) ControllerState(controller.State) {}
func (nopObserver) ParameterData(string, []float64)  {}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	switch strings.ToLower(args[1]) {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
