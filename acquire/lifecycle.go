/*Package acquire sequences the acquisition process: bring up storage and
cameras, run the trigger orchestrator, and tear everything down in order.

The lifecycle is one type; controller integration is optional.  Without a
controller the system software-triggers from startup; with one, triggering
is gated by the controller's reported state and shutdown-class states force
the platform to power down.
*/
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/afsc-mace/trawlcam/camera"
	"github.com/afsc-mace/trawlcam/config"
	"github.com/afsc-mace/trawlcam/controller"
	"github.com/afsc-mace/trawlcam/hdr"
	"github.com/afsc-mace/trawlcam/imgwriter"
	"github.com/afsc-mace/trawlcam/metadata"
	"github.com/afsc-mace/trawlcam/trigger"
)

// State is the lifecycle phase.
type State int

const (
	Starting State = iota
	CamerasConfiguring
	Ready
	Degraded
	Acquiring
	Stopping
	TearingDown
	Exited
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case CamerasConfiguring:
		return "configuring cameras"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Acquiring:
		return "acquiring"
	case Stopping:
		return "stopping"
	case TearingDown:
		return "tearing down"
	case Exited:
		return "exited"
	}
	return "unknown"
}

// ErrDegraded reports a startup with no usable cameras or disk.
var ErrDegraded = errors.New("acquire: degraded startup")

// Observer receives lifecycle and controller telemetry; the network server
// implements it.
type Observer interface {
	LifecycleState(s State)
	ControllerState(s controller.State)
	ParameterData(header string, values []float64)
}

type nopObserver struct{}

func (nopObserver) LifecycleState(State)             {}
func (nopObserver) ControllerState(controller.State) {}
func (nopObserver) ParameterData(string, []float64)  {}

type stopReason struct {
	msg      string
	powerOff bool
}

// Lifecycle owns process bring-up and teardown.
type Lifecycle struct {
	cfg config.Config
	sys camera.System

	// optional collaborators, set before Run
	Observer Observer
	Notify   trigger.Notifier
	Emit     trigger.Emitter

	// PowerOff cuts platform power; the default only logs.  Installed by
	// the daemon main on deployed systems.
	PowerOff func()

	// DegradedDelay is the operator-intervention window before a degraded
	// start powers the platform off.
	DegradedDelay time.Duration

	// Version lands in the deployment_data table.
	Version string

	// Controller overrides the serial dial with an already-running
	// device; nil means dial per the config.
	Controller *controller.Device

	ctrl      *controller.Device
	store     *metadata.Store
	cache     *trigger.SyncCache
	router    *SensorRouter
	orch      *trigger.Orchestrator
	drivers   []camera.Driver
	outputDir string
	lastCtrl  controller.State
	sawCtrl   bool

	mu    sync.Mutex
	state State
	stop  chan stopReason
}

// New builds a lifecycle over a camera system.
func New(cfg config.Config, sys camera.System) *Lifecycle {
	return &Lifecycle{
		cfg:           cfg,
		sys:           sys,
		cache:         trigger.NewSyncCache(),
		Observer:      nopObserver{},
		lastCtrl:      controller.State(-1),
		DegradedDelay: 5 * time.Minute,
		PowerOff: func() {
			log.Println("acquire: power-off requested, no hook installed")
		},
		stop: make(chan stopReason, 1),
	}
}

// CurrentState returns the lifecycle phase for telemetry.
func (l *Lifecycle) CurrentState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// OutputDir returns the deployment output directory; valid once Run has
// passed Starting.
func (l *Lifecycle) OutputDir() string { return l.outputDir }

// ControllerDevice returns the controller handle for remote commands, nil
// when running without one; valid once Run has connected.
func (l *Lifecycle) ControllerDevice() *controller.Device { return l.ctrl }

// Router exposes the sensor router so the network server can feed
// client-supplied sensor lines through the same path as controller lines.
func (l *Lifecycle) Router() *SensorRouter { return l.router }

func (l *Lifecycle) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	log.Printf("acquire: %v", s)
	l.Observer.LifecycleState(s)
}

// RequestStop asks the lifecycle to shut down; powerOff additionally cuts
// platform power after teardown.
func (l *Lifecycle) RequestStop(msg string, powerOff bool) {
	select {
	case l.stop <- stopReason{msg: msg, powerOff: powerOff}:
	default:
	}
}

// Run executes the whole lifecycle and blocks until Exited.
func (l *Lifecycle) Run(ctx context.Context) error {
	l.setState(Starting)
	if err := l.openOutputs(); err != nil {
		return err
	}

	if l.Controller != nil {
		l.ctrl = l.Controller
	} else if l.cfg.Controller.UseController {
		ctrl, err := controller.Dial(l.cfg.Controller.SerialPort, l.cfg.Controller.BaudRate)
		if err != nil {
			// a controller that cannot be reached at startup means the
			// platform cannot manage power; nothing safe to do but quit
			l.teardown()
			return fmt.Errorf("acquire: controller connect: %w", err)
		}
		l.ctrl = ctrl
	}
	l.router = NewSensorRouter(l.cfg.Sensors, l.cache, l.store)

	first := l.firstImageNumber()
	var recon *trigger.Reconciler
	if l.ctrl != nil {
		recon = trigger.NewReconciler(l.ctrl,
			l.cfg.Controller.StrobePreFireUs, l.cfg.Controller.StrobeChannel)
	}
	l.orch = trigger.New(trigger.Options{
		Interval:     l.cfg.TriggerInterval(),
		Limit:        l.cfg.Acquisition.TriggerLimit,
		FirstNumber:  first,
		CycleTimeout: time.Duration(l.cfg.Acquisition.CycleTimeoutMs) * time.Millisecond,
		StopTimeout:  time.Duration(l.cfg.Acquisition.StopTimeoutMs) * time.Millisecond,
		SyncWindow:   time.Duration(l.cfg.Sensors.SynchronousTimeout) * time.Second,
		StartPaused:  l.ctrl != nil && !l.cfg.Application.AlwaysTriggerAtStart,
	}, l.store, l.cache, recon, l.Notify)

	l.setState(CamerasConfiguring)
	cams := l.configureCameras()

	free, err := FreeMB(l.outputDir)
	if err != nil {
		log.Printf("acquire: disk probe: %v", err)
	}
	if cams == 0 || (err == nil && free < l.cfg.Disk.MinFreeMB) {
		return l.degraded(ctx, cams, free)
	}
	l.setState(Ready)

	bg, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	mon := &DiskMonitor{
		Path:      l.outputDir,
		MinFreeMB: l.cfg.Disk.MinFreeMB,
		Interval:  time.Duration(l.cfg.Disk.PollIntervalS) * time.Second,
		Low: func(freeMB int) {
			l.RequestStop(fmt.Sprintf("disk full (%d MB free)", freeMB), true)
		},
	}
	go mon.Run(bg)
	if l.ctrl != nil {
		go l.controllerLoop(bg)
	}

	l.setState(Acquiring)
	orchCtx, cancelOrch := context.WithCancel(context.Background())
	defer cancelOrch()
	orchDone := make(chan error, 1)
	go func() { orchDone <- l.orch.Run(orchCtx) }()

	// powerOff set by the forced paths (controller shutdown command, disk
	// exhaustion) cuts power regardless of shut_down_on_exit; only the
	// voluntary trigger-limit completion honors the config switch
	powerOff := false
	orchFinished := false
	var runErr error
	select {
	case runErr = <-orchDone:
		// trigger limit reached (or orchestrator failure)
		log.Println("acquire: acquisition finished")
		orchFinished = true
		powerOff = l.cfg.Application.ShutDownOnExit
	case <-ctx.Done():
		log.Println("acquire: interrupt")
	case r := <-l.stop:
		log.Printf("acquire: stopping: %s", r.msg)
		powerOff = r.powerOff
	}

	l.setState(Stopping)
	cancelBg()
	cancelOrch()
	if !orchFinished {
		select {
		case err := <-orchDone:
			if runErr == nil {
				runErr = err
			}
		case <-time.After(time.Duration(l.cfg.Acquisition.StopTimeoutMs)*time.Millisecond + 5*time.Second):
			log.Println("acquire: orchestrator did not stop in time")
		}
	}

	l.teardown()
	if powerOff {
		l.PowerOff()
	}
	l.setState(Exited)
	return runErr
}

// openOutputs resolves the deployment directory and opens the metadata
// store.  Persistence failures leave the store nil; acquisition continues
// without metadata rather than halting capture.
func (l *Lifecycle) openOutputs() error {
	combined := strings.ToLower(l.cfg.Application.OutputMode) == "combined"
	if combined {
		l.outputDir = l.cfg.Application.OutputPath
	} else {
		l.outputDir = filepath.Join(l.cfg.Application.OutputPath,
			time.Now().Format("D20060102-T150405"))
	}
	if err := os.MkdirAll(filepath.Join(l.outputDir, "images"), 0755); err != nil {
		return fmt.Errorf("acquire: output dir: %w", err)
	}

	dbPath := filepath.Join(l.outputDir, l.cfg.Application.DatabaseName)
	var (
		store *metadata.Store
		err   error
	)
	if combined {
		store, err = metadata.OpenWithAlternates(dbPath)
	} else {
		store, err = metadata.Open(dbPath)
	}
	if err != nil {
		log.Printf("acquire: metadata unavailable, continuing without persistence: %v", err)
		store = nil
	}
	l.store = store
	if _, err := l.store.StampDeployment(time.Now()); err != nil {
		log.Printf("acquire: %v", err)
	}
	if l.Version != "" {
		if err := l.store.SetDeploymentParameter("software_version", l.Version); err != nil {
			log.Printf("acquire: %v", err)
		}
	}
	return nil
}

func (l *Lifecycle) firstImageNumber() int {
	if l.store != nil {
		n, err := l.store.NextImageNumber()
		if err == nil {
			return n
		}
		log.Printf("acquire: %v", err)
	}
	n, err := metadata.ScanNextImageNumber(filepath.Join(l.outputDir, "images"))
	if err != nil {
		log.Printf("acquire: %v", err)
		return 1
	}
	return n
}

// configureCameras enumerates and configures cameras; a camera with no
// config section (and no default) is skipped.  Returns the worker count.
func (l *Lifecycle) configureCameras() int {
	drivers, err := l.sys.Discover()
	if err != nil {
		log.Printf("acquire: discovery: %v", err)
		return 0
	}
	n := 0
	for _, drv := range drivers {
		info := drv.Info()
		camCfg, ok := l.cfg.CameraFor(info.Name)
		if !ok {
			log.Printf("acquire: no configuration for %s, skipping", info.Name)
			drv.Close()
			continue
		}
		mode := camera.ParseTriggerMode(camCfg.TriggerSource)
		if mode == camera.Hardware && l.ctrl == nil {
			log.Printf("acquire: %s wants hardware triggering but no controller is configured, skipping", info.Name)
			drv.Close()
			continue
		}
		err := drv.Configure(camera.Settings{
			ExposureUs:  camCfg.ExposureUs,
			Gain:        camCfg.Gain,
			Binning:     camera.Binning{H: camCfg.HBinning, V: camCfg.VBinning},
			TriggerMode: mode,
			TriggerPort: camCfg.ControllerPort,
		})
		if err != nil {
			log.Printf("acquire: configuring %s: %v", info.Name, err)
			drv.Close()
			continue
		}
		if camCfg.HDREnabled {
			if err := setupHDR(drv, camCfg); err != nil {
				log.Printf("acquire: %s: %v; HDR disabled", info.Name, err)
				camCfg.HDREnabled = false
			}
		}
		if err := drv.Start(); err != nil {
			log.Printf("acquire: starting %s: %v", info.Name, err)
			drv.Close()
			continue
		}
		if err := l.store.UpsertCamera(info.Name, info.DeviceID, info.Serial,
			camCfg.Label, camCfg.Rotation, info.Model, ""); err != nil {
			log.Printf("acquire: %v", err)
		}

		writer := &imgwriter.Writer{
			Dir:     filepath.Join(l.outputDir, "images", info.Name),
			Format:  imgwriter.ParseFormat(camCfg.StillFormat),
			Quality: camCfg.JpegQuality,
		}
		fuser, err := hdr.NewFuser(camCfg.HDRMergeMethod)
		if err != nil {
			log.Printf("acquire: %s: %v", info.Name, err)
			fuser, _ = hdr.NewFuser("")
		}
		w := trigger.NewWorker(info.Name, drv, camCfg, writer, l.store, fuser, l.orch.Events())
		if l.Notify != nil {
			w.Notify = l.Notify
		}
		w.Emit = l.Emit
		l.orch.AddWorker(w)
		l.drivers = append(l.drivers, drv)
		n++
		log.Printf("acquire: %s configured (%v, divider %d, hdr %v)",
			info.Name, mode, camCfg.TriggerDivider, camCfg.HDREnabled)
	}
	return n
}

func setupHDR(drv camera.Driver, camCfg config.Camera) error {
	seq, ok := drv.(camera.HDRSequencer)
	if !ok {
		return errors.New("camera does not support HDR sequencing")
	}
	exps := make([]int, len(camCfg.HDRExposures))
	gains := make([]float64, len(camCfg.HDRExposures))
	for i, e := range camCfg.HDRExposures {
		exps[i] = e.ExposureUs
		gains[i] = e.Gain
	}
	if err := seq.SetHDRBank(exps, gains); err != nil {
		return err
	}
	return seq.EnableHDR(true)
}

// degraded handles a start with nothing to acquire.  With a controller and
// shut-down-on-exit, an operator window passes before the platform powers
// itself off; otherwise the process just exits.
func (l *Lifecycle) degraded(ctx context.Context, cams, freeMB int) error {
	l.setState(Degraded)
	log.Printf("acquire: degraded start: %d cameras, %d MB free", cams, freeMB)
	powerOff := false
	if l.ctrl != nil && l.cfg.Application.ShutDownOnExit {
		log.Printf("acquire: powering off in %v unless interrupted", l.DegradedDelay)
		powerOff = l.degradedWait(ctx)
	}
	l.teardown()
	if powerOff {
		l.PowerOff()
	}
	l.setState(Exited)
	return ErrDegraded
}

// degradedWait holds the operator window open while still servicing the
// controller link, so a shutdown-class state report ends the window with an
// ack instead of sitting unanswered until the deadline.  Reports true when
// the platform should power off.
func (l *Lifecycle) degradedWait(ctx context.Context) bool {
	deadline := time.NewTimer(l.DegradedDelay)
	defer deadline.Stop()
	for {
		select {
		case <-deadline.C:
			if err := l.ctrl.SendShutdown(); err != nil {
				log.Printf("acquire: %v", err)
			}
			return true
		case <-ctx.Done():
			return false
		case ev, ok := <-l.ctrl.Events():
			if !ok {
				log.Println("acquire: controller connection lost, continuing without it")
				return false
			}
			switch e := ev.(type) {
			case controller.StateReport:
				l.Observer.ControllerState(e.State)
				if e.State.Shutdown() {
					log.Printf("acquire: controller %v during degraded wait", e.State)
					if err := l.ctrl.SendShutdownAck(); err != nil {
						log.Printf("acquire: %v", err)
					}
					return true
				}
			case controller.SensorReading:
				l.router.Route("CTControl", e.Header, e.Data, e.Time)
			case controller.ParameterReport:
				l.Observer.ParameterData(e.Header, e.Values)
			}
		}
	}
}

// controllerLoop consumes controller events for the life of the process.
// A dropped connection after the handshake is logged, not fatal.
func (l *Lifecycle) controllerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-l.ctrl.Events():
			if !ok {
				log.Println("acquire: controller connection lost, continuing without it")
				return
			}
			switch e := ev.(type) {
			case controller.StateReport:
				l.handleControllerState(e.State)
			case controller.SensorReading:
				l.router.Route("CTControl", e.Header, e.Data, e.Time)
			case controller.ParameterReport:
				l.Observer.ParameterData(e.Header, e.Values)
			}
		}
	}
}

func (l *Lifecycle) handleControllerState(s controller.State) {
	l.Observer.ControllerState(s)
	if !l.sawCtrl {
		// first report is the connection handshake; the device layer has
		// acknowledged it, so just ask for a fresh report to act on
		l.sawCtrl = true
		if s.Shutdown() {
			l.ackAndStop(s)
			return
		}
		if err := l.ctrl.RequestState(); err != nil {
			log.Printf("acquire: %v", err)
		}
		return
	}
	if s == l.lastCtrl {
		return
	}
	l.lastCtrl = s
	switch {
	case s.Shutdown():
		l.ackAndStop(s)
	case s == controller.ForcedOn && !l.cfg.Application.AlwaysTriggerAtStart:
		// deck maintenance/download mode
		log.Println("acquire: controller forced on, holding triggers")
		l.orch.Pause()
	case s.Acquiring():
		log.Printf("acquire: controller %v, triggering", s)
		l.orch.Resume()
	default:
		log.Printf("acquire: controller %v, pausing", s)
		l.orch.Pause()
	}
}

func (l *Lifecycle) ackAndStop(s controller.State) {
	if err := l.ctrl.SendShutdownAck(); err != nil {
		log.Printf("acquire: %v", err)
	}
	l.RequestStop("controller state "+s.String(), true)
}

// teardown releases everything in dependency order: persistence first (all
// writers are stopped by now), then the controller link, then the camera
// handles and the SDK.
func (l *Lifecycle) teardown() {
	l.setState(TearingDown)
	if err := l.store.Close(); err != nil {
		log.Printf("acquire: closing metadata: %v", err)
	}
	if l.ctrl != nil {
		if err := l.ctrl.Close(); err != nil {
			log.Printf("acquire: closing controller: %v", err)
		}
	}
	for _, d := range l.drivers {
		if err := d.Close(); err != nil {
			log.Printf("acquire: closing camera: %v", err)
		}
	}
	if err := l.sys.Release(); err != nil {
		log.Printf("acquire: releasing camera system: %v", err)
	}
}
