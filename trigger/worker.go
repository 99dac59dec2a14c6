package trigger

import (
	"context"
	"log"
	"time"

	"github.com/afsc-mace/trawlcam/camera"
	"github.com/afsc-mace/trawlcam/config"
	"github.com/afsc-mace/trawlcam/hdr"
	"github.com/afsc-mace/trawlcam/imgwriter"
	"github.com/afsc-mace/trawlcam/metadata"
)

const (
	// softTriggerSettle lets register writes land before a software
	// trigger is issued
	softTriggerSettle = 5 * time.Millisecond

	// hdrSettle is the extra wait between HDR sub-exposures while the
	// sequencer advances its register bank
	hdrSettle = 25 * time.Millisecond

	// captureSlack pads the capture wait beyond the exposure itself
	captureSlack = 2 * time.Second
)

// Event is a message from a worker (or timer) to the orchestrator.
type Event interface{ isTriggerEvent() }

// Ready is a hardware camera's per-sub-exposure readiness report.  A zero
// ExposureUs means the camera is skipping this cycle.
type Ready struct {
	Camera      string
	Number      int
	ExposureUs  int
	HDRFollowOn bool
}

// Done reports that a worker exhausted its sub-exposures for the cycle.
type Done struct {
	Camera       string
	Number       int
	Participated bool
	Captured     int
	Dropped      int
	Merged       bool
	Err          error
}

// Stopped reports that a worker has stopped its camera and exited.
type Stopped struct {
	Camera string
}

func (Ready) isTriggerEvent()   {}
func (Done) isTriggerEvent()    {}
func (Stopped) isTriggerEvent() {}

// Cycle is the per-trigger command broadcast to every worker.
type Cycle struct {
	// Number is the global image number for this cycle
	Number int

	// Counter is the global trigger counter; dividers key off it
	Counter int

	// Stamp is the trigger wall-clock time
	Stamp time.Time
}

// Emitter receives frames bound for live preview.
type Emitter interface {
	EmitFrame(cameraName string, number int, f camera.Frame, merged bool)
}

// VideoSink receives frames bound for video encoding.
type VideoSink interface {
	WriteFrame(cameraName string, f camera.Frame) error
}

// Notifier receives acquisition progress events for downstream consumers.
type Notifier interface {
	ImageCaptured(number int, cameraName, file string)
	ImageDropped(number int, cameraName string)
	CycleComplete(number int)
}

type nopNotifier struct{}

func (nopNotifier) ImageCaptured(int, string, string) {}
func (nopNotifier) ImageDropped(int, string)          {}
func (nopNotifier) CycleComplete(int)                 {}

// Worker drives one camera.  It consumes cycle commands on its own
// goroutine, walks the camera through its sub-exposures, writes stills, and
// reports results back to the orchestrator as events.  Workers never touch
// orchestrator state.
type Worker struct {
	name   string
	drv    camera.Driver
	cfg    config.Camera
	writer *imgwriter.Writer
	store  *metadata.Store
	fuser  hdr.Fuser
	events chan<- Event
	cycles chan Cycle

	ctx    context.Context
	cancel context.CancelFunc

	// optional sinks, nil when unused
	Emit   Emitter
	Video  VideoSink
	Notify Notifier
}

// NewWorker wires a worker for one configured camera.  events is the
// orchestrator's event channel.
func NewWorker(name string, drv camera.Driver, cfg config.Camera, writer *imgwriter.Writer,
	store *metadata.Store, fuser hdr.Fuser, events chan<- Event) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		name:   name,
		drv:    drv,
		cfg:    cfg,
		writer: writer,
		store:  store,
		fuser:  fuser,
		events: events,
		cycles: make(chan Cycle, 1),
		ctx:    ctx,
		cancel: cancel,
		Notify: nopNotifier{},
	}
}

// Name returns the camera name the worker drives.
func (w *Worker) Name() string { return w.name }

// Hardware reports whether the camera is hardware triggered.
func (w *Worker) Hardware() bool {
	return camera.ParseTriggerMode(w.cfg.TriggerSource) == camera.Hardware
}

// Port returns the configured controller trigger port.
func (w *Worker) Port() int { return w.cfg.ControllerPort }

// Start launches the worker goroutine.
func (w *Worker) Start() {
	go w.run()
}

// Stop asks the worker to stop its camera and exit; a Stopped event follows.
func (w *Worker) Stop() {
	w.cancel()
}

// Trigger hands the worker a cycle command.  The orchestrator never opens a
// new cycle before the previous one completed, so the buffer only fills if
// the worker is wedged; in that case the command is discarded and the cycle
// watchdog deals with the camera.
func (w *Worker) Trigger(c Cycle) {
	select {
	case w.cycles <- c:
	default:
		log.Printf("trigger: %s not consuming cycles, dropping %d", w.name, c.Number)
	}
}

func (w *Worker) run() {
	for {
		select {
		case <-w.ctx.Done():
			if err := w.drv.Stop(); err != nil {
				log.Printf("trigger: %s stop: %v", w.name, err)
			}
			w.sendFinal(Stopped{Camera: w.name})
			return
		case c := <-w.cycles:
			w.runCycle(c)
		}
	}
}

func (w *Worker) send(ev Event) {
	select {
	case w.events <- ev:
	case <-w.ctx.Done():
	}
}

// sendFinal delivers the Stopped event without hanging a dead orchestrator.
func (w *Worker) sendFinal(ev Event) {
	select {
	case w.events <- ev:
	case <-time.After(2 * time.Second):
		log.Printf("trigger: %s stopped event not consumed", w.name)
	}
}

func (w *Worker) runCycle(c Cycle) {
	if c.Counter%w.cfg.TriggerDivider != 0 {
		// sitting this one out; hardware cameras still owe the
		// reconciler a report so the pulse is not held up
		if w.Hardware() {
			w.send(Ready{Camera: w.name, Number: c.Number, ExposureUs: 0})
		}
		w.send(Done{Camera: w.name, Number: c.Number})
		return
	}

	hdrOn := w.cfg.HDREnabled && len(w.cfg.HDRExposures) == hdr.BankSize
	n := 1
	if hdrOn {
		n = hdr.BankSize
	}
	saveStill := w.cfg.SaveStills && c.Counter%w.cfg.SaveStillDivider == 0
	saveVideo := w.cfg.SaveVideo && w.Video != nil && c.Counter%w.cfg.SaveVideoDivider == 0

	d := Done{Camera: w.name, Number: c.Number, Participated: true}
	var bank []camera.Frame
	aborted := false

	for k := 0; k < n; k++ {
		expUs, gain := w.cfg.ExposureUs, w.cfg.Gain
		sub := config.HDRExposure{Emit: true, Save: true}
		if hdrOn {
			sub = w.cfg.HDRExposures[k]
			expUs, gain = sub.ExposureUs, sub.Gain
		}

		if w.Hardware() {
			w.send(Ready{Camera: w.name, Number: c.Number, ExposureUs: expUs, HDRFollowOn: k > 0})
		} else {
			if k > 0 {
				w.sleep(hdrSettle)
			}
			w.sleep(softTriggerSettle)
			if err := w.drv.SoftwareTrigger(); err != nil {
				log.Printf("trigger: %s software trigger: %v", w.name, err)
				d.Err = err
				aborted = hdrOn
				w.recordDrop(c, &d)
				break
			}
		}

		timeout := captureSlack + time.Duration(expUs)*time.Microsecond
		f, err := w.drv.CaptureNext(w.ctx, timeout)
		if err != nil {
			log.Printf("trigger: %s capture %d: %v", w.name, c.Number, err)
			d.Err = err
			aborted = hdrOn
			w.recordDrop(c, &d)
			break
		}
		if f.Empty() {
			// a timed-out exposure inside an HDR sequence desyncs the
			// register bank, so the rest of the sequence is abandoned
			aborted = hdrOn
			w.recordDrop(c, &d)
			if aborted {
				break
			}
			continue
		}

		f = camera.Rotate(f, camera.Rotation(w.cfg.Rotation))
		f.Timestamp = c.Stamp
		f.Gain = gain
		d.Captured++

		hdrIdx := 0
		if hdrOn {
			hdrIdx = k + 1
			bank = append(bank, f)
		}
		if saveStill && sub.Save {
			w.saveFrame(c, f, hdrIdx)
		}
		if saveVideo {
			if err := w.Video.WriteFrame(w.name, f); err != nil {
				log.Printf("trigger: %s video frame: %v", w.name, err)
			}
		}
		if w.Emit != nil && sub.Emit {
			w.Emit.EmitFrame(w.name, c.Number, f, false)
		}
	}

	if aborted {
		// partial fusion state is worthless; realign the hardware's
		// sequence counter so the next cycle starts at sub-exposure 0
		bank = nil
		if rs, ok := w.drv.(camera.HDRResyncer); ok {
			if err := rs.ResyncHDR(w.ctx); err != nil {
				log.Printf("trigger: %s HDR resync: %v", w.name, err)
			}
		}
	}

	if hdrOn && !aborted && len(bank) == hdr.BankSize &&
		(w.cfg.HDRSaveMerged || w.cfg.HDREmitMerged) {
		merged, err := w.fuser.Fuse(bank)
		if err != nil {
			log.Printf("trigger: %s HDR fuse: %v", w.name, err)
		} else {
			d.Merged = true
			if w.cfg.HDRSaveMerged && saveStill {
				w.saveFrame(c, merged, -1)
			}
			if w.cfg.HDREmitMerged && w.Emit != nil {
				w.Emit.EmitFrame(w.name, c.Number, merged, true)
			}
		}
	}

	w.send(d)
}

func (w *Worker) saveFrame(c Cycle, f camera.Frame, hdrIdx int) {
	name, md5, err := w.writer.Save(imgwriter.Stamp{
		Number:   c.Number,
		Frame:    f,
		Camera:   w.name,
		HDRIndex: hdrIdx,
	})
	if err != nil {
		log.Printf("trigger: %s save %d: %v", w.name, c.Number, err)
		return
	}
	if err := w.store.RecordImage(c.Number, w.name, c.Stamp, name, f.ExposureUs, f.Gain, false, md5); err != nil {
		log.Printf("trigger: %s: %v", w.name, err)
	}
	w.Notify.ImageCaptured(c.Number, w.name, name)
}

func (w *Worker) recordDrop(c Cycle, d *Done) {
	d.Dropped++
	if err := w.store.RecordDropped(c.Number, w.name, c.Stamp); err != nil {
		log.Printf("trigger: %s: %v", w.name, err)
	}
	w.Notify.ImageDropped(c.Number, w.name)
}

func (w *Worker) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-w.ctx.Done():
	}
}
