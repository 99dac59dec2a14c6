/*Package trigger contains the acquisition core: the per-camera workers, the
hardware trigger reconciler, the synchronous sensor cache, and the
orchestrator that ties them together.

The orchestrator is a single goroutine consuming one event channel.  All
cycle state (the received map, the trigger counter, readiness bookkeeping)
lives inside that goroutine; workers and the controller communicate with it
only through messages.  Cycles are strictly sequential: the next trigger
timer is armed only after the current cycle completes, with the delay
shortened by the cycle's own processing time so the long-run rate holds.
*/
package trigger

import (
	"context"
	"log"
	"time"

	"github.com/afsc-mace/trawlcam/metadata"
)

// DefaultFirstDelay is the settle time before the first trigger after the
// cameras start.
const DefaultFirstDelay = 500 * time.Millisecond

// Options configures an Orchestrator.
type Options struct {
	// Interval is the configured trigger period
	Interval time.Duration

	// FirstDelay precedes the very first trigger; zero means
	// DefaultFirstDelay
	FirstDelay time.Duration

	// Limit stops acquisition after this many completed cycles; < 0 means
	// unlimited
	Limit int

	// FirstNumber seeds the global image number
	FirstNumber int

	// CycleTimeout bounds one cycle; cameras that have not reported when
	// it expires are recorded dropped and the cycle force-completes
	CycleTimeout time.Duration

	// StopTimeout bounds the wait for workers to confirm they stopped
	StopTimeout time.Duration

	// SyncWindow is the sensor freshness cutoff for the trigger-time
	// cache flush
	SyncWindow time.Duration

	// StartPaused holds triggering until Resume is called, used when an
	// external controller decides when acquisition runs
	StartPaused bool
}

// Orchestrator coordinates trigger cycles across all camera workers.
type Orchestrator struct {
	opt     Options
	store   *metadata.Store
	cache   *SyncCache
	recon   *Reconciler
	notify  Notifier
	workers []*Worker

	events  chan Event
	control chan ctlMsg

	// visible to tests after Run returns
	cyclesRun int
}

type ctlMsg int

const (
	ctlPause ctlMsg = iota
	ctlResume
)

// New builds an orchestrator.  recon may be nil when no camera hardware
// triggers; notify may be nil.
func New(opt Options, store *metadata.Store, cache *SyncCache, recon *Reconciler, notify Notifier) *Orchestrator {
	if opt.FirstDelay == 0 {
		opt.FirstDelay = DefaultFirstDelay
	}
	if opt.CycleTimeout == 0 {
		opt.CycleTimeout = 10 * time.Second
	}
	if opt.StopTimeout == 0 {
		opt.StopTimeout = 10 * time.Second
	}
	if notify == nil {
		notify = nopNotifier{}
	}
	if cache == nil {
		cache = NewSyncCache()
	}
	return &Orchestrator{
		opt:     opt,
		store:   store,
		cache:   cache,
		recon:   recon,
		notify:  notify,
		events:  make(chan Event, 64),
		control: make(chan ctlMsg, 4),
	}
}

// Events returns the channel workers report into; pass it to NewWorker.
func (o *Orchestrator) Events() chan<- Event {
	return o.events
}

// AddWorker registers a worker.  Call before Run.
func (o *Orchestrator) AddWorker(w *Worker) {
	o.workers = append(o.workers, w)
	if o.recon != nil && w.Hardware() {
		o.recon.Register(w.Name(), w.Port())
	}
}

// CyclesRun reports completed cycles; valid after Run returns.
func (o *Orchestrator) CyclesRun() int { return o.cyclesRun }

// Pause holds off future triggers.  An open cycle finishes normally.
// Non-blocking so callers survive a stopped orchestrator.
func (o *Orchestrator) Pause() {
	select {
	case o.control <- ctlPause:
	default:
	}
}

// Resume restarts triggering after a Pause.
func (o *Orchestrator) Resume() {
	select {
	case o.control <- ctlResume:
	default:
	}
}

// Run starts the workers and drives trigger cycles until ctx is cancelled
// or the trigger limit is reached.  It returns after all workers confirmed
// stopping (or the stop timeout expired).
func (o *Orchestrator) Run(ctx context.Context) error {
	for _, w := range o.workers {
		w.Start()
	}

	timer := time.NewTimer(o.opt.FirstDelay)
	defer timer.Stop()
	if o.opt.StartPaused {
		if !timer.Stop() {
			<-timer.C
		}
	}
	watchdog := time.NewTimer(time.Hour)
	if !watchdog.Stop() {
		<-watchdog.C
	}
	defer watchdog.Stop()

	var (
		cycleOpen bool
		paused    = o.opt.StartPaused
		received  map[string]bool
		counter   int
		number    = o.opt.FirstNumber
		stamp     time.Time
	)

	startCycle := func() {
		stamp = time.Now()
		if err := o.cache.FlushTo(o.store, number, stamp, o.opt.SyncWindow); err != nil {
			log.Printf("trigger: sensor flush: %v", err)
		}
		received = make(map[string]bool, len(o.workers))
		for _, w := range o.workers {
			received[w.Name()] = false
		}
		if o.recon != nil {
			o.recon.BeginCycle()
		}
		c := Cycle{Number: number, Counter: counter, Stamp: stamp}
		counter++
		for _, w := range o.workers {
			w.Trigger(c)
		}
		cycleOpen = true
		watchdog.Reset(o.opt.CycleTimeout)
	}

	// completeCycle closes the books on a cycle and schedules the next
	// trigger; it returns false when the trigger limit says stop.
	completeCycle := func(forced bool) bool {
		if !watchdog.Stop() && !forced {
			<-watchdog.C
		}
		cycleOpen = false
		for name, ok := range received {
			if ok {
				continue
			}
			log.Printf("trigger: %s never reported for cycle %d", name, number)
			if err := o.store.RecordDropped(number, name, stamp); err != nil {
				log.Printf("trigger: %v", err)
			}
			o.notify.ImageDropped(number, name)
		}
		o.notify.CycleComplete(number)
		number++
		o.cyclesRun++
		if o.opt.Limit >= 0 && o.cyclesRun >= o.opt.Limit {
			log.Printf("trigger: trigger limit %d reached", o.opt.Limit)
			return false
		}
		if paused {
			return true
		}
		timer.Reset(nextDelay(o.opt.Interval, time.Since(stamp)))
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return o.shutdown(timer, cycleOpen)

		case <-timer.C:
			if paused || cycleOpen {
				continue
			}
			startCycle()

		case <-watchdog.C:
			if !cycleOpen {
				continue
			}
			log.Printf("trigger: cycle %d timed out after %v", number, o.opt.CycleTimeout)
			if !completeCycle(true) {
				return o.shutdown(timer, false)
			}

		case m := <-o.control:
			switch m {
			case ctlPause:
				paused = true
				if !cycleOpen {
					timer.Stop()
				}
			case ctlResume:
				if paused {
					paused = false
					if !cycleOpen {
						timer.Reset(o.opt.FirstDelay)
					}
				}
			}

		case ev := <-o.events:
			switch e := ev.(type) {
			case Ready:
				if o.recon == nil {
					continue
				}
				if !cycleOpen || e.Number != number {
					// late report from a force-completed cycle
					continue
				}
				if err := o.recon.OnCameraReady(e.Camera, e.ExposureUs, e.HDRFollowOn); err != nil {
					log.Printf("trigger: pulse: %v", err)
				}
			case Done:
				if !cycleOpen || e.Number != number {
					// late report from a force-completed cycle
					continue
				}
				received[e.Camera] = true
				if o.recon != nil {
					if err := o.recon.MarkDone(e.Camera); err != nil {
						log.Printf("trigger: pulse: %v", err)
					}
				}
				if allReceived(received) {
					if !completeCycle(false) {
						return o.shutdown(timer, false)
					}
				}
			case Stopped:
				log.Printf("trigger: %s stopped outside shutdown", e.Camera)
			}
		}
	}
}

// nextDelay is the adaptive reschedule: the configured interval less the
// cycle's own processing time, floored at zero so slow cycles catch up.
func nextDelay(interval, elapsed time.Duration) time.Duration {
	if d := interval - elapsed; d > 0 {
		return d
	}
	return 0
}

func allReceived(m map[string]bool) bool {
	for _, ok := range m {
		if !ok {
			return false
		}
	}
	return len(m) > 0
}

// shutdown broadcasts stop and waits, bounded, for every worker to confirm.
// In-flight exposures finish but schedule nothing further.
func (o *Orchestrator) shutdown(timer *time.Timer, cycleOpen bool) error {
	timer.Stop()
	for _, w := range o.workers {
		w.Stop()
	}
	pending := make(map[string]bool, len(o.workers))
	for _, w := range o.workers {
		pending[w.Name()] = true
	}
	deadline := time.NewTimer(o.opt.StopTimeout)
	defer deadline.Stop()
	for len(pending) > 0 {
		select {
		case ev := <-o.events:
			if s, ok := ev.(Stopped); ok {
				delete(pending, s.Camera)
			}
		case <-deadline.C:
			for name := range pending {
				log.Printf("trigger: %s did not confirm stop within %v", name, o.opt.StopTimeout)
			}
			return nil
		}
	}
	return nil
}
