package trigger

import "log"

// Firer issues the physical strobe/trigger pulse.  The controller board
// satisfies this; tests substitute a recorder.
type Firer interface {
	Trigger(preFireUs, strobe1Us, strobe2Us int, ch1, ch2 bool) error
}

// Reconciler collects readiness reports from hardware triggered cameras and
// fires one physical pulse per sub-exposure step, once every camera still
// active in the step has reported.
//
// It is owned by the orchestrator goroutine and is not safe for concurrent
// use.
type Reconciler struct {
	firer         Firer
	preFireUs     int
	strobeChannel int

	ports   map[string]int
	reports map[string]readyReport
	done    map[string]bool
}

type readyReport struct {
	exposureUs int
	followOn   bool
}

// NewReconciler returns a reconciler firing through f.  strobeChannel is a
// bitmask: 1, 2, or 3 for both channels.
func NewReconciler(f Firer, preFireUs, strobeChannel int) *Reconciler {
	return &Reconciler{
		firer:         f,
		preFireUs:     preFireUs,
		strobeChannel: strobeChannel,
		ports:         map[string]int{},
		reports:       map[string]readyReport{},
		done:          map[string]bool{},
	}
}

// Register adds a hardware triggered camera and its controller trigger port
// (1 or 2).  Called once per camera during lifecycle bring-up.
func (r *Reconciler) Register(cameraName string, port int) {
	r.ports[cameraName] = port
}

// Cameras returns the number of registered hardware cameras.
func (r *Reconciler) Cameras() int { return len(r.ports) }

// BeginCycle clears all per-cycle state.
func (r *Reconciler) BeginCycle() {
	r.reports = map[string]readyReport{}
	r.done = map[string]bool{}
}

// MarkDone retires a camera for the remainder of the cycle; later
// sub-exposure steps no longer wait on it.  Retiring a camera can leave a
// step fully reported, so the pulse check runs here too.
func (r *Reconciler) MarkDone(cameraName string) error {
	if _, ok := r.ports[cameraName]; !ok {
		return nil
	}
	r.done[cameraName] = true
	delete(r.reports, cameraName)
	return r.maybeFire()
}

// OnCameraReady records a readiness report.  An exposure of zero means the
// camera sits this cycle out (divider skip) but must not block the pulse.
func (r *Reconciler) OnCameraReady(cameraName string, exposureUs int, hdrFollowOn bool) error {
	if _, ok := r.ports[cameraName]; !ok {
		log.Printf("trigger: readiness from unregistered camera %s", cameraName)
		return nil
	}
	r.reports[cameraName] = readyReport{exposureUs: exposureUs, followOn: hdrFollowOn}
	return r.maybeFire()
}

func (r *Reconciler) maybeFire() error {
	waiting := 0
	for name := range r.ports {
		if r.done[name] {
			continue
		}
		if _, ok := r.reports[name]; !ok {
			waiting++
		}
	}
	if waiting > 0 || len(r.reports) == 0 {
		return nil
	}

	maxExp := 0
	ch1, ch2 := false, false
	preFire := r.preFireUs
	for name, rep := range r.reports {
		if rep.followOn {
			// mid-HDR-sequence pulses skip the strobe ramp-up lead to
			// keep the whole sequence short
			preFire = 0
		}
		if rep.exposureUs <= 0 {
			continue
		}
		if rep.exposureUs > maxExp {
			maxExp = rep.exposureUs
		}
		if r.ports[name] == 1 {
			ch1 = true
		} else {
			ch2 = true
		}
	}
	// readiness consumed whether or not a pulse goes out
	r.reports = map[string]readyReport{}

	if maxExp == 0 {
		// every camera in the step sat out; nothing to pulse
		return nil
	}
	strobe1, strobe2 := 0, 0
	if r.strobeChannel&1 != 0 {
		strobe1 = maxExp
	}
	if r.strobeChannel&2 != 0 {
		strobe2 = maxExp
	}
	return r.firer.Trigger(preFire, strobe1, strobe2, ch1, ch2)
}
