package controller

// State is the power controller's reported system state.
type State int

// states reported by the getState datagram
const (
	Sleep State = iota
	ForcedOn
	AtDepth
	PressureSwClosed
	ForceOnRemoved
	Shallow
	PressureSwOpened
	LowBatt
	PCError
)

var stateNames = map[State]string{
	Sleep:            "sleep",
	ForcedOn:         "forced on",
	AtDepth:          "at depth",
	PressureSwClosed: "pressure switch closed",
	ForceOnRemoved:   "force on removed",
	Shallow:          "shallow",
	PressureSwOpened: "pressure switch opened",
	LowBatt:          "low battery",
	PCError:          "PC error",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Shutdown reports whether the state tells the acquisition PC to stop and
// power down.
func (s State) Shutdown() bool {
	return s >= ForceOnRemoved
}

// Acquiring reports whether the state calls for image acquisition.
func (s State) Acquiring() bool {
	return s == ForcedOn || s == AtDepth || s == PressureSwClosed
}
