package sync

import "tabulas/app/profile"

type EngineState string

const (
	StateUnloaded   EngineState = "unloaded"
	StateLoading    EngineState = "loading"
	StateReady      EngineState = "ready"
	StateLoadFailed EngineState = "load_failed"
	StateSaving     EngineState = "saving"
	StateSaveFailed EngineState = "save_failed"
)

// Snapshot is what subscribers and the HTTP layer see: the state machine
// position, the last known-good flat state, the desired-but-unsaved state
// (retained across failed saves so the identical payload can be resent),
// and the last error as a display string.
type Snapshot struct {
	State   EngineState
	Profile profile.State
	Pending *profile.State
	Err     string
}
