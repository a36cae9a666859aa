package call

import "slices"

// State is a call session lifecycle state. Caller path runs
// idle → calling → connected → idle; callee path runs
// idle → incoming → connected → idle. Any non-idle state drops
// straight to idle on termination, local or remote.
type State string

const (
	Idle      State = "IDLE"
	Calling   State = "CALLING"
	Incoming  State = "INCOMING"
	Connected State = "CONNECTED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Idle:      {Calling, Incoming},
	Calling:   {Connected, Idle},
	Incoming:  {Connected, Idle},
	Connected: {Idle},
}

func canTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// pubPhase tracks the shared session record's publication from this side's
// point of view. Only in phasePublished does an absent record mean remote
// termination: while our own offer write is outstanding we would observe our
// not-yet-written record as "absent" and cancel our own call, and after
// teardown the removal echo of our own cleanup must not restart one.
type pubPhase int

const (
	phaseTornDown pubPhase = iota
	phaseUnpublished
	phasePublished
)

// StatusChange is the payload for call status change events.
type StatusChange struct {
	ChatID string
	From   State
	To     State
}
