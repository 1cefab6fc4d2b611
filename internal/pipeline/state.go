package pipeline

import (
	"errors"
	"fmt"
)

// State is the position of one target in the release state machine:
//
//	Pending → DependenciesResolved → Built → Packaged → Published
//
// with Failed reachable from every non-terminal state.
type State int

const (
	Pending State = iota
	DependenciesResolved
	Built
	Packaged
	Published
	Failed
)

var stateNames = [...]string{
	Pending:              "pending",
	DependenciesResolved: "dependencies-resolved",
	Built:                "built",
	Packaged:             "packaged",
	Published:            "published",
	Failed:               "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Published || s == Failed
}

// ErrInvalidTransition is wrapped in the panic raised for an out-of-order
// state change. Reaching it means the orchestrator has a bug.
var ErrInvalidTransition = errors.New("invalid state transition")

// CanTransition reports whether to directly follows s.
func (s State) CanTransition(to State) bool {
	if s.Terminal() {
		return false
	}
	return to == Failed || to == s+1
}

// Stage names the pipeline step that moves a target forward.
type Stage int

const (
	StageNone Stage = iota
	StageDependencies
	StageBuild
	StagePackage
	StagePublish
)

var stageNames = [...]string{
	StageNone:         "",
	StageDependencies: "dependencies",
	StageBuild:        "build",
	StagePackage:      "package",
	StagePublish:      "publish",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	for i, name := range stageNames {
		if name == string(b) {
			*s = Stage(i)
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", b)
}

// Outcome is the overall result of a run.
type Outcome int

const (
	// Success: every target was packaged, and published when publishing
	// was enabled.
	Success Outcome = iota
	// Degraded: some targets were packaged, others failed.
	Degraded
	// Failure: no target was packaged.
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Degraded:
		return "degraded"
	case Failure:
		return "failed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	for _, c := range []Outcome{Success, Degraded, Failure} {
		if c.String() == string(b) {
			*o = c
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", b)
}
