package session

import (
	"fmt"
	"strings"
)

type State uint8

const (
	StateUninitialized State = iota
	StateAwaitingPermission
	StateReady
	StateRecording
	StateStopped
	StateExported
	StateError
)

var stateNames = [...]string{
	StateUninitialized:      "uninitialized",
	StateAwaitingPermission: "awaiting-permission",
	StateReady:              "ready",
	StateRecording:          "recording",
	StateStopped:            "stopped",
	StateExported:           "exported",
	StateError:              "error",
}

func (s State) String() string {
	v, err := s.MarshalText()
	if err != nil {
		return fmt.Sprintf("illegal-session-state-%d", uint8(s))
	}
	return string(v)
}

func (s State) MarshalText() ([]byte, error) {
	if int(s) >= len(stateNames) {
		return nil, fmt.Errorf("illegal session state: %d", uint8(s))
	}
	return []byte(stateNames[s]), nil
}

func (s *State) UnmarshalText(text []byte) error {
	plain := strings.TrimSpace(strings.ToLower(string(text)))
	for i, name := range stateNames {
		if name == plain {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("illegal session state: %s", plain)
}

// HasArtifact reports whether a finished recording can be built in this state.
func (s State) HasArtifact() bool {
	return s == StateStopped || s == StateExported
}

// IsOneOf reports whether s equals any of the given states.
func (s State) IsOneOf(states ...State) bool {
	for _, v := range states {
		if s == v {
			return true
		}
	}
	return false
}
