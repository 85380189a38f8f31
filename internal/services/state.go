package services

import (
	"errors"
	"fmt"
)

var ErrIllegalTransition = errors.New("illegal state transition")

// State of one update cycle.
type State int

const (
	Idle State = iota
	CheckingVersion
	NoUpdate
	Downloading
	DownloadFailed
	Applying
	Restarted
	ApplyFailed
)

var stateNames = map[State]string{
	Idle:            "idle",
	CheckingVersion: "checking_version",
	NoUpdate:        "no_update",
	Downloading:     "downloading",
	DownloadFailed:  "download_failed",
	Applying:        "applying",
	Restarted:       "restarted",
	ApplyFailed:     "apply_failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText lets State travel as its name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether a cycle ends in s.
func (s State) Terminal() bool {
	switch s {
	case NoUpdate, DownloadFailed, Restarted, ApplyFailed:
		return true
	}
	return false
}

var transitions = map[State][]State{
	Idle:            {CheckingVersion},
	CheckingVersion: {NoUpdate, Downloading},
	Downloading:     {DownloadFailed, Applying},
	Applying:        {Restarted, ApplyFailed},
	// a new cycle starts from any terminal state
	NoUpdate:       {Idle},
	DownloadFailed: {Idle},
	Restarted:      {Idle},
	ApplyFailed:    {Idle},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
