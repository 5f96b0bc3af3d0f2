package model

import (
	"errors"
	"fmt"
	"strings"
)

// Family is the database engine family of a server.
type Family string

const (
	FamilyPostgres Family = "postgresql"
	FamilyAltibase Family = "altibase"
	FamilyInformix Family = "informix"
)

// ParseFamily normalizes a family tag. Unknown tags are returned unchanged
// so the caller can report them.
func ParseFamily(s string) Family {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgresql", "postgres", "pg":
		return FamilyPostgres
	case "altibase":
		return FamilyAltibase
	case "informix":
		return FamilyInformix
	}
	return Family(s)
}

// Strategy selects how a job reads its source and writes its target.
type Strategy string

const (
	StrategyFull      Strategy = "full"
	StrategyTimestamp Strategy = "timestamp"
	StrategySequence  Strategy = "sequence"
	StrategyHash      Strategy = "hash"
)

// IsValid reports whether s is a known strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyFull, StrategyTimestamp, StrategySequence, StrategyHash:
		return true
	}
	return false
}

// Incremental reports whether s merges into the target instead of replacing it.
func (s Strategy) Incremental() bool {
	return s != StrategyFull
}

// RunStatus is the state of one job run.
type RunStatus string

const (
	StatusPending RunStatus = "pending"
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Transition checks pending → running → {success, failed}.
func (s RunStatus) Transition(to RunStatus) error {
	ok := false
	switch s {
	case StatusPending, "":
		ok = to == StatusRunning
	case StatusRunning:
		ok = to == StatusSuccess || to == StatusFailed
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, to)
	}
	return nil
}
