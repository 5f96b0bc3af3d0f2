package service

import (
	"errors"
	"fmt"
)

// Failure classes of a run. Every error returned by a run step wraps exactly
// one of them.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrSourceQuery   = errors.New("source query error")
	ErrTargetWrite   = errors.New("target write error")
)

func classify(class error, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", class, err)
}
