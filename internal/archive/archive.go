// Package archive persists finished turns for dataset collection and later
// retraining.
//
// A [Record] holds everything needed to replay a turn offline: the rebased
// frames, the baseline they were rebased against, the blocks the extractor
// found, and the result handed to the caller. Stores are best effort; the
// action module logs archive failures and never propagates them.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/pillowmate/pkg/types"
)

// Record is one archived turn.
type Record struct {
	TurnID    string
	StartedAt time.Time
	StoppedAt time.Time
	SampleMs  uint32
	Baseline  types.Baseline
	Frames    []types.SensorFrame
	Blocks    []types.Block
	Result    types.ClassificationResult
}

// Store persists records.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Close() error
}

// Multi fans a record out to several stores.
type Multi []Store

// Save writes rec to every store and joins their errors. A failing store
// does not stop the others.
func (m Multi) Save(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every store.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
