// Package rehydrate applies a computed result to a live target exactly once.
//
// The marker on the target is checked before anything is inserted and is set
// in the same commit as the content, so a target is either untouched or fully
// rehydrated and marked.
package rehydrate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"tablegate/internal/pkg/apperr"
	"tablegate/internal/pkg/logger"
	"tablegate/internal/pkg/mdtable"
	"tablegate/internal/pkg/models"
)

// Surface is a mutable target that results are inserted into.
type Surface interface {
	// Marker returns the marker attached to the target, if any.
	Marker() (models.Marker, bool)
	// Commit inserts tables and attaches marker. Both happen or neither does.
	Commit(marker models.Marker, tables []mdtable.Table) error
	// MarkFailed records a processing failure on the target.
	MarkFailed(reason string)
}

type Applier struct {
	mu sync.Mutex
}

func NewApplier() *Applier {
	return &Applier{}
}

// Apply inserts payload into target under marker and returns how many tables
// were inserted. A target that already carries marker is left alone.
func (a *Applier) Apply(ctx context.Context, target Surface, marker models.Marker, payload string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if existing, ok := target.Marker(); ok {
		if existing.Equal(marker) {
			logger.Log.Debug("Target already rehydrated",
				zap.String("scope", marker.Scope),
				zap.String("signature", marker.Signature))
			return 0, nil
		}
		return 0, fmt.Errorf("target marked %s/%s, want %s/%s: %w",
			existing.Scope, existing.Signature, marker.Scope, marker.Signature,
			apperr.ErrRehydrationConflict)
	}

	if strings.TrimSpace(payload) == "" {
		return 0, fmt.Errorf("empty payload: %w", apperr.ErrInvalidInput)
	}

	tables := mdtable.Parse(payload)
	if len(tables) == 0 {
		// Plain answer, show it as a single cell.
		tables = []mdtable.Table{{Rows: [][]string{{strings.TrimSpace(payload)}}}}
	}

	if err := target.Commit(marker, tables); err != nil {
		return 0, fmt.Errorf("commit rehydrated tables: %w", err)
	}
	return len(tables), nil
}
