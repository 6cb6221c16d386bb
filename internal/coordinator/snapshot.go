package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/patchplan/patchplan/internal/models"
	"github.com/patchplan/patchplan/internal/store"
)

// Snapshotter captures system state at approval time and restores it on
// rollback. Refs are opaque to the coordinator.
type Snapshotter interface {
	// Capture records the current state and returns its reference.
	Capture(ctx context.Context, plan *models.RemediationPlan) (string, error)
	// Restore writes the referenced capture back over the live state.
	Restore(ctx context.Context, ref string) error
	// Snapshot returns the captured state document.
	Snapshot(ref string) (json.RawMessage, error)
	// State returns the live state document for round-trip verification.
	State(ctx context.Context) (json.RawMessage, error)
}

// FileSnapshotter snapshots one JSON state document on disk. Captures
// land in the store's snapshot directory keyed by a fresh uuid.
type FileSnapshotter struct {
	// Path is the live state document the actions mutate.
	Path  string
	Store *store.Store
}

func (f FileSnapshotter) Capture(ctx context.Context, plan *models.RemediationPlan) (string, error) {
	state, err := f.State(ctx)
	if err != nil {
		return "", err
	}
	ref := uuid.NewString()
	if err := f.Store.SaveSnapshot(ref, state); err != nil {
		return "", err
	}
	return ref, nil
}

func (f FileSnapshotter) Restore(ctx context.Context, ref string) error {
	state, err := f.Store.LoadSnapshot(ref)
	if err != nil {
		return err
	}
	if err := os.WriteFile(f.Path, state, 0644); err != nil {
		return fmt.Errorf("failed to restore state file: %w", err)
	}
	return nil
}

func (f FileSnapshotter) Snapshot(ref string) (json.RawMessage, error) {
	return f.Store.LoadSnapshot(ref)
}

func (f FileSnapshotter) State(ctx context.Context) (json.RawMessage, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("state file %s is not valid JSON", f.Path)
	}
	return data, nil
}
