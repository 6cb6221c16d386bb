package coordinator

import (
	"errors"
	"fmt"

	"github.com/patchplan/patchplan/internal/models"
)

// ErrNotAuthorized is returned when the injected Authorizer denies an actor.
var ErrNotAuthorized = errors.New("actor not authorized")

// TransitionError reports a lifecycle move the state machine forbids.
type TransitionError struct {
	PlanID string
	From   models.PlanState
	To     models.PlanState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("plan %s: invalid transition %s -> %s", e.PlanID, e.From, e.To)
}

// RollbackDriftError reports a snapshot restore whose post-state did not
// match the capture. The plan stays in its current state.
type RollbackDriftError struct {
	PlanID string
	Drift  []string
}

func (e *RollbackDriftError) Error() string {
	return fmt.Sprintf("plan %s: state drifted from snapshot after restore (%d differences)", e.PlanID, len(e.Drift))
}
