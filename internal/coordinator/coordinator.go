// Package coordinator sequences remediation plans through their
// approval/apply/rollback lifecycle:
//
//	pending  -> approved | rejected
//	approved -> applied  | failed
//	applied  -> rolled_back
//
// Authorization and action execution are injected collaborators; the
// coordinator owns only the state machine and its audit trail.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patchplan/patchplan/internal/models"
	"github.com/patchplan/patchplan/internal/observability/logging"
	"github.com/patchplan/patchplan/internal/store"
	"github.com/wI2L/jsondiff"
)

// Verb names the gated operations an Authorizer rules on.
type Verb string

const (
	VerbApprove  Verb = "approve"
	VerbReject   Verb = "reject"
	VerbApply    Verb = "apply"
	VerbRollback Verb = "rollback"
)

// Authorizer decides whether an actor may run a verb against a plan.
type Authorizer interface {
	Authorize(ctx context.Context, actor string, verb Verb, plan *models.RemediationPlan) error
}

// AuthorizerFunc adapter
type AuthorizerFunc func(ctx context.Context, actor string, verb Verb, plan *models.RemediationPlan) error

func (f AuthorizerFunc) Authorize(ctx context.Context, actor string, verb Verb, plan *models.RemediationPlan) error {
	return f(ctx, actor, verb, plan)
}

// AllowActors authorizes only the listed actors; an empty list allows
// anyone with a non-empty name.
func AllowActors(names ...string) Authorizer {
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	return AuthorizerFunc(func(ctx context.Context, actor string, verb Verb, plan *models.RemediationPlan) error {
		if actor == "" {
			return fmt.Errorf("%w: no actor supplied", ErrNotAuthorized)
		}
		if len(allowed) > 0 && !allowed[actor] {
			return fmt.Errorf("%w: %s may not %s", ErrNotAuthorized, actor, verb)
		}
		return nil
	})
}

// Executor runs one bound action. An error from a VERIFY action halts
// the plan; errors from earlier steps do the same but without counting
// the action as applied.
type Executor interface {
	Execute(ctx context.Context, plan *models.RemediationPlan, action models.RemediationAction) error
}

// Observer is notified after every committed state change. Used by the
// API layer for webhook delivery.
type Observer func(ev models.PlanEvent, plan *models.RemediationPlan)

// Coordinator drives plan lifecycles against the store.
type Coordinator struct {
	store    *store.Store
	auth     Authorizer
	exec     Executor
	snap     Snapshotter
	observer Observer

	// planLocks serializes side-effecting verbs per plan so two
	// concurrent applies cannot both observe approved and run the
	// actions twice. Distinct plans still proceed in parallel.
	planLocks sync.Map
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithAuthorizer(a Authorizer) Option { return func(c *Coordinator) { c.auth = a } }
func WithExecutor(e Executor) Option     { return func(c *Coordinator) { c.exec = e } }
func WithSnapshotter(s Snapshotter) Option {
	return func(c *Coordinator) { c.snap = s }
}
func WithObserver(o Observer) Option { return func(c *Coordinator) { c.observer = o } }

func New(st *store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store: st,
		auth:  AllowActors(),
		exec:  NoopExecutor{},
		snap:  nil,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Approve moves a pending plan to approved and captures the rollback
// snapshot that a later rollback restores.
func (c *Coordinator) Approve(ctx context.Context, planID, actor string) (*models.RemediationPlan, error) {
	return c.gate(ctx, planID, actor, VerbApprove, models.PlanStatePending, models.PlanStateApproved,
		func(plan *models.RemediationPlan) error {
			plan.Approver = actor
			if c.snap != nil {
				ref, err := c.snap.Capture(ctx, plan)
				if err != nil {
					return fmt.Errorf("failed to capture rollback snapshot: %w", err)
				}
				plan.RollbackSnapshot = ref
			}
			return nil
		})
}

// Reject is terminal.
func (c *Coordinator) Reject(ctx context.Context, planID, actor string) (*models.RemediationPlan, error) {
	return c.gate(ctx, planID, actor, VerbReject, models.PlanStatePending, models.PlanStateRejected, nil)
}

// Apply executes the plan's actions in order. A failing action halts the
// plan: it moves to failed with the applied prefix recorded, and later
// actions never run. Applied is reachable only from approved.
func (c *Coordinator) Apply(ctx context.Context, planID, actor string) (*models.RemediationPlan, error) {
	log := logging.From(ctx)

	lock := c.planLock(planID)
	lock.Lock()
	defer lock.Unlock()

	plan, err := c.store.LoadPlan(planID)
	if err != nil {
		return nil, err
	}
	if err := c.auth.Authorize(ctx, actor, VerbApply, plan); err != nil {
		return nil, err
	}
	if plan.State != models.PlanStateApproved {
		return nil, &TransitionError{PlanID: planID, From: plan.State, To: models.PlanStateApplied}
	}

	applied := 0
	var execErr error
	for _, action := range plan.Actions {
		if err := c.exec.Execute(ctx, plan, action); err != nil {
			execErr = fmt.Errorf("action %s failed: %w", action.Step, err)
			log.Error("coordinator", "plan halted",
				"plan_id", planID, "step", string(action.Step), "error", err.Error())
			break
		}
		applied++
	}

	target := models.PlanStateApplied
	detail := ""
	if execErr != nil {
		target = models.PlanStateFailed
		detail = execErr.Error()
	}

	updated, err := c.transition(planID, actor, plan.State, target, detail,
		func(p *models.RemediationPlan) error {
			p.AppliedActions = applied
			return nil
		})
	if err != nil {
		return nil, err
	}
	if execErr != nil {
		return updated, execErr
	}
	return updated, nil
}

// ApplyAll applies independent approved plans concurrently. Each plan
// owns a disjoint rollback snapshot, so plans never contend beyond the
// store lock around individual transitions.
func (c *Coordinator) ApplyAll(ctx context.Context, planIDs []string, actor string) map[string]error {
	results := make(map[string]error, len(planIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range planIDs {
		wg.Add(1)
		go func(planID string) {
			defer wg.Done()
			_, err := c.Apply(ctx, planID, actor)
			mu.Lock()
			results[planID] = err
			mu.Unlock()
		}(id)
	}

	wg.Wait()
	return results
}

// Rollback restores the snapshot captured at approval and verifies the
// round trip structurally. Valid from applied, and from failed when a
// prefix of actions did run. Verification drift leaves the plan state
// untouched and surfaces a RollbackDriftError.
func (c *Coordinator) Rollback(ctx context.Context, planID, actor string) (*models.RemediationPlan, error) {
	lock := c.planLock(planID)
	lock.Lock()
	defer lock.Unlock()

	plan, err := c.store.LoadPlan(planID)
	if err != nil {
		return nil, err
	}
	if err := c.auth.Authorize(ctx, actor, VerbRollback, plan); err != nil {
		return nil, err
	}

	rollbackable := plan.State == models.PlanStateApplied ||
		(plan.State == models.PlanStateFailed && plan.AppliedActions > 0)
	if !rollbackable {
		return nil, &TransitionError{PlanID: planID, From: plan.State, To: models.PlanStateRolledBack}
	}
	if c.snap == nil || plan.RollbackSnapshot == "" {
		return nil, fmt.Errorf("plan %s has no rollback snapshot", planID)
	}

	if err := c.snap.Restore(ctx, plan.RollbackSnapshot); err != nil {
		return nil, fmt.Errorf("failed to restore snapshot: %w", err)
	}

	drift, err := c.verifyRestore(ctx, plan.RollbackSnapshot)
	if err != nil {
		return nil, err
	}
	if len(drift) > 0 {
		return nil, &RollbackDriftError{PlanID: planID, Drift: drift}
	}

	return c.transition(planID, actor, plan.State, models.PlanStateRolledBack, "", nil)
}

func (c *Coordinator) planLock(planID string) *sync.Mutex {
	l, _ := c.planLocks.LoadOrStore(planID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// verifyRestore diffs the captured state against the live state after
// restore; an empty patch set means the round trip held.
func (c *Coordinator) verifyRestore(ctx context.Context, ref string) ([]string, error) {
	captured, err := c.snap.Snapshot(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", ref, err)
	}
	current, err := c.snap.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read current state: %w", err)
	}

	patches, err := jsondiff.CompareJSON(captured, current)
	if err != nil {
		return nil, fmt.Errorf("failed to diff snapshot against state: %w", err)
	}

	drift := make([]string, 0, len(patches))
	for _, op := range patches {
		drift = append(drift, fmt.Sprintf("%s %s", op.Type, op.Path))
	}
	return drift, nil
}

// Events exposes a plan's audit trail.
func (c *Coordinator) Events(planID string) ([]models.PlanEvent, error) {
	return c.store.Events(planID)
}

// gate authorizes, checks the from-state, and commits one transition.
func (c *Coordinator) gate(ctx context.Context, planID, actor string, verb Verb,
	from, to models.PlanState, mutate func(*models.RemediationPlan) error) (*models.RemediationPlan, error) {

	plan, err := c.store.LoadPlan(planID)
	if err != nil {
		return nil, err
	}
	if err := c.auth.Authorize(ctx, actor, verb, plan); err != nil {
		return nil, err
	}
	if plan.State != from {
		return nil, &TransitionError{PlanID: planID, From: plan.State, To: to}
	}
	return c.transition(planID, actor, from, to, "", mutate)
}

// transition re-checks the from-state under the store lock, persists the
// new state, appends the audit event, and notifies the observer.
func (c *Coordinator) transition(planID, actor string, from, to models.PlanState, detail string,
	mutate func(*models.RemediationPlan) error) (*models.RemediationPlan, error) {

	plan, err := c.store.UpdatePlan(planID, func(p *models.RemediationPlan) error {
		if p.State != from {
			return &TransitionError{PlanID: planID, From: p.State, To: to}
		}
		if mutate != nil {
			if err := mutate(p); err != nil {
				return err
			}
		}
		p.State = to
		p.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev := models.PlanEvent{
		ID:        uuid.NewString(),
		PlanID:    planID,
		From:      from,
		To:        to,
		Actor:     actor,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	if err := c.store.AppendEvent(ev); err != nil {
		return nil, err
	}
	if c.observer != nil {
		c.observer(ev, plan)
	}
	return plan, nil
}
