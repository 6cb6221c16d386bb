package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/patchplan/patchplan/internal/models"
	"github.com/patchplan/patchplan/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	return st
}

func seedPlan(t *testing.T, st *store.Store, state models.PlanState) *models.RemediationPlan {
	t.Helper()
	now := time.Now().UTC()
	plan := &models.RemediationPlan{
		ID:               uuid.NewString(),
		TemplateID:       "TEMPLATE-DEPENDENCY-UPDATE",
		VulnerabilityIDs: []string{"CVE-2024-1111"},
		Severity:         models.SeverityHigh,
		Strategy:         models.StrategyAutomated,
		Actions: []models.RemediationAction{
			{Step: models.StepIdentify, Command: "identify"},
			{Step: models.StepUpdate, Command: "update"},
			{Step: models.StepVerify, Command: "verify"},
		},
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.SavePlan(plan); err != nil {
		t.Fatalf("SavePlan failed: %v", err)
	}
	return plan
}

// stepFailExecutor fails every action whose step matches.
type stepFailExecutor struct {
	failStep models.ActionStep
}

func (e stepFailExecutor) Execute(ctx context.Context, plan *models.RemediationPlan, action models.RemediationAction) error {
	if action.Step == e.failStep {
		return fmt.Errorf("step %s exploded", action.Step)
	}
	return nil
}

// stateFile writes a JSON state document and returns its path.
func stateFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestApprove_CapturesSnapshotAndSetsApprover(t *testing.T) {
	st := testStore(t)
	plan := seedPlan(t, st, models.PlanStatePending)
	path := stateFile(t, `{"replicas": 3}`)

	coord := New(st, WithSnapshotter(FileSnapshotter{Path: path, Store: st}))
	updated, err := coord.Approve(context.Background(), plan.ID, "alice")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	if updated.State != models.PlanStateApproved {
		t.Errorf("state = %s", updated.State)
	}
	if updated.Approver != "alice" {
		t.Errorf("approver = %q", updated.Approver)
	}
	if updated.RollbackSnapshot == "" {
		t.Errorf("rollback snapshot not captured")
	}

	captured, err := st.LoadSnapshot(updated.RollbackSnapshot)
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if string(captured) != `{"replicas": 3}` {
		t.Errorf("snapshot content = %s", captured)
	}
}

func TestApply_NeverRunsWithoutApproval(t *testing.T) {
	st := testStore(t)
	coord := New(st)

	for _, state := range []models.PlanState{
		models.PlanStatePending,
		models.PlanStateRejected,
		models.PlanStateApplied,
		models.PlanStateFailed,
		models.PlanStateRolledBack,
	} {
		plan := seedPlan(t, st, state)
		_, err := coord.Apply(context.Background(), plan.ID, "alice")

		var transErr *TransitionError
		if !errors.As(err, &transErr) {
			t.Errorf("apply from %s: expected TransitionError, got %v", state, err)
		}
	}
}

func TestApply_Success(t *testing.T) {
	st := testStore(t)
	plan := seedPlan(t, st, models.PlanStateApproved)

	coord := New(st)
	updated, err := coord.Apply(context.Background(), plan.ID, "alice")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if updated.State != models.PlanStateApplied {
		t.Errorf("state = %s", updated.State)
	}
	if updated.AppliedActions != 3 {
		t.Errorf("applied actions = %d", updated.AppliedActions)
	}
}

func TestApply_VerifyFailureHaltsWithPrefixRecorded(t *testing.T) {
	st := testStore(t)
	plan := seedPlan(t, st, models.PlanStateApproved)

	coord := New(st, WithExecutor(stepFailExecutor{failStep: models.StepVerify}))
	updated, err := coord.Apply(context.Background(), plan.ID, "alice")
	if err == nil {
		t.Fatalf("expected action error")
	}
	if updated == nil {
		t.Fatalf("failed plan must still be returned")
	}
	if updated.State != models.PlanStateFailed {
		t.Errorf("state = %s", updated.State)
	}
	// IDENTIFY and UPDATE ran; VERIFY halted the plan.
	if updated.AppliedActions != 2 {
		t.Errorf("applied prefix = %d, want 2", updated.AppliedActions)
	}
}

func TestApply_FirstActionFailureRecordsEmptyPrefix(t *testing.T) {
	st := testStore(t)
	plan := seedPlan(t, st, models.PlanStateApproved)

	coord := New(st, WithExecutor(stepFailExecutor{failStep: models.StepIdentify}))
	updated, err := coord.Apply(context.Background(), plan.ID, "alice")
	if err == nil {
		t.Fatalf("expected action error")
	}
	if updated.AppliedActions != 0 {
		t.Errorf("applied prefix = %d, want 0", updated.AppliedActions)
	}
}

func TestRollback_RoundTrip(t *testing.T) {
	st := testStore(t)
	plan := seedPlan(t, st, models.PlanStatePending)
	path := stateFile(t, `{"replicas": 3}`)
	snap := FileSnapshotter{Path: path, Store: st}

	coord := New(st, WithSnapshotter(snap))
	ctx := context.Background()

	if _, err := coord.Approve(ctx, plan.ID, "alice"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if _, err := coord.Apply(ctx, plan.ID, "alice"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// Simulate the applied actions mutating the state document.
	if err := os.WriteFile(path, []byte(`{"replicas": 5}`), 0644); err != nil {
		t.Fatal(err)
	}

	updated, err := coord.Rollback(ctx, plan.ID, "alice")
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if updated.State != models.PlanStateRolledBack {
		t.Errorf("state = %s", updated.State)
	}

	restored, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(restored) != `{"replicas": 3}` {
		t.Errorf("state not restored: %s", restored)
	}
}

// driftSnapshotter restores correctly but reports a live state that
// differs from the capture, as if something mutated it mid-restore.
type driftSnapshotter struct {
	FileSnapshotter
}

func (d driftSnapshotter) State(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"replicas": 9}`), nil
}

func TestRollback_DriftLeavesStateUntouched(t *testing.T) {
	st := testStore(t)
	plan := seedPlan(t, st, models.PlanStatePending)
	path := stateFile(t, `{"replicas": 3}`)
	snap := driftSnapshotter{FileSnapshotter{Path: path, Store: st}}

	coord := New(st, WithSnapshotter(snap))
	ctx := context.Background()

	if _, err := coord.Approve(ctx, plan.ID, "alice"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if _, err := coord.Apply(ctx, plan.ID, "alice"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	_, err := coord.Rollback(ctx, plan.ID, "alice")
	var driftErr *RollbackDriftError
	if !errors.As(err, &driftErr) {
		t.Fatalf("expected RollbackDriftError, got %v", err)
	}
	if len(driftErr.Drift) == 0 {
		t.Errorf("drift details missing")
	}

	// Plan state must be untouched so the operator can retry.
	reloaded, err := st.LoadPlan(plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.State != models.PlanStateApplied {
		t.Errorf("drift must not transition the plan, state = %s", reloaded.State)
	}
}

func TestRollback_FromFailedWithAppliedPrefix(t *testing.T) {
	st := testStore(t)
	plan := seedPlan(t, st, models.PlanStatePending)
	path := stateFile(t, `{"replicas": 3}`)
	snap := FileSnapshotter{Path: path, Store: st}

	coord := New(st,
		WithSnapshotter(snap),
		WithExecutor(stepFailExecutor{failStep: models.StepVerify}))
	ctx := context.Background()

	if _, err := coord.Approve(ctx, plan.ID, "alice"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if _, err := coord.Apply(ctx, plan.ID, "alice"); err == nil {
		t.Fatalf("expected apply failure")
	}

	updated, err := coord.Rollback(ctx, plan.ID, "alice")
	if err != nil {
		t.Fatalf("Rollback from failed plan: %v", err)
	}
	if updated.State != models.PlanStateRolledBack {
		t.Errorf("state = %s", updated.State)
	}
}

func TestRollback_FailedWithNothingAppliedIsInvalid(t *testing.T) {
	st := testStore(t)
	plan := seedPlan(t, st, models.PlanStateFailed) // AppliedActions == 0

	coord := New(st)
	_, err := coord.Rollback(context.Background(), plan.ID, "alice")

	var transErr *TransitionError
	if !errors.As(err, &transErr) {
		t.Errorf("expected TransitionError, got %v", err)
	}
}

func TestReject_IsTerminal(t *testing.T) {
	st := testStore(t)
	plan := seedPlan(t, st, models.PlanStatePending)
	coord := New(st)
	ctx := context.Background()

	updated, err := coord.Reject(ctx, plan.ID, "alice")
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if updated.State != models.PlanStateRejected {
		t.Errorf("state = %s", updated.State)
	}

	if _, err := coord.Approve(ctx, plan.ID, "alice"); err == nil {
		t.Errorf("rejected plans must not be approvable")
	}
}

func TestAuthorizer_GatesEveryVerb(t *testing.T) {
	st := testStore(t)
	coord := New(st, WithAuthorizer(AllowActors("alice")))
	ctx := context.Background()

	plan := seedPlan(t, st, models.PlanStatePending)
	if _, err := coord.Approve(ctx, plan.ID, "mallory"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("approve by mallory: %v", err)
	}
	if _, err := coord.Approve(ctx, plan.ID, ""); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("approve with no actor: %v", err)
	}
	if _, err := coord.Approve(ctx, plan.ID, "alice"); err != nil {
		t.Errorf("approve by alice: %v", err)
	}
}

func TestEvents_AuditTrailPerTransition(t *testing.T) {
	st := testStore(t)
	plan := seedPlan(t, st, models.PlanStatePending)
	coord := New(st)
	ctx := context.Background()

	if _, err := coord.Approve(ctx, plan.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := coord.Apply(ctx, plan.ID, "bob"); err != nil {
		t.Fatal(err)
	}

	events, err := coord.Events(plan.ID)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].To != models.PlanStateApproved || events[0].Actor != "alice" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].To != models.PlanStateApplied || events[1].Actor != "bob" {
		t.Errorf("second event = %+v", events[1])
	}
}

func TestObserver_SeesCommittedTransitions(t *testing.T) {
	st := testStore(t)
	plan := seedPlan(t, st, models.PlanStatePending)

	var seen []models.PlanEvent
	coord := New(st, WithObserver(func(ev models.PlanEvent, p *models.RemediationPlan) {
		seen = append(seen, ev)
	}))

	if _, err := coord.Approve(context.Background(), plan.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0].To != models.PlanStateApproved {
		t.Errorf("observer saw %+v", seen)
	}
}

func TestApplyAll_IndependentPlans(t *testing.T) {
	st := testStore(t)
	coord := New(st)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		plan := seedPlan(t, st, models.PlanStateApproved)
		ids = append(ids, plan.ID)
	}
	pending := seedPlan(t, st, models.PlanStatePending)
	ids = append(ids, pending.ID)

	results := coord.ApplyAll(ctx, ids, "alice")
	if len(results) != 6 {
		t.Fatalf("expected 6 results, got %d", len(results))
	}
	for _, id := range ids[:5] {
		if results[id] != nil {
			t.Errorf("plan %s: %v", id, results[id])
		}
	}
	if results[pending.ID] == nil {
		t.Errorf("pending plan must not apply")
	}
}

func TestApply_UnknownPlan(t *testing.T) {
	coord := New(testStore(t))
	_, err := coord.Apply(context.Background(), "nope", "alice")
	if !errors.Is(err, store.ErrPlanNotFound) {
		t.Errorf("expected ErrPlanNotFound, got %v", err)
	}
}

// countingExecutor tallies every executed action.
type countingExecutor struct {
	calls atomic.Int32
}

func (e *countingExecutor) Execute(ctx context.Context, plan *models.RemediationPlan, action models.RemediationAction) error {
	e.calls.Add(1)
	return nil
}

func TestApply_ConcurrentCallersRunActionsOnce(t *testing.T) {
	st := testStore(t)
	plan := seedPlan(t, st, models.PlanStateApproved)
	exec := &countingExecutor{}
	coord := New(st, WithExecutor(exec))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = coord.Apply(context.Background(), plan.ID, "alice")
		}(i)
	}
	wg.Wait()

	if got := int(exec.calls.Load()); got != len(plan.Actions) {
		t.Fatalf("actions executed %d times for a %d-action plan", got, len(plan.Actions))
	}

	applied, conflicted := 0, 0
	for _, err := range errs {
		var te *TransitionError
		switch {
		case err == nil:
			applied++
		case errors.As(err, &te):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if applied != 1 || conflicted != 1 {
		t.Fatalf("applied=%d conflicted=%d, want exactly one of each", applied, conflicted)
	}
}
