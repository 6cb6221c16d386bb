package receipt

import (
	"context"
	"time"

	"github.com/patchplan/patchplan/internal/observability"
)

// MaxErrorLength is the maximum length for error strings in receipts.
const MaxErrorLength = 2048

// Session tracks command execution
type Session struct {
	ctx     context.Context
	start   time.Time
	command string
	args    []string
}

// Start session
func Start(ctx context.Context, cmd string, args []string) *Session {
	return &Session{
		ctx:     ctx,
		start:   time.Now(),
		command: cmd,
		args:    args,
	}
}

// Option configures receipt
type Option func(*Receipt)

// WithIngest option
func WithIngest(source string, accepted, rejected int) Option {
	return func(r *Receipt) {
		r.Ingest = &IngestSummary{
			Source:   source,
			Accepted: accepted,
			Rejected: rejected,
		}
	}
}

// WithPolicy option
func WithPolicy(policyID string, version int, mode, status string, hits []RuleHit) Option {
	return func(r *Receipt) {
		if policyID == "" && status == "" {
			return
		}
		r.Policy = &PolicySummary{
			PolicyID: policyID,
			Version:  version,
			Mode:     mode,
			Status:   status,
			RulesHit: hits,
		}
	}
}

// WithPlans option
func WithPlans(plans []PlanSummary) Option {
	return func(r *Receipt) {
		r.Plans = plans
	}
}

// WithRollback option
func WithRollback(a ActionSummary) Option {
	return func(r *Receipt) {
		r.Rollback = &a
	}
}

// Finish and write receipt
func (s *Session) Finish(err error, opts ...Option) error {
	w := From(s.ctx)
	if w == nil {
		// No writer configured, receipts disabled
		return nil
	}

	// Redact sensitive CLI arguments before storing
	redactedArgs, wasRedacted := RedactArgs(s.args)

	r := Receipt{
		SchemaVersion: ReceiptSchemaVersion,
		OpID:          observability.OpID(s.ctx),
		TsStart:       s.start.Format(time.RFC3339Nano),
		TsEnd:         time.Now().Format(time.RFC3339Nano),
		Command:       s.command,
		Args:          redactedArgs,
		ArgsRedacted:  wasRedacted,
	}

	// Set result
	if err != nil {
		r.Result = Result{
			Status: "fail",
			Error:  truncateError(err.Error()),
		}
	} else {
		r.Result = Result{
			Status: "success",
		}
	}

	// Apply options
	for _, opt := range opts {
		opt(&r)
	}

	return w.Write(r)
}

// truncateError helper
func truncateError(s string) string {
	if len(s) <= MaxErrorLength {
		return s
	}
	return s[:MaxErrorLength-3] + "..."
}
