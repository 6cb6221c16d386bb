package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/patchplan/patchplan/internal/ingest"
	"github.com/patchplan/patchplan/internal/models"
	"github.com/patchplan/patchplan/internal/observability"
	"github.com/patchplan/patchplan/internal/observability/logging"
	otelobs "github.com/patchplan/patchplan/internal/observability/otel"
	"github.com/patchplan/patchplan/internal/observability/receipt"
	"github.com/patchplan/patchplan/internal/policy"
	"github.com/patchplan/patchplan/internal/store"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// policyCmd group
var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Policy management commands",
	Long:  `Manage and evaluate compliance and security policies.`,
}

var policyCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a policy against a fact snapshot",
	Long: `Evaluate a policy's rule condition trees against a fact snapshot.

Facts derived from stored vulnerabilities are merged in automatically;
fields from --facts win on conflict.

Example:
  patchplan policy check --preset pci-dss-baseline --facts ./facts.yaml`,
	SilenceUsage: true,
	RunE:         runPolicyCheck,
}

var policyPublishCmd = &cobra.Command{
	Use:   "publish FILE",
	Short: "Publish a policy document into the policy store",
	Long: `Publish a policy version. Published policies are immutable:
re-publishing an existing version is refused, edits must bump it.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runPolicyPublish,
}

var policyListCmd = &cobra.Command{
	Use:          "list",
	Short:        "List stored policies and built-in presets",
	SilenceUsage: true,
	RunE:         runPolicyList,
}

var (
	policyFile   string
	policyPreset string
	policyID     string
	factsFile    string
)

func init() {
	policyCheckCmd.Flags().StringVarP(&policyFile, "policy", "P", "", "Path to a policy YAML file")
	policyCheckCmd.Flags().StringVar(&policyPreset, "preset", "", "Use a built-in preset: pci-dss-baseline or strict")
	policyCheckCmd.Flags().StringVar(&policyID, "id", "", "Evaluate the latest stored version of this policy id")
	policyCheckCmd.Flags().StringVar(&factsFile, "facts", "", "Path to a JSON or YAML fact document")
	policyCmd.AddCommand(policyCheckCmd)
	policyCmd.AddCommand(policyPublishCmd)
	policyCmd.AddCommand(policyListCmd)
}

// GetPolicyCmd export
func GetPolicyCmd() *cobra.Command {
	return policyCmd
}

func runPolicyCheck(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	sess := receipt.Start(ctx, "patchplan policy check", os.Args[1:])
	var receiptHits []receipt.RuleHit
	var policyStatus string
	var checkedPolicy *models.Policy

	defer func() {
		id, version, mode := "", 0, ""
		if checkedPolicy != nil {
			id, version, mode = checkedPolicy.ID, checkedPolicy.Version, string(checkedPolicy.EnforcementMode)
		}
		_ = sess.Finish(err, receipt.WithPolicy(id, version, mode, policyStatus, receiptHits))
	}()

	log := logging.From(ctx)
	start := time.Now()

	// Start OTel span if enabled (before log.Event so trace_id is available)
	if h := otelobs.From(ctx); h != nil {
		var span trace.Span
		ctx, span = h.Tracer.Start(ctx, "patchplan.policy.check",
			trace.WithAttributes(
				attribute.String("patchplan.op_id", observability.OpID(ctx)),
				attribute.String("patchplan.command", "policy check"),
				attribute.String("patchplan.preset", policyPreset),
			))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed")
			} else {
				span.SetStatus(codes.Ok, "success")
			}
			span.End()
		}()
	}

	log.Event(ctx, "policy_check.start", nil)

	var resultStatus string
	defer func() {
		log.Event(ctx, "policy_check.complete", map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
			"result":      resultStatus,
		})
	}()

	pol, loadErr := resolvePolicy()
	if loadErr != nil {
		resultStatus = "fail"
		policyStatus = "fail"
		return fmt.Errorf("failed to load policy: %w", loadErr)
	}
	checkedPolicy = pol

	fmt.Printf("%s%sPolicy:%s %s (v%d, %s)\n\n", colorBold, colorYellow, colorReset, pol.Name, pol.Version, pol.EnforcementMode)

	engine, engErr := policy.NewEngine()
	if engErr != nil {
		resultStatus = "fail"
		return fmt.Errorf("failed to create policy engine: %w", engErr)
	}

	if compErr := engine.CompileAndValidate(pol); compErr != nil {
		resultStatus = "fail"
		return compErr
	}

	facts, factsErr := gatherFacts(factsFile)
	if factsErr != nil {
		resultStatus = "fail"
		return factsErr
	}

	report, evalErr := engine.Evaluate(ctx, pol, facts)
	if evalErr != nil {
		resultStatus = "fail"
		return fmt.Errorf("policy evaluation failed: %w", evalErr)
	}

	failed := printRuleResults(report.Results)
	for _, res := range report.FailedRules() {
		receiptHits = append(receiptHits, receipt.RuleHit{
			Name:          res.RuleName,
			Severity:      string(res.Severity),
			MissingFields: res.MissingFields,
		})
	}

	if failed == 0 {
		fmt.Printf("\n%s%s✓ All policy checks passed%s\n", colorBold, colorGreen, colorReset)
		resultStatus = "success"
		policyStatus = "pass"
		return nil
	}

	// Enforcement mode decides exit behavior on failed rules
	if pol.EnforcementMode == models.EnforcementWarning {
		fmt.Printf("\n%s%s⚠ Policy check passed with %d failed rules (warning mode)%s\n", colorBold, colorYellow, failed, colorReset)
		resultStatus = "success"
		policyStatus = "warn"
		return nil
	}

	fmt.Printf("\n%s%s✗ Policy check failed (%d rules)%s\n", colorBold, colorRed, failed, colorReset)
	resultStatus = "fail"
	policyStatus = "fail"
	return fmt.Errorf("policy check failed: %d rules did not hold", failed)
}

// resolvePolicy loads from preset, file, or the policy store.
func resolvePolicy() (*models.Policy, error) {
	if policyPreset != "" {
		if p := policy.GetPreset(policyPreset); p != nil {
			return p, nil
		}
		return nil, fmt.Errorf("unknown preset: %s", policyPreset)
	}
	if policyFile != "" {
		return policy.LoadFile(policyFile)
	}
	if policyID != "" {
		return policyStore().Latest(policyID)
	}
	return nil, fmt.Errorf("one of --policy, --preset, or --id is required")
}

// gatherFacts merges vulnerability-derived facts with the facts file;
// file facts win.
func gatherFacts(factsPath string) (map[string]interface{}, error) {
	facts := map[string]interface{}{}

	st, err := store.Open(stateDir)
	if err != nil {
		return nil, err
	}
	vulns, err := st.LoadVulnerabilities()
	if err != nil {
		return nil, err
	}
	for k, v := range ingest.Facts(vulns) {
		facts[k] = v
	}

	if factsPath != "" {
		fileFacts, err := policy.LoadFacts(factsPath)
		if err != nil {
			return nil, err
		}
		for k, v := range fileFacts {
			facts[k] = v
		}
	}

	return facts, nil
}

func policyStore() *policy.Store {
	return policy.NewStore(stateDir + "/policies")
}

func runPolicyPublish(cmd *cobra.Command, args []string) error {
	pol, err := policy.LoadFile(args[0])
	if err != nil {
		return err
	}

	engine, err := policy.NewEngine()
	if err != nil {
		return err
	}
	if err := engine.CompileAndValidate(pol); err != nil {
		return err
	}

	if err := policyStore().Put(pol); err != nil {
		return err
	}

	fmt.Printf("%s✓%s Published %s v%d (%d rules)\n", colorGreen, colorReset, pol.ID, pol.Version, len(pol.Rules))
	return nil
}

func runPolicyList(cmd *cobra.Command, args []string) error {
	policies, err := policyStore().List()
	if err != nil {
		return err
	}

	for _, pol := range policies {
		fmt.Printf("%-24s v%-3d %-12s %s\n", pol.ID, pol.Version, pol.Type, pol.Name)
	}
	for _, name := range policy.ListPresetNames() {
		p := policy.MustGetPreset(name)
		fmt.Printf("%-24s v%-3d %-12s %s (preset)\n", p.ID, p.Version, p.Type, p.Name)
	}
	return nil
}
