package cli

import (
	"fmt"
	"os"

	"github.com/patchplan/patchplan/internal/ingest"
	"github.com/patchplan/patchplan/internal/models"
	"github.com/patchplan/patchplan/internal/observability/logging"
	"github.com/patchplan/patchplan/internal/observability/receipt"
	"github.com/patchplan/patchplan/internal/store"
	"github.com/spf13/cobra"
)

var ingestFormat string

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE...",
	Short: "Normalize scanner reports into the vulnerability store",
	Long: `Normalize scanner output into canonical vulnerability records.

Malformed records are rejected individually; the rest of each batch
still ingests.

Example:
  patchplan ingest --format trivy scan-results.json`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE:         runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestFormat, "format", "f", ingest.FormatGeneric, "Payload format: trivy or generic")
}

// GetIngestCmd export
func GetIngestCmd() *cobra.Command {
	return ingestCmd
}

func runIngest(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	sess := receipt.Start(ctx, "patchplan ingest", os.Args[1:])
	accepted, rejected := 0, 0
	defer func() {
		_ = sess.Finish(err, receipt.WithIngest(ingestFormat, accepted, rejected))
	}()

	ctx, endSpan := startSpan(ctx, "patchplan.ingest")
	defer func() { endSpan(err) }()

	log := logging.From(ctx)

	st, err := store.Open(stateDir)
	if err != nil {
		return err
	}

	existing, err := st.LoadVulnerabilities()
	if err != nil {
		return err
	}

	merged := existing
	for _, path := range args {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("failed to read %s: %w", path, readErr)
		}

		report, normErr := ingest.Normalize(ingestFormat, data)
		if normErr != nil {
			return fmt.Errorf("%s: %w", path, normErr)
		}

		accepted += len(report.Vulnerabilities)
		rejected += len(report.Rejected)
		merged = append(merged, report.Vulnerabilities...)

		for _, rej := range report.Rejected {
			log.Warn("ingest", "record rejected",
				"file", path, "index", rej.Index, "reason", rej.Reason)
			fmt.Printf("%s⚠%s %s: record %d rejected: %s\n",
				colorYellow, colorReset, path, rej.Index, rej.Reason)
		}
	}

	merged = ingest.Dedupe(merged)
	if err := st.SaveVulnerabilities(merged); err != nil {
		return err
	}

	log.Event(ctx, "ingest.complete", map[string]any{
		"format":   ingestFormat,
		"accepted": accepted,
		"rejected": rejected,
		"stored":   len(merged),
	})

	fmt.Printf("\n%s%s✓ Ingested %d records%s (%d rejected, %d stored total)\n",
		colorBold, colorGreen, accepted, colorReset, rejected, len(merged))

	printSeverityCounts(merged)
	return nil
}

func printSeverityCounts(vulns []models.Vulnerability) {
	counts := map[models.Severity]int{}
	for _, v := range vulns {
		counts[v.Severity]++
	}
	for _, sev := range []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow} {
		if counts[sev] > 0 {
			fmt.Printf("  %s%-8s%s %d\n", severityColor(sev), sev, colorReset, counts[sev])
		}
	}
}
