package cli

import (
	"fmt"
	"os"

	"github.com/patchplan/patchplan/internal/observability"
	"github.com/patchplan/patchplan/internal/observability/logging"
	otelobs "github.com/patchplan/patchplan/internal/observability/otel"
	"github.com/patchplan/patchplan/internal/observability/receipt"
	"github.com/patchplan/patchplan/internal/version"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "patchplan",
	Short: "Policy-driven vulnerability remediation coordinator",
	Long: `patchplan: from scanner findings to applied fixes.
Normalizes vulnerability reports, evaluates compliance policies,
and drives remediation plans through approval, apply, and rollback.`,
	Version:           version.BuildVersion(),
	PersistentPreRunE: setupContext,
	PersistentPostRun: teardownContext,
}

// Global flags
var (
	stateDir string

	logFormat string
	logLevel  string
	logOutput string

	receiptPath string
	receiptMode string

	otelEnabled     bool
	otelEndpoint    string
	otelProtocol    string
	otelInsecure    bool
	otelSampleRatio float64
)

// Per-invocation handles, closed in teardownContext.
var (
	activeLogger        logging.Logger
	activeReceiptWriter receipt.Writer
	activeOtel          *otelobs.Handle
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&stateDir, "state-dir", ".patchplan", "Directory holding plans, events, and snapshots")
	pf.StringVar(&logFormat, "log-format", "pretty", "Log format: pretty or jsonl")
	pf.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.StringVar(&logOutput, "log-output", "stderr", "Log destination: stderr or a file path")
	pf.StringVar(&receiptPath, "receipt", "", "Write an audit receipt to this path")
	pf.StringVar(&receiptMode, "receipt-mode", "append", "Receipt mode: append (jsonl) or overwrite")
	pf.BoolVar(&otelEnabled, "otel", false, "Enable OpenTelemetry tracing")
	pf.StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP endpoint (defaults per protocol)")
	pf.StringVar(&otelProtocol, "otel-protocol", otelobs.ProtocolHTTP, "OTLP protocol: otlphttp or otlpgrpc")
	pf.BoolVar(&otelInsecure, "otel-insecure", false, "Allow insecure OTLP connections")
	pf.Float64Var(&otelSampleRatio, "otel-sample-ratio", 1.0, "Trace sampling ratio (0..1)")

	rootCmd.AddCommand(GetIngestCmd())
	rootCmd.AddCommand(GetPolicyCmd())
	rootCmd.AddCommand(GetPlanCmd())
	rootCmd.AddCommand(GetServeCmd())
}

// setupContext wires op_id, logger, receipt writer, and tracing into the
// command context before any subcommand runs.
func setupContext(cmd *cobra.Command, args []string) error {
	ctx := observability.WithOpID(cmd.Context())

	logger, err := logging.NewLogger(logging.Config{
		Format: logFormat,
		Level:  logLevel,
		Output: logOutput,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	activeLogger = logger
	ctx = logging.WithLogger(ctx, logger)

	if receiptPath != "" {
		w, err := receipt.NewWriter(receiptPath, receiptMode)
		if err != nil {
			return fmt.Errorf("failed to initialize receipt writer: %w", err)
		}
		activeReceiptWriter = w
		ctx = receipt.WithWriter(ctx, w)
	}

	if otelEnabled {
		handle, err := otelobs.Init(ctx, otelobs.Config{
			Enabled:     true,
			Endpoint:    otelEndpoint,
			Protocol:    otelProtocol,
			Insecure:    otelInsecure,
			ServiceName: "patchplan",
			SampleRatio: otelSampleRatio,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		activeOtel = handle
		ctx = otelobs.WithHandle(ctx, handle)
	}

	cmd.SetContext(ctx)
	return nil
}

func teardownContext(cmd *cobra.Command, args []string) {
	if activeOtel != nil {
		_ = activeOtel.Shutdown(cmd.Context())
	}
	if activeReceiptWriter != nil {
		_ = activeReceiptWriter.Close()
	}
	if activeLogger != nil {
		_ = activeLogger.Close()
	}
}
