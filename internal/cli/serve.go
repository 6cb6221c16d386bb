package cli

import (
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/patchplan/patchplan/internal/api"
	"github.com/patchplan/patchplan/internal/coordinator"
	"github.com/patchplan/patchplan/internal/observability/logging"
	"github.com/patchplan/patchplan/internal/store"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the remediation HTTP API",
	Long: `Serve the plan lifecycle over HTTP. Transition endpoints read the
acting identity from the X-Patchplan-Actor header; when --approvers is
set, only the listed identities may approve, apply, or roll back.

Example:
  patchplan serve --addr :8787 --approvers alice,bob --state-file ./app-state.json`,
	SilenceUsage: true,
	RunE:         runServe,
}

var (
	serveAddr       string
	serveWebhookURL string
	serveStateFile  string
	serveExecute    bool
	serveApprovers  []string
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8787", "Listen address")
	serveCmd.Flags().StringVar(&serveWebhookURL, "webhook-url", "", "POST plan transition events to this URL")
	serveCmd.Flags().StringVar(&serveStateFile, "state-file", "", "Live state document snapshotted for rollback")
	serveCmd.Flags().BoolVar(&serveExecute, "execute", false, "Run action commands through the shell instead of the no-op executor")
	serveCmd.Flags().StringSliceVar(&serveApprovers, "approvers", nil, "Identities allowed to approve, apply, and roll back")
}

// GetServeCmd export
func GetServeCmd() *cobra.Command {
	return serveCmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logging.From(ctx)

	st, err := store.Open(stateDir)
	if err != nil {
		return err
	}

	var opts []coordinator.Option
	if serveStateFile != "" {
		opts = append(opts, coordinator.WithSnapshotter(coordinator.FileSnapshotter{Path: serveStateFile, Store: st}))
	}
	if len(serveApprovers) > 0 {
		opts = append(opts, coordinator.WithAuthorizer(coordinator.AllowActors(serveApprovers...)))
	}
	if serveExecute {
		opts = append(opts, coordinator.WithExecutor(&coordinator.ShellExecutor{
			Timeout: coordinator.DefaultActionTimeout,
		}))
	}
	if serveWebhookURL != "" {
		notifier := &api.Notifier{
			URL:    serveWebhookURL,
			Client: &http.Client{Timeout: 10 * time.Second},
			Log:    log,
		}
		opts = append(opts, coordinator.WithObserver(notifier.Observer()))
	}

	coord := coordinator.New(st, opts...)
	srv := api.NewServer(st, coord)

	log.Event(ctx, "serve.start", map[string]any{
		"addr":      serveAddr,
		"approvers": len(serveApprovers),
		"webhook":   serveWebhookURL != "",
	})

	return srv.Run(ctx, serveAddr)
}
