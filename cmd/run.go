package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/twinshift/twinshift/internal/config"
	"github.com/twinshift/twinshift/internal/engine"
	"github.com/twinshift/twinshift/internal/report"
)

var (
	runApproval string
	runPort     int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the whole workflow from discovery to the report",
	Long: `Discover candidate files, optionally record a baseline, migrate, run setup
SQL behind the guard, test under both runtimes, compare artifacts and write
the report to .twinshift/report.{json,txt}.

With --approval http the API server is started for the length of the run so
approvals can be resolved with POST /api/approvals/{id}.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mode := runApproval
		a, err := newApp(ctx, appOptions{approval: mode, live: mode == "http", lock: true})
		if err != nil {
			return err
		}
		defer a.close()

		if a.queue != nil {
			port := runPort
			if port == 0 {
				port = a.cfg.Server.Port
			}
			srv := a.serve(ctx, port)
			defer srv.shutdown()
			fmt.Fprintf(os.Stderr, "Approvals: http://localhost:%d/api/approvals\n", port)
		}

		runErr := a.engine.Run(ctx)
		if r := a.engine.LastReport(); r != nil {
			fmt.Println()
			fmt.Print(report.FormatText(r))
			if runErr == nil && !r.Ready {
				return fmt.Errorf("migration is not ready; see %s", filepath.Join(a.cfg.Path(config.StateDir), engine.ReportText))
			}
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().StringVar(&runApproval, "approval", "", "approval mode (tui, prompt, http, deny); default guard.approval")
	runCmd.Flags().IntVar(&runPort, "port", 0, "API port for --approval http (default server.port)")
	rootCmd.AddCommand(runCmd)
}
