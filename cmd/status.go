package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/twinshift/twinshift/internal/lock"
	"github.com/twinshift/twinshift/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workflow progress and the latest evidence",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := state.Load(state.Path(cfg.Project.Root))
		if err != nil {
			return fmt.Errorf("loading state: %w", err)
		}

		if held, pid, err := lock.IsHeld(lock.Path(cfg.Project.Root)); err == nil && held {
			fmt.Printf("A run is in progress (pid %d)\n\n", pid)
		}
		fmt.Printf("Current phase: %s\n\n", st.Current)

		for i, p := range state.Order {
			mark := "  "
			ps, done := st.Phases[p]
			switch {
			case done && ps.Status == "skipped":
				mark = "--"
			case done && ps.Status == "failed":
				mark = "!!"
			case done:
				mark = "OK"
			case st.Current == p:
				mark = ">>"
			}
			line := fmt.Sprintf("  [%s] %d. %s", mark, i+1, p)
			if ps.Detail != "" {
				line += ": " + ps.Detail
			}
			fmt.Println(line)
		}

		fmt.Println()
		if st.Failure != "" {
			fmt.Printf("Failure: %s\n", st.Failure)
		}
		for _, id := range []string{cfg.Runtimes.Old.ID, cfg.Runtimes.New.ID} {
			if dir := st.Baseline[id]; dir != "" {
				fmt.Printf("Baseline %s: %s\n", id, dir)
			}
			if dir := st.Evidence[id]; dir != "" {
				fmt.Printf("Evidence %s: %s\n", id, dir)
			}
		}
		if st.ReportText != "" {
			fmt.Printf("Report: %s\n", st.ReportText)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
