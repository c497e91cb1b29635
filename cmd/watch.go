package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/twinshift/twinshift/internal/watch"
)

var (
	watchDebounce time.Duration
	watchDiff     bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-analyze Python files as they change",
	Long: `Watch the project and re-run the analysis on every changed candidate file.
Nothing is written; each batch of changes prints the rewrites it would make.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, appOptions{approval: "deny"})
		if err != nil {
			return err
		}
		defer a.close()

		if _, err := a.engine.Catalog(); err != nil {
			return err
		}

		w, err := watch.New(a.cfg.Project.Root, a.cfg.Project.Exclude, func(ctx context.Context, paths []string) error {
			fmt.Printf("\n%s: %d file(s) changed\n", time.Now().Format(time.TimeOnly), len(paths))
			sum, err := a.engine.Migrate(ctx, paths, true)
			if err != nil {
				return err
			}
			printSummary(sum, watchDiff)
			return nil
		}, a.logger)
		if err != nil {
			return err
		}
		if watchDebounce > 0 {
			w.SetDebounce(watchDebounce)
		}

		fmt.Printf("Watching %s (Ctrl+C to stop)\n", a.cfg.Project.Root)
		return w.Run(ctx)
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", watch.DefaultDebounce, "wait this long for writes to settle")
	watchCmd.Flags().BoolVar(&watchDiff, "diff", false, "print unified diffs")
	rootCmd.AddCommand(watchCmd)
}
