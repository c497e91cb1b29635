package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/twinshift/twinshift/internal/issue"
	"github.com/twinshift/twinshift/internal/migration"
)

var (
	migrateDryRun bool
	migrateDiff   bool
	analyzeDiff   bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [files...]",
	Short: "Preview rewrites and compatibility verdicts without writing",
	Long: `Run the rule catalog over the given files, or every discovered file, and
report each rewrite with its backward-compatibility verdict. Nothing is
written.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), appOptions{approval: "deny"})
		if err != nil {
			return err
		}
		defer a.close()

		sum, err := a.engine.Migrate(cmd.Context(), absPaths(args), true)
		if err != nil {
			return err
		}
		printSummary(sum, analyzeDiff)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate [files...]",
	Short: "Rewrite legacy pandas code",
	Long: `Rewrite the given files, or every discovered file, with the rule catalog.
Originals are backed up under migration.backup_dir. A rewrite that breaks the
file's syntax is reverted and the file is left untouched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), appOptions{lock: !migrateDryRun})
		if err != nil {
			return err
		}
		defer a.close()

		sum, err := a.engine.Migrate(cmd.Context(), absPaths(args), migrateDryRun)
		if err != nil {
			return err
		}
		printSummary(sum, migrateDiff)
		return nil
	},
}

func absPaths(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if abs, err := filepath.Abs(a); err == nil {
			out = append(out, abs)
		} else {
			out = append(out, a)
		}
	}
	return out
}

func printSummary(sum *migration.Summary, diffs bool) {
	changes := 0
	for _, f := range sum.Files {
		changes += len(f.Changes)
		if f.Status == migration.StatusUnchanged && len(f.Issues) == 0 {
			continue
		}
		fmt.Printf("%-12s %-9s %s (%d changes)\n", f.Verdict, f.Status, f.Path, len(f.Changes))
		for _, c := range f.Changes {
			fmt.Printf("    line %d  %s  %s -> %s\n", c.Line, c.Rule, c.Original, c.Replacement)
		}
		for _, is := range f.Issues {
			if is.Severity != issue.SeverityInfo {
				fmt.Printf("    %s\n", is)
			}
		}
		if diffs && f.Diff != "" {
			fmt.Println(f.Diff)
		}
	}

	fmt.Println()
	fmt.Printf("Files: %d (%d changed, %d rewrites)\n", len(sum.Files), len(sum.Changed()), changes)
	fmt.Printf("Compatible: %d  Incompatible: %d  Warn: %d\n",
		sum.Counts[migration.VerdictCompatible], sum.Counts[migration.VerdictIncompatible], sum.Counts[migration.VerdictWarn])
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeDiff, "diff", false, "print unified diffs")
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "compute rewrites without writing files")
	migrateCmd.Flags().BoolVar(&migrateDiff, "diff", false, "print unified diffs")
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(migrateCmd)
}
