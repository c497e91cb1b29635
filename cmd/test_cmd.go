package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/twinshift/twinshift/internal/compare"
	"github.com/twinshift/twinshift/internal/engine"
	"github.com/twinshift/twinshift/internal/runner"
)

var testVerbose bool

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run the suite under both runtimes",
	Long: `Run the configured test suite under the old and the new runtime
concurrently. Each run is recorded as evidence; a runtime that cannot be
activated is reported as an error without stopping the other.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), appOptions{lock: true})
		if err != nil {
			return err
		}
		defer a.close()

		pair, err := a.engine.Verify(cmd.Context())
		if err != nil {
			return err
		}
		printRun(pair.Old, testVerbose)
		printRun(pair.New, testVerbose)
		if pair.Old != nil && pair.New != nil {
			printRegressions(compare.Regressions(pair.Old, pair.New))
		}
		return nil
	},
}

var rerunCmd = &cobra.Command{
	Use:   "rerun <runtime-id> <test-id>",
	Short: "Re-run one test under one runtime",
	Long: `Re-run a single test from the latest run of a runtime. The result is a
new evidence run that differs from the previous one only in that test.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), appOptions{lock: true})
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.engine.Rerun(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		tc, _ := res.Lookup(args[1])
		fmt.Printf("%s %s: %s (attempt %d)\n", res.Runtime, tc.ID, tc.Status, tc.Attempt)
		fmt.Printf("Evidence: %s\n", res.Evidence)
		return nil
	},
}

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare artifacts of the latest old and new runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		results, err := a.engine.Compare(cmd.Context())
		if errors.Is(err, engine.ErrNoEvidence) {
			return fmt.Errorf("%w; run `twinshift test` first", err)
		}
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No artifacts were written by either run.")
			return nil
		}
		mismatches := 0
		for _, r := range results {
			if r.Match {
				fmt.Printf("  match     %s\n", r.Artifact)
				continue
			}
			mismatches++
			is, _ := r.Issue()
			fmt.Printf("  MISMATCH  %s: %s\n", r.Artifact, is.Message)
			for _, c := range r.Samples {
				fmt.Printf("      row %d col %d: %q vs %q\n", c.Row, c.Col, c.A, c.B)
			}
		}
		fmt.Printf("\n%d/%d artifacts match\n", len(results)-mismatches, len(results))
		if mismatches > 0 {
			return fmt.Errorf("%d artifact(s) differ", mismatches)
		}
		return nil
	},
}

func printRun(res *runner.Result, verbose bool) {
	if res == nil {
		return
	}
	counts := res.Counts()
	fmt.Printf("%s: %s", res.Runtime, res.Status)
	if res.Version != "" {
		fmt.Printf(" (pandas %s)", res.Version)
	}
	if res.Reason != "" {
		fmt.Printf(" [%s]", res.Reason)
	}
	fmt.Printf(" pass=%d fail=%d error=%d skip=%d in %s\n",
		counts[runner.StatusPass], counts[runner.StatusFail], counts[runner.StatusError], counts[runner.StatusSkip], res.Duration)
	for _, tc := range res.Tests {
		if verbose || tc.Status == runner.StatusFail || tc.Status == runner.StatusError {
			fmt.Printf("    %-5s %s\n", tc.Status, tc.ID)
		}
	}
	for _, is := range res.Issues {
		fmt.Printf("    %s\n", is)
	}
	if res.Evidence != "" {
		fmt.Printf("    evidence: %s\n", res.Evidence)
	}
}

func printRegressions(rep compare.RegressionReport) {
	if rep.CountMismatch {
		fmt.Printf("\nTest counts differ: %d old vs %d new\n", rep.OldCount, rep.NewCount)
	}
	if len(rep.Regressions) == 0 {
		return
	}
	fmt.Printf("\n%d regression(s):\n", len(rep.Regressions))
	for _, r := range rep.Regressions {
		to := string(r.New)
		if to == "" {
			to = "missing"
		}
		fmt.Printf("  %s: %s -> %s\n", r.Test, r.Old, to)
	}
}

func init() {
	testCmd.Flags().BoolVarP(&testVerbose, "verbose", "v", false, "list every test, not only failures")
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(rerunCmd)
	rootCmd.AddCommand(compareCmd)
}
