package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/twinshift/twinshift/internal/rules"
)

var rulesCatalog string

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the rules of a catalog",
	Long: `Load a rule catalog and list its rules in application order. Without
--catalog the configured catalog is used, or the built-in pandas catalog when
no config exists. Malformed rules are reported and skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := rulesCatalog
		if path == "" {
			if cfg, err := loadConfig(); err == nil && cfg.Rules.Catalog != "" {
				path = cfg.Path(cfg.Rules.Catalog)
			}
		}
		cat, err := rules.Load(path)
		if err != nil {
			return err
		}

		fmt.Printf("Catalog: %s (%d rules)\n\n", cat.Source(), len(cat.Rules()))
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTIER\tKIND\tCOMPATIBILITY\tPATTERN")
		for _, r := range cat.Rules() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Tier, r.Kind, r.Compatibility, r.Pattern)
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		if skipped := cat.Skipped(); len(skipped) > 0 {
			fmt.Printf("\nSkipped %d malformed rule(s):\n", len(skipped))
			for _, pe := range skipped {
				fmt.Printf("  - %s: %s\n", pe.RuleID, pe.Reason)
			}
		}
		fmt.Printf("\nAllow-list patterns: %d, new-only constructs: %d\n", len(cat.AllowList()), len(cat.NewOnly()))
		return nil
	},
}

func init() {
	rulesCmd.Flags().StringVar(&rulesCatalog, "catalog", "", "catalog file (default: rules.catalog or built-in)")
	rootCmd.AddCommand(rulesCmd)
}
