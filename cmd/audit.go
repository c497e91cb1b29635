package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/twinshift/twinshift/internal/audit"
)

var (
	auditEvent string
	auditState string
	auditLimit int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the approval trail of guarded operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := audit.Open(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("opening audit store: %w", err)
		}
		defer store.Close()

		entries, err := store.List(cmd.Context(), audit.Filter{EventID: auditEvent, State: auditState, Limit: auditLimit})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No audit entries.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tEVENT\tOP\tSTATE\tAPPROVER\tEXCERPT")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Time.Local().Format(time.DateTime), shortID(e.EventID), e.Op, e.State, e.Approver, e.Excerpt)
		}
		return tw.Flush()
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	auditCmd.Flags().StringVar(&auditEvent, "event", "", "only entries of this event id")
	auditCmd.Flags().StringVar(&auditState, "state", "", "only entries in this state (pending, approved, denied)")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "show at most the latest n entries (0 for all)")
	rootCmd.AddCommand(auditCmd)
}
