package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/twinshift/twinshift/internal/rollback"
	"github.com/twinshift/twinshift/internal/state"
)

var (
	rollbackKeep   bool
	rollbackDryRun bool
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback [files...]",
	Short: "Restore migrated files from their backups",
	Long: `Put back the originals saved under migration.backup_dir, for the given
project-relative files or for every backup. Restoring anything resets the
workflow so the next run starts from discovery.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), appOptions{approval: "deny", lock: !rollbackDryRun})
		if err != nil {
			return err
		}
		defer a.close()

		statePath := state.Path(a.cfg.Project.Root)
		st, err := state.Load(statePath)
		if err != nil {
			return fmt.Errorf("loading state: %w", err)
		}

		rb := rollback.New(afero.NewOsFs(), a.cfg.Project.Root, a.cfg.Path(a.cfg.Migration.BackupDir), st)
		result, err := rb.Execute(cmd.Context(), rollback.Options{
			Files:       args,
			KeepBackups: rollbackKeep,
			DryRun:      rollbackDryRun,
		})
		if err != nil {
			return err
		}

		verb := "Restored"
		if rollbackDryRun {
			verb = "Would restore"
		}
		fmt.Printf("%s %d file(s)\n", verb, len(result.Restored))
		for _, f := range result.Restored {
			fmt.Printf("  %s\n", f)
		}
		for _, f := range result.Missing {
			fmt.Printf("  no backup: %s\n", f)
		}
		for _, e := range result.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		if result.StateReset {
			if err := st.Save(statePath); err != nil {
				return err
			}
			fmt.Println("Workflow reset to discover.")
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("%d file(s) could not be restored", len(result.Errors))
		}
		return nil
	},
}

func init() {
	rollbackCmd.Flags().BoolVar(&rollbackKeep, "keep-backups", false, "leave backups in place after restoring")
	rollbackCmd.Flags().BoolVar(&rollbackDryRun, "dry-run", false, "list what would be restored")
	rootCmd.AddCommand(rollbackCmd)
}
