package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/twinshift/twinshift/internal/config"
)

var (
	initRoot  string
	initForce bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Write twinshift.yaml with both runtimes, the test suite and the guard
preconfigured. Edit runtimes.old and runtimes.new to point at the two
interpreters before running anything else.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath
		}
		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		cfg := config.Default()
		cfg.Project.Root = initRoot
		if err := cfg.Save(path); err != nil {
			return fmt.Errorf("saving config: %w", err)
		}

		fmt.Printf("Config written to %s\n", path)
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Println("  twinshift analyze   Preview the rewrites without touching files")
		fmt.Println("  twinshift run       Migrate, test under both runtimes and report")
		fmt.Println("  twinshift serve     Start the HTTP API")
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initRoot, "root", ".", "project root, relative to the config file")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config")
	rootCmd.AddCommand(initCmd)
}
