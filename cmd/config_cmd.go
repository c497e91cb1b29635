package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/twinshift/twinshift/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and validate twinshift configuration.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the resolved config (secrets masked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Println("Current configuration:")
		fmt.Println()
		fmt.Printf("  Project:\n")
		fmt.Printf("    Root:           %s\n", cfg.Project.Root)
		fmt.Printf("    Markers:        %s\n", strings.Join(cfg.Project.Markers, ", "))
		fmt.Printf("    Branch:         %t\n", cfg.Project.Branch)
		fmt.Println()
		fmt.Printf("  Rules:\n")
		catalog := cfg.Rules.Catalog
		if catalog == "" {
			catalog = "(built-in)"
		}
		fmt.Printf("    Catalog:        %s\n", catalog)
		fmt.Printf("    Max passes:     %d\n", cfg.Rules.MaxPasses)
		fmt.Printf("    Incompatible:   %s\n", cfg.Rules.IncompatiblePolicy)
		fmt.Println()
		for i, rt := range []config.RuntimeConfig{cfg.Runtimes.Old, cfg.Runtimes.New} {
			fmt.Printf("  %s runtime:\n", [...]string{"Old", "New"}[i])
			fmt.Printf("    ID:             %s\n", rt.ID)
			fmt.Printf("    Command:        %s\n", strings.Join(append(slices.Clone(rt.Command), rt.Interpreter), " "))
			fmt.Printf("    Expect:         %s\n", rt.Expect)
		}
		fmt.Println()
		fmt.Printf("  Tests:\n")
		fmt.Printf("    Framework:      %s\n", cfg.Tests.Framework)
		fmt.Printf("    Paths:          %s\n", strings.Join(cfg.Tests.Paths, ", "))
		fmt.Printf("    Timeout:        %s\n", cfg.Tests.Timeout)
		fmt.Printf("    Baseline:       %t\n", cfg.Tests.Baseline)
		fmt.Println()
		fmt.Printf("  Guard:            %s (timeout %s)\n", cfg.Guard.Approval, cfg.Guard.ApprovalTimeout)
		fmt.Printf("  Database:         %s\n", maskSecret(cfg.Database.URL))
		switch cfg.Audit.Backend {
		case "file", "sqlite":
			fmt.Printf("  Audit:            %s %s\n", cfg.Audit.Backend, cfg.Path(cfg.Audit.Path))
		default:
			fmt.Printf("  Audit:            %s %s\n", cfg.Audit.Backend, maskSecret(cfg.Audit.URL))
		}
		fmt.Printf("  Evidence:         %s\n", cfg.Path(cfg.Evidence.Root))
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Println("Configuration is valid.")
		return nil
	},
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
