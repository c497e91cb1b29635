package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/twinshift/twinshift/internal/database"
	"github.com/twinshift/twinshift/internal/guard"
)

var guardApproval string

var guardCmd = &cobra.Command{
	Use:   "guard",
	Short: "Classify and run SQL behind the approval guard",
}

var guardClassifyCmd = &cobra.Command{
	Use:   "classify [text|-]",
	Short: "Classify SQL or code as read or mutating",
	Long: `Print how the guard classifies a statement or a piece of Python code. With
- or no argument the text is read from stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := textArg(args)
		if err != nil {
			return err
		}
		c := guard.Classify(text)
		out, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var guardExecCmd = &cobra.Command{
	Use:   "exec [sql|-]",
	Short: "Run SQL against database.url after approval",
	Long: `Run one statement against the configured PostgreSQL database. Mutating
statements are held until approved; every decision is written to the audit
store.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := textArg(args)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := newApp(ctx, appOptions{approval: guardApproval, lock: true})
		if err != nil {
			return err
		}
		defer a.close()
		if a.queue != nil {
			return fmt.Errorf("approval mode http needs the API server; use `twinshift serve` or --approval prompt")
		}

		conn, err := database.Connect(ctx, a.cfg.Database)
		if err != nil {
			return err
		}
		exec := database.New(conn, a.guard, a.logger)
		defer exec.Close()

		res, err := exec.Exec(ctx, text)
		var denied *guard.DeniedError
		if errors.As(err, &denied) {
			fmt.Printf("Not executed: %s\n", denied.Reason)
			return err
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s statement executed, %d rows affected\n", res.Class.Class, res.RowsAffected)
		if res.EventID != "" {
			fmt.Printf("Audit event: %s\n", res.EventID)
		}
		return nil
	},
}

func textArg(args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("no input on stdin")
	}
	return text, nil
}

func init() {
	guardExecCmd.Flags().StringVar(&guardApproval, "approval", "", "approval mode (tui, prompt, deny); default guard.approval")
	guardCmd.AddCommand(guardClassifyCmd)
	guardCmd.AddCommand(guardExecCmd)
	rootCmd.AddCommand(guardCmd)
}
