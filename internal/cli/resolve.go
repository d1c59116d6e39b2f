package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"xrelay/internal/app"
)

var resolveSave bool

var resolveCmd = &cobra.Command{
	Use:   "resolve <handle>",
	Short: "Look up an X account id by handle",
	Args:  cobra.ExactArgs(1),
	RunE:  resolveAction,
}

func init() {
	resolveCmd.Flags().BoolVar(&resolveSave, "save", false, "store the account as the relay source")
	rootCmd.AddCommand(resolveCmd)
}

func resolveAction(cmd *cobra.Command, args []string) error {
	handle := strings.TrimPrefix(strings.TrimSpace(args[0]), "@")
	if handle == "" {
		return fmt.Errorf("empty handle")
	}
	s, err := loadSettings()
	if err != nil {
		return err
	}
	a, err := app.New(s, app.Offline(), app.WithoutHealth(), app.WithLogger(cliLogger()))
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	u, err := a.Source().LookupUser(cmd.Context(), handle)
	if err != nil {
		return fmt.Errorf("resolve @%s: %w", handle, err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "@%s\t%s\t%s\n", u.Username, u.ID, u.Name)

	if resolveSave {
		if err := a.State().SetSource(u.ID, handle); err != nil {
			return fmt.Errorf("save source: %w", err)
		}
		fmt.Fprintf(out, "saved to %s\n", a.State().Path())
	}
	return nil
}
