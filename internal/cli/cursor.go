package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"xrelay/internal/state"
)

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect or reset the last relayed post id",
}

var cursorShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the relay record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openState()
		if err != nil {
			return err
		}
		rec := st.Snapshot()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "account:   %s\n", orNone(rec.AccountID()))
		fmt.Fprintf(out, "handle:    %s\n", orNone(rec.Handle()))
		fmt.Fprintf(out, "channel:   %s\n", orNone(rec.Destination()))
		fmt.Fprintf(out, "last post: %s\n", orNone(rec.Cursor()))
		return nil
	},
}

var cursorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the last relayed post; the latest post is relayed on the next cycle",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openState()
		if err != nil {
			return err
		}
		if err := st.ClearCursor(); err != nil {
			return fmt.Errorf("reset cursor: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "cursor cleared")
		return nil
	},
}

func init() {
	cursorCmd.AddCommand(cursorShowCmd, cursorResetCmd)
	rootCmd.AddCommand(cursorCmd)
}

func openState() (*state.Store, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	return state.Open(s.StatePath, cliLogger())
}

func orNone(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}
