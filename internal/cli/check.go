package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"xrelay/internal/app"
	"xrelay/internal/poller"
)

var checkOffline bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one poll cycle now and relay the latest post if it is new",
	RunE:  checkAction,
}

func init() {
	checkCmd.Flags().BoolVar(&checkOffline, "offline", false, "do not connect to Telegram (sends fail, cursor still advances)")
	rootCmd.AddCommand(checkCmd)
}

func checkAction(cmd *cobra.Command, _ []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	opts := []app.Option{app.WithLogger(cliLogger()), app.WithoutHealth()}
	if checkOffline {
		opts = append(opts, app.Offline())
	}
	a, err := app.New(s, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	res, err := a.CheckOnce(cmd.Context())
	out := cmd.OutOrStdout()
	switch res.Outcome {
	case poller.OutcomeRelayed:
		fmt.Fprintf(out, "relayed post %s (%d sent, %d failed)\n", res.Post.ID, res.Report.Sent, res.Report.Failed)
	case poller.OutcomeDuplicate:
		fmt.Fprintf(out, "no new post (latest %s)\n", res.Post.ID)
	default:
		fmt.Fprintf(out, "%s\n", res.Outcome)
	}
	if err != nil {
		return err
	}
	return res.Err
}
