package app

import (
	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
	"github.com/ggonzalez94/defi-sim/internal/store"
)

func (s *runtimeState) newRunsCommand() *cobra.Command {
	root := &cobra.Command{Use: "runs", Short: "Recorded simulation runs"}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch status {
			case "", store.StatusSucceeded, store.StatusFailed:
			default:
				return clierr.Newf(clierr.CodeUsage, "--status must be %s or %s", store.StatusSucceeded, store.StatusFailed)
			}
			runs, err := s.runStore()
			if err != nil {
				return err
			}
			records, err := runs.List(status, limit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list runs", err)
			}
			summaries := make([]store.RunSummary, 0, len(records))
			for _, r := range records {
				summaries = append(summaries, r.Summary())
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), summaries, nil)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status (succeeded, failed)")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum runs to return")
	root.AddCommand(list)

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its plan, corrections and report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := s.runStore()
			if err != nil {
				return err
			}
			record, err := runs.Get(args[0])
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), record, nil)
		},
	}
	root.AddCommand(show)
	return root
}
