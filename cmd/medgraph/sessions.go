package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/medgraph/graph/store"
	"github.com/dshills/medgraph/internal/session"
)

func (c *cli) sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect checkpointed diagnostic sessions",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions by checkpoint status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), c.cfg, c.log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			infos, err := a.store.ListCheckpoints(cmd.Context(), status)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				fmt.Fprintln(out, "no sessions")
				return nil
			}
			for _, info := range infos {
				fmt.Fprintf(out, "%s\t%s\tstep %d\t%s\n", info.RunID, info.Status, info.Step,
					info.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", store.StatusSuspended,
		"checkpoint status to list (suspended, completed, failed); empty lists all")

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the status and state of one session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), c.cfg, c.log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			st, err := a.sessions.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

var _ sessionClient = (*session.Service)(nil)
