package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dygram/dygram-go/session"
)

func newExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Manage persisted executions",
	}
	cmd.AddCommand(newExecListCmd(), newExecStatusCmd(), newExecRmCmd(), newExecCleanCmd())
	return cmd
}

// resolveID maps the "last" alias to the most recent execution id.
func resolveID(cmd *cobra.Command, store session.Store, id string) string {
	if id != "last" {
		return id
	}
	last, err := store.Last(cmd.Context())
	if err != nil {
		return id
	}
	return last
}

func newExecListCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted executions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(dbPath)
			if err != nil {
				return err
			}
			list, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			last, _ := store.Last(cmd.Context())
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tMODE\tSTEPS\tPATHS\tSOURCE")
			for _, md := range list {
				marker := ""
				if md.ID == last {
					marker = " *"
				}
				fmt.Fprintf(w, "%s%s\t%s\t%s\t%d\t%d\t%s\n",
					md.ID, marker, md.Status, md.Mode, md.StepCount, md.PathCount, md.Source)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Session store override")
	return cmd
}

func newExecStatusCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show one execution's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(dbPath)
			if err != nil {
				return err
			}
			id := resolveID(cmd, store, args[0])
			md, err := store.LoadMetadata(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:        %s\n", md.ID)
			fmt.Fprintf(out, "source:    %s\n", md.Source)
			fmt.Fprintf(out, "status:    %s\n", md.Status)
			fmt.Fprintf(out, "mode:      %s\n", md.Mode)
			fmt.Fprintf(out, "started:   %s\n", md.StartedAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "last run:  %s\n", md.LastExecutedAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "steps:     %d\n", md.StepCount)
			fmt.Fprintf(out, "turns:     %d\n", md.TurnCount)
			fmt.Fprintf(out, "paths:     %d\n", md.PathCount)
			fmt.Fprintf(out, "tokens:    %d in / %d out ($%.4f)\n",
				md.Usage.InputTokens, md.Usage.OutputTokens, md.Usage.CostUSD)

			if sf, err := store.LoadState(cmd.Context(), id); err == nil && sf.State != nil {
				fmt.Fprintln(out, "paths:")
				for _, p := range sf.State.Paths {
					fmt.Fprintf(out, "  %s\t%s\tat %s (%d steps)\n", p.ID, p.Status, p.CurrentNode, p.StepCount)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Session store override")
	return cmd
}

func newExecRmCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(dbPath)
			if err != nil {
				return err
			}
			id := resolveID(cmd, store, args[0])
			if err := store.Remove(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Session store override")
	return cmd
}

func newExecCleanCmd() *cobra.Command {
	var (
		dbPath string
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove finished executions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(dbPath)
			if err != nil {
				return err
			}
			n, err := store.Clean(cmd.Context(), all)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d executions\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Session store override")
	cmd.Flags().BoolVar(&all, "all", false, "Remove every execution, not just finished ones")
	return cmd
}
