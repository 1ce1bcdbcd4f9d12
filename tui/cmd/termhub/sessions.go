package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/termhub/termhub/tui/internal/client"
)

func newListCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := opts.api().List()
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(sessions)
			}
			if len(sessions) == 0 {
				cmd.Println("no sessions")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tCOMMAND\tSTATUS\tSIZE\tCWD")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dx%d\t%s\n",
					s.ID, s.Title, strings.TrimSpace(s.Command+" "+strings.Join(s.Args, " ")),
					s.Status, s.Cols, s.Rows, s.Cwd)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print sessions as JSON")
	return cmd
}

func newCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		req    client.CreateRequest
		env    []string
		attach bool
	)
	cmd := &cobra.Command{
		Use:   "new [flags] [-- command [args...]]",
		Short: "Start a new session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				req.Command, req.Args = args[0], args[1:]
			}
			if len(env) > 0 {
				req.Env = make(map[string]string, len(env))
				for _, kv := range env {
					k, v, ok := strings.Cut(kv, "=")
					if !ok || k == "" {
						return fmt.Errorf("invalid --env %q: want KEY=VALUE", kv)
					}
					req.Env[k] = v
				}
			}
			if cols, rows := localSize(); cols > 0 && rows > 0 {
				req.Size = &client.Size{Cols: cols, Rows: rows}
			}

			api := opts.api()
			s, err := api.Create(req)
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			if !attach {
				cmd.Println(s.ID)
				return nil
			}
			return attachSession(cmd, api, s.ID)
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "session title")
	cmd.Flags().StringVar(&req.Cwd, "cwd", "", "working directory on the server")
	cmd.Flags().StringVar(&req.Mode, "mode", "", "launch mode: shell or embedded")
	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "extra environment variable KEY=VALUE (repeatable)")
	cmd.Flags().BoolVarP(&attach, "attach", "a", false, "attach after creating")
	return cmd
}

func newRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>...",
		Aliases: []string{"kill"},
		Short:   "Kill and remove sessions",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := opts.api()
			for _, id := range args {
				if err := api.Remove(id); err != nil {
					return fmt.Errorf("remove %s: %w", id, err)
				}
			}
			return nil
		},
	}
}
