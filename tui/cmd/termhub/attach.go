package main

import (
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/termhub/termhub/tui/internal/app"
	"github.com/termhub/termhub/tui/internal/attach"
	"github.com/termhub/termhub/tui/internal/client"
	"golang.org/x/term"
)

func newAttachCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <id>",
		Short: "Attach the terminal to a session (detach with Ctrl-])",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return attachSession(cmd, opts.api(), args[0])
		},
	}
}

func newPickCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pick",
		Short: "Browse live sessions and attach to one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api := opts.api()
			for {
				events := client.NewEventClient(api.EventsURL(), api.Header())
				p := tea.NewProgram(app.New(events, api, opts.server),
					tea.WithAltScreen(), tea.WithContext(cmd.Context()))
				final, err := p.Run()
				events.Close()
				if err != nil {
					return err
				}
				id := final.(app.Model).Chosen()
				if id == "" {
					return nil
				}
				if err := attachSession(cmd, api, id); err != nil {
					return err
				}
			}
		},
	}
}

// attachSession attaches the command's terminal to session id and reports
// how the attach ended on stderr.
func attachSession(cmd *cobra.Command, api *client.HTTPClient, id string) error {
	if _, err := api.Get(id); err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return fmt.Errorf("session %s not found", id)
		}
		return err
	}

	outcome, err := attach.Run(cmd.Context(), attach.Options{
		URL:    api.TerminalURL(id),
		Header: api.Header(),
		In:     cmd.InOrStdin(),
		Out:    cmd.OutOrStdout(),
		Status: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "\r\n[%s: %s]\r\n", outcome, id)
	return nil
}

// localSize returns the size of the controlling terminal, or 0x0.
func localSize() (int, int) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0, 0
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return 0, 0
	}
	return cols, rows
}
