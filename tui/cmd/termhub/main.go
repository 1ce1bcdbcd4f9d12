package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/termhub/termhub/tui/internal/client"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	server string
	token  string
}

func (o *rootOptions) api() *client.HTTPClient {
	server := o.server
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	return client.NewHTTPClient(server, o.token)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "termhub",
		Short:         "Attach to long-lived terminal sessions on a termhub server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("TERMHUB_SERVER", "http://127.0.0.1:8080"), "termhub server URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("TERMHUB_TOKEN"), "auth token, if the server requires one")

	root.AddCommand(
		newListCmd(opts),
		newCreateCmd(opts),
		newRemoveCmd(opts),
		newAttachCmd(opts),
		newPickCmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
