package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// globals are the persistent flags shared by every subcommand.
type globals struct {
	server string
	token  string
	out    io.Writer
}

func (g *globals) client() (*client, error) {
	return newClient(g.server, g.token)
}

func rootCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "devboxctl",
		Short:         "Manage devbox sessions, terminals and workspace files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&g.server, "server", "", "Server URL (default $"+envURL+" or "+defaultURL+")")
	cmd.PersistentFlags().StringVar(&g.token, "token", "", "API token (default $"+envToken+")")

	cmd.AddCommand(
		createCmd(g),
		statusCmd(g),
		stopCmd(g),
		listCmd(g),
		attachCmd(g),
		lsCmd(g),
		catCmd(g),
		putCmd(g),
		whoamiCmd(g),
		tokenCmd(g),
	)
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := &globals{out: os.Stdout}
	if err := rootCmd(g).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
