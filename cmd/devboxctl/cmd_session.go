package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sebastianm/devbox/internal/api"
)

type sessionStatus struct {
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
	Ready       bool   `json:"ready"`
	Phase       string `json:"phase"`
	Progress    struct {
		Percent   int    `json:"percent"`
		ETAMillis *int64 `json:"etaMillis"`
	} `json:"progress"`
	ContainerRef string `json:"containerRef,omitempty"`
	Error        *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s sessionStatus) terminal() bool {
	return s.Phase == "Ready" || s.Phase == "Failed" || s.Phase == "Stopped"
}

func (s sessionStatus) line() string {
	eta := "-"
	if s.Progress.ETAMillis != nil {
		eta = (time.Duration(*s.Progress.ETAMillis) * time.Millisecond).Round(100 * time.Millisecond).String()
	}
	out := fmt.Sprintf("%s  %-18s %3d%%  eta %s", s.SessionID, s.Phase, s.Progress.Percent, eta)
	if s.Error != nil {
		out += fmt.Sprintf("  %s: %s", s.Error.Code, s.Error.Message)
	}
	return out
}

func createCmd(g *globals) *cobra.Command {
	var req struct {
		WorkspaceID string `json:"workspaceId"`
		Template    string `json:"template,omitempty"`
		Image       string `json:"image,omitempty"`
		ProjectName string `json:"projectName,omitempty"`
		Description string `json:"description,omitempty"`
	}
	var wait bool
	cmd := &cobra.Command{
		Use:   "create WORKSPACE_ID",
		Short: "Create a session and start provisioning its container",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cl, err := g.client()
			if err != nil {
				return err
			}
			req.WorkspaceID = args[0]
			var resp struct {
				SessionID string `json:"sessionId"`
				Phase     string `json:"phase"`
			}
			if err := cl.do(c.Context(), http.MethodPost, api.PathSessions, req, &resp); err != nil {
				return err
			}
			fmt.Fprintln(g.out, resp.SessionID)
			if !wait {
				return nil
			}
			return watchStatus(c.Context(), cl, g.out, resp.SessionID, 500*time.Millisecond)
		},
	}
	cmd.Flags().StringVar(&req.Template, "template", "", "Template name from the server config")
	cmd.Flags().StringVar(&req.Image, "image", "", "Image reference, overrides --template")
	cmd.Flags().StringVar(&req.ProjectName, "project", "", "Project name")
	cmd.Flags().StringVar(&req.Description, "description", "", "Free-form description")
	cmd.Flags().BoolVar(&wait, "wait", false, "Follow progress until the session is Ready or Failed")
	return cmd
}

func fetchStatus(ctx context.Context, cl *client, id string) (sessionStatus, error) {
	var st sessionStatus
	err := cl.do(ctx, http.MethodGet, api.PathSessionStatus+"?sessionId="+url.QueryEscape(id), nil, &st)
	return st, err
}

// watchStatus prints a line whenever phase or percent changes and returns
// once the session stops provisioning. A Failed session is an error.
func watchStatus(ctx context.Context, cl *client, out io.Writer, id string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last sessionStatus
	for first := true; ; first = false {
		st, err := fetchStatus(ctx, cl, id)
		if err != nil {
			return err
		}
		if first || st.Phase != last.Phase || st.Progress.Percent != last.Progress.Percent {
			fmt.Fprintln(out, st.line())
		}
		last = st
		if st.terminal() {
			if st.Phase == "Failed" {
				return fmt.Errorf("session %s failed", id)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func statusCmd(g *globals) *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status SESSION_ID",
		Short: "Show a session's phase and provisioning progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cl, err := g.client()
			if err != nil {
				return err
			}
			if watch {
				return watchStatus(c.Context(), cl, g.out, args[0], interval)
			}
			st, err := fetchStatus(c.Context(), cl, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(g.out, st.line())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until provisioning finishes")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "Poll interval for --watch")
	return cmd
}

func stopCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stop SESSION_ID",
		Short: "Stop a session and remove its container",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cl, err := g.client()
			if err != nil {
				return err
			}
			var resp struct {
				Phase string `json:"phase"`
			}
			if err := cl.do(c.Context(), http.MethodPost, api.PathSessionStop, map[string]string{"sessionId": args[0]}, &resp); err != nil {
				return err
			}
			fmt.Fprintf(g.out, "%s %s\n", args[0], resp.Phase)
			return nil
		},
	}
}

func listCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cl, err := g.client()
			if err != nil {
				return err
			}
			var resp struct {
				Sessions []sessionStatus `json:"sessions"`
			}
			if err := cl.do(c.Context(), http.MethodGet, api.PathSessions, nil, &resp); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tWORKSPACE\tPHASE\tPROGRESS")
			for _, s := range resp.Sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\n", s.SessionID, s.WorkspaceID, s.Phase, s.Progress.Percent)
			}
			return tw.Flush()
		},
	}
}

func whoamiCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the user the token belongs to",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cl, err := g.client()
			if err != nil {
				return err
			}
			var resp struct {
				User struct {
					Name       string `json:"name"`
					TokenLabel string `json:"tokenLabel"`
					Anonymous  bool   `json:"anonymous"`
				} `json:"user"`
			}
			if err := cl.do(c.Context(), http.MethodGet, api.PathWhoAmI, nil, &resp); err != nil {
				return err
			}
			if resp.User.Anonymous {
				fmt.Fprintln(g.out, "anonymous (authentication disabled)")
				return nil
			}
			fmt.Fprintf(g.out, "%s (token %q)\n", resp.User.Name, resp.User.TokenLabel)
			return nil
		},
	}
}
