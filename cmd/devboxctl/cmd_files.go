package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/sebastianm/devbox/internal/api"
	"github.com/sebastianm/devbox/internal/fileops"
)

type fileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
	Encoding  string `json:"encoding,omitempty"`
	Gitignore bool   `json:"gitignore,omitempty"`
}

func lsCmd(g *globals) *cobra.Command {
	var gitignore bool
	cmd := &cobra.Command{
		Use:   "ls SESSION_ID [PATH]",
		Short: "List a workspace directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(c *cobra.Command, args []string) error {
			cl, err := g.client()
			if err != nil {
				return err
			}
			req := fileRequest{SessionID: args[0], Gitignore: gitignore}
			if len(args) == 2 {
				req.Path = args[1]
			}
			var resp struct {
				Entries []fileops.Node `json:"entries"`
			}
			if err := cl.do(c.Context(), http.MethodPost, api.PathFilesList, req, &resp); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
			for _, n := range resp.Entries {
				name := n.Path
				if n.Type == fileops.TypeDirectory {
					name += "/"
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\n", n.Permissions, n.Size, name)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&gitignore, "gitignore", false, "Hide entries matched by the workspace .gitignore")
	return cmd
}

func catCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cat SESSION_ID PATH",
		Short: "Print a workspace file",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			cl, err := g.client()
			if err != nil {
				return err
			}
			var f fileops.File
			if err := cl.do(c.Context(), http.MethodPost, api.PathFilesRead, fileRequest{SessionID: args[0], Path: args[1]}, &f); err != nil {
				return err
			}
			data := []byte(f.Content)
			if f.Encoding == fileops.EncodingBase64 {
				if data, err = base64.StdEncoding.DecodeString(f.Content); err != nil {
					return fmt.Errorf("decoding %s: %w", f.Path, err)
				}
			}
			_, err = g.out.Write(data)
			return err
		},
	}
}

func putCmd(g *globals) *cobra.Command {
	var src string
	cmd := &cobra.Command{
		Use:   "put SESSION_ID PATH",
		Short: "Write a workspace file from --file or stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			cl, err := g.client()
			if err != nil {
				return err
			}
			var data []byte
			if src == "" || src == "-" {
				data, err = io.ReadAll(c.InOrStdin())
			} else {
				data, err = os.ReadFile(src)
			}
			if err != nil {
				return err
			}
			req := fileRequest{SessionID: args[0], Path: args[1], Content: string(data), Encoding: fileops.EncodingUTF8}
			if !utf8.Valid(data) {
				req.Content = base64.StdEncoding.EncodeToString(data)
				req.Encoding = fileops.EncodingBase64
			}
			var resp struct {
				Path string `json:"path"`
				Size int64  `json:"size"`
			}
			if err := cl.do(c.Context(), http.MethodPost, api.PathFilesWrite, req, &resp); err != nil {
				return err
			}
			fmt.Fprintf(g.out, "wrote %d bytes to %s\n", resp.Size, resp.Path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&src, "file", "f", "", "Local file to upload (default stdin)")
	return cmd
}
