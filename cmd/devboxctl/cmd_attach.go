package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sebastianm/devbox/internal/api"
)

func attachCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "attach SESSION_ID",
		Short: "Attach this terminal to the session's shell",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cl, err := g.client()
			if err != nil {
				return err
			}
			return attach(c.Context(), cl, args[0], os.Stdin, g.out)
		},
	}
}

// attach bridges in and out to the session terminal until the server
// closes the websocket or ctx is done. A tty on in is put into raw mode
// and its size is forwarded.
func attach(ctx context.Context, cl *client, id string, in *os.File, out io.Writer) error {
	q := url.Values{"sessionId": {id}}
	fd := int(in.Fd())
	tty := term.IsTerminal(fd)
	if tty {
		if cols, rows, err := term.GetSize(fd); err == nil {
			q.Set("cols", strconv.Itoa(cols))
			q.Set("rows", strconv.Itoa(rows))
		}
	}

	conn, err := dialTerminal(ctx, cl, q)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	if tty {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(fd, state)

		stopResize := watchResize(ctx, fd, func(cols, rows int) {
			req := map[string]any{"sessionId": id, "cols": cols, "rows": rows}
			_ = cl.do(ctx, http.MethodPost, api.PathTerminalResize, req, nil)
		})
		defer stopResize()
	}

	return pump(ctx, conn, in, out)
}

// pump copies in to the websocket and websocket frames to out. The session
// ends when the server closes; end of input only stops sending. A normal
// closure is not an error.
func pump(ctx context.Context, conn *websocket.Conn, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				if werr := conn.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		_, p, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("terminal: %w", err)
		}
		if _, err := out.Write(p); err != nil {
			return err
		}
	}
}

func dialTerminal(ctx context.Context, cl *client, q url.Values) (*websocket.Conn, error) {
	u, err := cl.wsURL(api.PathTerminal, q)
	if err != nil {
		return nil, err
	}
	// Upgrades need HTTP/1.1, so the default client is used instead of the
	// h2c one.
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: cl.header()})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			apiErr := &apiError{Status: resp.StatusCode}
			if resp.Body != nil {
				_ = json.NewDecoder(resp.Body).Decode(apiErr)
			}
			return nil, apiErr
		}
		return nil, err
	}
	return conn, nil
}
