package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/danmuck/ipcjson/internal/auth"
	"github.com/danmuck/ipcjson/internal/config"
	"github.com/danmuck/ipcjson/internal/protocol"
	"github.com/danmuck/ipcjson/internal/protocol/frame"
	"github.com/danmuck/ipcjson/internal/protocol/session"
	"github.com/danmuck/ipcjson/internal/service"
	"github.com/danmuck/ipcjson/internal/transport"
	"github.com/spf13/cobra"
)

// dialPeer opens a stream to a running server using the configured transport.
func dialPeer(ctx context.Context, cfg config.Config) (io.ReadWriteCloser, error) {
	d := transport.NewDialer(cfg.Net)
	if cfg.Transport == config.TransportWebSocket {
		scheme := "ws"
		if cfg.Net.TLS.Enabled {
			scheme = "wss"
		}
		target := scheme + "://" + cfg.ListenAddr + cfg.WebSocketPath
		if cfg.AuthToken != "" {
			target += "?" + auth.QueryToken + "=" + url.QueryEscape(cfg.AuthToken)
		}
		return d.DialWebSocket(ctx, target)
	}
	return d.Dial(ctx, cfg.ListenAddr)
}

// clientSession dials the server and starts a client connection. Events
// other than the connect greeting are printed to out.
func clientSession(ctx context.Context, opts *rootOptions, out io.Writer) (*session.Connection, error) {
	stream, err := dialPeer(ctx, opts.cfg)
	if err != nil {
		return nil, err
	}
	conn := session.NewDuplex(stream,
		session.WithName("ipcjsonctl"),
		session.WithRegistry(service.Registry()),
		session.WithConfig(opts.cfg.Session),
		session.WithLogger(opts.log),
	)
	conn.AddEventListener(func(ev *protocol.Event) {
		if ev.Name == service.EventConnected {
			opts.log.Debug().Str("event", ev.Name).Int("seq", ev.Seq).Msg("server greeting")
			return
		}
		body, err := json.Marshal(ev.Body)
		if err != nil {
			return
		}
		fmt.Fprintf(out, "event %s %s\n", ev.Name, body)
	})
	conn.AddErrorListener(func(err error) {
		opts.log.Warn().Err(err).Msg("session error")
	})
	if err := conn.Start(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// parseObject reads an optional JSON object argument; "-" reads stdin.
func parseObject(cmd *cobra.Command, args []string, idx int) (map[string]any, error) {
	if len(args) <= idx {
		return nil, nil
	}
	raw := []byte(args[idx])
	if args[idx] == "-" {
		var err error
		if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return nil, err
		}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return out, nil
}

func newCallCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "call <command> [json|-]",
		Short: "Send one request and print the response body",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseObject(cmd, args, 1)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			conn, err := clientSession(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer conn.Close()

			var arguments any
			if payload != nil {
				arguments = payload
			}
			resp, err := conn.SendRequest(ctx, args[0], arguments)
			var failed *session.FailedRequestError
			if errors.As(err, &failed) {
				return fmt.Errorf("%s failed: %s", args[0], failed.Message)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp.Body)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}

func newEmitCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "emit <event> [json|-]",
		Short: "Send one event",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseObject(cmd, args, 1)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			conn, err := clientSession(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer conn.Close()
			var body any
			if payload != nil {
				body = payload
			}
			return conn.SendEvent(ctx, args[0], body)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall deadline")
	return cmd
}

// adminURL resolves the HTTP base of a running server: the explicit
// override, the WebSocket listener, or the metrics listener.
func adminURL(cfg config.Config, override string) (string, error) {
	base := strings.TrimSpace(override)
	switch {
	case base != "":
	case cfg.Transport == config.TransportWebSocket:
		base = cfg.ListenAddr
		if cfg.Net.TLS.Enabled {
			base = "https://" + base
		}
	case strings.TrimSpace(cfg.MetricsAddr) != "":
		base = cfg.MetricsAddr
	default:
		return "", fmt.Errorf("%w: no HTTP address; set metrics_addr or pass --http", config.ErrInvalidValue)
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return strings.TrimRight(base, "/"), nil
}

func newBroadcastCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	var httpAddr string
	cmd := &cobra.Command{
		Use:   "broadcast <event> [json|-]",
		Short: "Ask a running server to send an event to every connected peer",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseObject(cmd, args, 1)
			if err != nil {
				return err
			}
			base, err := adminURL(opts.cfg, httpAddr)
			if err != nil {
				return err
			}
			reqBody, err := json.Marshal(service.BroadcastRequest{Event: args[0], Body: payload})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/events", bytes.NewReader(reqBody))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if opts.cfg.AuthToken != "" {
				req.Header.Set("Authorization", "Bearer "+opts.cfg.AuthToken)
			}
			res, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer res.Body.Close()
			raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
			if err != nil {
				return err
			}
			if res.StatusCode != http.StatusOK {
				return fmt.Errorf("broadcast %s: %s: %s", args[0], res.Status, strings.TrimSpace(string(raw)))
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall deadline")
	cmd.Flags().StringVar(&httpAddr, "http", "", "server HTTP address (defaults to the websocket or metrics listener)")
	return cmd
}

func newExecCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "exec <command> [json|-] -- <worker> [args...]",
		Short: "Start a worker, send one request over its stdio and print the response body",
		Long: `exec launches a worker process and runs a session over its stdin and
stdout. The worker may call the built-in commands back while the request is
in flight. Worker stderr is forwarded to the log.`,
		Args: func(cmd *cobra.Command, args []string) error {
			dash := cmd.ArgsLenAtDash()
			if dash < 1 || dash > 2 || dash == len(args) {
				return fmt.Errorf("usage: %s", cmd.Use)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			dash := cmd.ArgsLenAtDash()
			payload, err := parseObject(cmd, args[:dash], 1)
			if err != nil {
				return err
			}
			worker := args[dash:]
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			stream, err := transport.StartProcess(ctx, transport.ProcessConfig{Path: worker[0], Args: worker[1:]})
			if err != nil {
				return err
			}
			conn := session.NewDuplex(stream,
				session.WithName("worker"),
				session.WithHandler(service.BuiltinMux(opts.cfg.Name)),
				session.WithRegistry(service.Registry()),
				session.WithConfig(opts.cfg.Session),
				session.WithLogger(opts.log),
			)
			defer conn.Close()
			if err := conn.Start(ctx); err != nil {
				return err
			}

			var arguments any
			if payload != nil {
				arguments = payload
			}
			resp, err := conn.SendRequest(ctx, args[0], arguments)
			var failed *session.FailedRequestError
			if errors.As(err, &failed) {
				return fmt.Errorf("%s failed: %s", args[0], failed.Message)
			}
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), resp.Body); err != nil {
				return err
			}
			if err := conn.Close(); err != nil {
				return err
			}
			if code := stream.ExitCode(); code != 0 {
				opts.log.Warn().Int32("exit_code", code).Msg("worker exited non-zero")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}

func newDecodeCmd() *cobra.Command {
	var maxBody int
	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Decode a captured frame stream into one JSON line per packet",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			limits := frame.DefaultLimits()
			if maxBody > 0 {
				limits.MaxBodyBytes = maxBody
			}
			return decodeStream(in, cmd.OutOrStdout(), cmd.ErrOrStderr(), limits)
		},
	}
	cmd.Flags().IntVar(&maxBody, "max-body-bytes", 0, "reject frames with larger bodies")
	return cmd
}

// decodeStream re-encodes every frame in r as a canonical JSON line. Packets
// whose payload does not fit the registered type are reported and skipped.
func decodeStream(r io.Reader, out, errOut io.Writer, limits frame.Limits) error {
	reader := frame.NewReader(r, limits)
	reg := service.Registry()
	reg.Freeze()
	for n := 1; ; n++ {
		fr, err := reader.ReadFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("frame %d: %w", n, err)
		}
		env, err := protocol.Decode(fr.Body, reg)
		if errors.Is(err, protocol.ErrInvalidPayload) {
			fmt.Fprintf(errOut, "frame %d: %v\n", n, err)
			continue
		}
		if err != nil {
			return fmt.Errorf("frame %d: %w", n, err)
		}
		line, err := protocol.Marshal(env)
		if err != nil {
			return fmt.Errorf("frame %d: %w", n, err)
		}
		if _, err := fmt.Fprintf(out, "%s\n", line); err != nil {
			return err
		}
	}
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
