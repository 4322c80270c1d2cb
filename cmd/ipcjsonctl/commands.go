package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/ipcjson/internal/config"
	"github.com/danmuck/ipcjson/internal/logging"
	"github.com/danmuck/ipcjson/internal/observability"
	"github.com/danmuck/ipcjson/internal/service"
	"github.com/danmuck/ipcjson/internal/transport"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
	listenAddr string
	transport  string

	cfg config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "ipcjsonctl",
		Short:         "Serve and drive Content-Length framed JSON IPC sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (.toml, .yaml or .yml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "override log level (trace, debug, info, warn, error, off)")
	flags.StringVar(&opts.listenAddr, "addr", "", "override listen/peer address")
	flags.StringVar(&opts.transport, "transport", "", "override transport (tcp or websocket)")

	root.AddCommand(
		newServeCmd(opts),
		newStdioCmd(opts),
		newCallCmd(opts),
		newEmitCmd(opts),
		newBroadcastCmd(opts),
		newExecCmd(opts),
		newDecodeCmd(),
		newConfigCmd(),
	)
	return root
}

func (o *rootOptions) load() error {
	o.log = observability.InitLogger("ipcjsonctl")
	cfg := config.DefaultConfig()
	if path := strings.TrimSpace(o.configPath); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if o.listenAddr != "" {
		cfg.ListenAddr = o.listenAddr
	}
	if o.transport != "" {
		cfg.Transport = strings.ToLower(o.transport)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if cfg.LogLevel != "" && !logging.SetLevel(cfg.LogLevel) {
		return fmt.Errorf("%w: log level %q", config.ErrInvalidValue, cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept peers and answer the built-in commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.cfg.Net.ValidateServer(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			opts.log.Info().Str("addr", opts.cfg.ListenAddr).Str("transport", opts.cfg.Transport).Msg("starting")
			return service.New(opts.cfg).Run(ctx)
		},
	}
}

func newStdioCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve one session over stdin and stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			stream := transport.NewStdioStream(cmd.InOrStdin(), cmd.OutOrStdout())
			return service.New(opts.cfg).ServeStream(ctx, stream, service.ConnectionInfo{
				Remote:    "stdio",
				Transport: "stdio",
			})
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or check config files",
	}

	var format string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a starter config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], format, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
	initCmd.Flags().StringVar(&format, "format", "toml", "template format: toml|yaml")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: %s (%s on %s)\n", args[0], cfg.Transport, cfg.ListenAddr)
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
