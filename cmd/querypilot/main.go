package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/querypilot/internal/api"
	"github.com/rendis/querypilot/internal/engine"
	"github.com/rendis/querypilot/pkg/mcp"
	"github.com/rendis/querypilot/pkg/schema"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "querypilot:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:           "querypilot",
		Short:         "Natural-language questions answered with validated SQL",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.querypilot/settings.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "text", "log format (text, json)")
	root.PersistentFlags().String("dialect", "postgresql", "SQL dialect (postgresql, mysql)")
	_ = v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.format", root.PersistentFlags().Lookup("log-format"))
	_ = v.BindPFlag("dialect", root.PersistentFlags().Lookup("dialect"))

	load := func() (Config, error) { return loadConfig(v, cfgFile) }

	root.AddCommand(
		newServeCmd(v, load),
		newMCPCmd(load),
		newAskCmd(load),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				printVersion(cmd.OutOrStdout())
			},
		},
	)
	return root
}

func newServeCmd(v *viper.Viper, load func() (Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.startRefresh(cmd.Context()); err != nil {
				return err
			}
			srv := api.NewServer(a.orc, a.hub,
				api.WithLogger(a.logger),
				api.WithAllowedOrigins(cfg.AllowedOrigins...),
			)
			return srv.ListenAndServe(cmd.Context(), cfg.ListenAddr)
		},
	}
	cmd.Flags().String("listen", ":4100", "HTTP listen address")
	_ = v.BindPFlag("listen_addr", cmd.Flags().Lookup("listen"))
	return cmd
}

func newMCPCmd(load func() (Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the pipeline as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.startRefresh(cmd.Context()); err != nil {
				return err
			}
			srv := mcp.NewServer(mcp.ServerDeps{
				Orchestrator: a.orc,
				Logger:       a.logger,
				Version:      version,
			})
			return srv.Serve(cmd.Context())
		},
	}
}

type askOptions struct {
	thread  string
	command string
	sql     string
	token   string
}

func newAskCmd(load func() (Config, error)) *cobra.Command {
	var opts askOptions
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Run one turn and print its events as JSON lines",
		Long: `Run one conversation turn. Pass a question to start a thread, an
answer to continue a pending clarification, or --command approve|edit to
resume an interrupted thread. Reuse --thread across invocations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			if opts.thread == "" {
				opts.thread = uuid.NewString()
			}
			req := engine.TurnRequest{
				ThreadID: opts.thread,
				Message:  strings.Join(args, " "),
				Command:  schema.Command(opts.command),
				SQL:      opts.sql,
				Token:    opts.token,
				Dialect:  schema.Dialect(cfg.Dialect),
			}
			_, err = a.orc.Run(cmd.Context(), req, printEvents(cmd.OutOrStdout()))
			return err
		},
	}
	cmd.Flags().StringVar(&opts.thread, "thread", "", "thread ID (default: a new thread)")
	cmd.Flags().StringVar(&opts.command, "command", "", "start, approve or edit")
	cmd.Flags().StringVar(&opts.sql, "sql", "", "replacement SQL for --command edit")
	cmd.Flags().StringVar(&opts.token, "token", "", "interrupt token to resume")
	return cmd
}

func printEvents(w io.Writer) engine.Emitter {
	enc := json.NewEncoder(w)
	return engine.EmitterFunc(func(_ context.Context, event schema.Event) error {
		return enc.Encode(event)
	})
}
