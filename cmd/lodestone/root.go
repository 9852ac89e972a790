package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"lodestone/internal/adapter/terminal"
	"lodestone/internal/domain"
	"lodestone/internal/infra/config"
	"lodestone/internal/infra/logger"
	"lodestone/internal/infra/tracer"
	"lodestone/internal/plugin"
)

type globalFlags struct {
	configFile string
	logLevel   string
	verbosity  string
}

// NewRootCmd creates the root command for the lodestone CLI.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "lodestone",
		Short: "lodestone - a game launcher with plugin hooks",
		Long: `lodestone manages game instances and extends them with plugins.

Plugins are WebAssembly modules or standalone programs that implement hooks
such as on_instance_setup or add_versions.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "config file path (default ~/.lodestone/config.yaml)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override logger.level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.verbosity, "verbosity", string(domain.LevelImportant),
		"most detailed plugin output shown (important, extra, debug, trace)")

	cmd.AddCommand(newPluginsCmd(flags))
	cmd.AddCommand(newHooksCmd())
	cmd.AddCommand(newHookCmd(flags))
	cmd.AddCommand(newCacheCmd(flags))
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// host is everything a command needs to talk to plugins.
type host struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *plugin.Manager
	sink    *terminal.Sink
	closers []func(context.Context) error
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	path := flags.configFile
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigLoad, err)
	}
	if flags.logLevel != "" {
		cfg.Logger.Level = flags.logLevel
	}
	return cfg, nil
}

// openHost loads config, sets up logging and tracing and discovers plugins.
func openHost(cmd *cobra.Command, flags *globalFlags) (*host, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	h := &host{cfg: cfg, logger: log, sink: newSink(cmd.OutOrStdout(), flags)}
	h.closers = append(h.closers, func(context.Context) error { return closeLog() })

	shutdownTracer, err := tracer.Setup(cmd.Context(), cfg.Tracer, cmd.ErrOrStderr())
	if err != nil {
		h.close(cmd.Context())
		return nil, err
	}
	h.closers = append(h.closers, shutdownTracer)

	m, err := plugin.NewManager(cmd.Context(), cfg, version, plugin.ManagerOptions{
		Stdin:  cmd.InOrStdin(),
		Stderr: cmd.ErrOrStderr(),
	}, log)
	if err != nil {
		h.close(cmd.Context())
		return nil, err
	}
	h.manager = m
	h.closers = append(h.closers, m.Shutdown)

	if _, err := m.Discover(cmd.Context()); err != nil {
		h.close(cmd.Context())
		return nil, err
	}
	return h, nil
}

// close releases resources in reverse order of acquisition.
func (h *host) close(ctx context.Context) error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}

func newSink(w io.Writer, flags *globalFlags) *terminal.Sink {
	return terminal.NewSink(w, terminal.Options{Verbosity: domain.MessageLevel(flags.verbosity)})
}
