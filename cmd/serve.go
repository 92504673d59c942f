package cmd

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"feathergate/internal/config"
	"feathergate/internal/dispatch"
	"feathergate/internal/provider"
	providerfactory "feathergate/internal/provider/factory"
	"feathergate/internal/router"
	"feathergate/internal/server"
	"feathergate/internal/telemetry/logging"
	"feathergate/internal/telemetry/metrics"
	"feathergate/internal/tokens"
)

type serveOptions struct {
	port      int
	host      string
	logLevel  string
	logFormat string
}

func newServeCmd(global *globalOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}
			if err := opts.apply(&cfg); err != nil {
				return err
			}

			logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Writer: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			srv, err := buildServer(cfg)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Override server port from configuration")
	cmd.Flags().StringVar(&opts.host, "host", "", "Override listen host from configuration")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "", "Override log format (text, json)")
	return cmd
}

func (o *serveOptions) apply(cfg *config.Config) error {
	if o.port != 0 {
		if o.port < 0 || o.port > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", o.port)
		}
		cfg.Server.Port = o.port
	}
	if o.host != "" {
		cfg.Server.Host = o.host
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	return cfg.Validate()
}

// buildServer wires adapters, router, metrics and dispatcher for cfg.
func buildServer(cfg config.Config) (*server.Server, error) {
	modelConfigs, err := cfg.ModelConfigs()
	if err != nil {
		return nil, err
	}

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterAdapters(registry, provider.Options{}); err != nil {
		return nil, err
	}

	rt, err := router.New(modelConfigs, registry)
	if err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(cfg.Metrics, promRegistry)

	var estimator *tokens.Estimator
	if cfg.Usage.EstimateMissing {
		estimator = tokens.New()
	}

	d, err := dispatch.New(rt, providerfactory.NewHTTPClient(cfg.Upstream), dispatch.Options{
		Metrics:   collector,
		Estimator: estimator,
	})
	if err != nil {
		return nil, err
	}

	return server.New(cfg, rt, d, collector)
}
