package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/multiflowproxy/multiflow/internal/config"
	"github.com/multiflowproxy/multiflow/internal/observability"
	"github.com/multiflowproxy/multiflow/internal/proxy"
	"github.com/multiflowproxy/multiflow/internal/runtime"
	"github.com/multiflowproxy/multiflow/internal/status"
	"github.com/multiflowproxy/multiflow/internal/util"
	"github.com/multiflowproxy/multiflow/internal/version"
)

func Execute() error {
	opts := &runtime.Options{LogLevel: "info"}
	cmd := newRootCommand(opts)
	return cmd.Execute()
}

// serveOptions holds every flag documented in SPEC_FULL.md section 3.1: the
// dispatch flags spec.md itself names, plus the ambient config/observability
// flags this expansion adds on top.
type serveOptions struct {
	cfg        *config.Config
	configFile string

	metricsListen   string
	statusListen    string
	tracingEnabled  bool
	tracingExporter string
	tracingEndpoint string
	tracingInsecure bool
	serviceEnv      string
}

func newRootCommand(globals *runtime.Options) *cobra.Command {
	defaults := config.DefaultsFromEnv()
	opts := &serveOptions{cfg: defaults}

	cmd := &cobra.Command{
		Use:          "multiflow",
		Short:        "Transport-level reverse proxy that sniffs SSH, OpenVPN, and V2Ray behind a decoy HTTP/WebSocket handshake",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			globals.Env = opts.serviceEnv
			return globals.SetupLogger()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, globals, opts)
		},
	}

	cmd.PersistentFlags().BoolVar(&globals.JSONLogs, "json-logs", false, "emit logs in JSON format")
	cmd.PersistentFlags().StringVar(&globals.LogLevel, "log-level", globals.LogLevel, "log level (debug, info, warn, error)")

	bindServeFlags(cmd, opts)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	})

	return cmd
}

func bindServeFlags(cmd *cobra.Command, opts *serveOptions) {
	c := opts.cfg
	cmd.Flags().StringVar(&opts.configFile, "config", "", "path to a YAML config file, applied after flag parsing: fields it sets override both defaults and flags given on the command line")

	cmd.Flags().IntVar(&c.Port, "port", c.Port, "listen port for the client-facing tunnel")
	cmd.Flags().Bool("http", false, "serve the tunnel port in plaintext (the default when --https is not given)")
	cmd.Flags().BoolVar(&c.TLSEnabled, "https", c.TLSEnabled, "terminate TLS on the tunnel port before the decoy handshake")
	cmd.MarkFlagsMutuallyExclusive("http", "https")
	cmd.Flags().StringVar(&c.CertPath, "cert", c.CertPath, "PEM bundle containing certificate and key (self-signed generated if omitted)")
	cmd.Flags().StringSliceVar(&c.AcmeHosts, "acme-host", nil, "hostnames to request Let's Encrypt certificates for (repeatable)")
	cmd.Flags().StringVar(&c.AcmeEmail, "acme-email", "", "contact email for Let's Encrypt registration")
	cmd.Flags().StringVar(&c.AcmeCache, "acme-cache", "", "directory for ACME certificate cache")

	cmd.Flags().IntVar(&c.Workers, "workers", c.Workers, "number of worker pool goroutines")
	cmd.Flags().IntVar(&c.BufferSize, "buffer-size", c.BufferSize, "per-direction forwarding buffer size in bytes")
	cmd.Flags().IntVar(&c.Ulimit, "ulimit", c.Ulimit, "target RLIMIT_NOFILE soft limit and connection admission cap")
	cmd.Flags().StringVar(&c.StreamIDMode, "stream-id-mode", c.StreamIDMode, "stream identifier generator (uuid or cuid)")
	cmd.Flags().IntVar(&c.MaxInFlightBytes, "max-inflight-bytes", 0, "cap on bytes buffered across all sessions before backpressure applies (0 disables)")

	cmd.Flags().BoolVar(&c.SSHOnly, "ssh-only", c.SSHOnly, "always dispatch to the SSH upstream, disabling OpenVPN/V2Ray detection")
	cmd.Flags().StringVar(&c.UpstreamHost, "remote-host", c.UpstreamHost, "upstream host every dispatched connection is forwarded to")
	cmd.Flags().IntVar(&c.SSHPort, "ssh-port", c.SSHPort, "upstream port for SSH traffic")
	cmd.Flags().IntVar(&c.OpenVPNPort, "openvpn-port", c.OpenVPNPort, "upstream port for OpenVPN traffic")
	cmd.Flags().IntVar(&c.V2RayPort, "v2ray-port", c.V2RayPort, "upstream port for V2Ray traffic")

	cmd.Flags().StringVar(&c.Response, "response", c.Response, "canned HTTP response written for non-upgrade requests")

	cmd.Flags().StringVar(&c.Token, "token", "", "token presented to the (externally delegated) validator")
	cmd.Flags().BoolVar(&c.ValidateOnly, "validate", false, "validate configuration and token, then exit without serving")

	cmd.Flags().StringVar(&opts.metricsListen, "metrics-listen", "", "optional listen address exposing Prometheus /metrics (disabled if empty)")
	cmd.Flags().StringVar(&opts.statusListen, "status-listen", "", "optional listen address exposing /status.json and /status/events (disabled if empty)")
	cmd.Flags().BoolVar(&opts.tracingEnabled, "tracing", false, "enable OpenTelemetry tracing")
	cmd.Flags().StringVar(&opts.tracingExporter, "tracing-exporter", "stdout", "tracing exporter (stdout, otlp-grpc, otlp-http)")
	cmd.Flags().StringVar(&opts.tracingEndpoint, "tracing-endpoint", "", "tracing collector endpoint")
	cmd.Flags().BoolVar(&opts.tracingInsecure, "tracing-insecure", false, "disable TLS when talking to the tracing collector")
	cmd.Flags().StringVar(&opts.serviceEnv, "env", "", "deployment environment tag attached to logs and traces")
}

func runServe(cmd *cobra.Command, globals *runtime.Options, opts *serveOptions) error {
	if opts.configFile != "" {
		if err := config.LoadYAML(opts.configFile, opts.cfg); err != nil {
			return err
		}
	}

	if err := opts.cfg.Validate(); err != nil {
		return err
	}

	logger := globals.Logger()

	if opts.cfg.ValidateOnly {
		return runValidateOnly(cmd.Context(), opts.cfg, logger)
	}

	ctx, cancel := util.WithSignalContext(cmd.Context())
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     opts.tracingEnabled,
		Exporter:    opts.tracingExporter,
		ServiceName: "multiflow",
		Environment: opts.serviceEnv,
		Endpoint:    opts.tracingEndpoint,
		Insecure:    opts.tracingInsecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	server, err := proxy.NewServer(opts.cfg, logger)
	if err != nil {
		return err
	}

	var statusSrv *status.Server
	if opts.statusListen != "" {
		counters := status.NewCounters()
		hub := status.NewHub(globals.LoggerWithComponent("status"))
		server.StatusCounters = counters
		server.StatusHub = hub
		statusSrv = status.NewServer(opts.statusListen, counters, hub, server.Resources, globals.LoggerWithComponent("status"))
	}

	var metricsSrv *metricsServer
	if opts.metricsListen != "" {
		metricsSrv = newMetricsServer(opts.metricsListen)
	}

	errCh := make(chan error, 3)
	go func() { errCh <- server.Run(ctx) }()
	if statusSrv != nil {
		go func() { errCh <- statusSrv.Run(ctx) }()
	}
	if metricsSrv != nil {
		go func() { errCh <- metricsSrv.Run(ctx) }()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func runValidateOnly(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.TokenValidator == nil {
		logger.Warn("--validate requested but no token validator is wired in; token accepted unconditionally")
		return nil
	}
	ok, err := cfg.TokenValidator(ctx, cfg.Token)
	if err != nil {
		return fmt.Errorf("validate token: %w", err)
	}
	if !ok {
		return fmt.Errorf("token rejected")
	}
	logger.Info("token accepted")
	return nil
}
