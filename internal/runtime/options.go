package runtime

import (
	"log/slog"

	"github.com/multiflowproxy/multiflow/internal/logger"
	"github.com/multiflowproxy/multiflow/internal/version"
)

// Options holds the ambient flags every subcommand shares, and lazily
// builds the structured logger they all log through.
type Options struct {
	JSONLogs bool
	LogLevel string
	Env      string

	logger *logger.Logger
}

func (o *Options) SetupLogger() error {
	format := logger.FormatText
	if o.JSONLogs {
		format = logger.FormatJSON
	}
	l, err := logger.New(logger.Config{
		Format:      format,
		Level:       o.LogLevel,
		ServiceName: "multiflow",
		Environment: o.Env,
		Version:     version.Version,
	})
	if err != nil {
		return err
	}
	o.logger = l
	return nil
}

// Logger returns the plain *slog.Logger every component is constructed
// with; trace/span enrichment happens automatically through the context
// each call site already threads through.
func (o *Options) Logger() *slog.Logger {
	if o.logger == nil {
		return nil
	}
	return o.logger.Logger
}

// LoggerWithComponent returns a logger tagged with component, for the
// ancillary status server that runs alongside the dispatch loop and wants
// its log lines distinguishable from it.
func (o *Options) LoggerWithComponent(component string) *slog.Logger {
	if o.logger == nil {
		return nil
	}
	return o.logger.WithComponent(component)
}
