package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/multiflowproxy/multiflow/internal/proxyerr"
)

const (
	DefaultPort        = 8080
	DefaultWorkers     = 4
	DefaultBufferSize  = 16384
	DefaultUlimit      = 65536
	DefaultUpstreamIP  = "127.0.0.1"
	DefaultSSHPort     = 22
	DefaultOpenVPNPort = 1194
	DefaultV2RayPort   = 10086
	DefaultResponse    = "HTTP/1.1 200 OK\r\n\r\n"
	DefaultStreamIDGen = "uuid"
)

// TokenValidator is the external collaborator that would check a client's
// --token against a remote service. It is never invoked by the core: the
// remote HTTP call spec.md scopes out is represented purely as an injection
// point so an embedder can wire one in without the core depending on any
// particular validation backend. With a nil validator, --validate logs a
// warning and accepts any --token without a remote check.
type TokenValidator func(ctx context.Context, token string) (bool, error)

// Config is the immutable, validated configuration record every component
// of the proxy is constructed from. Once Validate succeeds, no field may be
// mutated; it is shared freely, read-only, across the dispatch loop, the
// worker pool, and every task they submit.
type Config struct {
	// Listener
	Port int

	// TLS
	TLSEnabled bool
	CertPath   string
	AcmeHosts  []string
	AcmeEmail  string
	AcmeCache  string

	// Dispatch
	Workers          int
	BufferSize       int
	Ulimit           int
	StreamIDMode     string
	MaxInFlightBytes int

	// Protocol dispatch
	SSHOnly      bool
	UpstreamHost string
	SSHPort      int
	OpenVPNPort  int
	V2RayPort    int

	// Response generator
	Response string

	// Token (delegated validation, see TokenValidator)
	Token          string
	ValidateOnly   bool
	TokenValidator TokenValidator

	// Ambient observability
	MetricsListen    string
	StatusListen     string
	TracingEnabled   bool
	TracingExporter  string
	TracingEndpoint  string
	TracingInsecure  bool
	ServiceName      string
	ServiceEnv       string
}

// Defaults returns a Config populated with spec.md's documented defaults.
func Defaults() *Config {
	return &Config{
		Port:         DefaultPort,
		Workers:      DefaultWorkers,
		BufferSize:   DefaultBufferSize,
		Ulimit:       DefaultUlimit,
		StreamIDMode: DefaultStreamIDGen,
		UpstreamHost: DefaultUpstreamIP,
		SSHPort:      DefaultSSHPort,
		OpenVPNPort:  DefaultOpenVPNPort,
		V2RayPort:    DefaultV2RayPort,
		Response:     DefaultResponse,
		ServiceName:  "multiflow",
	}
}

// DefaultsFromEnv returns Defaults() overlaid with any MULTIFLOW_* environment
// variables present, so an operator running under a process supervisor can
// configure the proxy without a flags file. Explicit CLI flags still take
// final precedence since cobra applies them on top of whatever this
// function returns.
func DefaultsFromEnv() *Config {
	c := Defaults()
	c.Port = GetIntEnv("MULTIFLOW_PORT", c.Port)
	c.TLSEnabled = GetBoolEnv("MULTIFLOW_HTTPS", c.TLSEnabled)
	c.CertPath = GetStringEnv("MULTIFLOW_CERT", c.CertPath)
	c.Workers = GetIntEnv("MULTIFLOW_WORKERS", c.Workers)
	c.BufferSize = GetIntEnv("MULTIFLOW_BUFFER_SIZE", c.BufferSize)
	c.Ulimit = GetIntEnv("MULTIFLOW_ULIMIT", c.Ulimit)
	c.StreamIDMode = GetStringEnv("MULTIFLOW_STREAM_ID_MODE", c.StreamIDMode)
	c.SSHOnly = GetBoolEnv("MULTIFLOW_SSH_ONLY", c.SSHOnly)
	c.UpstreamHost = GetStringEnv("MULTIFLOW_REMOTE_HOST", c.UpstreamHost)
	c.SSHPort = GetIntEnv("MULTIFLOW_SSH_PORT", c.SSHPort)
	c.OpenVPNPort = GetIntEnv("MULTIFLOW_OPENVPN_PORT", c.OpenVPNPort)
	c.V2RayPort = GetIntEnv("MULTIFLOW_V2RAY_PORT", c.V2RayPort)
	c.Response = GetStringEnv("MULTIFLOW_RESPONSE", c.Response)
	c.Token = GetStringEnv("MULTIFLOW_TOKEN", c.Token)
	return c
}

// Validate enforces spec.md section 7's ConfigError boundary conditions.
// It never mutates c; the caller is expected to discard c on error.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return proxyerr.NewConfigError("port", fmt.Errorf("must be in 1..65535, got %d", c.Port))
	}
	if c.Workers <= 0 {
		return proxyerr.NewConfigError("workers", fmt.Errorf("must be positive, got %d", c.Workers))
	}
	if c.BufferSize <= 0 {
		return proxyerr.NewConfigError("buffer-size", fmt.Errorf("must be positive, got %d", c.BufferSize))
	}
	if c.Ulimit <= 0 {
		return proxyerr.NewConfigError("ulimit", fmt.Errorf("must be positive, got %d", c.Ulimit))
	}
	switch strings.ToLower(strings.TrimSpace(c.StreamIDMode)) {
	case "", "uuid", "cuid":
	default:
		return proxyerr.NewConfigError("stream-id-mode", fmt.Errorf("unsupported mode %q (use uuid or cuid)", c.StreamIDMode))
	}
	if c.SSHPort < 1 || c.SSHPort > 65535 {
		return proxyerr.NewConfigError("ssh-port", fmt.Errorf("must be in 1..65535, got %d", c.SSHPort))
	}
	if !c.SSHOnly {
		if c.OpenVPNPort < 1 || c.OpenVPNPort > 65535 {
			return proxyerr.NewConfigError("openvpn-port", fmt.Errorf("must be in 1..65535, got %d", c.OpenVPNPort))
		}
		if c.V2RayPort < 1 || c.V2RayPort > 65535 {
			return proxyerr.NewConfigError("v2ray-port", fmt.Errorf("must be in 1..65535, got %d", c.V2RayPort))
		}
	}
	if strings.TrimSpace(c.UpstreamHost) == "" {
		return proxyerr.NewConfigError("remote-host", fmt.Errorf("must not be empty"))
	}
	if c.ValidateOnly && strings.TrimSpace(c.Token) == "" {
		return proxyerr.NewConfigError("token", fmt.Errorf("--validate requires --token"))
	}
	return nil
}
