// Package main is the entry point for the tunnel relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/tlstunnel/internal/observability"
	"github.com/vyrodovalexey/tlstunnel/internal/tunnel"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

// relayConfig is the top-level configuration file format.
type relayConfig struct {
	// Listen is the accept address for server roles.
	Listen string `yaml:"listen,omitempty"`

	// Connect is the dial address for the client role.
	Connect string `yaml:"connect,omitempty"`

	// Target is the plaintext forward address for server roles. When empty
	// the relay echoes received data back through the tunnel.
	Target string `yaml:"target,omitempty"`

	// PeerName is the expected peer hostname for the client role.
	PeerName string `yaml:"peerName,omitempty"`

	// MetricsPort exposes Prometheus metrics when positive.
	MetricsPort int `yaml:"metricsPort,omitempty"`

	// Tunnel is the tunnel policy configuration.
	Tunnel *tunnel.Config `yaml:"tunnel"`
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	metrics := tunnel.NewMetrics("tunnel")

	tunnelCtx, err := tunnel.NewContextFromConfig(cfg.Tunnel,
		tunnel.WithLogger(logger),
		tunnel.WithMetrics(metrics),
	)
	if err != nil {
		logger.Fatal("failed to build tunnel context", observability.Error(err))
	}

	runRelay(cfg, tunnelCtx, metrics, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("TUNNEL_CONFIG_PATH", "configs/tunnel.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("TUNNEL_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("TUNNEL_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("tlstunnel version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *relayConfig {
	logger.Info("starting tlstunnel",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	data, err := os.ReadFile(configPath) // #nosec G304 -- config path from flag
	if err != nil {
		logger.Fatal("failed to read configuration", observability.Error(err))
	}

	cfg := &relayConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		logger.Fatal("failed to parse configuration", observability.Error(err))
	}

	if cfg.Tunnel == nil {
		logger.Fatal("configuration is missing the tunnel section")
	}
	if err := cfg.Tunnel.Validate(); err != nil {
		logger.Fatal("invalid tunnel configuration", observability.Error(err))
	}

	role, _ := tunnel.ParseRole(cfg.Tunnel.Role)
	if role == tunnel.RoleClient && cfg.Connect == "" {
		logger.Fatal("client role requires a connect address")
	}
	if role != tunnel.RoleClient && cfg.Listen == "" {
		logger.Fatal("server roles require a listen address")
	}

	logger.Info("configuration loaded",
		observability.String("role", cfg.Tunnel.Role),
		observability.String("listen", cfg.Listen),
		observability.String("connect", cfg.Connect),
		observability.String("target", cfg.Target),
	)

	return cfg
}

// runRelay runs the relay for the configured role and handles shutdown.
func runRelay(cfg *relayConfig, tunnelCtx *tunnel.Context, metrics *tunnel.Metrics, logger observability.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startMetricsServerIfEnabled(cfg, metrics, logger)

	errCh := make(chan error, 1)
	if tunnelCtx.Role() == tunnel.RoleClient {
		go func() { errCh <- runClient(ctx, cfg, tunnelCtx, logger) }()
	} else {
		go func() { errCh <- runServer(ctx, cfg, tunnelCtx, logger) }()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", observability.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		if err != nil {
			logger.Error("relay stopped", observability.Error(err))
		}
	}

	logger.Info("tlstunnel stopped",
		observability.Int("active_streams", tunnel.ActiveStreams()),
	)
}

// runClient dials the remote relay and pipes stdin/stdout through the
// tunnel.
func runClient(ctx context.Context, cfg *relayConfig, tunnelCtx *tunnel.Context, logger observability.Logger) error {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Connect)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", cfg.Connect, err)
	}

	opts := []tunnel.StreamOption{tunnel.WithCloseOnFinalize(true)}
	if cfg.PeerName != "" {
		opts = append(opts, tunnel.WithPeerName(cfg.PeerName))
	}
	if host, _, splitErr := net.SplitHostPort(cfg.Connect); splitErr == nil {
		if ip := net.ParseIP(host); ip != nil {
			opts = append(opts, tunnel.WithPeerAddress(ip))
		}
	}

	stream, err := tunnelCtx.CreateStream(ctx, tunnel.NewNetStream(conn), opts...)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer func() { _ = stream.Finalize() }()

	logger.Info("tunnel established",
		observability.String("remote", cfg.Connect),
		observability.String("alpn", stream.ALPNSelected()),
	)

	go func() {
		_, _ = io.Copy(stream, os.Stdin)
		_ = stream.Finalize()
	}()

	_, err = io.Copy(os.Stdout, newChunkReader(stream))
	return err
}

// runServer accepts connections and serves each one through a tunnel.
func runServer(ctx context.Context, cfg *relayConfig, tunnelCtx *tunnel.Context, logger observability.Logger) error {
	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	defer func() { _ = listener.Close() }()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	logger.Info("accepting tunnel connections",
		observability.String("listen", cfg.Listen),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go serveConn(ctx, cfg, tunnelCtx, conn, logger)
	}
}

// serveConn establishes a tunnel on one accepted connection and relays it.
func serveConn(ctx context.Context, cfg *relayConfig, tunnelCtx *tunnel.Context, conn net.Conn, logger observability.Logger) {
	remote := conn.RemoteAddr().String()

	stream, err := tunnelCtx.CreateStream(ctx, tunnel.NewNetStream(conn),
		tunnel.WithCloseOnFinalize(true),
	)
	if err != nil {
		logger.Warn("tunnel handshake failed",
			observability.String("remote", remote),
			observability.Error(err),
		)
		_ = conn.Close()
		return
	}
	defer func() { _ = stream.Finalize() }()

	fields := []observability.Field{observability.String("remote", remote)}
	if info := stream.PeerCertificate(); info != nil {
		fields = append(fields, observability.String("peer", info.CommonName))
	}
	logger.Info("tunnel accepted", fields...)

	if cfg.Target == "" {
		echo(stream, logger)
		return
	}
	forward(ctx, cfg.Target, stream, logger)
}

// echo copies tunnel data back to the peer.
func echo(stream *tunnel.TunnelStream, logger observability.Logger) {
	if _, err := io.Copy(stream, newChunkReader(stream)); err != nil {
		logger.Debug("echo finished", observability.Error(err))
	}
}

// forward relays tunnel data to a plaintext target and back.
func forward(ctx context.Context, target string, stream *tunnel.TunnelStream, logger observability.Logger) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	backend, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		logger.Error("failed to reach forward target",
			observability.String("target", target),
			observability.Error(err),
		)
		return
	}
	defer func() { _ = backend.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(backend, newChunkReader(stream))
	}()
	_, _ = io.Copy(stream, backend)
	<-done
}

// chunkReader adapts the tunnel's fill-the-buffer reads to io.Copy by
// reading only what is immediately decryptable.
type chunkReader struct {
	stream *tunnel.TunnelStream
}

func newChunkReader(stream *tunnel.TunnelStream) *chunkReader {
	return &chunkReader{stream: stream}
}

// Read returns at least one byte per call without requiring the caller's
// buffer to fill.
func (r *chunkReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if r.stream.Empty() {
		return 0, io.EOF
	}

	if avail := r.stream.LeastAvailable(); avail > 0 && avail < len(p) {
		p = p[:avail]
	} else if avail == 0 {
		p = p[:1]
	}
	return r.stream.Read(p)
}

// startMetricsServerIfEnabled starts the metrics server if configured.
func startMetricsServerIfEnabled(cfg *relayConfig, metrics *tunnel.Metrics, logger observability.Logger) {
	if cfg.MetricsPort <= 0 {
		return
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		logger.Info("starting metrics server",
			observability.String("address", addr),
		)

		server := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
		}

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", observability.Error(err))
		}
	}()
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
