// Command bridge is the agent bridge process entry point: it wires
// configuration, logging, the health server, and the supervisor together
// and runs until shutdown. Grounded on the teacher's cmd/server/main.go for
// the slog/godotenv/signal-context wiring, and on vanducng-goclaw's
// cmd/root.go for the cobra command structure.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"

	"github.com/codinspect/agent-bridge/internal/bridge"
	"github.com/codinspect/agent-bridge/internal/config"
	"github.com/codinspect/agent-bridge/internal/healthsrv"
	"github.com/codinspect/agent-bridge/internal/telemetry"
)

const healthShutdownTimeout = 5 * time.Second

var (
	flagSandboxID    string
	flagSessionID    string
	flagControlPlane string
	flagToken        string
	flagOpencodePort int
	flagConfigPath   string
	flagHealthAddr   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bridge",
		Short:         "agent bridge: control-plane to sandbox connector",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          runBridge,
	}

	cmd.PersistentFlags().StringVar(&flagSandboxID, "sandbox-id", "", "sandbox identifier (overrides SANDBOX_ID)")
	cmd.PersistentFlags().StringVar(&flagSessionID, "session-id", "", "control-plane session identifier")
	cmd.PersistentFlags().StringVar(&flagControlPlane, "control-plane", "", "control plane base URL (overrides CONTROL_PLANE_URL)")
	cmd.PersistentFlags().StringVar(&flagToken, "token", "", "bearer auth token (overrides SANDBOX_AUTH_TOKEN)")
	cmd.PersistentFlags().IntVar(&flagOpencodePort, "opencode-port", 4096, "local sub-agent HTTP port")
	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "bridge.toml", "optional local config override file")
	cmd.PersistentFlags().StringVar(&flagHealthAddr, "health-addr", "127.0.0.1:8787", "loopback address for the health/debug HTTP server")

	return cmd
}

func runBridge(cmd *cobra.Command, args []string) error {
	installLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("main: failed to load .env file", "error", err)
	}

	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return fmt.Errorf("main: load configuration: %w", err)
	}
	applyFlagOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("main: invalid configuration: %w", err)
	}

	b, err := bridge.New(cfg)
	if err != nil {
		return fmt.Errorf("main: build bridge: %w", err)
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		exporter, err := otlptracehttp.New(ctx)
		if err != nil {
			return fmt.Errorf("main: build otlp trace exporter: %w", err)
		}
		shutdown, err := telemetry.Setup(ctx, b.Status().InstanceID, exporter)
		if err != nil {
			return fmt.Errorf("main: set up telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), healthShutdownTimeout)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Warn("main: telemetry shutdown failed", "error", err)
			}
		}()
		slog.Info("main: OTLP trace export enabled")
	}

	healthServer := healthsrv.New(b)
	listener, err := net.Listen("tcp", flagHealthAddr)
	if err != nil {
		slog.Warn("main: health server disabled, failed to bind", "addr", flagHealthAddr, "error", err)
	} else {
		go func() {
			if err := healthServer.Serve(listener); err != nil && err != http.ErrServerClosed {
				slog.Warn("main: health server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), healthShutdownTimeout)
			defer cancel()
			_ = healthServer.Shutdown(shutdownCtx)
		}()
	}

	slog.Info("main: agent bridge starting", "sandbox_id", cfg.Transport.SandboxID)
	b.Run(ctx)
	slog.Info("main: agent bridge exiting")
	return nil
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("sandbox-id") {
		cfg.Transport.SandboxID = flagSandboxID
	}
	if flags.Changed("session-id") {
		cfg.Transport.SessionID = flagSessionID
	}
	if flags.Changed("control-plane") {
		cfg.Transport.ControlPlaneURL = flagControlPlane
	}
	if flags.Changed("token") {
		cfg.Transport.AuthToken = flagToken
	}
	if flags.Changed("opencode-port") {
		cfg.SubAgent.Port = flagOpencodePort
	}
}

func installLogger() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))
}
