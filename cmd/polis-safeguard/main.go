// Package main is the entry point for the polis-safeguard binary. It serves
// safeguarded turns over HTTP and offers one-shot and interactive CLI modes.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-safeguard/pkg/api"
	"github.com/polisai/polis-safeguard/pkg/config"
	"github.com/polisai/polis-safeguard/pkg/logging"
	"github.com/polisai/polis-safeguard/pkg/pipeline"
	"github.com/polisai/polis-safeguard/pkg/telemetry"
)

const defaultEnvFile = ".env"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-safeguard
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-safeguard",
		Short: "Policy-guarded conversational analytics",
		Long: `Every prompt, answer, generated query, transcript and result table is
checked against an access-control guard before it reaches the user.

Example:
  polis-safeguard ask "Which deals closed last quarter?"`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().String("env-file", defaultEnvFile, "Path to a .env file loaded before configuration")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Enable pretty console logging")

	rootCmd.AddCommand(newServeCmd(), newAskCmd(), newChatCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}
	cmd.Flags().String("listen", "", "Address to listen on (overrides config)")
	return cmd
}

func newAskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Run a single safeguarded turn",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, os.Stderr, func(ctx context.Context, a *app) error {
				result, err := a.orchestrator().Run(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				return renderResult(cmd.OutOrStdout(), result)
			})
		},
	}
}

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session (/new resets, /quit exits)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, os.Stderr, func(ctx context.Context, a *app) error {
				conv := pipeline.NewConversation(a.orchestrator())
				return runChat(ctx, conv, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
}

// loadConfig resolves .env, the YAML file and flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return nil, fmt.Errorf("failed to get env-file flag: %w", err)
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if pretty, _ := cmd.Flags().GetBool("pretty"); pretty {
		cfg.Logging.Pretty = true
	}
	return cfg, nil
}

// withApp loads configuration, wires components and tears them down after fn.
func withApp(cmd *cobra.Command, logOut io.Writer, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Format: cfg.Logging.Format,
		Output: logOut,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialise telemetry: %w", err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		_ = shutdownTelemetry(context.Background())
		return err
	}
	a.onClose(shutdownTelemetry)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Error("Shutdown error", "error", err)
		}
	}()

	return fn(ctx, a)
}

func runServe(cmd *cobra.Command) error {
	return withApp(cmd, os.Stdout, func(ctx context.Context, a *app) error {
		addr := a.cfg.Server.Address
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			addr = listen
		}

		handlerCfg := api.HandlerConfig{
			Runner: a.orchestrator(),
			Logger: a.logger,
		}
		if a.cfg.Identity.FromHeaders {
			handlerCfg.ForIdentity = a.forIdentity
		}

		server := &http.Server{
			Handler:      api.NewHandler(handlerCfg),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: a.cfg.Backend.Timeout + a.cfg.DataQuery.Timeout + 30*time.Second,
			IdleTimeout:  120 * time.Second,
		}

		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to bind listener on %s: %w", addr, err)
		}
		a.logger.Info("Server listening", "addr", listener.Addr().String())

		return serve(ctx, server, listener, a.cfg.Server.ShutdownTimeout, a.logger)
	})
}

// serve runs server until ctx is done and then shuts it down gracefully.
func serve(ctx context.Context, server *http.Server, listener net.Listener, shutdownTimeout time.Duration, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}
