// Package main provides the CLI entry point for the Diglett tunnel.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/postalsys/diglett/internal/agent"
	"github.com/postalsys/diglett/internal/config"
	"github.com/postalsys/diglett/internal/gateway"
	"github.com/postalsys/diglett/internal/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "diglett",
		Short: "Diglett - reverse tunnel ingress gateway",
		Long: `Diglett exposes private backend services to the public internet.

An agent running next to a backend dials the public gateway, registers a
domain name, and the gateway forwards public clients to the backend over
a single encrypted connection.`,
		Version: Version,
	}

	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(serverCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func agentCmd() *cobra.Command {
	var (
		configPath string
		gatewayAdr string
		name       string
		token      string
		debug      bool
		logFormat  string
	)

	cmd := &cobra.Command{
		Use:   "agent [backend]",
		Short: "Expose a local backend through a gateway",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultAgentConfig()
			if configPath != "" {
				loaded, err := config.LoadAgent(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			if len(args) > 0 {
				cfg.Backend = args[0]
			}
			if cmd.Flags().Changed("gateway") {
				cfg.Gateway = gatewayAdr
			}
			if cmd.Flags().Changed("name") {
				cfg.Name = name
			}
			if cmd.Flags().Changed("token") {
				cfg.Token = token
			}
			if debug {
				cfg.Log.Level = "debug"
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = logFormat
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			a, err := agent.New(agent.Config{
				Gateway:   cfg.Gateway,
				Backend:   cfg.Backend,
				Name:      cfg.Name,
				Token:     cfg.Token,
				Transport: cfg.Transport,
				Logger:    logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path")
	cmd.Flags().StringVarP(&gatewayAdr, "gateway", "g", "127.0.0.1:20000", "Gateway address")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Domain name to register")
	cmd.Flags().StringVarP(&token, "token", "t", "", "Authentication token")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	return cmd
}

func serverCmd() *cobra.Command {
	var (
		configPath  string
		listen      string
		metricsAddr string
		debug       bool
		logFormat   string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the public gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultServerConfig()
			if configPath != "" {
				loaded, err := config.LoadServer(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("metrics") {
				cfg.MetricsListen = metricsAddr
			}
			if debug {
				cfg.Log.Level = "debug"
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = logFormat
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			srv := gateway.NewServer(gateway.Config{
				Listen:    cfg.Listen,
				Transport: cfg.Transport,
				Logger:    logger,
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return srv.Run(ctx)
			})

			if cfg.MetricsListen != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				metricsSrv := &http.Server{Addr: cfg.MetricsListen, Handler: mux}

				g.Go(func() error {
					logger.Info("metrics listening", logging.KeyAddress, cfg.MetricsListen)
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return metricsSrv.Shutdown(shutdownCtx)
				})
			}

			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path")
	cmd.Flags().StringVarP(&listen, "listen", "l", ":20000", "Address to accept agents on")
	cmd.Flags().StringVarP(&metricsAddr, "metrics", "m", "", "Address to serve Prometheus metrics on")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	return cmd
}
