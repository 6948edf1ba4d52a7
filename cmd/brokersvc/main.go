package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/glimte/brokersvc"
	"github.com/glimte/brokersvc/config"
	"github.com/glimte/brokersvc/health"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	var (
		configFile string
		brokerURL  string
		queueName  string
	)

	loadConfig := func() (*config.Config, *slog.Logger, error) {
		cfg, err := config.Read(configFile)
		if err != nil {
			return nil, nil, err
		}
		if brokerURL != "" {
			cfg.Broker.URL = brokerURL
		}
		if queueName != "" {
			cfg.Broker.QueueName = queueName
		}
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, cfg.Log.NewLogger(os.Stderr), nil
	}

	rootCmd := &cobra.Command{
		Use:           "brokersvc",
		Short:         "Publish to and consume from a managed broker queue",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&brokerURL, "url", "u", "", "Broker URL (overrides config and environment)")
	rootCmd.PersistentFlags().StringVarP(&queueName, "queue", "q", "", "Service queue (overrides config and environment)")

	// Publish command
	var (
		routingKey string
		transient  bool
	)
	publishCmd := &cobra.Command{
		Use:   "publish <json-message>",
		Short: "Publish a JSON message to the service queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			var message any
			if err := json.Unmarshal([]byte(args[0]), &message); err != nil {
				return fmt.Errorf("message is not valid JSON: %w", err)
			}

			svc := brokersvc.NewFromConfig(cfg, brokersvc.WithLogger(logger))
			defer svc.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Broker.ConnectTimeout+10*time.Second)
			defer cancel()

			opts := []brokersvc.PublishOption{brokersvc.Persistent(!transient)}
			if routingKey != "" {
				opts = append(opts, brokersvc.RoutingKey(routingKey))
			}

			ok, err := svc.Publish(ctx, message, opts...)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("message was not accepted by the broker")
			}
			fmt.Println("published")
			return nil
		},
	}
	publishCmd.Flags().StringVarP(&routingKey, "routing-key", "r", "", "Routing key (defaults to the queue name)")
	publishCmd.Flags().BoolVar(&transient, "transient", false, "Publish with transient delivery mode")

	// Consume command
	var (
		autoAck    bool
		healthAddr string
	)
	consumeCmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume the service queue and print each message",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if healthAddr != "" {
				cfg.Health.Addr = healthAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc := brokersvc.NewFromConfig(cfg, brokersvc.WithLogger(logger))
			defer svc.Close()

			if err := svc.ConnectWithRetry(ctx, brokersvc.DefaultReconnectPolicy()); err != nil {
				return err
			}

			handler := func(ctx context.Context, body any, d brokersvc.Delivery) error {
				out, err := json.MarshalIndent(body, "", "  ")
				if err != nil {
					return err
				}
				fmt.Printf("--- %s (redelivered: %t)\n%s\n", d.MessageId, d.Redelivered, out)
				return nil
			}
			if err := svc.Consume(ctx, "", handler, autoAck); err != nil {
				return err
			}

			if cfg.Health.Addr != "" {
				registry := health.NewRegistry(svc.HealthChecker(), health.NewRuntimeChecker(1000, 10000))
				registry.SetCheckTimeout(2 * time.Second)
				srv := &http.Server{
					Addr:              cfg.Health.Addr,
					Handler:           health.NewServeMux(registry, 5*time.Second),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("health server failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				logger.Info("health endpoint listening", "addr", cfg.Health.Addr)
			}

			fmt.Println("Consuming messages... Press Ctrl+C to stop")
			<-ctx.Done()
			return nil
		},
	}
	consumeCmd.Flags().BoolVar(&autoAck, "auto-ack", false, "Let the broker acknowledge on delivery (failed messages are lost)")
	consumeCmd.Flags().StringVar(&healthAddr, "health-addr", "", "Serve /healthz and /livez on this address")

	// Health command
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Connect once and report broker health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			svc := brokersvc.NewFromConfig(cfg, brokersvc.WithLogger(logger))
			defer svc.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Broker.ConnectTimeout+5*time.Second)
			defer cancel()

			if err := svc.EnsureConnection(ctx); err != nil {
				logger.Error("connect failed", "error", err)
			}

			report := health.NewRegistry(svc.HealthChecker()).Check(ctx)
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			if report.Status == health.StatusUnhealthy {
				return errors.New("broker is unhealthy")
			}
			return nil
		},
	}

	rootCmd.AddCommand(publishCmd, consumeCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
