// ABOUTME: Entry point for coven-relay: runs the webhook gateway or one update worker
// ABOUTME: Both roles read the same config file and stop cleanly on SIGINT or SIGTERM

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/worker"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// configPath returns the config file to load.
// Priority: --config flag > COVEN_RELAY_CONFIG > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func configPath(flag string) string {
	if flag != "" {
		return flag
	}
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "relay.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	config string
}

func (o *rootOptions) load() (*config.Config, string, error) {
	path := configPath(o.config)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "coven-relay",
		Short:         "Chat update relay: webhook gateway and broker-fed workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.config, "config", "", "config file path")

	cmd.AddCommand(newGatewayCmd(opts))
	cmd.AddCommand(newWorkerCmd(opts))
	cmd.AddCommand(newHealthCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newGatewayCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Receive chat webhooks and publish updates to the broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := opts.load()
			if err != nil {
				return err
			}
			cfg.Service.Name = gateway.ServiceName
			logger := setupLogger(cfg.Logging, os.Stdout)
			printStartup(cmd.OutOrStdout(), cfg, path)

			logger.Info("starting coven-relay gateway",
				"config", path,
				"http_addr", cfg.Server.HTTPAddr,
				"broker", cfg.Broker.Host,
			)

			gw, err := gateway.Open(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume broker updates and run one service's handlers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := opts.load()
			if err != nil {
				return err
			}
			if service != "" {
				cfg.Service.Name = service
			}
			logger := setupLogger(cfg.Logging, os.Stdout)
			printStartup(cmd.OutOrStdout(), cfg, path)

			logger.Info("starting coven-relay worker",
				"config", path,
				"service", cfg.Service.Name,
				"http_addr", cfg.Server.HTTPAddr,
			)

			w, err := worker.Open(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("creating worker: %w", err)
			}
			return w.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&service, "service", "",
		fmt.Sprintf("service to run (%s or %s), overrides service.name", worker.ServiceBasic, worker.ServiceForwarding))
	return cmd
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that a running process is ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if err := checkReady(cmd.Context(), http.DefaultClient, cfg.Server.HTTPAddr); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "coven-relay %s\n", version)
		},
	}
}

func checkReady(ctx context.Context, client *http.Client, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/health/ready", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}

func printStartup(out io.Writer, cfg *config.Config, path string) {
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	gray.Fprintf(out, "coven-relay %s\n\n", version)
	line := func(label, value string) {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-10s %s\n", label+":", value)
	}
	line("Config", path)
	line("Service", cfg.Service.Name)
	line("HTTP", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		line("gRPC", cfg.Server.GRPCAddr)
	}
	fmt.Fprintln(out)
}
