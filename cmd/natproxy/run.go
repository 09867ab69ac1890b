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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/pshima/natproxy/internal/config"
	nperrors "github.com/pshima/natproxy/internal/errors"
	"github.com/pshima/natproxy/internal/logger"
	"github.com/pshima/natproxy/internal/metrics"
	"github.com/pshima/natproxy/internal/proxy"
	"github.com/pshima/natproxy/pkg/intercept"
)

type runOptions struct {
	configFile string
	cli        config.CLIOptions
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open the TUN device and start intercepting",
		Long: `Open the TUN device, answer DNS queries sent to the virtual network and
redirect captured TCP flows to the local proxy, which relays them through the
configured tunnels until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configFile, "config", "c", "", "path to YAML configuration file")
	cmd.Flags().StringVar(&opts.cli.TunName, "tun", "", "TUN device name")
	cmd.Flags().IntVarP(&opts.cli.Port, "port", "p", 0, "local proxy port (0 picks a free port)")
	cmd.Flags().StringVar(&opts.cli.LogFile, "log-file", "", "also write logs to this file")
	cmd.Flags().StringVar(&opts.cli.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVarP(&opts.cli.Verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func run(ctx context.Context, opts runOptions) error {
	cfg, err := config.Load(opts.configFile, opts.cli)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{FilePath: cfg.LogFile, Verbose: cfg.Verbose, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	defer log.Close()

	if !intercept.IsSupported() {
		return nperrors.New(nperrors.KindUnsupported, "packet interception is not supported on this platform")
	}
	if intercept.RequiresPrivileges() && os.Geteuid() != 0 {
		log.Warn("Not running as root, opening the TUN device will probably fail")
	}

	m := metrics.NewMetrics()
	if cfg.MetricsAddr != "" {
		srv, err := metricsServer(cfg.MetricsAddr, m)
		if err != nil {
			return err
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server stopped", "error", err, "code", "E002")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Info("Serving metrics", "addr", cfg.MetricsAddr)
	}

	dev, err := intercept.OpenTUN(cfg.TunName)
	if err != nil {
		return err
	}

	sup, err := proxy.NewSupervisor(cfg, dev, log, m)
	if err != nil {
		dev.Close()
		return err
	}

	log.Info("Starting natproxy", "tun", cfg.TunName, "virtual_ip", cfg.VirtualIP)
	if err := sup.Run(ctx); err != nil {
		return fmt.Errorf("interception stopped: %w", err)
	}
	log.Info("natproxy stopped")
	return nil
}

// metricsServer registers m and the runtime collectors on a fresh registry
// and returns a server exposing them on /metrics.
func metricsServer(addr string, m *metrics.Metrics) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		return nil, err
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}, nil
}
