// Command example runs a netplay session from the terminal. Each stdin line
// is a JSON object sent to the other side; every received message is
// printed as one JSON line.
//
//	example host --port 5555
//	example join 127.0.0.1 --port 5555
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"github.com/spf13/cobra"

	"github.com/Zereker/netplay"
)

type flags struct {
	envFile     string
	port        int
	address     string
	metricsAddr string
	debug       bool
}

func main() {
	var f flags

	rootCmd := &cobra.Command{
		Use:           "example",
		Short:         "Host or join a card game session over TCP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&f.envFile, "env-file", ".env", "Optional env file with NETPLAY_* settings")
	rootCmd.PersistentFlags().IntVarP(&f.port, "port", "p", 0, "Port to listen on or connect to (overrides NETPLAY_PORT)")
	rootCmd.PersistentFlags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().BoolVar(&f.debug, "debug", false, "Enable debug logging")

	hostCmd := &cobra.Command{
		Use:   "host",
		Short: "Start a session and wait for players",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f, netplay.RoleHost, "")
		},
	}
	hostCmd.Flags().StringVar(&f.address, "address", "", "Bind address (overrides NETPLAY_ADDRESS)")

	joinCmd := &cobra.Command{
		Use:   "join <host-address>",
		Short: "Join a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f, netplay.RoleClient, args[0])
		},
	}

	rootCmd.AddCommand(hostCmd, joinCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags, role netplay.Role, target string) error {
	level := slog.LevelInfo
	if f.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := netplay.LoadConfig(f.envFile)
	if err != nil {
		return err
	}
	if f.port != 0 {
		cfg.Port = f.port
	}
	if f.address != "" {
		cfg.Address = f.address
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// OnMessage runs on every receiver goroutine.
	var outMu sync.Mutex
	out := json.NewEncoder(os.Stdout)
	opts := append(cfg.Options(),
		netplay.LoggerOption(logger),
		netplay.OnMessageOption(func(m netplay.Message) {
			outMu.Lock()
			defer outMu.Unlock()
			_ = out.Encode(m)
		}),
		netplay.OnDisconnectOption(func() {
			logger.Info("session ended")
			cancel()
		}),
		netplay.OnErrorOption(func(err error) {
			logger.Debug("transport error", "error", err)
		}),
	)

	if f.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, netplay.MetricsOption(netplay.NewMetrics(reg, "")))
		go serveMetrics(f.metricsAddr, reg, logger)
	}

	var ep *netplay.Endpoint
	if role == netplay.RoleHost {
		ep, err = netplay.NewHost(opts...)
		if err == nil {
			err = ep.Start()
		}
	} else {
		ep, err = netplay.NewClient(opts...)
		if err == nil {
			err = ep.Connect(ctx, target)
		}
	}
	if err != nil {
		return err
	}
	defer ep.Close()

	logger.Info("session running", "role", role, "addr", ep.Addr())

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			var m netplay.Message
			if err := json.Unmarshal([]byte(line), &m); err != nil {
				logger.Warn("input is not a JSON object", "error", err)
				continue
			}
			if err := ep.Send(m); err != nil {
				logger.Warn("send failed", "error", err)
			}
		}
	}
}

func readLines(lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines <- line
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	logger.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}
