// Command exchanged runs the stock exchange server: it opens the store,
// rebuilds the in-memory order books, and serves the XML-over-TCP
// protocol alongside a Prometheus metrics endpoint.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stockexchange/internal/cancel"
	"stockexchange/internal/config"
	"stockexchange/internal/matching"
	"stockexchange/internal/metrics"
	"stockexchange/internal/orderbook"
	"stockexchange/internal/protocol"
	"stockexchange/internal/query"
	"stockexchange/internal/store"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "exchanged",
		Short: "Stock exchange matching engine server",
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Open the store, rebuild order books, and accept client connections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	mtr := metrics.New(reg)
	books := orderbook.NewRegistry()

	eng := matching.New(st, books, mtr, logger)
	if err := eng.LoadBooks(ctx); err != nil {
		return err
	}

	queries := query.New(st)
	cancels := cancel.New(st, books, eng, queries, mtr, logger)
	handler := protocol.New(st, eng, cancels, queries, mtr, logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	go serveMetrics(ctx, cfg.MetricsAddr, reg, logger)

	logger.Info("exchange listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("metrics_addr", cfg.MetricsAddr))
	return handler.Serve(ctx, ln)
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server stopped", zap.Error(err))
	}
}
