package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inkwire/gatehouse/admission"
	"github.com/inkwire/gatehouse/api"
	"github.com/inkwire/gatehouse/diag"
	"github.com/inkwire/gatehouse/policy"
	"github.com/inkwire/gatehouse/pulse"
	"github.com/inkwire/gatehouse/store"
	"github.com/inkwire/gatehouse/store/memory"
	"github.com/inkwire/gatehouse/store/postgres"
	"github.com/inkwire/gatehouse/trust"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the gatehouse server",
	RunE:  runServer,
}

func runServer(cmd *cobra.Command, _ []string) error {
	dataDir := viper.GetString("data-dir")
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(viper.GetString("log-level")),
	}))
	slog.SetDefault(logger)

	cfg := policy.Default()
	cfg.CronPassword = viper.GetString("cron-pass")
	cfg.OperatorUser = viper.GetString("operator-user")
	cfg.OperatorPass = viper.GetString("operator-pass")
	if v := viper.GetUint64("max-rpm"); v > 0 {
		cfg.MaxRPM = v
	}

	ctx := cmd.Context()
	var (
		st  store.Store
		err error
	)
	if dsn := viper.GetString("dsn"); dsn != "" {
		st, err = postgres.NewFromDSN(ctx, dsn, cfg.MaxRPM)
		if err != nil {
			return fmt.Errorf("opening postgres store: %w", err)
		}
	} else {
		logger.Warn("no --dsn given, using in-memory store")
		st = memory.New(cfg.MaxRPM)
	}
	defer st.Close()

	dg, err := diag.Open(dataDir+"/diag.db", logger)
	if err != nil {
		return fmt.Errorf("opening diagnostic log: %w", err)
	}
	defer dg.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry := trust.NewRegistry(st, logger, cfg)
	ctrl := admission.NewController(st, logger, dg, cfg, admission.NewMetrics(reg))
	sched := pulse.NewScheduler(st, registry, dg, logger, cfg,
		pulse.NewMetrics(reg), pulse.LogNotifier{Log: logger})

	var proxies []netip.Prefix
	for _, cidr := range viper.GetStringSlice("trusted-proxies") {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return fmt.Errorf("invalid trusted proxy %q: %w", cidr, err)
		}
		proxies = append(proxies, prefix)
	}

	a := api.New(st, registry, ctrl, sched, cfg,
		api.WithLogger(logger),
		api.WithDiagnostics(dg),
		api.WithTrustedProxies(proxies),
	)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Mount("/api/v1", a.Router())
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	port := viper.GetInt("port")
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner()
	logger.Info("server started", "port", port, "data_dir", dataDir)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serverCmd.Flags().String("data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().String("dsn", "", "PostgreSQL DSN; empty selects the in-memory store")
	serverCmd.Flags().String("cron-pass", "", "Password guarding the scheduler endpoint")
	serverCmd.Flags().String("operator-user", "", "Operator proof username")
	serverCmd.Flags().String("operator-pass", "", "Operator proof password")
	serverCmd.Flags().Uint64("max-rpm", 0, "Per-address request budget per minute")
	serverCmd.Flags().StringSlice("trusted-proxies", nil, "CIDR ranges whose proxy headers are trusted")
	serverCmd.Flags().String("log-level", "info", "Log level: debug, info, warn, error")
	_ = viper.BindPFlags(serverCmd.Flags())
}
