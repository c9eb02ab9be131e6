package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/passport-garden-go/application"
	"github.com/lk2023060901/passport-garden-go/internal/server"
	"github.com/lk2023060901/passport-garden-go/internal/store"
	"github.com/lk2023060901/passport-garden-go/pkg/log"
	"github.com/lk2023060901/passport-garden-go/pkg/metrics"
)

func main() {
	app := application.New()
	if err := app.Run(); err != nil {
		log.Fatal("bootstrap failed", zap.Error(err))
	}
	defer func() {
		_ = log.Sync()
	}()

	cfg, err := app.ServerConfig()
	if err != nil {
		log.Fatal("load server config failed", zap.Error(err))
	}

	st := store.New(store.NewFileBackend(app.DataFile()))
	if err := st.Load(); err != nil {
		log.Fatal("load user store failed",
			zap.String("data_file", app.DataFile()),
			zap.Error(err))
	}
	log.Info("user store loaded",
		zap.String("data_file", app.DataFile()),
		zap.Int("users", st.Count()))

	srv, err := server.New(cfg, st)
	if err != nil {
		log.Fatal("create server failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return srv.Serve(ctx)
	})

	if addr := app.MetricsAddr(); addr != "" {
		metrics.Register(prometheus.DefaultRegisterer)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: addr, Handler: mux}

		group.Go(func() error {
			log.Info("metrics endpoint listening", zap.String("addr", addr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown signal received")
		return srv.Stop()
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
}
