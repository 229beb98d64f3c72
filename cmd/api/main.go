package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"erpid.org/internal/app"
	"erpid.org/internal/config"
	"erpid.org/internal/httpapi"
	"erpid.org/internal/obs"
)

func main() {
	configPath := flag.String("config", os.Getenv("ERPID_CONFIG"), "Path to YAML config (optional)")
	flag.Parse()

	log := obs.Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	obs.Configure(cfg.Logging.Level, cfg.Logging.Format)

	// Инициализация observability (регистрация метрик, build_info)
	obs.Init()
	obs.InitBuildInfo(obs.Version, obs.Commit)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	core, err := app.Build(ctx, cfg)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("build services")
	}
	if err := core.Janitor.Start(cfg.Tokens.PurgeSchedule); err != nil {
		log.WithError(err).Fatal("start janitor")
	}

	// HTTP API
	api := httpapi.New(core.Ready, obs.Version, core.Services, httpapi.Options{
		RequestTimeout: cfg.HTTP.RequestTimeout,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		RateLimit:      cfg.HTTP.RateLimit,
		RateBurst:      cfg.HTTP.RateBurst,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       cfg.HTTP.RequestTimeout,
		ReadHeaderTimeout: cfg.HTTP.RequestTimeout,
		WriteTimeout:      cfg.HTTP.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var grpcSrv *grpc.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			log.WithError(err).Fatal("grpc listen")
		}
		grpcSrv = grpc.NewServer()
		httpapi.NewGRPCServer(core.Ready).Register(grpcSrv)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.WithError(err).Error("grpc serve")
			}
		}()
		log.WithField("addr", cfg.GRPC.Addr).Info("grpc health listening")
	}

	log.WithField("version", obs.Version).WithField("addr", srv.Addr).Info("starting erpid-api")

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := core.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("service shutdown")
	}
	log.Info("stopped")
}
