package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/HungMe117/irrigation-system/internal/actuator"
	"github.com/HungMe117/irrigation-system/internal/config"
	"github.com/HungMe117/irrigation-system/internal/httpapi"
	"github.com/HungMe117/irrigation-system/internal/ingest"
	mqttpkg "github.com/HungMe117/irrigation-system/internal/mqtt"
	"github.com/HungMe117/irrigation-system/internal/notify"
	"github.com/HungMe117/irrigation-system/internal/scheduler"
	"github.com/HungMe117/irrigation-system/internal/store"
	"github.com/HungMe117/irrigation-system/internal/weather"
)

var uplinkTopics = []string{"gateway/+/data", "gateway/+/status", "gateway/+/response"}

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, "")
	if err != nil {
		slog.Error("db open failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db init failed", "error", err)
		os.Exit(1)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		slog.Error("invalid timezone", "timezone", cfg.Timezone, "error", err)
		os.Exit(1)
	}

	// Phase one: construct every component with its dependencies injected.
	mClient := mqttpkg.New(cfg.MQTTBrokerURL)
	hub := notify.NewHub()
	valves := actuator.New(repo, mClient, hub, actuator.Options{
		CancelSupersededAutoOff: cfg.CancelSupersededAutoOff,
	})
	ingestor := &ingest.Ingestor{Repo: repo, Hub: hub}
	sched := scheduler.New(repo, valves, scheduler.Options{
		Weather:  weather.New(cfg.WeatherAPIKey),
		Location: loc,
	})

	// Phase two: start subscriptions, the scheduler and the HTTP surface.
	for _, topic := range uplinkTopics {
		if err := mClient.Subscribe(topic, func(_ pahomqtt.Client, msg mqttpkg.Message) {
			ingestor.HandleMessage(context.Background(), msg, time.Now())
		}); err != nil {
			slog.Error("uplink subscribe failed", "topic", topic, "error", err)
			os.Exit(1)
		}
	}
	if err := sched.Start(); err != nil {
		slog.Error("scheduler start failed", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: httpapi.New(repo, valves, hub).Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}()
	slog.Info("irrigationd started", "port", cfg.Port)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	sched.Stop()
	valves.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	slog.Info("irrigationd stopped")
}
