package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetlink.org/internal/api"
	"fleetlink.org/internal/config"
	"fleetlink.org/internal/fetch"
	"fleetlink.org/internal/fleet"
	"fleetlink.org/internal/kv"
	"fleetlink.org/internal/obs"
	"fleetlink.org/internal/poll"
	"fleetlink.org/internal/session"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	medium, err := kv.Open(cfg.SessionPath)
	if err != nil {
		log.Fatalf("open session store: %v", err)
	}
	sess := session.New(medium)

	client, err := api.New(cfg.BaseURL, sess,
		api.WithTimeout(cfg.Timeout),
		api.WithUploadTimeout(cfg.UploadTimeout),
		api.WithUserAgent("fleetwatch/"+version),
	)
	if err != nil {
		log.Fatalf("api client: %v", err)
	}

	svc := fleet.NewService(client, fetch.NewGroup(),
		fleet.WithCacheTTL(cfg.CacheTTL),
		fleet.WithThrottleDelay(cfg.ThrottleDelay),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A surviving session is reused; otherwise log in with configured
	// credentials.
	if !sess.HasValidAccessToken() {
		if cfg.Email == "" || cfg.Password == "" {
			log.Fatalf("no stored session and no FLEETLINK_EMAIL/FLEETLINK_PASSWORD configured")
		}
		id, err := svc.Login(ctx, cfg.Email, cfg.Password)
		if err != nil {
			log.Fatalf("login: %v", err)
		}
		log.Printf("Logged in as %s (%s)", id.Email, id.Role)
	}

	monitor := svc.TripMonitor(func(entity string, trip fleet.Trip) {
		obs.Log(map[string]any{
			"component": "fleetwatch",
			"msg":       "trip started",
			"entity":    entity,
			"trip_id":   trip.ID,
			"vehicle":   trip.VehicleID,
		})
	},
		poll.WithInterval(cfg.PollInterval),
		poll.WithMinInterval(cfg.PollMin),
	)
	monitor.Start(ctx, fleet.SelfEntity)

	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting fleetwatch %s, metrics on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	monitor.StopAll()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = medium.Close()
	log.Println("Stopped")
}
