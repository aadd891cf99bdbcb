package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/broadcast"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/config"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/crypto"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/database"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/handlers"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/logging"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/metrics"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/notify"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/orchestrator"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/sessions"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/sessionstate"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/sessionstore"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/supervisor"
	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/waclient"
)

func main() {
	config.Load()
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	cfg := config.Cfg
	saveInterval := config.Duration(cfg.SaveInterval, time.Minute)
	storeTimeout := config.Duration(cfg.StoreTimeout, 30*time.Second)
	startTimeout := config.Duration(cfg.StartTimeout, 2*time.Minute)
	stopTimeout := config.Duration(cfg.StopTimeout, 30*time.Second)
	log.Printf("Config: Backend=%s, Image=%s, SaveInterval=%s, RequiredEntries=%v",
		cfg.RuntimeBackend, cfg.RuntimeImage, saveInterval, cfg.RequiredEntries)

	profile, err := config.LoadRuntimeProfile(cfg.RuntimeProfile)
	if err != nil {
		log.Fatalf("Runtime profile: %v", err)
	}
	image := cfg.RuntimeImage
	if profile.Image != "" {
		image = profile.Image
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close(db)

	sealer, err := crypto.NewSealer(db, cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Encryption key init: %v", err)
	}
	if cfg.EncryptionKey == "" {
		log.Printf("WARNING: ENCRYPTION_SECRET not set, using key stored in the database")
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	store := sessionstore.New(db, sealer, sessionstore.Options{
		WorkRoot:        filepath.Join(cfg.DataPath, "work"),
		RequiredEntries: cfg.RequiredEntries,
		Metrics:         m,
	})

	ctx := context.Background()
	orch, err := orchestrator.New(ctx, orchestrator.Options{
		Backend:     cfg.RuntimeBackend,
		DockerHost:  cfg.DockerHost,
		Namespace:   cfg.K8sNamespace,
		StopTimeout: int(stopTimeout.Seconds()),
	})
	if err != nil {
		log.Fatalf("Orchestrator init: %v", err)
	}

	sup := supervisor.New(orch, store, supervisor.Options{
		Image:        image,
		MountPath:    cfg.RuntimeSessionMount,
		EventsPort:   cfg.RuntimeEventsPort,
		Env:          profile.Env,
		Labels:       profile.Labels,
		CPULimit:     profile.CPULimit,
		MemoryLimit:  profile.MemoryLimit,
		SaveInterval: saveInterval,
		StoreTimeout: storeTimeout,
		StartTimeout: startTimeout,
		StopTimeout:  stopTimeout,
		Metrics:      m,
	})

	b := broadcast.New(cfg.SubscriberQueue, m)
	recorder := database.SessionRecorder{DB: db}
	machine := sessionstate.New(b, recorder, m)

	mgr := sessions.NewManager(sup, store, machine, b, &waclient.WSConnector{}, notify.New(cfg.ReadyWebhookURL), sessions.Options{
		StoreTimeout: storeTimeout,
	})

	records, err := recorder.LoadSessions()
	if err != nil {
		log.Fatalf("Load session records: %v", err)
	}
	if err := mgr.Recover(ctx, snapshots(records)); err != nil {
		log.Printf("WARNING: runtime recovery failed: %v", err)
	}

	handlers.Sessions = mgr
	handlers.DB = db
	handlers.Backend = orch.BackendName()
	handlers.AllowedOrigins = cfg.AllowedOrigins

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	handlers.Mount(r, cfg.UserHeader)
	r.Handle("/metrics", promhttp.Handler())

	// Graceful shutdown
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	// Runtimes keep running; their sessions are saved once more and adopted
	// again on the next start.
	mgr.Shutdown()
	log.Println("Server stopped")
}

func snapshots(records []database.UserSessionRecord) []sessionstate.UserSession {
	out := make([]sessionstate.UserSession, 0, len(records))
	for _, rec := range records {
		out = append(out, sessionstate.UserSession{
			UserID:           rec.UserID,
			Status:           sessionstate.Status(rec.Status),
			LastTransitionAt: rec.LastTransitionAt,
			ErrorDetail:      rec.ErrorDetail,
		})
	}
	return out
}
