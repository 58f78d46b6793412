package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/casefile"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/pipeline"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/auth"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/config"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/database"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/events"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/logging"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/metrics"
	secmiddleware "github.com/quothealth-eric/wyngai-system-sub007/internal/shared/middleware"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/vendor"
)

// maxBodyBytes bounds uploads; artifact content arrives base64 encoded.
const maxBodyBytes = 32 << 20

// App holds all application dependencies
type App struct {
	Config *config.Config
	Logger *logrus.Logger
	DB     *database.DB
	Bus    *events.Bus
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, os.Stdout)
	app := &App{Config: cfg, Logger: logger}

	var store casefile.Store = casefile.NewMemoryStore()
	if cfg.Database.Enabled {
		db, err := database.New(ctx, cfg.Database)
		if err != nil {
			logger.WithError(err).Fatal("Database not available")
		}
		app.DB = db
		defer db.Close()

		if err := database.Migrate(ctx, db.Pool, logger); err != nil {
			logger.WithError(err).Fatal("Migration failed")
		}
		store = casefile.NewPostgresStore(db.Pool)
	} else {
		logger.Warn("Database disabled, cases are kept in memory")
	}

	var publisher pipeline.Publisher = events.LogPublisher{Logger: logger}
	if cfg.EventStore.Enabled {
		bus, err := events.NewBus(ctx, cfg.EventStore, logger)
		if err != nil {
			logger.WithError(err).Warn("KurrentDB not available, events go to the log")
		} else {
			app.Bus = bus
			defer bus.Close()
			publisher = bus
		}
	}

	settings, err := pipeline.LoadSettings(cfg.Engine.SettingsPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load engine settings")
	}

	deps := settings.Deps()
	deps.Primary = extractor(cfg.Vendors.Primary, store)
	deps.Secondary = extractor(cfg.Vendors.Secondary, store)
	deps.Publisher = publisher
	deps.Logger = logger

	p, err := pipeline.New(pipeline.Config{
		Concurrency:   cfg.Pipeline.Concurrency,
		VendorTimeout: cfg.Pipeline.VendorTimeout,
	}, deps)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create pipeline")
	}

	service := casefile.NewService(store, p, settings.Plan, logger)
	caseHandler := casefile.NewHandler(service, logger)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)

	cors := secmiddleware.DefaultCORSConfig()
	if len(cfg.Server.AllowedOrigins) > 0 {
		cors.AllowedOrigins = cfg.Server.AllowedOrigins
	}
	r.Use(secmiddleware.CORS(cors))

	// Health checks (unauthenticated)
	r.Get("/health", healthHandler(app))
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())

	// API info
	r.Get("/", infoHandler)

	limiter := secmiddleware.NewIPRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Use(secmiddleware.BodyLimit(maxBodyBytes))
		if cfg.Auth.Enabled {
			r.Use(auth.Middleware(cfg.Auth))
		}

		r.Get("/rules", caseHandler.ListRules)
		r.Mount("/cases", caseHandler.Routes())
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("Shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("Server shutdown error")
		}
		close(done)
	}()

	fmt.Println("============================================")
	fmt.Println("Bill Check Analysis Service")
	fmt.Println("============================================")
	fmt.Printf("Environment:    %s\n", cfg.Server.Env)
	fmt.Printf("Server:         http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("API:            http://localhost:%d/api/v1\n", cfg.Server.Port)
	fmt.Printf("Health:         http://localhost:%d/health\n", cfg.Server.Port)
	fmt.Printf("Providers:      %s, %s\n", cfg.Vendors.Primary.Name, cfg.Vendors.Secondary.Name)
	fmt.Printf("Database:       %v\n", cfg.Database.Enabled)
	fmt.Printf("KurrentDB:      %v\n", app.Bus != nil)
	fmt.Printf("Auth:           %v\n", cfg.Auth.Enabled)
	fmt.Println("============================================")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("Server error")
	}

	<-done
	logger.Info("Server stopped")
}

// extractor replays extractions submitted over the API and, when the
// provider has an endpoint configured, calls it for artifacts that have none.
func extractor(cfg config.VendorConfig, store casefile.Store) vendor.Extractor {
	e := &casefile.StoredExtractor{VendorName: cfg.Name, Store: store}
	if cfg.BaseURL != "" {
		vc := vendor.DefaultConfig(cfg.Name, cfg.BaseURL)
		vc.APIKey = cfg.APIKey
		vc.Timeout = cfg.Timeout
		vc.MaxRequestsPerSecond = cfg.RequestsPerSecond
		e.Fallback = vendor.NewClient(vc)
	}
	return e
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":    "Bill Check Analysis Service",
		"version": "0.1.0",
		"docs":    "/api/v1",
	})
}

func healthHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
		})
	}
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"server": "ready",
		}

		// Check database
		if app.DB != nil {
			if err := app.DB.Health(r.Context()); err != nil {
				checks["database"] = "not ready: " + err.Error()
			} else {
				checks["database"] = "ready"
			}
		} else {
			checks["database"] = "not configured"
		}

		// Check KurrentDB
		if app.Bus != nil {
			if err := app.Bus.Health(r.Context()); err != nil {
				checks["kurrentdb"] = "not ready: " + err.Error()
			} else {
				checks["kurrentdb"] = "ready"
			}
		} else {
			checks["kurrentdb"] = "not configured"
		}

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}
