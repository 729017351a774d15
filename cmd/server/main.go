// Coachline - coach interaction API server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/coachline/internal/actions"
	"github.com/ashureev/coachline/internal/api"
	"github.com/ashureev/coachline/internal/config"
	"github.com/ashureev/coachline/internal/responder"
	"github.com/ashureev/coachline/internal/store"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(),
		"processing_ceiling", cfg.Coach.ProcessingCeiling, "idle_timeout", cfg.Coach.IdleTimeout)
	if len(cfg.APITokens) == 0 && !cfg.IsDevelopment() {
		slog.Warn("COACH_API_TOKENS is empty; every API request will be rejected")
	}

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	coach, err := buildResponder(context.Background(), cfg, repo)
	if err != nil {
		slog.Error("Failed to initialize coach responder", "error", err)
		os.Exit(1)
	}

	// Initialize services and handlers.
	svc := actions.NewService(repo, actions.WithLogger(logger))
	baseHandler := api.NewHandler(repo, svc, coach, cfg)
	healthHandler := api.NewHealthHandler(repo)
	router := api.NewRouter(cfg, baseHandler, healthHandler)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout); the
	// processing ceiling bounds each exchange instead.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	actions.StartRecoveryWorker(ctx, svc, actions.DefaultRecoveryInterval, actions.DefaultRecoveryGrace)

	var grpcHealth *api.GRPCHealth
	if cfg.GRPCPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "port", cfg.GRPCPort, "error", err)
			os.Exit(1)
		}
		grpcHealth = api.NewGRPCHealth(repo, 10*time.Second)
		go grpcHealth.Run(ctx)
		go func() {
			slog.Info("gRPC health listening", "addr", lis.Addr().String())
			if err := grpcHealth.Serve(lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	// Live exchanges would otherwise hold Shutdown until their ceiling.
	baseHandler.Exchanges().CancelAll()
	if grpcHealth != nil {
		grpcHealth.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// buildResponder loads the scripted coach when COACH_SCRIPT_PATH is set,
// seeding its plan, and falls back to the lorem coach otherwise.
func buildResponder(ctx context.Context, cfg *config.Config, repo store.Repository) (responder.Responder, error) {
	if cfg.ScriptPath == "" {
		slog.Info("COACH_SCRIPT_PATH not set, serving placeholder answers")
		return responder.NewLorem(3, 40*time.Millisecond), nil
	}

	script, err := responder.LoadScript(cfg.ScriptPath)
	if err != nil {
		return nil, err
	}
	// Seed only missing workouts so applied proposals survive a restart.
	seeded := 0
	for _, w := range script.Workouts() {
		existing, err := repo.GetWorkout(ctx, w.PlanID, w.WorkoutID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			continue
		}
		if err := repo.UpsertWorkout(ctx, w); err != nil {
			return nil, err
		}
		seeded++
	}
	slog.Info("Coach script loaded", "path", cfg.ScriptPath, "rules", len(script.Rules), "seeded_workouts", seeded)
	return responder.NewScripted(script), nil
}
