package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	coachassistant "github.com/yestoryd/coach-assistant"
	"github.com/yestoryd/coach-assistant/internal/handlers"
	"github.com/yestoryd/coach-assistant/internal/services"
	"github.com/yestoryd/coach-assistant/internal/telemetry"
	"gopkg.in/yaml.v3"
)

const errLoggerKey = "err"

func main() {
	// A missing .env file is fine, the environment may already be set.
	_ = godotenv.Load()

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "coachassistant")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	defaultCfgFile := os.Getenv("COACH_ASSISTANT_CONFIG")
	if defaultCfgFile == "" {
		defaultCfgFile = filepath.Join(cfgPath, "config.yaml")
	}
	cfgFilePath := flag.String("config", defaultCfgFile, "path to the config file")
	flag.Parse()

	cfg, err := loadConfig(*cfgFilePath)
	if err != nil {
		log.Fatal(err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.LogFile, telemetry.ParseLevel(cfg.LogLevel))
	if err != nil {
		log.Fatal(fmt.Errorf("error creating logger: %w", err))
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if cfg.Telemetry.Enabled {
		dir := cfg.Telemetry.Dir
		if dir == "" {
			dir = filepath.Join(cfgPath, "telemetry")
		}
		cleanup, err := telemetry.Init(context.Background(), dir, logger)
		if err != nil {
			logger.Error("Failed to initialize telemetry", slog.String(errLoggerKey, err.Error()))
			os.Exit(1)
		}
		defer cleanup()
	}

	assistant, err := cfg.Assistant.assistant(cfg.SystemPrompt, logger)
	if err != nil {
		logger.Error("Failed to create assistant", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}

	dbPath := filepath.Join(cfgPath, "store.db")
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		logger.Error("Failed to open store", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
	defer boltDB.Close()

	for coach, children := range cfg.Students {
		if err := boltDB.SetChildren(context.Background(), coach, children); err != nil {
			logger.Error("Failed to seed students",
				slog.String("coach", coach),
				slog.String(errLoggerKey, err.Error()))
			os.Exit(1)
		}
	}

	m, err := handlers.NewMain(assistant, boltDB,
		handlers.WithLogger(logger),
		handlers.WithHistoryWindow(cfg.HistoryWindow),
		handlers.WithTurnTimeout(cfg.TurnTimeout))
	if err != nil {
		logger.Error("Failed to create handlers", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}

	// Serve static files
	staticFS, err := fs.Sub(coachassistant.StaticFS, "static")
	if err != nil {
		logger.Error("Failed to open static files", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	// Create custom mux
	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/retry", m.HandleRetry)
	mux.HandleFunc("/sse", m.HandleSSE)
	mux.HandleFunc("/api/assistant", m.HandleAssistant)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", slog.String(errLoggerKey, err.Error()))
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}
}

func loadConfig(path string) (config, error) {
	cfgFile, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}
