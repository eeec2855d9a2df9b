// Package main is the entry point for the comfybridge service: an HTTP
// bridge that renders workflow templates, submits them to a ComfyUI-compatible
// generation server, tracks execution over its websocket stream, and returns
// the finished artifact.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/knowaveragejoe/discord-comfyui/internal/api"
	"github.com/knowaveragejoe/discord-comfyui/internal/comfy"
	"github.com/knowaveragejoe/discord-comfyui/internal/config"
	"github.com/knowaveragejoe/discord-comfyui/internal/pipeline"
	"github.com/knowaveragejoe/discord-comfyui/internal/template"
	"github.com/knowaveragejoe/discord-comfyui/internal/workflow"
)

func main() {
	// A .env file is optional; real environments set variables directly.
	_ = godotenv.Load()

	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting comfybridge",
		slog.String("port", cfg.Port),
		slog.String("comfy_addr", cfg.ComfyAddr()),
		slog.String("templates_dir", cfg.TemplatesDir),
	)

	descriptors, err := workflow.LoadFile(cfg.WorkflowsFile)
	if err != nil {
		logger.Error("failed to load workflow config", "error", err)
		os.Exit(1)
	}

	engine := template.NewEngine(cfg.TemplatesDir, logger)
	client := comfy.NewClient(&comfy.Config{
		Host:        cfg.ComfyAddr(),
		SubmitRPS:   cfg.SubmitRPS,
		SubmitBurst: cfg.SubmitBurst,
		Logger:      logger,
	})
	defer client.Close()

	pipe, err := pipeline.New(engine, descriptors, client, logger)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	logger.Info("workflows configured", slog.Any("workflows", pipe.Workflows()))

	handlers := api.NewHandlers(pipe, client, logger)
	server := api.NewServer(handlers, &api.ServerConfig{
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
