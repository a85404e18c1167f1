// taskworker-worker — процесс, обрабатывающий очереди задач.
//
// Worker:
//   - Читает сообщения из очередей (SQS, RabbitMQ, SQLite)
//   - Выполняет обработчик по типу задачи
//   - Повторяет с exponential backoff или отправляет в DLQ
//   - Отдаёт /healthz и /metrics
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/shaiso/taskworker/internal/cli"
	"github.com/shaiso/taskworker/internal/config"
	"github.com/shaiso/taskworker/internal/telemetry"
)

func main() {
	// .env необязателен
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting taskworker-worker", "backend", cfg.Backend, "queues", len(cfg.Queues))

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cli.RunWorker(ctx, cfg, logger); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
}
