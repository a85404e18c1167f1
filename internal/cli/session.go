package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/shaiso/taskworker/internal/backend"
	"github.com/shaiso/taskworker/internal/config"
	"github.com/shaiso/taskworker/internal/dispatch"
	"github.com/shaiso/taskworker/internal/telemetry"
)

// Session — загруженная конфигурация и открытый backend.
type Session struct {
	Config  *config.Config
	Backend *backend.Backend
	Logger  *slog.Logger
}

// OpenSession загружает конфигурацию и подключается к очередям.
// Логи CLI пишутся в stderr, чтобы не смешиваться с выводом команд.
func OpenSession(ctx context.Context, configPath string) (*Session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := telemetry.NewLogger(os.Stderr, telemetry.ParseLevel(cfg.Log.Level), "text")

	b, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Session{Config: cfg, Backend: b, Logger: logger}, nil
}

// Dispatcher создаёт Dispatcher поверх маршрутов backend'а.
func (s *Session) Dispatcher() *dispatch.Dispatcher {
	return dispatch.New(s.Backend.Routes(), dispatch.Options{
		DefaultMaxRetries: s.Config.Retry.DefaultMaxRetries,
		Logger:            s.Logger,
	})
}

// Close закрывает backend.
func (s *Session) Close() error {
	return s.Backend.Close()
}

// SessionFunc открывает Session после парсинга флагов.
type SessionFunc func(ctx context.Context) (*Session, error)
