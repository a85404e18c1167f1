package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shaiso/taskworker/internal/backend"
	"github.com/shaiso/taskworker/internal/config"
	"github.com/shaiso/taskworker/internal/idempotency"
	"github.com/shaiso/taskworker/internal/tasks"
	"github.com/shaiso/taskworker/internal/telemetry"
	"github.com/shaiso/taskworker/internal/worker"
)

const (
	httpClientTimeout = 30 * time.Second
	healthTimeout     = 5 * time.Second
)

// NewWorkerCmd создаёт команду запуска воркера в текущем процессе.
func NewWorkerCmd(configFn func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the worker until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFn())
			if err != nil {
				return err
			}
			logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
			return RunWorker(cmd.Context(), cfg, logger)
		},
	}
}

// RunWorker поднимает очереди, запускает Supervisor и блокируется до отмены ctx.
func RunWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	b, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	store, closeStore, err := backend.OpenIdempotency(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	if sw, ok := store.(idempotency.Sweeper); ok {
		stopSweep, err := idempotency.StartSweeper(sw, cfg.Idempotency.SweepSchedule, logger)
		if err != nil {
			return err
		}
		defer stopSweep()
	}

	registry := tasks.NewRegistry(tasks.Options{
		HTTPClient: &http.Client{Timeout: httpClientTimeout},
	})

	bindings, err := buildBindings(cfg, b, registry, func(queue string, handlers map[string]worker.Handler) map[string]worker.Handler {
		if store == nil {
			return handlers
		}
		return idempotency.Wrap(handlers, queue, store, logger, metrics)
	})
	if err != nil {
		return err
	}

	s, err := worker.New(worker.Config{
		Queues:  bindings,
		Options: cfg.Options(),
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		srv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           newMux(s),
			ReadHeaderTimeout: healthTimeout,
		}
		go func() {
			logger.Info("listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
	}

	// Ожидаем сигнал завершения
	<-ctx.Done()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), healthTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}

	s.Stop()
	logger.Info("worker stopped", "backend", b.Kind())
	return nil
}

// wrapFunc оборачивает обработчики очереди (например, журналом идемпотентности).
type wrapFunc func(queue string, handlers map[string]worker.Handler) map[string]worker.Handler

// buildBindings связывает очереди конфигурации с клиентами и обработчиками.
// Пустой список handlers — все зарегистрированные типы.
func buildBindings(cfg *config.Config, b *backend.Backend, registry *worker.Registry, wrap wrapFunc) ([]worker.Binding, error) {
	bindings := make([]worker.Binding, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		types := q.Handlers
		if len(types) == 0 {
			types = registry.Types()
		}
		handlers, err := registry.Subset(types...)
		if err != nil {
			return nil, fmt.Errorf("queue %s: %w", q.Name, err)
		}
		if wrap != nil {
			handlers = wrap(q.Name, handlers)
		}

		client, err := b.Client(q.Name)
		if err != nil {
			return nil, err
		}

		bindings = append(bindings, worker.Binding{
			Queue: worker.QueueConfig{
				Name:            q.Name,
				RoutingKey:      q.RoutingKey,
				TaskHandlers:    handlers,
				PrefetchCount:   q.PrefetchCount,
				ExchangeName:    q.ExchangeName,
				DLXExchangeName: q.DLXExchangeName,
				DLQName:         q.DLQName,
			},
			Client: client,
		})
	}
	return bindings, nil
}

// healthSource — то, что отдаёт /healthz.
type healthSource interface {
	Health(ctx context.Context) worker.Health
}

// newMux собирает HTTP mux: /healthz + /metrics.
func newMux(s healthSource) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		h := s.Health(ctx)
		w.Header().Set("Content-Type", "application/json")
		if !h.Running {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
