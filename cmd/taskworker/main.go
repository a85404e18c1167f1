// taskworker — инструмент командной строки для очередей задач.
//
// Использование:
//
//	taskworker [--config FILE] [--json] <command> [flags]
//
// Команды:
//
//	publish  Публикация задачи
//	stats    Глубина очередей
//	dlq      Просмотр dead-letter очередей
//	worker   Запуск воркера
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/shaiso/taskworker/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	_ = godotenv.Load()

	var configPath string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "taskworker",
		Short:         "taskworker CLI — task queue tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $TASKWORKER_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	sessionFn := func(ctx context.Context) (*cli.Session, error) { return cli.OpenSession(ctx, configPath) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }
	configFn := func() string { return configPath }

	rootCmd.AddCommand(
		cli.NewPublishCmd(sessionFn, outputFn),
		cli.NewStatsCmd(sessionFn, outputFn),
		cli.NewDLQCmd(sessionFn, outputFn),
		cli.NewWorkerCmd(configFn),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
