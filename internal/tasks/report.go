package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/taskworker/internal/domain"
)

// GenerateReport — обработчик задачи "generate_report".
//
// Тяжёлая задача: её очередь обычно настраивают с низким prefetch_count.
//
// Payload:
//   - report_type (string): тип отчёта. Default: "summary"
//   - date_range (any): период
//   - format (string): формат файла. Default: "pdf"
//   - fail (bool): имитировать временный сбой
type GenerateReport struct {
	Work time.Duration
}

// Handle генерирует отчёт.
func (h *GenerateReport) Handle(ctx context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error) {
	reportType := getString(msg.Payload, "report_type", "summary")
	format := getString(msg.Payload, "format", "pdf")

	if err := sleep(ctx, h.Work); err != nil {
		return nil, err
	}

	if getBool(msg.Payload, "fail") {
		return domain.Failed(msg.TaskID, fmt.Sprintf("%s: generate_report", ErrSimulatedFailure)), nil
	}

	reportID := "RPT-" + msg.TaskID
	return domain.Completed(msg.TaskID, map[string]any{
		"ok":           true,
		"report_id":    reportID,
		"type":         reportType,
		"format":       format,
		"date_range":   msg.Payload["date_range"],
		"report_url":   fmt.Sprintf("/reports/%s_%s.%s", reportType, reportID, format),
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}), nil
}
