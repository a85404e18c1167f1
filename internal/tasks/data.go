package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shaiso/taskworker/internal/domain"
	"github.com/shaiso/taskworker/internal/worker"
)

// Типы обработки data_processing.
const (
	ProcessingAggregation    = "aggregation"
	ProcessingTransformation = "transformation"
	ProcessingDefault        = "default"
)

// DataProcessing — обработчик задачи "data_processing".
//
// Payload:
//   - data ([]any): элементы для обработки
//   - processing_type (string): aggregation | transformation | default
//   - fail (bool): имитировать временный сбой
type DataProcessing struct {
	Work time.Duration
}

// Handle обрабатывает массив данных.
func (h *DataProcessing) Handle(ctx context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error) {
	var data []any
	if raw, ok := msg.Payload["data"]; ok && raw != nil {
		items, ok := raw.([]any)
		if !ok {
			return nil, worker.Permanent(fmt.Errorf("%w: data must be an array, got %T", domain.ErrMalformedMessage, raw))
		}
		data = items
	}
	processingType := getString(msg.Payload, "processing_type", ProcessingDefault)

	if err := sleep(ctx, h.Work); err != nil {
		return nil, err
	}

	if getBool(msg.Payload, "fail") {
		return domain.Failed(msg.TaskID, fmt.Sprintf("%s: data_processing", ErrSimulatedFailure)), nil
	}

	return domain.Completed(msg.TaskID, map[string]any{
		"processed_items": len(data),
		"processing_type": processingType,
		"result":          processData(data, processingType),
	}), nil
}

// processData выполняет обработку указанного типа.
func processData(data []any, processingType string) map[string]any {
	switch processingType {
	case ProcessingAggregation:
		numbers, ok := numeric(data)
		if !ok {
			return map[string]any{"total": len(data), "count": len(data), "average": 0.0}
		}
		var total float64
		for _, n := range numbers {
			total += n
		}
		average := 0.0
		if len(numbers) > 0 {
			average = total / float64(len(numbers))
		}
		return map[string]any{"total": total, "count": len(data), "average": average}

	case ProcessingTransformation:
		transformed := make([]string, len(data))
		for i, item := range data {
			transformed[i] = strings.ToUpper(fmt.Sprint(item))
		}
		return map[string]any{"transformed": transformed, "original_count": len(data)}

	default:
		return map[string]any{"processed": true, "items": data}
	}
}

// numeric возвращает элементы как числа, если все элементы числовые.
func numeric(data []any) ([]float64, bool) {
	out := make([]float64, 0, len(data))
	for _, item := range data {
		switch v := item.(type) {
		case float64:
			out = append(out, v)
		case int:
			out = append(out, float64(v))
		default:
			return nil, false
		}
	}
	return out, true
}
