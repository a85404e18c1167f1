package domain

import "time"

// TaskResult — результат одной попытки обработки.
//
// Не сохраняется за пределами текущей попытки: используется только для
// решения ack / retry / dead-letter.
type TaskResult struct {
	TaskID string       `json:"task_id"`
	Status ResultStatus `json:"status"`

	// Result — данные результата, только для COMPLETED.
	Result map[string]any `json:"result,omitempty"`

	// ErrorMessage — текст ошибки, только для FAILED.
	ErrorMessage string `json:"error_message,omitempty"`

	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	ProcessingTime time.Duration `json:"processing_time,omitempty"`
}

// Completed создаёт успешный результат.
func Completed(taskID string, result map[string]any) *TaskResult {
	now := time.Now().UTC()
	return &TaskResult{
		TaskID:      taskID,
		Status:      ResultCompleted,
		Result:      result,
		CompletedAt: &now,
	}
}

// Failed создаёт результат с ошибкой.
func Failed(taskID string, errMsg string) *TaskResult {
	now := time.Now().UTC()
	return &TaskResult{
		TaskID:       taskID,
		Status:       ResultFailed,
		ErrorMessage: errMsg,
		CompletedAt:  &now,
	}
}

// IsSuccess возвращает true для COMPLETED.
func (r *TaskResult) IsSuccess() bool {
	return r != nil && r.Status == ResultCompleted
}
