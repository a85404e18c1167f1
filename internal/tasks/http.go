package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shaiso/taskworker/internal/domain"
	"github.com/shaiso/taskworker/internal/worker"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPRequest — обработчик задачи "http_request".
//
// Payload:
//   - method (string): HTTP-метод (GET, POST, PUT, DELETE). Default: GET
//   - url (string): URL для запроса (обязательно)
//   - headers (map[string]any): HTTP-заголовки
//   - body (any): тело запроса (сериализуется в JSON)
//   - timeout_sec (number): таймаут запроса в секундах. Default: 30
//
// Result:
//   - status_code (int): HTTP-код ответа
//   - headers (map[string]string): заголовки ответа
//   - body (any): тело ответа (JSON или строка)
//
// 5xx, 408 и 429 — временный сбой (retry). Остальные 4xx — неустранимая
// ошибка: сообщение уходит в DLQ без retry.
type HTTPRequest struct {
	// Client (опционально; если nil — http.DefaultClient).
	Client *http.Client
}

// Handle выполняет HTTP-запрос.
func (h *HTTPRequest) Handle(ctx context.Context, msg *domain.TaskMessage) (*domain.TaskResult, error) {
	method := getString(msg.Payload, "method", http.MethodGet)
	url := getString(msg.Payload, "url", "")
	if url == "" {
		return nil, worker.Permanent(fmt.Errorf("%w: url", ErrMissingField))
	}

	ctx, cancel := context.WithTimeout(ctx, getSeconds(msg.Payload, "timeout_sec", defaultHTTPTimeout))
	defer cancel()

	var bodyReader io.Reader
	if body, ok := msg.Payload["body"]; ok && body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, worker.Permanent(fmt.Errorf("%w: marshal body: %v", ErrHTTPRequest, err))
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, worker.Permanent(fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err))
	}

	setHeaders(req, msg.Payload)

	// Content-Type по умолчанию для запросов с body
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	// Получатель может дедуплицировать повторную доставку
	if req.Header.Get("Idempotency-Key") == "" {
		req.Header.Set("Idempotency-Key", msg.TaskID)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	outputs := buildOutputs(resp, respBody)

	if resp.StatusCode >= 400 {
		errMsg := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
		if !retryableStatus(resp.StatusCode) {
			return nil, worker.Permanent(fmt.Errorf("%w: %s", ErrHTTPRequest, errMsg))
		}
		result := domain.Failed(msg.TaskID, errMsg)
		result.Result = outputs
		return result, nil
	}

	return domain.Completed(msg.TaskID, outputs), nil
}

// retryableStatus — коды, при которых имеет смысл повторить запрос.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// buildOutputs формирует результат из HTTP-ответа.
func buildOutputs(resp *http.Response, body []byte) map[string]any {
	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	// Парсим body: пробуем JSON, иначе строка
	var parsedBody any
	if err := json.Unmarshal(body, &parsedBody); err != nil {
		parsedBody = string(body)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        parsedBody,
	}
}

// setHeaders устанавливает заголовки из payload.
func setHeaders(req *http.Request, payload map[string]any) {
	headers, ok := payload["headers"]
	if !ok || headers == nil {
		return
	}

	switch h := headers.(type) {
	case map[string]any:
		for key, val := range h {
			if s, ok := val.(string); ok {
				req.Header.Set(key, s)
			}
		}
	case map[string]string:
		for key, val := range h {
			req.Header.Set(key, val)
		}
	}
}
