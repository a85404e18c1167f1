package tasks

import (
	"context"
	"time"
)

// getString извлекает строку из map с default значением.
func getString(m map[string]any, key, defaultVal string) string {
	if val, ok := m[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultVal
}

// getFloat извлекает число из map. JSON-числа приходят как float64.
func getFloat(m map[string]any, key string, defaultVal float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return defaultVal
	}
}

// getBool извлекает флаг из map.
func getBool(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

// getSeconds извлекает длительность в секундах.
func getSeconds(m map[string]any, key string, defaultVal time.Duration) time.Duration {
	if v := getFloat(m, key, 0); v > 0 {
		return time.Duration(v * float64(time.Second))
	}
	return defaultVal
}

// sleep ждёт d с поддержкой отмены.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
