package tasks

import (
	"net/http"
	"time"

	"github.com/shaiso/taskworker/internal/worker"
)

// Имена встроенных типов задач.
const (
	TypeSendEmail      = "send_email"
	TypeSendSMS        = "send_sms"
	TypeGenerateReport = "generate_report"
	TypeDataProcessing = "data_processing"
	TypeHTTPRequest    = "http_request"
	TypeDelay          = "delay"
	TypeTransform      = "transform"
)

// Options — параметры встроенных обработчиков.
type Options struct {
	// Work — имитация работы для уведомлений, отчётов и обработки данных.
	Work time.Duration

	// HTTPClient для http_request (опционально).
	HTTPClient *http.Client
}

// Register регистрирует встроенные обработчики в реестре.
func Register(r *worker.Registry, opts Options) {
	r.Register(TypeSendEmail, &SendEmail{Work: opts.Work})
	r.Register(TypeSendSMS, &SendSMS{Work: opts.Work})
	r.Register(TypeGenerateReport, &GenerateReport{Work: opts.Work})
	r.Register(TypeDataProcessing, &DataProcessing{Work: opts.Work})
	r.Register(TypeHTTPRequest, &HTTPRequest{Client: opts.HTTPClient})
	r.Register(TypeDelay, &Delay{})
	r.Register(TypeTransform, &Transform{})
}

// NewRegistry создаёт реестр со всеми встроенными обработчиками.
func NewRegistry(opts Options) *worker.Registry {
	r := worker.NewRegistry()
	Register(r, opts)
	return r
}
