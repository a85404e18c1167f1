package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/taskworker/internal/dispatch"
	"github.com/shaiso/taskworker/internal/domain"
)

// NewPublishCmd создаёт команду публикации задачи.
func NewPublishCmd(sessionFn SessionFunc, outputFn func() *Output) *cobra.Command {
	var (
		payloadJSON string
		fields      []string
		routingKey  string
		exchange    string
		delay       time.Duration
		priority    string
		maxRetries  int
		count       int
	)

	cmd := &cobra.Command{
		Use:   "publish TASK_TYPE",
		Short: "Publish a task",
		Example: `  taskworker publish send_email --field recipient=user@example.com --field subject=Hi
  taskworker publish generate_report --payload '{"report_type":"sales"}' --routing-key reports
  taskworker publish send_email --field fail=true --count 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			payload, err := parsePayload(payloadJSON, fields)
			if err != nil {
				return err
			}

			body := map[string]any{
				"task_type": args[0],
				"payload":   payload,
			}
			if priority != "" {
				p := domain.Priority(priority)
				if !p.IsValid() {
					return fmt.Errorf("invalid priority %q, expected low, normal, high or urgent", priority)
				}
				body["priority"] = priority
			}
			if cmd.Flags().Changed("max-retries") {
				body["max_retries"] = maxRetries
			}

			s, err := sessionFn(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if routingKey == "" {
				routingKey = s.Config.Queues[0].RoutingKey
			}

			d := s.Dispatcher()
			items := make([]dispatch.Item, count)
			for i := range items {
				items[i] = dispatch.Item{Body: body, RoutingKey: routingKey, Exchange: exchange, Delay: delay}
			}
			ids := d.PublishBatch(cmd.Context(), items)
			if len(ids) == 0 {
				return fmt.Errorf("no tasks published to %q", routingKey)
			}

			rows := make([][]string, len(ids))
			for i, id := range ids {
				rows[i] = []string{id, args[0], routingKey}
			}
			out.Success(fmt.Sprintf("Published %d/%d task(s)", len(ids), count))
			out.Print([]string{"TASK_ID", "TASK_TYPE", "ROUTING_KEY"}, rows, ids)
			return nil
		},
	}

	cmd.Flags().StringVar(&payloadJSON, "payload", "", "Payload as a JSON object")
	cmd.Flags().StringSliceVar(&fields, "field", nil, "Payload field as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&routingKey, "routing-key", "", "Routing key (default: first configured queue)")
	cmd.Flags().StringVar(&exchange, "exchange", "", "Exchange (default: tasks)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Delay before the task becomes visible")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority (low, normal, high, urgent)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Maximum retries (default from config)")
	cmd.Flags().IntVar(&count, "count", 1, "Number of identical tasks to publish")

	return cmd
}

// parsePayload собирает payload из JSON и KEY=VALUE пар. Пары перекрывают JSON.
// Значения true/false и числа сохраняют тип.
func parsePayload(payloadJSON string, fields []string) (map[string]any, error) {
	payload := make(map[string]any)
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("invalid --payload: %w", err)
		}
	}

	for _, kv := range fields {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field format %q, expected KEY=VALUE", kv)
		}

		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			switch typed.(type) {
			case bool, float64:
				payload[key] = typed
				continue
			}
		}
		payload[key] = value
	}
	return payload, nil
}
