package cli

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shaiso/taskworker/internal/queue"
)

// queueStats — строка вывода stats.
type queueStats struct {
	Queue string `json:"queue"`
	queue.Stats
	Error string `json:"error,omitempty"`
}

// NewStatsCmd создаёт команду вывода примерной глубины очередей.
func NewStatsCmd(sessionFn SessionFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [QUEUE...]",
		Short: "Show approximate queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			s, err := sessionFn(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			names := args
			if len(names) == 0 {
				for _, q := range s.Config.Queues {
					names = append(names, q.Name)
				}
			}

			result := make([]queueStats, 0, len(names))
			for _, name := range names {
				result = append(result, collectStats(cmd.Context(), s, name))
			}

			headers := []string{"QUEUE", "VISIBLE", "IN_FLIGHT", "DELAYED", "ERROR"}
			rows := make([][]string, len(result))
			for i, r := range result {
				rows[i] = []string{
					r.Queue,
					strconv.Itoa(r.Visible),
					strconv.Itoa(r.InFlight),
					strconv.Itoa(r.Delayed),
					orDash(r.Error),
				}
			}

			out.Print(headers, rows, result)
			return nil
		},
	}
}

func collectStats(ctx context.Context, s *Session, name string) queueStats {
	row := queueStats{Queue: name}

	c, err := s.Backend.Client(name)
	if err != nil {
		row.Error = err.Error()
		return row
	}
	stats, err := c.Stats(ctx)
	if err != nil {
		row.Error = err.Error()
		return row
	}
	row.Stats = stats
	return row
}
