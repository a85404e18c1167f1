package cli

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// NewDLQCmd создаёт группу команд для dead-letter очередей.
func NewDLQCmd(sessionFn SessionFunc, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect dead-letter queues",
	}

	cmd.AddCommand(newDLQPeekCmd(sessionFn, outputFn))
	return cmd
}

func newDLQPeekCmd(sessionFn SessionFunc, outputFn func() *Output) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "peek [QUEUE]",
		Short: "Show dead-letter records without removing them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			s, err := sessionFn(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			name := s.Config.Queues[0].Name
			if len(args) == 1 {
				name = args[0]
			}

			inspector, err := s.Backend.Inspector(name)
			if err != nil {
				return err
			}
			records, err := inspector.PeekDeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}

			headers := []string{"TASK_ID", "TASK_TYPE", "REASON", "RETRIES", "FAILED_AT", "ERROR"}
			rows := make([][]string, len(records))
			for i, r := range records {
				failedAt := ""
				if !r.FailedAt.IsZero() {
					failedAt = r.FailedAt.Format(time.RFC3339)
				}
				rows[i] = []string{
					orDash(r.TaskID),
					orDash(r.TaskType),
					r.Reason,
					strconv.Itoa(r.RetryCount),
					orDash(failedAt),
					truncate(r.Error, 60),
				}
			}

			out.Print(headers, rows, records)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of records")
	return cmd
}
