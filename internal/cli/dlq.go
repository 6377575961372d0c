package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewDLQCmd создаёт команду "dlq" с подкомандами.
func NewDLQCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Manage dead-letter queues",
	}

	cmd.AddCommand(newDLQReplayCmd(clientFn, outputFn))

	return cmd
}

func newDLQReplayCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:       "replay <stage>",
		Short:     "Move dead-lettered messages back to the stage queue",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"ingest", "rules", "risk"},
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := clientFn().ReplayDeadLetters(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Replayed %d message(s) from %s", res.Replayed, res.Queue))
			out.Details([][2]string{
				{"Stage", res.Stage},
				{"Queue", res.Queue},
				{"Replayed", strconv.Itoa(res.Replayed)},
			}, res)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Max messages to replay (server default if 0)")

	return cmd
}
