package main

import (
	"github.com/spf13/cobra"
)

var replayScheme string

func init() {
	deadLetterListCmd.Flags().StringVar(&listAfter, "after", "", "Resume after this key")
	deadLetterListCmd.Flags().IntVar(&listLimit, "limit", 100, "Maximum entries to return")
	deadLetterReplayCmd.Flags().StringVar(&replayScheme, "scheme", "", "Only replay this scheme")
	deadLetterCmd.AddCommand(deadLetterListCmd, deadLetterReplayCmd)
	rootCmd.AddCommand(deadLetterCmd)
}

var deadLetterCmd = &cobra.Command{
	Use:     "deadletter",
	Aliases: []string{"dead-letters"},
	Short:   "Inspect and replay failed index inserts",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered index inserts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		e, _ := mustOpenEngine(ctx)
		defer closeEngine(ctx, e)

		letters, err := e.DeadLetters(ctx, listAfter, listLimit)
		if err != nil {
			return err
		}
		if !humanOutput {
			return outputJSON(letters)
		}
		for _, l := range letters {
			outputHuman("%s/%d  attempts=%d  %s  %s\n", l.Scheme, l.PassageID, l.Attempts, l.FailedAt.Format("2006-01-02T15:04:05Z07:00"), l.Error)
		}
		return nil
	},
}

var deadLetterReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-enqueue dead-lettered inserts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		e, _ := mustOpenEngine(ctx)
		defer closeEngine(ctx, e)

		n, err := e.ReplayDeadLetters(ctx, replayScheme)
		if err != nil {
			return err
		}
		if err := e.Drain(ctx); err != nil {
			return err
		}
		if !humanOutput {
			return outputJSON(map[string]int{"replayed": n})
		}
		outputHuman("replayed %d\n", n)
		return nil
	},
}
