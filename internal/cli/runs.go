package cli

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/kvasir-sync/internal/models"
	"github.com/raphaelgruber/kvasir-sync/internal/status"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Follow pipeline and agent runs",
}

var runsFollowCmd = &cobra.Command{
	Use:   "follow <run-id>",
	Short: "Print a run's messages as they arrive",
	Long: `Print the messages of a run (tool calls, results, errors) and keep
following it while it is running.

Examples:
  kvasir runs follow 7f3c2a`,
	Args: cobra.ExactArgs(1),
	RunE: runRunsFollow,
}

func init() {
	runsCmd.AddCommand(runsFollowCmd)
}

func runRunsFollow(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	key := models.RunKey(args[0])
	updates, unsubscribe := app.tracker.Subscribe(0)
	defer unsubscribe()

	release, err := app.tracker.Watch(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	w := cmd.OutOrStdout()
	printed := printRunMessages(w, key, 0)
	if runFinished(key) {
		printRunStatus(w, key)
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case changed, ok := <-updates:
				if !ok {
					return nil
				}
				if changed != key {
					continue
				}
				printed = printRunMessages(w, key, printed)
				if runFinished(key) {
					printRunStatus(w, key)
					return nil
				}
			}
		}
	})
	return g.Wait()
}

// printRunMessages prints messages after the first skip and returns the new count.
func printRunMessages(w io.Writer, key models.Key, skip int) int {
	msgs := app.tracker.Store().RunMessages(key)
	for _, m := range msgs[min(skip, len(msgs)):] {
		kind := m.Type
		if kind == "" {
			kind = "message"
		}
		fmt.Fprintf(w, "%s [%s] %s\n", m.CreatedAt.Local().Format("15:04:05"), kind, m.Content)
	}
	return len(msgs)
}

func runFinished(key models.Key) bool {
	run, ok := app.tracker.Store().Job(key, key.Scope)
	return ok && status.IsTerminal(run.Status)
}

func printRunStatus(w io.Writer, key models.Key) {
	run, _ := app.tracker.Store().Job(key, key.Scope)
	fmt.Fprintf(w, "\nRun %s %s", run.ID, run.Status)
	if run.Error != "" {
		fmt.Fprintf(w, ": %s", run.Error)
	}
	fmt.Fprintln(w)
}

