package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/kvasir-sync/internal/client"
	"github.com/raphaelgruber/kvasir-sync/internal/models"
	"github.com/raphaelgruber/kvasir-sync/internal/status"
)

var (
	jobsType        string
	jobsFiles       []string
	jobsDescription string
	jobsName        string
	jobsFields      []string
	jobsWatch       bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List, inspect, submit and watch jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs of a type",
	Long: `List all jobs of one type with their status and the aggregate status.

Examples:
  kvasir jobs list                    # integration jobs
  kvasir jobs list --type analysis`,
	Args: cobra.NoArgs,
	RunE: runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show details for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Trigger a new job",
	Long: `Trigger a new job. Type-specific fields can be passed with --field.

Examples:
  kvasir jobs submit --type integration --file sales.csv --description "Q3 sales"
  kvasir jobs submit --type swe --field repo=acme/api --watch`,
	Args:        cobra.NoArgs,
	RunE:        runJobsSubmit,
	Annotations: map[string]string{annotationFullscreen: "true"},
}

var jobsWatchCmd = &cobra.Command{
	Use:         "watch",
	Short:       "Follow jobs of a type live",
	Args:        cobra.NoArgs,
	RunE:        runJobsWatch,
	Annotations: map[string]string{annotationFullscreen: "true"},
}

func init() {
	jobsCmd.PersistentFlags().StringVarP(&jobsType, "type", "t", string(models.JobTypeIntegration),
		"job type ("+strings.Join(jobTypeNames(), ", ")+")")

	jobsSubmitCmd.Flags().StringSliceVarP(&jobsFiles, "file", "f", nil, "input file (repeatable)")
	jobsSubmitCmd.Flags().StringVarP(&jobsDescription, "description", "d", "", "data description")
	jobsSubmitCmd.Flags().StringVarP(&jobsName, "name", "n", "", "job name")
	jobsSubmitCmd.Flags().StringArrayVar(&jobsFields, "field", nil, "extra field as key=value (repeatable)")
	jobsSubmitCmd.Flags().BoolVarP(&jobsWatch, "watch", "w", false, "follow the job until it finishes")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsSubmitCmd, jobsWatchCmd)
}

func jobTypeNames() []string {
	names := make([]string, len(models.JobTypes))
	for i, t := range models.JobTypes {
		names[i] = string(t)
	}
	return names
}

func jobsKey() (models.Key, error) {
	t := models.JobType(jobsType)
	if !t.Valid() {
		return models.Key{}, fmt.Errorf("unknown job type %q", jobsType)
	}
	return models.JobsKey(t), nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	key, err := jobsKey()
	if err != nil {
		return err
	}
	release, err := app.tracker.Watch(cmd.Context(), key)
	if err != nil {
		return err
	}
	release()

	store := app.tracker.Store()
	printJobs(cmd.OutOrStdout(), store.Jobs(key), store.Aggregate(key))
	return nil
}

func printJobs(w io.Writer, jobs []models.Job, agg models.AggregateStatus) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return
	}

	fmt.Fprintf(w, "%-38s %-18s %-18s %-10s %s\n", "ID", "TYPE", "STATUS", "STARTED", "DURATION")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, job := range jobs {
		started := ""
		if !job.StartedAt.IsZero() {
			started = job.StartedAt.Local().Format("15:04:05")
		}
		duration := ""
		if d := job.Duration(); d > 0 {
			duration = d.Round(time.Second).String()
		}
		fmt.Fprintf(w, "%-38s %-18s %-18s %-10s %s\n", job.ID, job.Type, job.Status, started, duration)
	}
	fmt.Fprintf(w, "\nAggregate: %s\n", aggregateLabel(agg))
}

func aggregateLabel(agg models.AggregateStatus) string {
	if agg == models.AggregateIdle {
		return "idle"
	}
	return string(agg)
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	key, err := jobsKey()
	if err != nil {
		return err
	}
	release, err := app.tracker.Watch(cmd.Context(), key)
	if err != nil {
		return err
	}
	release()

	job, ok := app.tracker.Store().Job(key, args[0])
	if !ok {
		return fmt.Errorf("job not found: %s", args[0])
	}
	printJob(cmd.OutOrStdout(), job)
	return nil
}

func printJob(w io.Writer, job models.Job) {
	fmt.Fprintf(w, "Job: %s\n", job.ID)
	if job.Name != "" {
		fmt.Fprintf(w, "  Name: %s\n", job.Name)
	}
	fmt.Fprintf(w, "  Type: %s\n", job.Type)
	fmt.Fprintf(w, "  Status: %s\n", job.Status)
	if !job.StartedAt.IsZero() {
		fmt.Fprintf(w, "  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(w, "  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "  Duration: %s\n", job.Duration().Round(time.Second))
	}
	if job.Description != "" {
		fmt.Fprintf(w, "  Description: %s\n", job.Description)
	}
	if job.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", job.Error)
	}
}

// jobRequest builds the trigger payload from the submit flags.
func jobRequest() (client.JobRequest, error) {
	req := client.JobRequest{Type: models.JobType(jobsType), Fields: map[string]any{}}
	if !req.Type.Valid() {
		return req, fmt.Errorf("unknown job type %q", jobsType)
	}
	if len(jobsFiles) > 0 {
		req.Fields["files"] = jobsFiles
	}
	if jobsDescription != "" {
		req.Fields["data_description"] = jobsDescription
	}
	if jobsName != "" {
		req.Fields["name"] = jobsName
	}
	for _, f := range jobsFields {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" {
			return req, fmt.Errorf("invalid --field %q, want key=value", f)
		}
		req.Fields[k] = v
	}
	return req, nil
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	req, err := jobRequest()
	if err != nil {
		return err
	}
	key := models.JobsKey(req.Type)

	ctx := cmd.Context()
	var release func()
	if jobsWatch {
		// Observe first so the channel opens as soon as the job is tracked.
		if release, err = app.tracker.Watch(ctx, key); err != nil {
			return err
		}
		defer release()
	}

	job, err := app.tracker.TriggerJob(ctx, req)
	if err != nil {
		return fmt.Errorf("trigger job: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %s submitted (%s)\n", job.ID, job.Status)

	if !jobsWatch {
		return nil
	}
	if fullscreen(cmd) {
		return RunJobsView(app.tracker, key, job.ID)
	}
	return followJobs(ctx, cmd.OutOrStdout(), key, job.ID)
}

func runJobsWatch(cmd *cobra.Command, args []string) error {
	key, err := jobsKey()
	if err != nil {
		return err
	}
	release, err := app.tracker.Watch(cmd.Context(), key)
	if err != nil {
		return err
	}
	defer release()

	if fullscreen(cmd) {
		return RunJobsView(app.tracker, key, "")
	}
	return followJobs(cmd.Context(), cmd.OutOrStdout(), key, "")
}

// followJobs prints status changes of key until interrupted, or until jobID
// (if set) reaches a terminal status.
func followJobs(parent context.Context, w io.Writer, key models.Key, jobID string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	updates, unsubscribe := app.tracker.Subscribe(0)
	store := app.tracker.Store()
	last := make(map[string]models.JobStatus)
	lastAgg := store.Aggregate(key)
	for _, j := range store.Jobs(key) {
		last[j.ID] = j.Status
	}

	g, ctx := errgroup.WithContext(ctx)
	finished := make(chan struct{})
	g.Go(func() error {
		defer close(finished)
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
				for _, j := range store.Jobs(key) {
					if last[j.ID] != j.Status {
						fmt.Fprintf(w, "%s  %-38s %s\n", time.Now().Format("15:04:05"), j.ID, j.Status)
						last[j.ID] = j.Status
					}
				}
				if agg := store.Aggregate(key); agg != lastAgg {
					fmt.Fprintf(w, "%s  aggregate %s\n", time.Now().Format("15:04:05"), aggregateLabel(agg))
					lastAgg = agg
				}
				if jobID == "" {
					continue
				}
				if job, ok := store.Job(key, jobID); ok && status.IsTerminal(job.Status) {
					if job.Status == models.JobStatusFailed {
						return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
					}
					return nil
				}
			}
		}
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-finished:
		}
		unsubscribe()
		return nil
	})
	return g.Wait()
}
