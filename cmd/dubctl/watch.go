package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
	"github.com/cuongbtq/dubbing-pipeline/internal/events"
	"github.com/cuongbtq/dubbing-pipeline/internal/staleness"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var errJobFailed = errors.New("job failed")

type watchOptions struct {
	staleAfter time.Duration
	checkEvery time.Duration
}

func addWatchFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("stale-after", staleness.DefaultThreshold, "Warn when a processing job has not changed for this long")
	cmd.Flags().Duration("check-every", 30*time.Second, "How often to re-check staleness between events")
}

func watchOptionsFromFlags(cmd *cobra.Command) watchOptions {
	opts := watchOptions{staleAfter: staleness.DefaultThreshold, checkEvery: 30 * time.Second}
	if v, err := cmd.Flags().GetDuration("stale-after"); err == nil && v > 0 {
		opts.staleAfter = v
	}
	if v, err := cmd.Flags().GetDuration("check-every"); err == nil && v > 0 {
		opts.checkEvery = v
	}
	return opts
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job until it completes, fails or needs review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			return watchJob(cmd, client, args[0], watchOptionsFromFlags(cmd))
		},
	}
	addWatchFlags(cmd)
	return cmd
}

func watchJob(cmd *cobra.Command, client *apiClient, jobID string, opts watchOptions) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	body, err := client.events(ctx, jobID)
	if err != nil {
		return err
	}
	defer body.Close()

	msgs := make(chan sseMessage)
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- readSSE(body, func(m sseMessage) error {
			select {
			case msgs <- m:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	out := cmd.OutOrStdout()
	w := newWatcher(out, shouldColorize(out), jobID, opts.staleAfter, time.Now)

	ticker := time.NewTicker(opts.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case m := <-msgs:
			done, err := w.handle(m)
			if err != nil || done {
				return err
			}
		case err := <-streamErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				return fmt.Errorf("status stream: %w", err)
			}
			return errors.New("status stream closed before the job settled")
		case <-ticker.C:
			w.tick()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// watcher renders stream events for one job.
type watcher struct {
	out      io.Writer
	colorize bool
	jobID    string
	monitor  *staleness.Monitor

	seenLog    int
	lastStage  int
	status     domain.Status
	updatedAt  time.Time
	staleShown bool
}

func newWatcher(out io.Writer, colorize bool, jobID string, staleAfter time.Duration, now func() time.Time) *watcher {
	return &watcher{
		out:      out,
		colorize: colorize,
		jobID:    jobID,
		monitor:  staleness.NewMonitor(staleAfter, now),
	}
}

// handle renders one event and reports whether the stream is finished.
func (w *watcher) handle(m sseMessage) (bool, error) {
	switch m.Event {
	case events.EventStatus:
		var p events.StatusPayload
		if err := json.Unmarshal([]byte(m.Data), &p); err != nil {
			return false, fmt.Errorf("decode status event: %w", err)
		}
		return w.onStatus(p)
	case events.EventStale:
		var p events.StalePayload
		if err := json.Unmarshal([]byte(m.Data), &p); err != nil {
			return false, fmt.Errorf("decode stale event: %w", err)
		}
		w.reportStale(p.StaleFor)
		return false, nil
	case events.EventError:
		var p events.ErrorPayload
		_ = json.Unmarshal([]byte(m.Data), &p)
		return true, fmt.Errorf("status stream: %s", p.Message)
	}
	return false, nil
}

func (w *watcher) onStatus(p events.StatusPayload) (bool, error) {
	if p.CurrentStage != w.lastStage && p.CurrentStage > 0 {
		w.lastStage = p.CurrentStage
		fmt.Fprintln(w.out, paint(fmt.Sprintf("[%s] %s", domain.Progress(p.CurrentStage), p.StageName), text.Bold, w.colorize))
	}

	if len(p.StageLog) < w.seenLog {
		w.seenLog = 0
	}
	for _, e := range p.StageLog[w.seenLog:] {
		fmt.Fprintf(w.out, "  %s  %s\n", e.Timestamp.Local().Format("15:04:05"), e.Message)
	}
	w.seenLog = len(p.StageLog)

	if !p.UpdatedAt.Equal(w.updatedAt) {
		w.staleShown = false
	}
	w.status, w.updatedAt = p.Status, p.UpdatedAt
	w.tick()

	switch p.Status {
	case domain.StatusCompleted:
		fmt.Fprintln(w.out, paint("Job completed", text.FgGreen, w.colorize))
		fmt.Fprintf(w.out, "Download with: dubctl download %s\n", w.jobID)
		return true, nil
	case domain.StatusAwaitingReview:
		fmt.Fprintln(w.out, paint("Translation ready for review", text.FgYellow, w.colorize))
		fmt.Fprintf(w.out, "Review with: dubctl review %s --out segments.json\n", w.jobID)
		return true, nil
	case domain.StatusFailed:
		fmt.Fprintln(w.out, paint("Job failed: "+p.ErrorMessage, text.FgRed, w.colorize))
		fmt.Fprintf(w.out, "Retry with: dubctl retry %s\n", w.jobID)
		return true, errJobFailed
	}
	return false, nil
}

// tick re-evaluates staleness of the last snapshot.
func (w *watcher) tick() {
	if w.status == "" {
		return
	}
	if w.monitor.Observe(w.status, w.updatedAt) {
		w.reportStale(w.monitor.StaleFor().Round(time.Second).String())
	}
}

func (w *watcher) reportStale(staleFor string) {
	if w.staleShown {
		return
	}
	w.staleShown = true
	fmt.Fprintln(w.out, paint(fmt.Sprintf("No progress for %s; the worker may have stopped.", staleFor), text.FgYellow, w.colorize))
	fmt.Fprintf(w.out, "Retry with: dubctl retry %s\n", w.jobID)
}
