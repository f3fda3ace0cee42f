package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cuongbtq/dubbing-pipeline/internal/api/dto"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var source, target string
	var watch bool

	cmd := &cobra.Command{
		Use:   "submit <source-audio>",
		Short: "Submit an audio file for dubbing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			resp, err := client.submit(cmd.Context(), dto.CreateJobRequest{
				SourceAudio:    args[0],
				SourceLanguage: source,
				TargetLanguage: target,
			})
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %s (%s)\n", resp.JobID, resp.Status)
			if !watch {
				return nil
			}
			return watchJob(cmd, client, resp.JobID, watchOptionsFromFlags(cmd))
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "auto", "Source language, or auto to detect")
	cmd.Flags().StringVarP(&target, "target", "t", "", "Target language tag")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow the job after submitting")
	addWatchFlags(cmd)
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var status, cursor string
	var pageSize int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			resp, err := client.list(cmd.Context(), status, cursor, pageSize)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}

			out := cmd.OutOrStdout()
			if len(resp.Jobs) == 0 {
				fmt.Fprintln(out, "No jobs found")
				return nil
			}
			colorize := shouldColorize(out)
			rows := make([][]string, 0, len(resp.Jobs))
			for _, job := range resp.Jobs {
				rows = append(rows, []string{
					job.JobID,
					paint(job.Status, statusColor(job.Status), colorize),
					job.Progress,
					job.StageName,
					job.SourceLanguage + " -> " + job.TargetLanguage,
					job.UpdatedAt,
				})
			}
			fmt.Fprintln(out, renderTable([]string{"Job", "Status", "Progress", "Stage", "Languages", "Updated"}, rows))
			if resp.NextCursor != "" {
				fmt.Fprintf(out, "More jobs: dubctl list --cursor %s\n", resp.NextCursor)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only show jobs in this status")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Continue from a previous page")
	cmd.Flags().IntVarP(&pageSize, "limit", "n", 20, "Jobs per page")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var logLines int

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's state and recent log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			job, err := client.job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, job)
			}
			printJobDetail(cmd, job, logLines)
			return nil
		},
	}

	cmd.Flags().IntVarP(&logLines, "lines", "n", 10, "Stage log entries to show (0 for all)")
	return cmd
}

func printJobDetail(cmd *cobra.Command, job *dto.JobDTO, logLines int) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	fmt.Fprintf(out, "Job:       %s\n", job.JobID)
	fmt.Fprintf(out, "Status:    %s\n", paint(job.Status, statusColor(job.Status), colorize))
	fmt.Fprintf(out, "Stage:     %s %s\n", job.Progress, job.StageName)
	fmt.Fprintf(out, "Audio:     %s\n", job.SourceAudio)
	fmt.Fprintf(out, "Languages: %s -> %s (%s)\n", job.SourceLanguage, job.TargetLanguage, job.TargetLanguageName)
	if len(job.DetectedLanguages) > 0 {
		parts := make([]string, len(job.DetectedLanguages))
		for i, l := range job.DetectedLanguages {
			parts[i] = fmt.Sprintf("%s %.0f%%", l.Name, l.Percentage)
		}
		fmt.Fprintf(out, "Detected:  %s\n", strings.Join(parts, ", "))
	}
	if job.ParentJobID != "" {
		fmt.Fprintf(out, "Parent:    %s\n", job.ParentJobID)
	}
	fmt.Fprintf(out, "Attempts:  %d\n", job.AttemptCount)
	fmt.Fprintf(out, "Updated:   %s\n", job.UpdatedAt)
	if job.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:     %s\n", paint(job.ErrorMessage, text.FgRed, colorize))
	}

	entries := job.StageLog
	if logLines > 0 && len(entries) > logLines {
		entries = entries[len(entries)-logLines:]
	}
	if len(entries) > 0 {
		fmt.Fprintln(out, "\nLog:")
		for _, e := range entries {
			fmt.Fprintf(out, "  %s  %s\n", e.Timestamp.Local().Format("15:04:05"), e.Message)
		}
	}

	if job.Stale {
		fmt.Fprintln(out, paint("\nNo progress recorded for a while; the worker may have stopped.", text.FgYellow, colorize))
	}
	if job.RetryAvailable {
		fmt.Fprintf(out, "Retry with: dubctl retry %s\n", job.JobID)
	}
	if job.Status == "awaiting_review" {
		fmt.Fprintf(out, "Review with: dubctl review %s\n", job.JobID)
	}
}

func newReviewCommand(ctx *commandContext) *cobra.Command {
	var file, outFile string

	cmd := &cobra.Command{
		Use:   "review <job-id>",
		Short: "Export segments for review, or submit reviewed segments with --file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			jobID := args[0]

			if file == "" {
				edit, err := client.edit(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				req := dto.EditRequest{Segments: edit.Segments}
				if outFile == "" {
					return writeJSON(cmd, req)
				}
				data, err := json.MarshalIndent(req, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(outFile, append(data, '\n'), 0o644); err != nil {
					return fmt.Errorf("write segments: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d segments to %s\nSubmit with: dubctl review %s --file %s\n",
					len(edit.Segments), outFile, jobID, outFile)
				return nil
			}

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read segments: %w", err)
			}
			var req dto.EditRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			if len(req.Segments) == 0 {
				return errors.New("no segments in " + file)
			}
			resp, err := client.submitEdit(cmd.Context(), jobID, req)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Review submitted; job %s is %s\n", resp.JobID, resp.Status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Submit reviewed segments from this JSON file")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "Write segments to this file instead of stdout")
	return cmd
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Resume a failed or stalled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			resp, err := client.retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Retry #%d queued for job %s\n", resp.AttemptCount, resp.JobID)
			if !watch {
				return nil
			}
			return watchJob(cmd, client, resp.JobID, watchOptionsFromFlags(cmd))
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow the job after retrying")
	addWatchFlags(cmd)
	return cmd
}

func newRetranslateCommand(ctx *commandContext) *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "retranslate <job-id>",
		Short: "Dub a completed job into another language",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			resp, err := client.retranslate(cmd.Context(), args[0], target)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %s from %s\n", resp.JobID, resp.ParentJobID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "Target language tag")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "download <job-id>",
		Short: "Print the final audio reference of a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			resp, err := client.download(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.FinalAudio)
			return nil
		},
	}
}
