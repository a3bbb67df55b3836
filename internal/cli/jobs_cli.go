package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronohq/chrono/internal/cli/ui"
	"github.com/chronohq/chrono/internal/jobs"
	"github.com/chronohq/chrono/internal/schedule"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a job",
	RunE:  runJobsAdd,
}

var jobsRemoveCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Remove a job and its run history",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRemove,
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Execute a job immediately",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRun,
}

var jobsEnableCmd = &cobra.Command{
	Use:   "enable <job-id>",
	Short: "Enable a job",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(cmd, args[0], true) },
}

var jobsDisableCmd = &cobra.Command{
	Use:   "disable <job-id>",
	Short: "Disable a job",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(cmd, args[0], false) },
}

var jobsRunsCmd = &cobra.Command{
	Use:   "runs <job-id>",
	Short: "Show a job's run history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRuns,
}

func init() {
	jobsListCmd.Flags().String("owner", "", "Filter by owner id")
	jobsListCmd.Flags().Bool("all", false, "Include disabled jobs")

	jobsAddCmd.Flags().String("owner", "", "Owner id (required)")
	jobsAddCmd.Flags().String("name", "", "Job name (required)")
	jobsAddCmd.Flags().String("description", "", "Description")
	jobsAddCmd.Flags().String("at", "", "One-shot fire time (RFC3339)")
	jobsAddCmd.Flags().Duration("every", 0, "Fixed interval (e.g. 5m)")
	jobsAddCmd.Flags().String("cron", "", "Cron expression (5-field)")
	jobsAddCmd.Flags().String("timezone", "", "Timezone for cron (IANA)")
	jobsAddCmd.Flags().Duration("stagger", 0, "Stagger window for cron")
	jobsAddCmd.Flags().String("payload-kind", "systemEvent", "Payload kind: systemEvent or agentTurn")
	jobsAddCmd.Flags().String("text", "", "System event text")
	jobsAddCmd.Flags().String("message", "", "Agent turn message")
	jobsAddCmd.Flags().String("model", "", "Agent turn model override")
	jobsAddCmd.Flags().Int("timeout", 0, "Per-run timeout in seconds")
	jobsAddCmd.Flags().String("delivery", "", "Delivery mode: none, announce, or webhook")
	jobsAddCmd.Flags().String("webhook-url", "", "Webhook delivery URL (https)")
	jobsAddCmd.Flags().String("webhook-token", "", "Webhook bearer token")
	jobsAddCmd.Flags().Bool("best-effort", false, "Do not fail the run on delivery errors")
	jobsAddCmd.Flags().Bool("delete-after-run", false, "Remove a one-shot job after a successful run")
	jobsAddCmd.Flags().Bool("disabled", false, "Create the job disabled")

	jobsRunsCmd.Flags().Int("limit", 20, "Maximum entries")
	jobsRunsCmd.Flags().Int("offset", 0, "Entries to skip")
	jobsRunsCmd.Flags().String("status", "", "Filter by status (ok, error, skipped)")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsAddCmd)
	jobsCmd.AddCommand(jobsRemoveCmd)
	jobsCmd.AddCommand(jobsRunCmd)
	jobsCmd.AddCommand(jobsEnableCmd)
	jobsCmd.AddCommand(jobsDisableCmd)
	jobsCmd.AddCommand(jobsRunsCmd)
}

// loadedService builds the service from config and loads the store for
// offline CRUD.
func loadedService(cmd *cobra.Command) (*jobs.Service, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	svc, err := buildService(cfg, buildLogger(cfg))
	if err != nil {
		return nil, err
	}
	if err := svc.Load(); err != nil {
		return nil, fmt.Errorf("%w (%s)", err, dataDirHint(cfg))
	}
	return svc, nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	svc, err := loadedService(cmd)
	if err != nil {
		return err
	}
	owner, _ := cmd.Flags().GetString("owner")
	all, _ := cmd.Flags().GetBool("all")
	list := svc.List(owner, all)

	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return printJSON(cmd, list)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tOWNER\tSCHEDULE\tENABLED\tNEXT RUN\tLAST STATUS")
	for _, j := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\t%s\n",
			j.ID, j.Name, j.OwnerID, describeSchedule(j.Schedule),
			j.Enabled, formatMs(j.State.NextRunAtMs), string(j.State.LastRunStatus))
	}
	return w.Flush()
}

func runJobsAdd(cmd *cobra.Command, _ []string) error {
	svc, err := loadedService(cmd)
	if err != nil {
		return err
	}

	sched, err := scheduleFromFlags(cmd)
	if err != nil {
		return err
	}

	owner, _ := cmd.Flags().GetString("owner")
	name, _ := cmd.Flags().GetString("name")
	desc, _ := cmd.Flags().GetString("description")
	payloadKind, _ := cmd.Flags().GetString("payload-kind")
	text, _ := cmd.Flags().GetString("text")
	message, _ := cmd.Flags().GetString("message")
	model, _ := cmd.Flags().GetString("model")
	timeout, _ := cmd.Flags().GetInt("timeout")
	deleteAfterRun, _ := cmd.Flags().GetBool("delete-after-run")
	disabled, _ := cmd.Flags().GetBool("disabled")

	job := &jobs.Job{
		OwnerID:        owner,
		Name:           name,
		Description:    desc,
		Enabled:        !disabled,
		DeleteAfterRun: deleteAfterRun,
		Schedule:       *sched,
		Payload: jobs.Payload{
			Kind:           jobs.PayloadKind(payloadKind),
			Text:           text,
			Message:        message,
			Model:          model,
			TimeoutSeconds: timeout,
		},
	}
	switch job.Payload.Kind {
	case jobs.PayloadAgentTurn:
		job.SessionTarget = jobs.TargetIsolated
	default:
		job.SessionTarget = jobs.TargetMain
	}

	if mode, _ := cmd.Flags().GetString("delivery"); mode != "" {
		url, _ := cmd.Flags().GetString("webhook-url")
		token, _ := cmd.Flags().GetString("webhook-token")
		bestEffort, _ := cmd.Flags().GetBool("best-effort")
		job.Delivery = &jobs.DeliveryConfig{
			Mode:         jobs.DeliveryMode(mode),
			WebhookURL:   url,
			WebhookToken: token,
			BestEffort:   bestEffort,
		}
	}

	created, err := svc.Add(job)
	if err != nil {
		return err
	}
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return printJSON(cmd, created)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s job %s created (next run %s)\n",
		ui.StyleSuccess.Render(ui.SymbolCheck), created.ID, formatMs(created.State.NextRunAtMs))
	return nil
}

// describeSchedule renders a schedule for the list table.
func describeSchedule(s schedule.Schedule) string {
	switch s.Kind {
	case schedule.KindAt:
		return "at " + time.UnixMilli(s.AtMs).Format(time.RFC3339)
	case schedule.KindEvery:
		return "every " + (time.Duration(s.IntervalMs) * time.Millisecond).String()
	case schedule.KindCron:
		desc := "cron " + s.Expr
		if s.Timezone != "" {
			desc += " (" + s.Timezone + ")"
		}
		return desc
	default:
		return string(s.Kind)
	}
}

func scheduleFromFlags(cmd *cobra.Command) (*schedule.Schedule, error) {
	at, _ := cmd.Flags().GetString("at")
	every, _ := cmd.Flags().GetDuration("every")
	cron, _ := cmd.Flags().GetString("cron")

	set := 0
	for _, ok := range []bool{at != "", every > 0, cron != ""} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("exactly one of --at, --every, or --cron is required")
	}

	switch {
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return nil, fmt.Errorf("invalid --at time: %w", err)
		}
		return &schedule.Schedule{Kind: schedule.KindAt, AtMs: t.UnixMilli()}, nil
	case every > 0:
		return &schedule.Schedule{Kind: schedule.KindEvery, IntervalMs: every.Milliseconds()}, nil
	default:
		tz, _ := cmd.Flags().GetString("timezone")
		stagger, _ := cmd.Flags().GetDuration("stagger")
		return &schedule.Schedule{
			Kind:      schedule.KindCron,
			Expr:      cron,
			Timezone:  tz,
			StaggerMs: stagger.Milliseconds(),
		}, nil
	}
}

func runJobsRemove(cmd *cobra.Command, args []string) error {
	svc, err := loadedService(cmd)
	if err != nil {
		return err
	}
	if err := svc.Remove(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s job %s removed\n",
		ui.StyleSuccess.Render(ui.SymbolCheck), args[0])
	return nil
}

func runJobsRun(cmd *cobra.Command, args []string) error {
	svc, err := loadedService(cmd)
	if err != nil {
		return err
	}
	entry, err := svc.RunNow(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return printJSON(cmd, entry)
	}
	symbol := ui.StyleSuccess.Render(ui.SymbolCheck)
	if entry.Status != jobs.StatusOK {
		symbol = ui.StyleError.Render(ui.SymbolCross)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%dms) %s%s\n",
		symbol, entry.Status, entry.DurationMs, entry.Summary, entry.Error)
	return nil
}

func setEnabled(cmd *cobra.Command, id string, enabled bool) error {
	svc, err := loadedService(cmd)
	if err != nil {
		return err
	}
	job, err := svc.Update(id, jobs.Patch{Enabled: &enabled})
	if err != nil {
		return err
	}
	state := "disabled"
	if job.Enabled {
		state = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s job %s %s (next run %s)\n",
		ui.StyleSuccess.Render(ui.SymbolCheck), job.ID, state, formatMs(job.State.NextRunAtMs))
	return nil
}

func runJobsRuns(cmd *cobra.Command, args []string) error {
	svc, err := loadedService(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	status, _ := cmd.Flags().GetString("status")

	entries, err := svc.Runs(args[0], limit, offset, jobs.RunStatus(status))
	if err != nil {
		return err
	}
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return printJSON(cmd, entries)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSTATUS\tDURATION\tDELIVERY\tSUMMARY/ERROR")
	for _, e := range entries {
		detail := e.Summary
		if e.Error != "" {
			detail = e.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%dms\t%s\t%s\n",
			time.UnixMilli(e.TsMs).Format(time.RFC3339), e.Status,
			e.DurationMs, e.DeliveryStatus, detail)
	}
	return w.Flush()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatMs(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return time.UnixMilli(*ms).Format(time.RFC3339)
}
