package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailrun/internal/app"
	"github.com/foxzi/mailrun/internal/queue"
)

var (
	queueSubject       string
	queueHTMLFile      string
	queueEmailsPerHour int
	queueLimit         int
	queueFilterTag     string
	queueHistoryLimit  int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Campaign queue commands",
	Long: `Operate on the stored campaign directly. Run these while the service is
stopped when using the bolt backend, the database file is locked by a running server.`,
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active campaign",
	RunE:  runQueueStatus,
}

var queueCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a campaign from the recipient sources",
	RunE:  runQueueCreate,
}

var queueProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Send the next batch now",
	Long:  `Run one batch. Suitable as a cron job when no trigger is configured.`,
	RunE:  runQueueProcess,
}

var queueHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent batch reports",
	RunE:  runQueueHistory,
}

func actionCmd(action queue.Action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(action),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				st, err := a.Controller().Apply(ctx, action)
				if err != nil {
					return fmt.Errorf("failed to %s queue: %w", action, err)
				}
				printStatus(os.Stdout, st)
				return nil
			})
		},
	}
}

func init() {
	queueCreateCmd.Flags().StringVar(&queueSubject, "subject", "", "Email subject (required)")
	queueCreateCmd.Flags().StringVar(&queueHTMLFile, "html", "", "Path to the HTML body, - for stdin (required)")
	queueCreateCmd.Flags().IntVar(&queueEmailsPerHour, "per-hour", 100, "Emails sent per batch")
	queueCreateCmd.Flags().IntVar(&queueLimit, "limit", 0, "Maximum number of recipients (0 = all)")
	queueCreateCmd.Flags().StringVar(&queueFilterTag, "tag", "", "Only contacts with a matching tag")
	queueCreateCmd.MarkFlagRequired("subject")
	queueCreateCmd.MarkFlagRequired("html")

	queueHistoryCmd.Flags().IntVar(&queueHistoryLimit, "limit", 20, "Maximum number of reports to show")

	queueCmd.AddCommand(
		queueStatusCmd,
		queueCreateCmd,
		actionCmd(queue.ActionStart, "Start sending the campaign"),
		actionCmd(queue.ActionResume, "Resume a paused campaign"),
		actionCmd(queue.ActionPause, "Pause the campaign"),
		actionCmd(queue.ActionStop, "Stop the campaign"),
		queueProcessCmd,
		queueHistoryCmd,
	)
	rootCmd.AddCommand(queueCmd)
}

// withApp builds the application without starting its servers
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(context.Background(), a)
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		st, err := a.Controller().Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}
		printStatus(os.Stdout, st)
		return nil
	})
}

func runQueueCreate(cmd *cobra.Command, args []string) error {
	body, err := readBody(queueHTMLFile)
	if err != nil {
		return err
	}

	return withApp(func(ctx context.Context, a *app.App) error {
		res, err := a.Controller().Create(ctx, queue.CreateRequest{
			Subject:       queueSubject,
			Body:          body,
			EmailsPerHour: queueEmailsPerHour,
			FilterTag:     queueFilterTag,
			Limit:         queueLimit,
		})
		if err != nil {
			return fmt.Errorf("failed to create queue: %w", err)
		}

		fmt.Printf("Queue created\n")
		fmt.Printf("  ID:          %s\n", res.QueueID)
		fmt.Printf("  Recipients:  %d\n", res.TotalRecipients)
		fmt.Printf("  Per hour:    %d\n", res.EmailsPerHour)
		fmt.Printf("  Estimated:   %d hours (%d days)\n", res.EstimatedHours, res.EstimatedDays)
		fmt.Printf("\nRun 'mailrun queue start' to begin sending.\n")
		return nil
	})
}

func runQueueProcess(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		res, err := a.Dispatcher().ProcessBatch(ctx)
		if res != nil {
			printBatch(os.Stdout, res)
		}
		if err != nil {
			return fmt.Errorf("batch failed: %w", err)
		}
		return nil
	})
}

func runQueueHistory(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		reports, err := a.History().List(ctx, queueHistoryLimit)
		if err != nil {
			return fmt.Errorf("failed to list history: %w", err)
		}
		printHistory(os.Stdout, reports)
		return nil
	})
}

func readBody(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read html body: %w", err)
	}
	return string(data), nil
}

func printStatus(w io.Writer, st *queue.Status) {
	if st == nil {
		fmt.Fprintln(w, "No active queue")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", st.ID)
	fmt.Fprintf(tw, "Status:\t%s\n", st.Status)
	fmt.Fprintf(tw, "Subject:\t%s\n", st.Subject)
	fmt.Fprintf(tw, "Per hour:\t%d\n", st.EmailsPerHour)
	fmt.Fprintf(tw, "Progress:\t%d/%d sent, %d failed, %d pending (%.1f%%)\n",
		st.SentCount, st.TotalRecipients, st.FailedCount, st.PendingCount, st.ProgressPercent)
	if st.EstimatedHoursRemaining > 0 {
		fmt.Fprintf(tw, "Remaining:\t~%d hours\n", st.EstimatedHoursRemaining)
	}
	fmt.Fprintf(tw, "Created:\t%s\n", st.CreatedAt.Format(time.RFC3339))
	if st.StartedAt != nil {
		fmt.Fprintf(tw, "Started:\t%s\n", st.StartedAt.Format(time.RFC3339))
	}
	if st.LastSentAt != nil {
		fmt.Fprintf(tw, "Last sent:\t%s\n", st.LastSentAt.Format(time.RFC3339))
	}
	if st.CompletedAt != nil {
		fmt.Fprintf(tw, "Completed:\t%s\n", st.CompletedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func printBatch(w io.Writer, res *queue.BatchResult) {
	fmt.Fprintf(w, "%s\n", res.Message)
	if res.QueueID == "" {
		return
	}
	fmt.Fprintf(w, "  Sent: %d  Failed: %d\n", res.Sent, res.Failed)
	fmt.Fprintf(w, "  Progress: %s (%d remaining)\n", res.Progress, res.PendingTotal)
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  Error: %s\n", e)
	}
}

func printHistory(w io.Writer, reports []*queue.BatchReport) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "No batches recorded")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tQUEUE\tOUTCOME\tSENT\tFAILED\tPENDING\tSTATE")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.Timestamp.Format("2006-01-02 15:04:05"),
			shortID(r.CampaignID),
			r.Outcome,
			r.Sent,
			r.Failed,
			r.Pending,
			r.RunState,
		)
	}
	tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
