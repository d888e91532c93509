package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/secevents"
	"southwinds.dev/secevents/audit"
)

var (
	auditJSONOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditSuccessFilter string
	auditProfile       string
	auditCursor        string
	auditRunID         string
	auditLimit         int
	auditOffset        int
	auditFailuresOnly  bool
	auditDetails       bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
	Long: `Query the audit log written when audit.enabled is set. Records cover
profile changes, stored passwords, checkpoint advances, extraction runs and
authentication failures.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events with filters",
	Example: `  # failed events of the last day
  secevents audit query --failures-only --since 1d

  # everything one extraction run did
  secevents audit query --run-id 6f1c... --details`,
	Args: cobra.NoArgs,
	RunE: runAuditQuery,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Count audit events by action",
	Args:  cobra.NoArgs,
	RunE:  runAuditSummary,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditSummaryCmd)

	for _, c := range []*cobra.Command{auditQueryCmd, auditSummaryCmd} {
		c.Flags().StringVar(&auditSince, "since", "", "only events at or after this time (RFC3339, date or 7d/12h)")
		c.Flags().StringVar(&auditUntil, "until", "", "only events at or before this time")
		c.Flags().StringVar(&auditProfile, "profile", "", "only events of this profile")
		c.Flags().StringVar(&auditCursor, "cursor", "", "only events of this checkpoint cursor")
		c.Flags().BoolVar(&auditJSONOutput, "json", false, "output JSON")
	}

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "only events with this action (e.g. checkpoint_advance)")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "filter by outcome (true, false)")
	auditQueryCmd.Flags().StringVar(&auditRunID, "run-id", "", "only events of this extraction run")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum number of events")
	auditQueryCmd.Flags().IntVar(&auditOffset, "offset", 0, "skip this many events")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "only failed events")
	auditQueryCmd.Flags().BoolVar(&auditDetails, "details", false, "show every field of each event")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions(time.Now())
	if err != nil {
		return err
	}

	result, err := queryAudit(options)
	if err != nil {
		return err
	}

	if auditJSONOutput {
		return printJSON(os.Stdout, result)
	}
	if err = displayAuditEvents(result.Events); err != nil {
		return err
	}
	if result.HasMore {
		fmt.Printf("\nShowing %d of %d matching events; use --offset to page.\n", len(result.Events), result.Filtered)
	}
	return nil
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions(time.Now())
	if err != nil {
		return err
	}
	options.Limit, options.Offset = 0, 0

	result, err := queryAudit(options)
	if err != nil {
		return err
	}

	type actionCount struct {
		Action   string `json:"action"`
		Total    int    `json:"total"`
		Failures int    `json:"failures"`
	}
	grouped := lo.GroupBy(result.Events, func(e audit.Event) string { return e.Action })
	counts := lo.MapToSlice(grouped, func(action string, events []audit.Event) actionCount {
		return actionCount{
			Action:   action,
			Total:    len(events),
			Failures: lo.CountBy(events, func(e audit.Event) bool { return !e.Success }),
		}
	})
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Total != counts[j].Total {
			return counts[i].Total > counts[j].Total
		}
		return counts[i].Action < counts[j].Action
	})

	if auditJSONOutput {
		return printJSON(os.Stdout, counts)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACTION\tTOTAL\tFAILURES")
	for _, c := range counts {
		fmt.Fprintf(w, "%s\t%d\t%d\n", c.Action, c.Total, c.Failures)
	}
	fmt.Fprintf(w, "\t%d\t%d\n", len(result.Events), lo.SumBy(counts, func(c actionCount) int { return c.Failures }))
	return w.Flush()
}

func queryAudit(options audit.QueryOptions) (audit.QueryResult, error) {
	if !viper.GetBool("audit.enabled") {
		fmt.Fprintln(os.Stderr, "Audit logging is disabled; enable it with 'secevents config set audit.enabled true'.")
	}
	result, err := auditLogger.Query(options)
	if err != nil {
		return audit.QueryResult{}, fmt.Errorf("failed to query audit log: %w", err)
	}
	return result, nil
}

func buildQueryOptions(now time.Time) (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Limit:   auditLimit,
		Offset:  auditOffset,
		Profile: auditProfile,
		Cursor:  auditCursor,
		RunID:   auditRunID,
		Action:  auditAction,
	}

	if auditSince != "" {
		parsedTime, err := secevents.ParseTimestamp(auditSince, now)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &parsedTime
	}

	if auditUntil != "" {
		parsedTime, err := secevents.ParseTimestamp(auditUntil, now)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &parsedTime
	}

	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &success
	}

	if auditFailuresOnly {
		options.Success = lo.ToPtr(false)
	}

	return options, nil
}

func displayAuditEvents(events []audit.Event) error {
	if len(events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if auditDetails {
		for _, event := range events {
			fmt.Fprintf(w, "Event ID:\t%s\n", event.ID)
			fmt.Fprintf(w, "Timestamp:\t%s\n", event.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Action:\t%s\n", event.Action)
			fmt.Fprintf(w, "Status:\t%s\n", eventStatus(event))

			if event.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", event.Error)
			}
			if event.Profile != "" {
				fmt.Fprintf(w, "Profile:\t%s\n", event.Profile)
			}
			if event.Cursor != "" {
				fmt.Fprintf(w, "Cursor:\t%s\n", event.Cursor)
			}
			if event.RunID != "" {
				fmt.Fprintf(w, "Run ID:\t%s\n", event.RunID)
			}
			if event.UserID != "" {
				fmt.Fprintf(w, "User ID:\t%s\n", event.UserID)
			}
			if event.Source != "" {
				fmt.Fprintf(w, "Source:\t%s\n", event.Source)
			}

			if len(event.Metadata) > 0 {
				keys := lo.Keys(event.Metadata)
				sort.Strings(keys)
				fmt.Fprintf(w, "Metadata:\t")
				for _, k := range keys {
					fmt.Fprintf(w, "%s=%v ", k, event.Metadata[k])
				}
				fmt.Fprintf(w, "\n")
			}

			fmt.Fprintf(w, "────────────────────────────────────────\n")
		}
	} else {
		fmt.Fprintf(w, "TIMESTAMP\tACTION\tSTATUS\tPROFILE\tRUN\tERROR\n")

		for _, event := range events {
			runID := event.RunID
			if len(runID) > 8 {
				runID = runID[:8]
			}

			errorMsg := event.Error
			if len(errorMsg) > 40 {
				errorMsg = errorMsg[:40] + "..."
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				event.Timestamp.Format("2006-01-02 15:04:05"), event.Action, eventStatus(event),
				lo.CoalesceOrEmpty(event.Profile, event.Cursor), runID, errorMsg)
		}
	}

	return w.Flush()
}

func eventStatus(event audit.Event) string {
	if event.Success {
		return "SUCCESS"
	}
	return "FAILED"
}
