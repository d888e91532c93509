package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect and clear incremental extraction checkpoints",
	Long: `A checkpoint records the newest insertion timestamp delivered for a profile
(or for username@host on runs without a profile). --incremental resumes from it.`,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all checkpoints",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointList,
}

var checkpointShowCmd = &cobra.Command{
	Use:               "show [cursor]",
	Short:             "Show the checkpoint of a profile (the default profile when omitted)",
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: completeProfileNames,
	RunE:              runCheckpointShow,
}

var checkpointClearCmd = &cobra.Command{
	Use:               "clear [cursor]",
	Short:             "Forget a checkpoint so the next incremental run starts over",
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: completeProfileNames,
	RunE:              withAudit(runCheckpointClear),
}

var (
	checkpointOutputFormat string
	checkpointForce        bool
)

func init() {
	rootCmd.AddCommand(checkpointCmd)

	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointClearCmd)

	checkpointListCmd.Flags().StringVarP(&checkpointOutputFormat, "output", "o", "table", "output format (table, json)")
	checkpointClearCmd.Flags().BoolVarP(&checkpointForce, "force", "f", false, "clear without confirmation")
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	checkpoints, err := app.checkpoints.List(cmd.Context())
	if err != nil {
		return err
	}

	if checkpointOutputFormat == "json" {
		return printJSON(os.Stdout, checkpoints)
	}

	if len(checkpoints) == 0 {
		fmt.Println("No checkpoints recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "CURSOR\tLAST INSERTION\tUPDATED")
	for _, c := range checkpoints {
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.Cursor, formatTime(c.LastInsertionTimestamp), formatTime(c.UpdatedAt))
	}
	return nil
}

func runCheckpointShow(cmd *cobra.Command, args []string) error {
	cursor, err := resolveCursor(cmd, args)
	if err != nil {
		return err
	}

	ts, ok, err := app.checkpoints.Get(cmd.Context(), cursor)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("No checkpoint recorded for '%s'.\n", cursor)
		return nil
	}
	fmt.Printf("%s\t%s\n", cursor, formatTime(ts))
	return nil
}

func runCheckpointClear(cmd *cobra.Command, args []string) error {
	cursor, err := resolveCursor(cmd, args)
	if err != nil {
		return err
	}

	if !checkpointForce && !promptConfirmation(fmt.Sprintf("The next incremental run for '%s' will start over. Clear its checkpoint?", cursor)) {
		fmt.Println("Clear cancelled")
		return nil
	}

	if err = app.checkpoints.Delete(cmd.Context(), cursor); err != nil {
		return err
	}
	fmt.Printf("Checkpoint for '%s' cleared.\n", cursor)
	return nil
}

// resolveCursor returns the explicit cursor argument or the default profile's name
func resolveCursor(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	p, err := app.profiles.Get(cmd.Context(), "")
	if err != nil {
		return "", fmt.Errorf("%w: name a cursor or set a default profile", err)
	}
	return p.Name, nil
}
