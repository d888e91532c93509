package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/secevents"
	"southwinds.dev/secevents/extract"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract file exposure events",
	Long: `Extract file exposure events for a time window and write them to stdout or
a file. The window is either explicit (--begin, optional --end) or
incremental (--incremental), which resumes where the last run for the same
profile stopped. Events older than 90 days cannot be requested.

--begin and --end accept RFC3339 timestamps, dates (2024-05-01) or relative
durations such as 30d, 12h or 15m.`,
	Example: `  secevents extract --begin 7d
  secevents extract -p prod --incremental -t SharedViaLink -t IsPublic -f json
  secevents extract -s console.example.com -u alice@example.com -b 2024-05-01 -e 2024-05-02 -o events.json.gz`,
	Args: cobra.NoArgs,
	RunE: withAudit(runExtract),
}

var (
	extractProfile       string
	extractServer        string
	extractUsername      string
	extractBegin         string
	extractEnd           string
	extractIncremental   bool
	extractExposureTypes []string
	extractIgnoreSSL     bool
	extractFormat        string
	extractOutput        string
	extractCompress      bool
	extractTOTP          string
)

func init() {
	rootCmd.AddCommand(extractCmd)

	flags := extractCmd.Flags()
	flags.StringVarP(&extractProfile, "profile", "p", "", "profile to use (default profile when omitted)")
	flags.StringVarP(&extractServer, "server", "s", "", "event service URL, instead of a profile")
	flags.StringVarP(&extractUsername, "username", "u", "", "username, instead of a profile")
	flags.StringVarP(&extractBegin, "begin", "b", "", "start of the window")
	flags.StringVarP(&extractEnd, "end", "e", "", "end of the window (open ended when omitted)")
	flags.BoolVarP(&extractIncremental, "incremental", "i", false, "resume from the last recorded checkpoint")
	flags.StringSliceVarP(&extractExposureTypes, "exposure-type", "t", nil,
		"only events with one of these exposure types ("+strings.Join(lo.Map(secevents.ExposureTypes, func(e secevents.ExposureType, _ int) string {
			return string(e)
		}), ", ")+")")
	flags.BoolVar(&extractIgnoreSSL, "ignore-ssl-errors", false, "do not verify the server certificate")
	flags.StringVarP(&extractFormat, "format", "f", string(secevents.FormatRaw), "output format (raw, json)")
	flags.StringVarP(&extractOutput, "output", "o", "", "write events to this file instead of stdout (.gz compresses)")
	flags.BoolVar(&extractCompress, "compress", false, "gzip the output file")
	flags.StringVar(&extractTOTP, "totp", "", "one-time code for accounts with two-factor authentication")

	extractCmd.MarkFlagsMutuallyExclusive("end", "incremental")
	extractCmd.MarkFlagsMutuallyExclusive("profile", "server")
	extractCmd.MarkFlagsMutuallyExclusive("profile", "username")

	_ = extractCmd.RegisterFlagCompletionFunc("profile", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return completeProfileNames(cmd, nil, toComplete)
	})
	_ = extractCmd.RegisterFlagCompletionFunc("format", cobra.FixedCompletions(
		[]string{string(secevents.FormatRaw), string(secevents.FormatJSON)}, cobra.ShellCompDirectiveNoFileComp))
}

func runExtract(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	timeout, err := time.ParseDuration(viper.GetString("extract.timeout"))
	if err != nil {
		return fmt.Errorf("invalid extract.timeout: %w", err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	now := time.Now()
	req, err := buildExtractionRequest(cmd, now)
	if err != nil {
		return err
	}

	client := newExtractClient()
	orchestrator := secevents.NewOrchestrator(app.profiles, app.checkpoints, app.vault, client, client, pinClock(app.opts, now))

	plan, err := orchestrator.Plan(ctx, req)
	if err != nil {
		return err
	}

	if plan.NeedsCredential {
		if !stdinIsTerminal() {
			return fmt.Errorf("%w: %s", secevents.ErrCredentialNeeded, plan.Username)
		}
		password, err := promptPassword(fmt.Sprintf("Password for %s: ", plan.Username))
		if err != nil {
			return err
		}
		if err = orchestrator.StoreCredential(ctx, plan, password); err != nil {
			return err
		}
	}

	sink, err := secevents.NewSink(buildSinkConfig(), os.Stdout)
	if err != nil {
		return err
	}

	result, err := orchestrator.Execute(ctx, plan, sink)
	if closeErr := sink.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close output: %w", closeErr)
	}
	if result != nil {
		logResult(result)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("extraction timed out after %s, progress up to the last checkpoint is kept: %w", timeout, err)
	}
	return err
}

// pinClock makes the orchestrator judge the look-back limit against the same
// instant relative timestamps were resolved from.
func pinClock(opts secevents.Options, now time.Time) secevents.Options {
	opts.Clock = func() time.Time { return now }
	return opts
}

// buildExtractionRequest turns the command line into an ExtractionRequest
func buildExtractionRequest(cmd *cobra.Command, now time.Time) (secevents.ExtractionRequest, error) {
	var begin, end time.Time
	var err error

	if extractBegin != "" {
		if begin, err = secevents.ParseTimestamp(extractBegin, now); err != nil {
			return secevents.ExtractionRequest{}, fmt.Errorf("invalid --begin: %w", err)
		}
	}

	if extractEnd != "" {
		if end, err = secevents.ParseTimestamp(extractEnd, now); err != nil {
			return secevents.ExtractionRequest{}, fmt.Errorf("invalid --end: %w", err)
		}
	}

	window, err := secevents.NewWindow(begin, end, extractIncremental)
	if err != nil {
		return secevents.ExtractionRequest{}, err
	}

	exposureTypes := make([]secevents.ExposureType, 0, len(extractExposureTypes))
	for _, value := range extractExposureTypes {
		exposure, err := secevents.ParseExposureType(value)
		if err != nil {
			return secevents.ExtractionRequest{}, err
		}
		exposureTypes = append(exposureTypes, exposure)
	}

	req := secevents.ExtractionRequest{
		Profile:       extractProfile,
		Server:        extractServer,
		Username:      extractUsername,
		Window:        window,
		ExposureTypes: lo.Uniq(exposureTypes),
		Debug:         debugFlag,
		TOTP:          extractTOTP,
	}
	if cmd.Flags().Changed("ignore-ssl-errors") {
		req.IgnoreSSL = lo.ToPtr(extractIgnoreSSL)
	}
	return req, nil
}

func buildSinkConfig() secevents.SinkConfig {
	cfg := secevents.SinkConfig{
		Kind:   secevents.SinkConsole,
		Format: secevents.OutputFormat(strings.ToLower(extractFormat)),
	}
	if extractOutput != "" {
		cfg.Kind = secevents.SinkFile
		cfg.Path = extractOutput
		cfg.Compress = extractCompress
	}
	return cfg
}

func newExtractClient() *extract.Client {
	return extract.NewClient(extract.Config{
		Timeout:    viper.GetDuration("extract.request_timeout"),
		MaxRetries: viper.GetInt("extract.max_retries"),
		UserAgent:  "secevents",
		Logger:     logger,
	})
}

func logResult(result *secevents.Result) {
	fields := logrus.Fields{
		"run_id":  result.RunID,
		"cursor":  result.Cursor,
		"state":   result.State.String(),
		"begin":   formatTime(result.Begin),
		"pages":   result.Pages,
		"events":  result.Events,
		"resumed": result.Resumed,
	}
	if !result.End.IsZero() {
		fields["end"] = formatTime(result.End)
	}
	if result.HasCheckpoint {
		fields["checkpoint"] = formatTime(result.Checkpoint)
	}

	entry := logger.WithFields(fields)
	if result.State == secevents.StateFailed {
		entry.Warn("extraction stopped")
		return
	}
	entry.Info("extraction finished")
}
