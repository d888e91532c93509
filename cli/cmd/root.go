package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"southwinds.dev/secevents"
	"southwinds.dev/secevents/audit"
	"southwinds.dev/secevents/internal/mem"
	"southwinds.dev/secevents/persist"
)

var (
	cfgFile     string
	debugFlag   bool
	auditLogger audit.Logger
	cliContext  *CLIContext
	app         *appContext
	memLocked   bool
)

var logger = logrus.New()

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// appContext holds the stores shared by every command of one invocation
type appContext struct {
	store       persist.Store
	vault       secevents.SecretVault
	checkpoints *secevents.CheckpointStore
	profiles    *secevents.ProfileStore
	opts        secevents.Options
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "secevents",
	Short: "Extract security events incrementally from a file-event service",
	Long: `secevents authenticates to a security-event service, extracts file exposure
events over a time window and remembers how far it got, so later runs with
--incremental only fetch what is new.

Connection settings are kept in named profiles; passwords are kept in the OS
keychain (or an encrypted file vault) and never in the profile itself.`,
	SilenceUsage:       true,
	SilenceErrors:      true,
	PersistentPreRunE:  initializeApp,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error { return closeApp() },
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	_ = closeApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.secevents.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "turn on debug logging, including API requests")
	rootCmd.PersistentFlags().String("state-path", "", "directory holding profiles and checkpoints")
	rootCmd.PersistentFlags().String("store-type", "", "state storage backend (file, s3)")
	rootCmd.PersistentFlags().String("secrets-backend", "", "where passwords are kept (keyring, file, memory)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")

	bindFlagOrPanic("state.path", "state-path")
	bindFlagOrPanic("state.store_type", "store-type")
	bindFlagOrPanic("secrets.backend", "secrets-backend")
	bindFlagOrPanic("log.level", "log-level")
	bindFlagOrPanic("log.format", "log-format")

	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint for shared state")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")

	bindFlagOrPanic("state.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("state.s3.bucket", "s3-bucket")
	bindFlagOrPanic("state.s3.prefix", "s3-prefix")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".secevents")
	}

	viper.SetEnvPrefix("SECEVENTS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	}
}

func setDefaults() {
	viper.SetDefault("state.path", defaultStatePath())
	viper.SetDefault("state.store_type", "file")
	viper.SetDefault("state.s3.region", "us-east-1")
	viper.SetDefault("state.s3.prefix", "secevents/")
	viper.SetDefault("state.s3.use_ssl", true)

	viper.SetDefault("secrets.backend", string(secevents.VaultBackendKeyring))
	viper.SetDefault("secrets.lock_memory", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.log_level", "info")
	viper.SetDefault("audit.options.file_path", "")

	viper.SetDefault("log.level", "warn")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("extract.page_size", secevents.DefaultPageSize)
	viper.SetDefault("extract.timeout", "0s")
	viper.SetDefault("extract.request_timeout", "60s")
	viper.SetDefault("extract.max_retries", 3)
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".secevents"
	}
	return filepath.Join(home, ".secevents")
}

// skipsInitialization reports whether cmd only deals with the config file or shell completion
func skipsInitialization(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete", "__completeNoDesc", "config":
			return true
		}
	}
	return false
}

func initializeApp(cmd *cobra.Command, args []string) error {
	if err := setupLogging(); err != nil {
		return err
	}

	if skipsInitialization(cmd) {
		return nil
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: uuid.NewString(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	store, err := createStore()
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	vault, err := createSecretVault(store)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to open secret vault: %w", err)
	}

	opts := secevents.Options{
		Logger:   logger,
		Audit:    auditLogger,
		PageSize: viper.GetInt("extract.page_size"),
	}
	checkpoints := secevents.NewCheckpointStore(store, opts)
	app = &appContext{
		store:       store,
		vault:       vault,
		checkpoints: checkpoints,
		profiles:    secevents.NewProfileStore(store, vault, checkpoints, opts),
		opts:        opts,
	}

	logger.WithFields(logrus.Fields{
		"store":   store.GetType(),
		"secrets": viper.GetString("secrets.backend"),
	}).Debug("state initialized")
	return nil
}

func closeApp() error {
	var errs []error
	if app != nil {
		errs = append(errs, app.store.Close())
		app = nil
	}
	if auditLogger != nil {
		errs = append(errs, auditLogger.Close())
		auditLogger = nil
	}
	if memLocked {
		errs = append(errs, mem.Unlock())
		memLocked = false
	}
	return errors.Join(errs...)
}

func setupLogging() error {
	logger.SetOutput(os.Stderr)

	switch strings.ToLower(viper.GetString("log.format")) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unsupported log format: %s", viper.GetString("log.format"))
	}

	level, err := logrus.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if debugFlag {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)
	return nil
}

func createAuditLogger() (audit.Logger, error) {
	filePath := viper.GetString("audit.options.file_path")
	if filePath == "" {
		filePath = filepath.Join(viper.GetString("state.path"), "audit.log")
	}

	return audit.NewLogger(&audit.Config{
		Enabled:  viper.GetBool("audit.enabled"),
		Type:     audit.ConfigType(viper.GetString("audit.type")),
		Options:  map[string]interface{}{"file_path": filePath},
		LogLevel: viper.GetString("audit.log_level"),
	})
}

func createStore() (persist.Store, error) {
	storeType := strings.ToLower(viper.GetString("state.store_type"))
	switch storeType {
	case "file", string(persist.StoreTypeFileSystem):
		return persist.NewStore(persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": viper.GetString("state.path")},
		})

	case "s3":
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("state.s3.endpoint"),
			AccessKeyID:     viper.GetString("state.s3.access_key_id"),
			SecretAccessKey: viper.GetString("state.s3.secret_access_key"),
			Bucket:          viper.GetString("state.s3.bucket"),
			KeyPrefix:       viper.GetString("state.s3.prefix"),
			UseSSL:          viper.GetBool("state.s3.use_ssl"),
			Region:          viper.GetString("state.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		store, err := persist.NewS3Store(s3Config)
		if err != nil {
			return nil, err
		}
		if err = store.Ping(); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("S3 state store is unreachable: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: file, s3", storeType)
	}
}

func createSecretVault(store persist.Store) (secevents.SecretVault, error) {
	backend := secevents.VaultBackend(strings.ToLower(viper.GetString("secrets.backend")))

	if viper.GetBool("secrets.lock_memory") {
		level, err := mem.Lock()
		if err != nil {
			return nil, err
		}
		memLocked = level == mem.ProtectionFull
		logger.WithField("protection", level.String()).Debug("memory lock applied")
	}

	var passphrase []byte
	if backend == secevents.VaultBackendFile {
		passphrase = []byte(viper.GetString("secrets.passphrase"))
		if len(passphrase) == 0 {
			return nil, fmt.Errorf("the file secrets backend needs a passphrase: set secrets.passphrase or SECEVENTS_SECRETS_PASSPHRASE")
		}
	}
	return secevents.NewSecretVault(backend, store, passphrase)
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Endpoint == "" {
		missing = append(missing, "state.s3.endpoint")
	}
	if config.Bucket == "" {
		missing = append(missing, "state.s3.bucket")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""
	if hasAccessKey != hasSecretKey {
		missing = append(missing, "state.s3.access_key_id and state.s3.secret_access_key")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// getCurrentUser returns the OS user running the tool, for audit records
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown_host"
	}
	return hostname
}

// withAudit records command start and completion around a RunE
func withAudit(run func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd, args)
		err := run(cmd, args)
		return auditCmdComplete(cmd, err, started)
	}
}

func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	now := time.Now()
	if auditLogger == nil || cliContext == nil {
		return now
	}
	err := auditLogger.Log(audit.ActionCommandStart, true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"args":       args,
		"flags":      sanitizeFlags(cmd),
		"user_id":    cliContext.UserID,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	})
	if err != nil {
		logger.WithError(err).Warn("failed to write audit record")
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if auditLogger != nil && cliContext != nil {
		_ = auditLogger.Log(audit.ActionCommandComplete, err == nil, map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(startedTime).Milliseconds(),
			"error":       errorText(err),
			"user_id":     cliContext.UserID,
			"session_id":  cliContext.SessionID,
			"source":      cliContext.Source,
		})
	}
	return err
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// formatError renders err for the terminal, with a hint for the common cases
func formatError(err error) string {
	msg := "Error: " + err.Error()
	switch {
	case errors.Is(err, secevents.ErrNoDefaultProfile):
		msg += "\nCreate a profile with 'secevents profile create' or pick one with 'secevents profile use <name>'."
	case errors.Is(err, secevents.ErrMFARequired):
		msg += "\nRun again with --totp <code>."
	case errors.Is(err, secevents.ErrCredential):
		msg += "\nReset the stored password with 'secevents profile reset-password'."
	case errors.Is(err, secevents.ErrCredentialNeeded):
		msg += "\nStore a password with 'secevents profile reset-password' or run interactively."
	}
	return msg
}

func isSensitiveFlag(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range []string{"passphrase", "password", "secret", "key", "token", "totp"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}
