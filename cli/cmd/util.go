package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/samber/lo"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
	"southwinds.dev/secevents"
)

var stdinReader = bufio.NewReader(os.Stdin)

func getConfigFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".secevents.yaml")
}

func ensureConfigDir(configFile string) error {
	dir := filepath.Dir(configFile)
	return os.MkdirAll(dir, 0700)
}

func isValidConfigKey(key string) bool {
	_, ok := getConfigKeyDescriptions()[key]
	return ok
}

func getConfigKeyDescriptions() map[string]string {
	return map[string]string{
		"state.path":                 "Directory holding profiles and checkpoints (file store)",
		"state.store_type":           "State storage backend (file, s3)",
		"state.s3.endpoint":          "S3 endpoint (host:port)",
		"state.s3.bucket":            "S3 bucket name",
		"state.s3.region":            "S3 region",
		"state.s3.prefix":            "S3 key prefix",
		"state.s3.use_ssl":           "Use TLS when talking to S3",
		"state.s3.access_key_id":     "S3 access key id",
		"state.s3.secret_access_key": "S3 secret access key",
		"secrets.backend":            "Where passwords are kept (keyring, file, memory)",
		"secrets.passphrase":         "Passphrase protecting the file secrets backend",
		"secrets.lock_memory":        "Lock process memory so passwords are not swapped to disk",
		"audit.enabled":              "Enable audit logging",
		"audit.type":                 "Audit logger type (file, syslog)",
		"audit.options.file_path":    "Audit log file path",
		"audit.log_level":            "Audit log level",
		"log.level":                  "Log level (debug, info, warn, error)",
		"log.format":                 "Log format (text, json)",
		"extract.page_size":          "Events requested per page",
		"extract.timeout":            "Abort an extraction after this long (0 disables)",
		"extract.request_timeout":    "Timeout of a single API request",
		"extract.max_retries":        "Retries of a failed API request",
	}
}

// convertValue attempts to convert a string value to its most appropriate type
func convertValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}

	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}

	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}

	return value
}

// validateConfigValue validates a configuration value based on its key
func validateConfigValue(key string, value interface{}) error {
	oneOf := func(valid ...string) error {
		str, ok := value.(string)
		if !ok || !lo.Contains(valid, str) {
			return fmt.Errorf("invalid value for %s: %v (valid: %s)", key, value, strings.Join(valid, ", "))
		}
		return nil
	}

	switch key {
	case "state.store_type":
		return oneOf("file", "s3")
	case "secrets.backend":
		return oneOf(string(secevents.VaultBackendKeyring), string(secevents.VaultBackendFile), string(secevents.VaultBackendMemory))
	case "audit.type":
		return oneOf("file", "syslog")
	case "log.format":
		return oneOf("text", "json")
	case "extract.page_size":
		if num, err := strconv.Atoi(fmt.Sprint(value)); err != nil || num <= 0 {
			return fmt.Errorf("extract.page_size must be a positive integer")
		}
	case "extract.timeout":
		if _, err := time.ParseDuration(fmt.Sprint(value)); err != nil {
			return fmt.Errorf("extract.timeout must be a duration such as 30m: %w", err)
		}
	}
	return nil
}

func unsetNestedKey(config map[string]interface{}, key string) error {
	parts := strings.Split(key, ".")

	current := config
	for i, part := range parts[:len(parts)-1] {
		if next, ok := current[part].(map[string]interface{}); ok {
			current = next
		} else {
			return fmt.Errorf("key path not found at %s", strings.Join(parts[:i+1], "."))
		}
	}

	delete(current, parts[len(parts)-1])
	return nil
}

func getConfigTemplate(template string) map[string]interface{} {
	switch template {
	case "minimal":
		return map[string]interface{}{
			"state": map[string]interface{}{
				"store_type": "file",
				"path":       defaultStatePath(),
			},
		}
	case "full":
		return map[string]interface{}{
			"state": map[string]interface{}{
				"store_type": "file",
				"path":       defaultStatePath(),
				"s3": map[string]interface{}{
					"endpoint": "",
					"bucket":   "",
					"region":   "us-east-1",
					"prefix":   "secevents/",
					"use_ssl":  true,
				},
			},
			"secrets": map[string]interface{}{
				"backend": "keyring",
			},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{
					"file_path": filepath.Join(defaultStatePath(), "audit.log"),
				},
			},
			"log": map[string]interface{}{
				"level":  "warn",
				"format": "text",
			},
			"extract": map[string]interface{}{
				"page_size": secevents.DefaultPageSize,
				"timeout":   "0s",
			},
		}
	default:
		return map[string]interface{}{
			"state": map[string]interface{}{
				"store_type": "file",
				"path":       defaultStatePath(),
			},
			"secrets": map[string]interface{}{
				"backend": "keyring",
			},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
			},
		}
	}
}

func validateConfiguration() []string {
	var errs []string

	for _, key := range []string{"state.store_type", "secrets.backend", "log.format", "extract.page_size", "extract.timeout"} {
		if err := validateConfigValue(key, viper.Get(key)); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if viper.GetString("state.store_type") == "s3" {
		if viper.GetString("state.s3.bucket") == "" {
			errs = append(errs, "S3 bucket is required when using the S3 store")
		}
		if viper.GetString("state.s3.endpoint") == "" {
			errs = append(errs, "S3 endpoint is required when using the S3 store")
		}
	}

	if viper.GetString("secrets.backend") == string(secevents.VaultBackendFile) && viper.GetString("secrets.passphrase") == "" {
		errs = append(errs, "secrets.passphrase is required when using the file secrets backend")
	}

	if viper.GetBool("audit.enabled") {
		if err := validateConfigValue("audit.type", viper.GetString("audit.type")); err != nil {
			errs = append(errs, err.Error())
		}
	}

	return lo.Uniq(errs)
}

// printConfigTable prints configuration in table format
func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	var keys []string
	flattenKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" && viper.InConfig(key) {
			source = filepath.Base(viper.ConfigFileUsed())
		}

		envKey := "SECEVENTS_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if os.Getenv(envKey) != "" {
			source = "environment"
		}

		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}

		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}

	return nil
}

// printConfigJSON prints configuration in JSON format
func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)
	return printJSON(os.Stdout, config)
}

// printConfigYAML prints configuration in YAML format
func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	fmt.Print(string(data))
	return nil
}

// printConfigKeysTable prints available configuration keys in table format
func printConfigKeysTable(keys map[string]string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	fmt.Fprintln(w, "---\t-----------")

	sortedKeys := lo.Keys(keys)
	sort.Strings(sortedKeys)

	for _, key := range sortedKeys {
		fmt.Fprintf(w, "%s\t%s\n", key, keys[key])
	}

	return nil
}

// printJSON writes v as indented JSON
func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	_, err = fmt.Fprintln(w, string(data))
	return err
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

// isSensitiveConfigKey checks if a configuration key contains sensitive data
func isSensitiveConfigKey(key string) bool {
	lowerKey := strings.ToLower(key)
	return lo.ContainsBy([]string{"passphrase", "password", "secret", "access_key", "token"}, func(s string) bool {
		return strings.Contains(lowerKey, s)
	})
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		// walk sections; only leaf values are redacted
		if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
			continue
		}
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		}
	}
}

// getDefaultEditor returns the default text editor for the current platform
func getDefaultEditor() string {
	if editor := os.Getenv("EDITOR"); editor != "" {
		return editor
	}
	if visual := os.Getenv("VISUAL"); visual != "" {
		return visual
	}

	editors := []string{"nano", "vim", "vi"}
	if runtime.GOOS == "darwin" {
		editors = []string{"code", "nano", "vim", "vi"}
	}
	for _, editor := range editors {
		if _, err := exec.LookPath(editor); err == nil {
			return editor
		}
	}
	return "vi"
}

// executeEditor launches the specified editor with the given file
func executeEditor(editor, file string) error {
	var cmd *exec.Cmd
	if strings.Contains(editor, "code") {
		cmd = exec.Command(editor, "--wait", file)
	} else {
		cmd = exec.Command(editor, file)
	}

	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// readLine reads one line from stdin without the trailing newline
func readLine() (string, error) {
	line, err := stdinReader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// promptConfirmation prompts the user for yes/no confirmation
func promptConfirmation(message string) bool {
	fmt.Fprintf(os.Stderr, "%s (y/N): ", message)
	response, err := readLine()
	if err != nil {
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

// promptPassword reads a secret without echo when stdin is a terminal and
// as a plain line otherwise, so passwords can be piped in
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	var password string
	if stdinIsTerminal() {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		password = string(raw)
	} else {
		line, err := readLine()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		password = line
	}

	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	return password, nil
}

// promptChoice asks the user to pick one of options by number
func promptChoice(message string, options []string) (string, error) {
	for i, option := range options {
		fmt.Fprintf(os.Stderr, "  %d) %s\n", i+1, option)
	}
	fmt.Fprintf(os.Stderr, "%s [1-%d]: ", message, len(options))

	line, err := readLine()
	if err != nil {
		return "", err
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 1 || n > len(options) {
		return "", fmt.Errorf("invalid selection: %q", line)
	}
	return options[n-1], nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
