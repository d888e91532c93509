package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage secevents configuration",
	Long:  `Manage the secevents configuration file: view, set and validate settings.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the effective configuration from all sources (config file, SECEVENTS_* environment variables, flags).`,
	RunE:  runConfigView,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  `Set a configuration value in the config file. The key uses dot notation (e.g., state.store_type).`,
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigUnset,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new configuration file",
	Long:  `Create a new configuration file from a template.`,
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	RunE:  runConfigValidate,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration keys",
	RunE:  runConfigList,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit configuration file",
	Long:  `Open the configuration file in $EDITOR.`,
	RunE:  runConfigEdit,
}

var (
	configForce    bool
	configTemplate string
	configFormat   string
)

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configEditCmd)

	configViewCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json, table)")

	configSetCmd.Flags().BoolVar(&configForce, "force", false, "set value even if the key is unknown")

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite existing config file")
	configInitCmd.Flags().StringVar(&configTemplate, "template", "default", "configuration template (default, minimal, full)")

	configListCmd.Flags().StringVarP(&configFormat, "format", "f", "table", "output format (table, json)")
}

func runConfigView(cmd *cobra.Command, args []string) error {
	switch configFormat {
	case "json":
		return printConfigJSON()
	case "yaml":
		return printConfigYAML()
	case "table":
		return printConfigTable()
	default:
		return fmt.Errorf("unsupported format: %s", configFormat)
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]

	if !configForce && !isValidConfigKey(key) {
		return fmt.Errorf("unknown configuration key: %s (use --force to override)", key)
	}

	value := convertValue(args[1])
	if err := validateConfigValue(key, value); err != nil {
		return err
	}

	viper.Set(key, value)

	configFile := getConfigFilePath()
	if err := ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to ensure config directory: %w", err)
	}

	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Chmod(configFile, 0600); err != nil {
		return fmt.Errorf("failed to restrict config file permissions: %w", err)
	}

	if isSensitiveConfigKey(key) {
		fmt.Printf("Set %s = [REDACTED]\n", key)
	} else {
		fmt.Printf("Set %s = %v\n", key, value)
	}
	fmt.Printf("Configuration saved to: %s\n", configFile)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	if !viper.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	value := viper.Get(key)
	if isSensitiveConfigKey(key) {
		value = "[REDACTED]"
	}
	fmt.Printf("%s = %v\n", key, value)

	if configFile := viper.ConfigFileUsed(); configFile != "" && viper.InConfig(key) {
		fmt.Printf("Source: %s\n", configFile)
	} else {
		fmt.Println("Source: defaults/environment/flags")
	}

	return nil
}

func runConfigUnset(cmd *cobra.Command, args []string) error {
	key := args[0]
	configFile := getConfigFilePath()

	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	config := map[string]interface{}{}
	if err = yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if err = unsetNestedKey(config, key); err != nil {
		return fmt.Errorf("failed to unset key %s: %w", key, err)
	}

	if data, err = yaml.Marshal(config); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = os.WriteFile(configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Removed configuration key: %s\n", key)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := getConfigFilePath()

	if _, err := os.Stat(configFile); err == nil && !configForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configFile)
	}

	if err := ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(getConfigTemplate(configTemplate))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err = os.WriteFile(configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Configuration file created: %s\n", configFile)
	fmt.Printf("Template used: %s\n", configTemplate)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	errs := validateConfiguration()

	if len(errs) == 0 {
		fmt.Println("✓ Configuration is valid")
		return nil
	}

	fmt.Println("✗ Configuration validation failed:")
	for _, err := range errs {
		fmt.Printf("  - %s\n", err)
	}

	return fmt.Errorf("configuration validation failed with %d errors", len(errs))
}

func runConfigList(cmd *cobra.Command, args []string) error {
	keys := getConfigKeyDescriptions()

	switch configFormat {
	case "table":
		return printConfigKeysTable(keys)
	case "json":
		return printJSON(os.Stdout, keys)
	default:
		return fmt.Errorf("unsupported format: %s", configFormat)
	}
}

func runConfigEdit(cmd *cobra.Command, args []string) error {
	configFile := getConfigFilePath()

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		if err = runConfigInit(cmd, nil); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
	}

	editor := getDefaultEditor()
	fmt.Printf("Opening %s with %s...\n", configFile, editor)
	return executeEditor(editor, configFile)
}
