package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"southwinds.dev/secevents"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage connection profiles",
	Long: `Profiles hold the server and username used to connect to the event service.
The first profile created becomes the default. Passwords are kept in the
configured secrets backend, never in the profile file.`,
}

var profileCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new profile",
	Example: `  secevents profile create -n prod -s https://console.example.com -u alice@example.com
  secevents profile create -n lab -s lab.example.com:4285 -u admin --disable-ssl-errors`,
	Args: cobra.NoArgs,
	RunE: withAudit(runProfileCreate),
}

var profileUpdateCmd = &cobra.Command{
	Use:               "update [name]",
	Short:             "Update an existing profile (the default profile when no name is given)",
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: completeProfileNames,
	RunE:              withAudit(runProfileUpdate),
}

var profileShowCmd = &cobra.Command{
	Use:               "show [name]",
	Short:             "Show a profile (the default profile when no name is given)",
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: completeProfileNames,
	RunE:              runProfileShow,
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all profiles",
	Args:  cobra.NoArgs,
	RunE:  runProfileList,
}

var profileUseCmd = &cobra.Command{
	Use:               "use <name>",
	Short:             "Set the default profile",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeProfileNames,
	RunE:              withAudit(runProfileUse),
}

var profileSelectCmd = &cobra.Command{
	Use:   "select",
	Short: "Interactively choose the default profile",
	Args:  cobra.NoArgs,
	RunE:  withAudit(runProfileSelect),
}

var profileRenameCmd = &cobra.Command{
	Use:               "rename <old-name> <new-name>",
	Short:             "Rename a profile, keeping its checkpoint",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeProfileNames,
	RunE:              withAudit(runProfileRename),
}

var profileDeleteCmd = &cobra.Command{
	Use:               "delete <name>",
	Short:             "Delete a profile with its stored password and checkpoint",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeProfileNames,
	RunE:              withAudit(runProfileDelete),
}

var profileDeleteAllCmd = &cobra.Command{
	Use:   "delete-all",
	Short: "Delete every profile with its stored password and checkpoint",
	Args:  cobra.NoArgs,
	RunE:  withAudit(runProfileDeleteAll),
}

var profileResetPasswordCmd = &cobra.Command{
	Use:               "reset-password [name]",
	Short:             "Store a new password for a profile",
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: completeProfileNames,
	RunE:              withAudit(runProfileResetPassword),
}

var (
	profileName         string
	profileServer       string
	profileUsername     string
	profileIgnoreSSL    bool
	profileSetPassword  bool
	profileValidate     bool
	profileForce        bool
	profileOutputFormat string
)

func init() {
	rootCmd.AddCommand(profileCmd)

	profileCmd.AddCommand(profileCreateCmd)
	profileCmd.AddCommand(profileUpdateCmd)
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileUseCmd)
	profileCmd.AddCommand(profileSelectCmd)
	profileCmd.AddCommand(profileRenameCmd)
	profileCmd.AddCommand(profileDeleteCmd)
	profileCmd.AddCommand(profileDeleteAllCmd)
	profileCmd.AddCommand(profileResetPasswordCmd)

	profileCreateCmd.Flags().StringVarP(&profileName, "name", "n", "", "profile name")
	profileCreateCmd.Flags().StringVarP(&profileServer, "server", "s", "", "event service URL (https:// is assumed)")
	profileCreateCmd.Flags().StringVarP(&profileUsername, "username", "u", "", "username to authenticate as")
	profileCreateCmd.Flags().BoolVar(&profileIgnoreSSL, "disable-ssl-errors", false, "do not verify the server certificate")
	profileCreateCmd.Flags().BoolVar(&profileSetPassword, "password", false, "prompt for the password and store it")
	_ = profileCreateCmd.MarkFlagRequired("name")
	_ = profileCreateCmd.MarkFlagRequired("server")
	_ = profileCreateCmd.MarkFlagRequired("username")

	profileUpdateCmd.Flags().StringVarP(&profileServer, "server", "s", "", "new event service URL")
	profileUpdateCmd.Flags().StringVarP(&profileUsername, "username", "u", "", "new username")
	profileUpdateCmd.Flags().BoolVar(&profileIgnoreSSL, "disable-ssl-errors", false, "do not verify the server certificate (use =false to verify again)")
	profileUpdateCmd.Flags().BoolVar(&profileSetPassword, "password", false, "prompt for a new password and store it")

	profileShowCmd.Flags().StringVarP(&profileOutputFormat, "output", "o", "text", "output format (text, json)")
	profileListCmd.Flags().StringVarP(&profileOutputFormat, "output", "o", "table", "output format (table, json)")

	profileDeleteCmd.Flags().BoolVarP(&profileForce, "force", "f", false, "delete without confirmation")
	profileDeleteAllCmd.Flags().BoolVarP(&profileForce, "force", "f", false, "delete without confirmation")

	profileResetPasswordCmd.Flags().BoolVar(&profileValidate, "validate", false, "check the password against the server before storing it")
}

func runProfileCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var ignoreSSL *bool
	if cmd.Flags().Changed("disable-ssl-errors") {
		ignoreSSL = lo.ToPtr(profileIgnoreSSL)
	}

	p, err := app.profiles.Create(ctx, profileName, profileServer, profileUsername, ignoreSSL)
	if err != nil {
		return err
	}
	fmt.Printf("Created profile '%s'.\n", p.Name)

	wantPassword := profileSetPassword
	if !wantPassword && stdinIsTerminal() {
		wantPassword = promptConfirmation("Would you like to set a password?")
	}
	if wantPassword {
		if err = storePassword(ctx, p); err != nil {
			return err
		}
	}

	if p.IsDefault {
		fmt.Printf("'%s' is the default profile.\n", p.Name)
	}
	return nil
}

func runProfileUpdate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name := profileArg(args)

	var update secevents.ProfileUpdate
	if cmd.Flags().Changed("server") {
		update.Server = lo.ToPtr(profileServer)
	}
	if cmd.Flags().Changed("username") {
		update.Username = lo.ToPtr(profileUsername)
	}
	if cmd.Flags().Changed("disable-ssl-errors") {
		update.IgnoreSSL = lo.ToPtr(profileIgnoreSSL)
	}

	var (
		p   *secevents.Profile
		err error
	)
	switch {
	case update.Server != nil || update.Username != nil || update.IgnoreSSL != nil:
		if p, err = app.profiles.Update(ctx, name, update); err != nil {
			return err
		}
		fmt.Printf("Profile '%s' has been updated.\n", p.Name)
	case profileSetPassword:
		if p, err = app.profiles.Get(ctx, name); err != nil {
			return err
		}
	default:
		return fmt.Errorf("nothing to update: use --server, --username, --disable-ssl-errors or --password")
	}

	if profileSetPassword {
		return storePassword(ctx, p)
	}
	return nil
}

func runProfileShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	p, err := app.profiles.Get(ctx, profileArg(args))
	if err != nil {
		return err
	}
	hasPassword, err := app.profiles.HasStoredPassword(ctx, p.Name)
	if err != nil {
		return err
	}
	checkpoint, hasCheckpoint, err := app.checkpoints.Get(ctx, p.Name)
	if err != nil {
		return err
	}

	if profileOutputFormat == "json" {
		return printJSON(os.Stdout, map[string]interface{}{
			"profile":             p,
			"password_stored":     hasPassword,
			"checkpoint":          checkpoint,
			"checkpoint_recorded": hasCheckpoint,
		})
	}

	fmt.Printf("\nProfile: %s\n", p.Name)
	fmt.Printf("  Server:            %s\n", p.Server)
	fmt.Printf("  Username:          %s\n", p.Username)
	fmt.Printf("  Ignore SSL errors: %t\n", p.IgnoreSSLErrors())
	fmt.Printf("  Default:           %t\n", p.IsDefault)
	fmt.Printf("  Created:           %s\n", formatTime(p.CreatedAt))
	if hasCheckpoint {
		fmt.Printf("  Checkpoint:        %s\n", formatTime(checkpoint))
	}
	if hasPassword {
		fmt.Println("  A password is stored for this profile.")
	} else {
		fmt.Println("  No password is stored for this profile.")
	}
	fmt.Println()
	return nil
}

func runProfileList(cmd *cobra.Command, args []string) error {
	profiles, err := app.profiles.List(cmd.Context())
	if err != nil {
		return err
	}

	if profileOutputFormat == "json" {
		return printJSON(os.Stdout, profiles)
	}

	if len(profiles) == 0 {
		fmt.Println("No profiles found. Create one with 'secevents profile create'.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "DEFAULT\tNAME\tSERVER\tUSERNAME\tIGNORE SSL")
	for _, p := range profiles {
		marker := ""
		if p.IsDefault {
			marker = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", marker, p.Name, p.Server, p.Username, p.IgnoreSSLErrors())
	}
	return nil
}

func runProfileUse(cmd *cobra.Command, args []string) error {
	if err := app.profiles.SwitchDefault(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("'%s' is now the default profile.\n", args[0])
	return nil
}

func runProfileSelect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	profiles, err := app.profiles.List(ctx)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		return secevents.ErrNoDefaultProfile
	}

	name, err := promptChoice("Select the default profile", lo.Map(profiles, func(p *secevents.Profile, _ int) string {
		return p.Name
	}))
	if err != nil {
		return err
	}
	return runProfileUse(cmd, []string{name})
}

func runProfileRename(cmd *cobra.Command, args []string) error {
	p, err := app.profiles.Rename(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Profile '%s' renamed to '%s'.\n", args[0], p.Name)
	return nil
}

func runProfileDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name := args[0]

	if _, err := app.profiles.Get(ctx, name); err != nil {
		return err
	}

	isDefault, err := app.profiles.IsDefault(ctx, name)
	if err != nil {
		return err
	}

	if !profileForce {
		if isDefault {
			fmt.Fprintf(os.Stderr, "'%s' is currently the default profile!\n", name)
		}
		if !promptConfirmation("Deleting this profile will also delete any stored password and checkpoint. Are you sure?") {
			fmt.Println("Delete cancelled")
			return nil
		}
	}

	if err = app.profiles.Delete(ctx, name); err != nil {
		return err
	}
	fmt.Printf("Profile '%s' has been deleted.\n", name)

	if isDefault {
		if _, err = app.profiles.Get(ctx, ""); errors.Is(err, secevents.ErrNoDefaultProfile) {
			fmt.Println("There is no default profile now; pick one with 'secevents profile use <name>'.")
		}
	}
	return nil
}

func runProfileDeleteAll(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	profiles, err := app.profiles.List(ctx)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		fmt.Println("No profiles exist. Nothing to delete.")
		return nil
	}

	if !profileForce {
		for _, p := range profiles {
			fmt.Fprintf(os.Stderr, "  %s\n", p.Name)
		}
		if !promptConfirmation(fmt.Sprintf("Delete these %d profiles with their stored passwords and checkpoints?", len(profiles))) {
			fmt.Println("Delete cancelled")
			return nil
		}
	}

	if err = app.profiles.DeleteAll(ctx); err != nil {
		return err
	}
	fmt.Printf("Deleted %d profiles.\n", len(profiles))
	return nil
}

func runProfileResetPassword(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	p, err := app.profiles.Get(ctx, profileArg(args))
	if err != nil {
		return err
	}
	return storePassword(ctx, p)
}

// storePassword prompts for the profile's password, optionally proves it
// against the server, and stores it
func storePassword(ctx context.Context, p *secevents.Profile) error {
	password, err := promptPassword(fmt.Sprintf("Password for %s: ", p.Username))
	if err != nil {
		return err
	}

	if profileValidate {
		session, err := newExtractClient().NewSession(ctx, secevents.SessionConfig{
			Server:    p.Server,
			Username:  p.Username,
			Password:  password,
			IgnoreSSL: p.IgnoreSSLErrors(),
			Debug:     debugFlag,
		})
		if err != nil && !errors.Is(err, secevents.ErrMFARequired) {
			return fmt.Errorf("password was not stored: %w", err)
		}
		if session != nil {
			_ = session.Close()
		}
	}

	if err = app.profiles.SetPassword(ctx, p.Name, password); err != nil {
		return err
	}
	fmt.Printf("Password stored for profile '%s'.\n", p.Name)
	return nil
}

func profileArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
