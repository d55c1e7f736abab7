package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/halcyon-labs/m365ctl/internal/app"
	"github.com/halcyon-labs/m365ctl/internal/msauth"
)

var connectTimeout time.Duration

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Sign in to Microsoft 365 using the device-code flow",
	Long: `Requests a device code, shows the verification URL and user code, then
waits for approval. Requires an app registration in the keychain for the
selected profile (entries named {profile}-M365-Client-ID and so on).`,
	RunE: runConnect,
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Sign out and delete the stored token record",
	RunE:  runDisconnect,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication status for the selected profile",
	RunE:  runStatus,
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage tenant profiles",
}

var profileUseCmd = &cobra.Command{
	Use:   "use [name]",
	Short: "Switch the active profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileUse,
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active profile",
	RunE:  runProfileShow,
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known profiles and their status",
	RunE:  runProfileList,
}

func init() {
	connectCmd.Flags().DurationVar(&connectTimeout, "timeout", 5*time.Minute,
		"maximum time to wait for device-code approval")

	profileCmd.AddCommand(profileUseCmd, profileShowCmd, profileListCmd)
	rootCmd.AddCommand(connectCmd, disconnectCmd, statusCmd, profileCmd)
}

func runConnect(cmd *cobra.Command, _ []string) error {
	a, err := app.Open(profileFlag)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dc, err := a.Auth.Connect(ctx)
	if err != nil {
		if errors.Is(err, msauth.ErrRegistrationMissing) {
			return fmt.Errorf("profile %q has no app registration: %w\n"+
				"Provision keychain entries %s-M365-Client-ID, -Tenant-ID, -Cert-Thumbprint and -Cert-Key first",
				a.Profile, err, a.Profile)
		}
		return err
	}

	if dc.Message != "" {
		fmt.Println(dc.Message)
	} else {
		fmt.Printf("To sign in, open %s and enter the code %s\n", dc.VerificationURI, dc.UserCode)
	}
	fmt.Println("Waiting for approval...")

	waitCtx := ctx
	if connectTimeout > 0 {
		var c context.CancelFunc
		waitCtx, c = context.WithTimeout(ctx, connectTimeout)
		defer c()
	}

	rec, err := a.Auth.Wait(waitCtx, dc)
	if err != nil {
		switch {
		case errors.Is(err, msauth.ErrAuthDenied):
			return errors.New("sign-in was denied")
		case errors.Is(err, msauth.ErrAuthExpired):
			return errors.New("the device code expired before approval; run connect again")
		default:
			return err
		}
	}

	if rec.Account != "" {
		fmt.Printf("Signed in to profile %q as %s\n", a.Profile, rec.Account)
	} else {
		fmt.Printf("Signed in to profile %q\n", a.Profile)
	}
	return nil
}

func runDisconnect(_ *cobra.Command, _ []string) error {
	a, err := app.Open(profileFlag)
	if err != nil {
		return err
	}
	if err := a.Auth.Disconnect(); err != nil {
		return err
	}
	fmt.Printf("Disconnected profile %q\n", a.Profile)
	return nil
}

func runStatus(_ *cobra.Command, _ []string) error {
	a, err := app.Open(profileFlag)
	if err != nil {
		return err
	}
	st := a.Auth.Status()

	fmt.Printf("Profile:    %s\n", st.Profile)
	fmt.Printf("State:      %s\n", st.State)
	fmt.Printf("Configured: %v\n", st.Configured)
	if st.TenantID != "" {
		fmt.Printf("Tenant:     %s\n", st.TenantID)
	}
	fmt.Printf("Tokens:     %v\n", st.HasTokens)
	fmt.Printf("Connected:  %v\n", st.Connected)
	if st.Account != "" {
		fmt.Printf("Account:    %s\n", st.Account)
	}
	return nil
}

func runProfileUse(_ *cobra.Command, args []string) error {
	if err := app.SetActiveProfile(args[0]); err != nil {
		return err
	}
	fmt.Printf("Active profile is now %q\n", args[0])
	return nil
}

func runProfileShow(_ *cobra.Command, _ []string) error {
	a, err := app.Open("")
	if err != nil {
		return err
	}
	fmt.Println(a.Profile)
	return nil
}

func runProfileList(_ *cobra.Command, _ []string) error {
	profiles, err := app.ListProfiles()
	if err != nil {
		return err
	}
	for _, p := range profiles {
		marker := " "
		if p.Active {
			marker = "*"
		}
		detail := "not configured"
		switch {
		case p.Status.Connected:
			detail = "connected"
			if p.Status.Account != "" {
				detail += " as " + p.Status.Account
			}
		case p.Status.Configured:
			detail = "configured, not connected"
		}
		fmt.Printf("%s %-16s %s\n", marker, p.Name, detail)
	}
	return nil
}
