package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"erpid.org/internal/auth"
)

const commandTimeout = 30 * time.Second

var (
	adminEmail     string
	adminFirstName string
	adminLastName  string
)

var bootstrapAdminCmd = &cobra.Command{
	Use:   "bootstrap-admin",
	Short: "Create the first active SUPER_ADMIN",
	RunE: func(cmd *cobra.Command, args []string) error {
		if adminEmail == "" || adminFirstName == "" {
			return fmt.Errorf("--email and --first-name are required")
		}
		password, err := promptPassword("Password")
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		core, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer core.Shutdown(context.Background())

		p, err := core.Services.Admin.BootstrapAdmin(ctx, adminEmail, adminFirstName, adminLastName, password)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s %s (%s)\n", p.Role, p.Email, p.ID)
		return nil
	},
}

var (
	inviteEmail     string
	inviteFirstName string
	inviteLastName  string
	inviteUserType  string
	inviteRole      string
	invitePortal    string
)

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Invite a principal and send the activation link",
	RunE: func(cmd *cobra.Command, args []string) error {
		userType := auth.UserType(strings.ToUpper(inviteUserType))
		if !userType.Valid() {
			return fmt.Errorf("unknown user type %q", inviteUserType)
		}
		role := auth.Role(strings.ToUpper(inviteRole))
		if role == "" {
			role = auth.DefaultRole(userType)
		}
		portal := auth.LoginPortal(strings.ToUpper(invitePortal))
		if portal == "" {
			portal = auth.DefaultPortal(userType)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		core, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer core.Shutdown(context.Background())

		res, err := core.Services.Invitations.Invite(ctx, auth.InviteRequest{
			Email:     inviteEmail,
			FirstName: inviteFirstName,
			LastName:  inviteLastName,
			UserType:  userType,
			Role:      role,
			Portal:    portal,
			InvitedBy: "erpidctl",
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "invited %s as %s/%s (%s), link expires %s\n",
			res.Principal.Email, res.Principal.UserType, res.Principal.Role, res.Principal.ID,
			res.ExpiresAt.Format(time.RFC3339))
		if res.DeliveryWarning != "" {
			fmt.Fprintf(out, "warning: %s\n", res.DeliveryWarning)
		}
		return nil
	},
}

var assumeYes bool

var disableCmd = &cobra.Command{
	Use:   "disable <principal-id>",
	Short: "Disable a principal and revoke its outstanding tokens",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !assumeYes {
			ok, err := confirmAction("Disable " + args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
				return nil
			}
		}
		return adminStatusChange(cmd, args[0], func(ctx context.Context, a *auth.Admin, id string) (*auth.Principal, error) {
			return a.Disable(ctx, id)
		})
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable <principal-id>",
	Short: "Re-enable a disabled principal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminStatusChange(cmd, args[0], func(ctx context.Context, a *auth.Admin, id string) (*auth.Principal, error) {
			return a.Enable(ctx, id)
		})
	},
}

func adminStatusChange(cmd *cobra.Command, id string, fn func(context.Context, *auth.Admin, string) (*auth.Principal, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	core, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer core.Shutdown(context.Background())

	p, err := fn(ctx, core.Services.Admin, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s is now %s\n", p.ID, p.Email, p.Status)
	return nil
}

var (
	listUserType string
	listStatus   string
	listLimit    int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List principals",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := auth.PrincipalFilter{
			UserType: auth.UserType(strings.ToUpper(listUserType)),
			Status:   auth.Status(strings.ToLower(listStatus)),
			Limit:    listLimit,
		}
		if filter.UserType != "" && !filter.UserType.Valid() {
			return fmt.Errorf("unknown user type %q", listUserType)
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return fmt.Errorf("unknown status %q", listStatus)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		core, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer core.Shutdown(context.Background())

		principals, err := core.Services.Admin.List(ctx, filter)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(principals))
		for _, p := range principals {
			last := "-"
			if p.LastLoginAt != nil {
				last = p.LastLoginAt.Format(time.RFC3339)
			}
			rows = append(rows, []string{p.ID, p.Email, string(p.UserType), string(p.Role), string(p.Status), last})
		}
		printTable(cmd.OutOrStdout(), []string{"ID", "Email", "User Type", "Role", "Status", "Last Login"}, rows)
		return nil
	},
}

func init() {
	f := bootstrapAdminCmd.Flags()
	f.StringVar(&adminEmail, "email", "", "Admin email")
	f.StringVar(&adminFirstName, "first-name", "", "Admin first name")
	f.StringVar(&adminLastName, "last-name", "", "Admin last name")

	f = inviteCmd.Flags()
	f.StringVar(&inviteEmail, "email", "", "Invitee email")
	f.StringVar(&inviteFirstName, "first-name", "", "Invitee first name")
	f.StringVar(&inviteLastName, "last-name", "", "Invitee last name")
	f.StringVar(&inviteUserType, "user-type", "", "ERP_USER, EMPLOYEE or CUSTOMER")
	f.StringVar(&inviteRole, "role", "", "Role (default depends on user type)")
	f.StringVar(&invitePortal, "portal", "", "Default portal (default depends on user type)")
	_ = inviteCmd.MarkFlagRequired("email")
	_ = inviteCmd.MarkFlagRequired("first-name")
	_ = inviteCmd.MarkFlagRequired("user-type")

	disableCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Skip confirmation")

	f = listCmd.Flags()
	f.StringVar(&listUserType, "user-type", "", "Filter by user type")
	f.StringVar(&listStatus, "status", "", "Filter by status")
	f.IntVar(&listLimit, "limit", 100, "Maximum rows")
}
