package main

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/lorekeep-ai/lorekeep/internal/apikey"
)

var validate = validator.New()

var (
	authEmail    string
	authPassword string
)

// addAuthFlags attaches the acting-user credential flags shared by all
// commands that need an authenticated actor.
func addAuthFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&authEmail, "email", "", "acting user email (or LOREKEEP_EMAIL)")
	cmd.PersistentFlags().StringVar(&authPassword, "password", "", "acting user password (or LOREKEEP_PASSWORD)")
}

// newBootstrapCmd creates the first admin account plus an admin-scoped
// API key. It takes the trusted path that needs no acting user, so it
// only works while the user table is empty of admins.
func newBootstrapCmd() *cobra.Command {
	var (
		email    string
		password string
	)
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the first admin account and API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ui := newUI()
			if err := validate.Var(email, "required,email"); err != nil {
				return fmt.Errorf("invalid --admin-email: %q", email)
			}
			if len(password) < 8 {
				return fmt.Errorf("--admin-password must be at least 8 characters")
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			created, err := rt.users.Create(ctx, nil, email, password, true)
			if err != nil {
				return err
			}
			_, token, err := rt.keys.Mint(ctx, apikey.MintRequest{
				UserID: created.User.ID,
				Name:   "bootstrap admin key",
				Scopes: []string{apikey.ScopeAdmin},
			})
			if err != nil {
				return err
			}

			if outputJSON {
				ui.JSON(map[string]any{
					"user_id": created.User.ID,
					"email":   created.User.Email,
					"sdk_key": created.SDKKey,
					"api_key": token,
				})
				return nil
			}
			ui.Success("admin account created: %s", created.User.Email)
			ui.Section("Credentials (shown once)")
			ui.KeyValue([][2]string{
				{"User ID", created.User.ID.String()},
				{"SDK key", created.SDKKey},
				{"API key", token},
			})
			ui.Warning("store these now; they are not recoverable")
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "admin-email", "", "email for the admin account")
	cmd.Flags().StringVar(&password, "admin-password", "", "password for the admin account")
	cmd.MarkFlagRequired("admin-email")
	cmd.MarkFlagRequired("admin-password")
	return cmd
}

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}
	addAuthFlags(cmd)
	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserListCmd())
	return cmd
}

func newUserCreateCmd() *cobra.Command {
	var (
		email    string
		password string
		isAdmin  bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user account (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ui := newUI()
			if err := validate.Var(email, "required,email"); err != nil {
				return fmt.Errorf("invalid --user-email: %q", email)
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			actor, err := rt.actor(ctx, authEmail, authPassword)
			if err != nil {
				return err
			}
			created, err := rt.users.Create(ctx, actor, email, password, isAdmin)
			if err != nil {
				return err
			}

			if outputJSON {
				ui.JSON(map[string]any{
					"user_id": created.User.ID,
					"email":   created.User.Email,
					"sdk_key": created.SDKKey,
				})
				return nil
			}
			ui.Success("user created: %s", created.User.Email)
			ui.KeyValue([][2]string{
				{"User ID", created.User.ID.String()},
				{"SDK key", created.SDKKey},
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "user-email", "", "email for the new account")
	cmd.Flags().StringVar(&password, "user-password", "", "password for the new account")
	cmd.Flags().BoolVar(&isAdmin, "admin", false, "grant the admin role")
	cmd.MarkFlagRequired("user-email")
	cmd.MarkFlagRequired("user-password")
	return cmd
}

func newUserListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List user accounts (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ui := newUI()
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			actor, err := rt.actor(ctx, authEmail, authPassword)
			if err != nil {
				return err
			}
			users, err := rt.users.List(ctx, actor)
			if err != nil {
				return err
			}

			if outputJSON {
				ui.JSON(users)
				return nil
			}
			rows := make([][]string, 0, len(users))
			for _, u := range users {
				role := "user"
				if u.IsAdmin {
					role = "admin"
				}
				status := "active"
				if !u.IsActive {
					status = "inactive"
				}
				rows = append(rows, []string{
					u.ID.String(), u.Email, role, status,
					u.CreatedAt.Format(time.DateOnly),
				})
			}
			ui.Table([]string{"ID", "EMAIL", "ROLE", "STATUS", "CREATED"}, rows)
			return nil
		},
	}
	return cmd
}
