package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/auth"
	"github.com/digitaldemocracy2030/idobata/internal/services"
)

func newAdminCmd() *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Manage dashboard accounts",
	}

	var name, email, password string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the first admin account",
		Long: `Create the first admin account. Fails once any admin or editor exists.

The password can be passed with --password or IDOBATA_ADMIN_PASSWORD.

Examples:
  idobatactl admin init --name 管理者 --email admin@example.jp`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("IDOBATA_ADMIN_PASSWORD")
			}
			if email == "" || password == "" {
				return errors.New("--email and a password are required")
			}
			return withRegistry(cmd.Context(), services.Options{}, func(reg *services.Registry, logger *zap.Logger) error {
				u, err := reg.Auth().InitializeAdmin(cmd.Context(), auth.NewUser{Name: name, Email: email, Password: password})
				if err != nil {
					if errors.Is(err, auth.ErrAlreadyInitialized) {
						return errors.New("an admin account already exists")
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created admin %s <%s> (id %s)\n", u.DisplayName, u.Email, u.ID)
				return nil
			})
		},
	}
	initCmd.Flags().StringVar(&name, "name", "管理者", "display name")
	initCmd.Flags().StringVar(&email, "email", "", "login email")
	initCmd.Flags().StringVar(&password, "password", "", "login password")

	admin.AddCommand(initCmd)
	return admin
}
