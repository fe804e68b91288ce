// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-pairedkey.
//
// go-pairedkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-pairedkey/pkg/database"
)

// usersCmd represents the users command
var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage users in the encrypted database",
	Long: `Commands for the users table of the encrypted database.

Every command unlocks the database first, so the paired security key
must be connected and its PIN is required.`,
}

var usersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a user",
	Long: `Add a user to the encrypted database.

Example:
  pairkey users add --uid 1 --first Ada --last Lovelace`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, _ := cmd.Flags().GetInt64("uid")
		first, _ := cmd.Flags().GetString("first")
		last, _ := cmd.Flags().GetString("last")
		if first == "" && last == "" {
			return errors.New("--first or --last is required")
		}

		env, err := newEnvironment(cmd.Context(), appConfig, newTerminalPrompter(cmd.InOrStdin(), cmd.ErrOrStderr(), false))
		if err != nil {
			return err
		}
		defer func() { _ = env.Close() }()

		ctx, cancel := env.withTimeout(cmd.Context())
		defer cancel()
		if err := env.orch.Unlock(ctx, env.db); err != nil {
			return err
		}

		u := database.User{UID: uid, FirstName: first, LastName: last, CreatedAt: time.Now()}
		if err := env.db.InsertUser(ctx, u); err != nil {
			if errors.Is(err, database.ErrUserExists) {
				return fmt.Errorf("user %d already exists", uid)
			}
			return err
		}
		return printerFor(cmd).PrintSuccess(fmt.Sprintf("Added user %s", u))
	},
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newEnvironment(cmd.Context(), appConfig, newTerminalPrompter(cmd.InOrStdin(), cmd.ErrOrStderr(), false))
		if err != nil {
			return err
		}
		defer func() { _ = env.Close() }()

		ctx, cancel := env.withTimeout(cmd.Context())
		defer cancel()
		if err := env.orch.Unlock(ctx, env.db); err != nil {
			return err
		}
		users, err := env.db.Users(ctx)
		if err != nil {
			return err
		}
		return printerFor(cmd).PrintUsers(users)
	},
}

func init() {
	usersAddCmd.Flags().Int64("uid", 0, "user id")
	usersAddCmd.Flags().String("first", "", "first name")
	usersAddCmd.Flags().String("last", "", "last name")
	_ = usersAddCmd.MarkFlagRequired("uid")

	usersCmd.AddCommand(usersAddCmd)
	usersCmd.AddCommand(usersListCmd)
}
