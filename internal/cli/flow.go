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
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-pairedkey/pkg/orchestrator"
)

// statusSettle is how long status waits for connected credentials to be
// reported.
const statusSettle = 300 * time.Millisecond

var assumeYes bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Pair a security key and create the encrypted database",
	Long: `Pair a connected security key and generate a new session secret.

The secret is wrapped under a key generated on the credential and used
to create the encrypted database. Setup refuses to run when a credential
is already paired; use "pairkey reset" first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompter := newTerminalPrompter(cmd.InOrStdin(), cmd.ErrOrStderr(), assumeYes)
		env, err := newEnvironment(cmd.Context(), appConfig, prompter)
		if err != nil {
			return err
		}
		defer func() { _ = env.Close() }()

		if st, err := env.orch.Status(); err != nil {
			return err
		} else if len(st.Paired) > 0 {
			return orchestrator.ErrAlreadyPaired
		}
		if _, err := os.Stat(env.db.Path()); err == nil {
			ok, err := prompter.confirm(fmt.Sprintf("The database at %s cannot be opened after pairing a new key and will be removed. Continue?", env.db.Path()))
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("setup cancelled")
			}
		}

		ctx, cancel := env.withTimeout(cmd.Context())
		defer cancel()

		s, err := env.orch.Setup(ctx)
		if err != nil {
			return err
		}
		if err := env.db.Wipe(); err != nil {
			s.Destroy()
			return err
		}
		if err := env.db.Unlock(ctx, s); err != nil {
			return err
		}

		st, err := env.orch.Status()
		if err != nil {
			return err
		}
		id := "credential"
		if len(st.Paired) > 0 {
			id = st.Paired[0].CredentialID.String()
		}
		return printerFor(cmd).PrintSuccess(fmt.Sprintf("Paired %s and created %s", id, env.db.Path()))
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Recover the session secret and open the database",
	Long: `Wait for the paired security key, ask for its PIN and unwrap the session
secret. The database is opened to prove the secret and closed again.
When nothing is paired yet this runs setup instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompter := newTerminalPrompter(cmd.InOrStdin(), cmd.ErrOrStderr(), assumeYes)
		env, err := newEnvironment(cmd.Context(), appConfig, prompter)
		if err != nil {
			return err
		}
		defer func() { _ = env.Close() }()

		ctx, cancel := env.withTimeout(cmd.Context())
		defer cancel()

		start := time.Now()
		if err := env.orch.Unlock(ctx, env.db); err != nil {
			return err
		}
		users, err := env.db.Users(ctx)
		if err != nil {
			return err
		}
		printVerbose(cmd, "unlocked in %s", time.Since(start).Round(time.Millisecond))
		return printerFor(cmd).PrintSuccess(fmt.Sprintf("Database %s unlocked (%d users)", env.db.Path(), len(users)))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show paired and connected credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompter := newTerminalPrompter(cmd.InOrStdin(), cmd.ErrOrStderr(), false)
		prompter.quiet = true
		env, err := newEnvironment(cmd.Context(), appConfig, prompter)
		if err != nil {
			return err
		}
		defer func() { _ = env.Close() }()

		// Give the driver a moment to report what is already connected.
		ctx, cancel := env.withTimeout(cmd.Context())
		waitCtx, waitCancel := context.WithTimeout(ctx, statusSettle)
		_, _ = env.orch.WaitForCredential(waitCtx, nil)
		waitCancel()
		cancel()

		st, err := env.orch.Status()
		if err != nil {
			return err
		}
		return printerFor(cmd).PrintStatus(st, env.db.IsUnlocked())
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the pairing and remove the encrypted database",
	Long: `Delete the pairing record and the wrapped session secret, then remove the
encrypted database. The data in it cannot be recovered afterwards. The
next setup or unlock pairs a credential again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompter := newTerminalPrompter(cmd.InOrStdin(), cmd.ErrOrStderr(), assumeYes)
		prompter.quiet = true
		ok, err := prompter.confirm(fmt.Sprintf("%s This removes the pairing and all data in the database. Continue?", warnText("Warning:")))
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("reset cancelled")
		}

		env, err := newEnvironment(cmd.Context(), appConfig, prompter)
		if err != nil {
			return err
		}
		defer func() { _ = env.Close() }()

		if err := env.orch.Reset(cmd.Context()); err != nil {
			if errors.Is(err, orchestrator.ErrTaskInFlight) {
				return fmt.Errorf("another operation is running: %w", err)
			}
			return err
		}
		if err := env.db.Wipe(); err != nil {
			return err
		}
		return printerFor(cmd).PrintSuccess("Pairing and database removed")
	},
}

func init() {
	setupCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "overwrite data on the credential without asking")
	resetCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")
}
