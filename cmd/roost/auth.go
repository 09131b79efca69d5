package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/anselm-vey/roost/internal/config"
	"github.com/anselm-vey/roost/internal/identity"
	"github.com/anselm-vey/roost/internal/repository"
	"github.com/anselm-vey/roost/internal/repository/sqlitestore"
	"github.com/spf13/cobra"
)

// authCmd groups the `roost auth` bootstrap verbs: `keygen` for
// provisioning the daemon's JWT signing key (grounded on the reference's
// cmd/wt/keygen.go), and `login` for minting a local session token
// directly against the sqlite account store, without a network round trip
// to a device-code endpoint. `login` creates the account if it does not
// exist yet, with member capability unless --admin is given.
func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage signing keys and local session credentials",
	}
	cmd.AddCommand(authKeygenCmd(), authLoginCmd())
	return cmd
}

func signingKeyPath(dataDir string) string {
	return filepath.Join(dataDir, "signing.key")
}

func authKeygenCmd() *cobra.Command {
	var write bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an EC P-256 signing key for session JWTs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, encoded, err := identity.GenerateECKey()
			if err != nil {
				return err
			}

			if write {
				dataDir, err := resolveDataDir()
				if err != nil {
					return err
				}
				if err := os.WriteFile(signingKeyPath(dataDir), []byte(encoded), 0600); err != nil {
					return fmt.Errorf("write signing key: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote signing key to %s\n", signingKeyPath(dataDir))
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), encoded)
			fmt.Fprintln(cmd.ErrOrStderr(), "set this as $ROOST_SIGNING_KEY or pass --signing-key to `roost server`")
			return nil
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "write the key to <data-dir>/signing.key instead of printing it")
	return cmd
}

func authLoginCmd() *cobra.Command {
	var accountID string
	var admin bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Mint a local session token against the daemon's account store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := resolveDataDir()
			if err != nil {
				return err
			}

			signingKey := os.Getenv("ROOST_SIGNING_KEY")
			if signingKey == "" {
				if data, err := os.ReadFile(signingKeyPath(dataDir)); err == nil {
					signingKey = string(data)
				}
			}
			if signingKey == "" {
				return newUsageError("no signing key found; run `roost auth keygen --write` or set $ROOST_SIGNING_KEY first")
			}

			store, err := sqlitestore.Open(config.StorageFile(dataDir))
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			gate, err := identity.New(identity.Config{SigningKeyPEMOrDER: signingKey, Store: store})
			if err != nil {
				return fmt.Errorf("init identity gate: %w", err)
			}

			ctx := context.Background()
			if accountID == "" {
				accountID = "local"
			}
			if _, err := store.AccountLookup(ctx, accountID); err != nil {
				cap := identity.CapabilityMember
				if admin {
					cap = identity.CapabilityAdmin
				}
				if err := store.AccountCreate(ctx, repository.Account{
					ID:         accountID,
					Label:      accountID,
					Capability: string(cap),
					CreatedAt:  time.Now(),
				}); err != nil {
					return fmt.Errorf("create local account: %w", err)
				}
			}

			acct, err := store.AccountLookup(ctx, accountID)
			if err != nil {
				return fmt.Errorf("look up account: %w", err)
			}

			token, err := gate.IssueSessionToken(ctx, acct.ID, identity.Capability(acct.Capability), 30*24*time.Hour)
			if err != nil {
				return fmt.Errorf("issue session token: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintln(cmd.ErrOrStderr(), "set this as $ROOST_TOKEN or pass --token to `roost attach`")
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id to mint a token for (default: local)")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant admin capability when creating the account")
	return cmd
}
