package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lorekeep-ai/lorekeep/internal/apikey"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
	}
	addAuthFlags(cmd)
	cmd.AddCommand(newKeyMintCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	return cmd
}

func newKeyMintCmd() *cobra.Command {
	var (
		name      string
		scopes    []string
		rateLimit int
		expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a new API key for the acting user",
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

			req := apikey.MintRequest{
				UserID:    actor.ID,
				Name:      name,
				Scopes:    scopes,
				RateLimit: rateLimit,
			}
			if expiresIn > 0 {
				t := time.Now().Add(expiresIn)
				req.ExpiresAt = &t
			}
			key, token, err := rt.keys.Mint(ctx, req)
			if err != nil {
				return err
			}

			if outputJSON {
				ui.JSON(map[string]any{"key": key, "token": token})
				return nil
			}
			ui.Success("API key minted")
			ui.KeyValue([][2]string{
				{"ID", key.ID.String()},
				{"Name", key.Name},
				{"Scopes", key.Scopes},
				{"Token", token},
			})
			ui.Warning("the token is shown once; store it now")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{apikey.ScopeRead}, "scopes: read, write, admin, webhook")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "requests per hour (0 uses the configured default)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "expiry duration, e.g. 720h (0 means no expiry)")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the acting user's API keys",
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
			keys, err := rt.keys.List(ctx, actor.ID)
			if err != nil {
				return err
			}

			if outputJSON {
				ui.JSON(keys)
				return nil
			}
			rows := make([][]string, 0, len(keys))
			for _, k := range keys {
				expires := "never"
				if k.ExpiresAt != nil {
					expires = k.ExpiresAt.Format(time.DateOnly)
				}
				rows = append(rows, []string{
					k.ID.String(), k.Name, k.Scopes,
					fmt.Sprintf("%d/h", k.RateLimit), expires,
				})
			}
			ui.Table([]string{"ID", "NAME", "SCOPES", "RATE", "EXPIRES"}, rows)
			return nil
		},
	}
}

func newKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ui := newUI()
			keyID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid key id %q", args[0])
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
			if err := rt.keys.Revoke(ctx, actor, keyID); err != nil {
				return err
			}
			ui.Success("API key %s revoked", keyID)
			return nil
		},
	}
}
