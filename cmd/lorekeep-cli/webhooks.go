package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lorekeep-ai/lorekeep/internal/webhook"
)

func newWebhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage webhook subscriptions",
	}
	addAuthFlags(cmd)
	cmd.AddCommand(newWebhookAddCmd())
	cmd.AddCommand(newWebhookListCmd())
	cmd.AddCommand(newWebhookDeleteCmd())
	cmd.AddCommand(newWebhookDeliveriesCmd())
	return cmd
}

func newWebhookAddCmd() *cobra.Command {
	var (
		url    string
		secret string
		events []string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Subscribe an endpoint to core events",
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
			wh, err := rt.hooks.Create(ctx, webhook.CreateRequest{
				UserID: actor.ID,
				URL:    url,
				Secret: secret,
				Events: events,
			})
			if err != nil {
				return err
			}

			if outputJSON {
				ui.JSON(wh)
				return nil
			}
			ui.Success("webhook subscribed")
			ui.KeyValue([][2]string{
				{"ID", wh.ID.String()},
				{"URL", wh.URL},
				{"Events", wh.Events},
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "delivery endpoint (https)")
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC signing secret (generated when empty)")
	cmd.Flags().StringSliceVar(&events, "events", []string{"*"}, "event types to deliver, * for all")
	cmd.MarkFlagRequired("url")
	return cmd
}

func newWebhookListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the acting user's webhooks",
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
			hooks, err := rt.hooks.List(ctx, actor)
			if err != nil {
				return err
			}

			if outputJSON {
				ui.JSON(hooks)
				return nil
			}
			rows := make([][]string, 0, len(hooks))
			for _, wh := range hooks {
				status := "active"
				if !wh.IsActive {
					status = "disabled"
				}
				rows = append(rows, []string{
					wh.ID.String(), wh.URL, wh.Events, status,
				})
			}
			ui.Table([]string{"ID", "URL", "EVENTS", "STATUS"}, rows)
			return nil
		},
	}
}

func newWebhookDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <webhook-id>",
		Short: "Delete a webhook subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ui := newUI()
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid webhook id %q", args[0])
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
			if err := rt.hooks.Delete(ctx, actor, id); err != nil {
				return err
			}
			ui.Success("webhook %s deleted", id)
			return nil
		},
	}
}

func newWebhookDeliveriesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deliveries <webhook-id>",
		Short: "Show recent delivery attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ui := newUI()
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid webhook id %q", args[0])
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
			deliveries, err := rt.hooks.Deliveries(ctx, actor, id, limit)
			if err != nil {
				return err
			}

			if outputJSON {
				ui.JSON(deliveries)
				return nil
			}
			rows := make([][]string, 0, len(deliveries))
			for _, d := range deliveries {
				status := "-"
				if d.LastStatus > 0 {
					status = fmt.Sprintf("%d", d.LastStatus)
				}
				rows = append(rows, []string{
					d.EventType, string(d.State),
					fmt.Sprintf("%d", d.Attempt), status,
					d.CreatedAt.Format(time.RFC3339),
				})
			}
			ui.Table([]string{"EVENT", "STATE", "ATTEMPTS", "HTTP", "CREATED"}, rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of deliveries to show")
	return cmd
}
