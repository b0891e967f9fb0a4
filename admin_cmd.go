package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/asar-dev/asar-loader/internal/credentials"
	"github.com/asar-dev/asar-loader/internal/fault"
	"github.com/asar-dev/asar-loader/internal/history"
	"github.com/asar-dev/asar-loader/internal/hooks"
)

func (a *app) credentialsCommand() *cli.Command {
	return &cli.Command{
		Name:  "credentials",
		Usage: "Manage the encrypted ESA SSO credentials",
		Commands: []*cli.Command{
			{
				Name:  "set",
				Usage: "Store a username and password (requires ASAR_LOADER_PASSPHRASE)",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "username",
						Aliases:  []string{"u"},
						Required: true,
						Sources:  cli.EnvVars("ASAR_LOADER_USERNAME"),
					},
					&cli.StringFlag{
						Name:     "password",
						Aliases:  []string{"p"},
						Required: true,
						Sources:  cli.EnvVars("ASAR_LOADER_PASSWORD"),
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return a.withVault(func(v *credentials.Vault) error {
						if err := v.Save(credentials.Credentials{
							Username: cmd.String("username"),
							Password: cmd.String("password"),
						}); err != nil {
							return err
						}
						fmt.Fprintln(os.Stderr, "Credentials saved")
						return nil
					})
				},
			},
			{
				Name:  "clear",
				Usage: "Remove the stored credentials",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return a.withVault(func(v *credentials.Vault) error {
						return v.Clear()
					})
				},
			},
		},
	}
}

func (a *app) withVault(fn func(*credentials.Vault) error) error {
	db, _, err := a.openState()
	if err != nil {
		return err
	}
	defer closeState(db)

	vault, err := credentials.Open(db, a.cfg.Passphrase)
	if err != nil {
		return err
	}
	return fn(vault)
}

func (a *app) hooksCommand() *cli.Command {
	return &cli.Command{
		Name:  "hooks",
		Usage: "Manage webhook notifications",
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Register a webhook",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "url", Required: true},
					&cli.StringSliceFlag{
						Name:  "event",
						Usage: "Event to deliver (repeatable, * for all): " + strings.Join(hooks.AllEvents(), ", "),
						Value: []string{"*"},
					},
					&cli.StringSliceFlag{Name: "header", Usage: "Extra request header as KEY=VALUE (repeatable)"},
					&cli.StringSliceFlag{Name: "product", Usage: "Only product events whose identifier starts with this prefix (repeatable)"},
					&cli.StringFlag{
						Name:    "secret",
						Usage:   "Sign deliveries with HMAC-SHA256 in the " + hooks.SignatureHeader + " header",
						Sources: cli.EnvVars("ASAR_LOADER_HOOK_SECRET"),
					},
				},
				Action: a.addHook,
			},
			{
				Name:  "list",
				Usage: "List webhooks",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return a.withHooks(func(m *hooks.Manager) error {
						webhooks, err := m.ListWebhooks()
						if err != nil {
							return err
						}
						tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
						fmt.Fprintln(tw, "ID\tNAME\tURL\tEVENTS\tPRODUCTS\tENABLED\tLAST STATUS\tFAILURES")
						for _, wh := range webhooks {
							products := strings.Join(hooks.ParseProducts(wh.Products), ",")
							if products == "" {
								products = "*"
							}
							fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%t\t%d\t%d\n", wh.ID, wh.Name, wh.URL,
								strings.Join(hooks.ParseEvents(wh.Events), ","), products, wh.Enabled, wh.LastStatus, wh.Failures)
						}
						return tw.Flush()
					})
				},
			},
			{
				Name:      "remove",
				Usage:     "Delete a webhook",
				ArgsUsage: "ID",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := webhookID(cmd)
					if err != nil {
						return err
					}
					return a.withHooks(func(m *hooks.Manager) error {
						if _, err := m.GetWebhook(id); err != nil {
							return fault.New(fault.CodeInvalidParameter, fmt.Sprintf("webhook %d not found", id), err)
						}
						return m.DeleteWebhook(id)
					})
				},
			},
			{
				Name:      "enable",
				Usage:     "Enable a webhook",
				ArgsUsage: "ID",
				Action:    a.toggleHook(true),
			},
			{
				Name:      "disable",
				Usage:     "Disable a webhook without deleting it",
				ArgsUsage: "ID",
				Action:    a.toggleHook(false),
			},
		},
	}
}

func (a *app) addHook(ctx context.Context, cmd *cli.Command) error {
	events := cmd.StringSlice("event")
	for _, e := range events {
		if !hooks.IsValidEvent(e) {
			return fault.New(fault.CodeInvalidParameter, fmt.Sprintf("unknown event %q", e), nil)
		}
	}

	var headers map[string]string
	for _, h := range cmd.StringSlice("header") {
		k, v, ok := strings.Cut(h, "=")
		if !ok || k == "" {
			return fault.New(fault.CodeInvalidParameter, fmt.Sprintf("header %q must be KEY=VALUE", h), nil)
		}
		if headers == nil {
			headers = make(map[string]string)
		}
		headers[k] = v
	}

	return a.withHooks(func(m *hooks.Manager) error {
		wh, err := m.CreateWebhook(cmd.String("name"), cmd.String("url"), events,
			hooks.WithHeaders(headers),
			hooks.WithSecret(cmd.String("secret")),
			hooks.WithProducts(cmd.StringSlice("product")...),
		)
		if err != nil {
			return err
		}
		fmt.Println(wh.ID)
		return nil
	})
}

func (a *app) toggleHook(enabled bool) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		id, err := webhookID(cmd)
		if err != nil {
			return err
		}
		return a.withHooks(func(m *hooks.Manager) error {
			return m.SetEnabled(id, enabled)
		})
	}
}

func webhookID(cmd *cli.Command) (uint, error) {
	id, err := strconv.ParseUint(cmd.Args().First(), 10, 64)
	if err != nil {
		return 0, fault.New(fault.CodeInvalidParameter, "a numeric webhook ID is required", err)
	}
	return uint(id), nil
}

func (a *app) withHooks(fn func(*hooks.Manager) error) error {
	db, m, err := a.openState()
	if err != nil {
		return err
	}
	defer closeState(db)
	return fn(m)
}

func (a *app) historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show recent download attempts",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 20},
			&cli.StringFlag{Name: "product", Usage: "Only attempts for this product"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			db, _, err := a.openState()
			if err != nil {
				return err
			}
			defer closeState(db)

			var entries []history.DownloadEntry
			if product := cmd.String("product"); product != "" {
				entries, err = db.ForProduct(product)
			} else {
				entries, err = db.Recent(int(cmd.Int("limit")))
			}
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPRODUCT\tSTATUS\tPOLLS\tWAITED\tBYTES\tUPDATED\tDETAIL")
			for _, e := range entries {
				detail := e.LocalPath
				if e.ErrorCode != "" {
					detail = e.ErrorCode + ": " + e.ErrorMessage
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n", e.ID, e.ProductID, e.Status, e.Polls,
					time.Duration(e.WaitedSeconds)*time.Second, humanBytes(e.Progress),
					e.UpdatedAt.Local().Format(time.DateTime), detail)
			}
			return tw.Flush()
		},
	}
}
