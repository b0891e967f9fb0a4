package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/asar-dev/asar-loader/internal/catalog"
	"github.com/asar-dev/asar-loader/internal/credentials"
	"github.com/asar-dev/asar-loader/internal/downloader"
	"github.com/asar-dev/asar-loader/internal/fault"
	"github.com/asar-dev/asar-loader/internal/history"
	"github.com/asar-dev/asar-loader/internal/sso"
)

func (a *app) downloadCommand() *cli.Command {
	return &cli.Command{
		Name:      "download",
		Usage:     "Log in to ESA SSO and download one product by identifier",
		ArgsUsage: "PRODUCT_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "username",
				Aliases: []string{"u"},
				Usage:   "ESA SSO username (defaults to stored credentials)",
				Sources: cli.EnvVars("ASAR_LOADER_USERNAME"),
			},
			&cli.StringFlag{
				Name:    "password",
				Aliases: []string{"p"},
				Usage:   "ESA SSO password (defaults to stored credentials)",
				Sources: cli.EnvVars("ASAR_LOADER_PASSWORD"),
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output directory",
				Value:   ".",
			},
			&cli.BoolFlag{Name: "overwrite", Usage: "Replace existing files"},
			&cli.BoolFlag{Name: "progress", Usage: "Report transfer and order wait progress"},
			&cli.DurationFlag{
				Name:  "log-progress",
				Usage: "Log transfer progress at this interval, for unattended runs (0 disables)",
			},
			&cli.DurationFlag{
				Name:  "max-wait",
				Usage: "Give up when queued orders would wait longer than this (0 waits forever)",
			},
		},
		Action: a.runDownload,
	}
}

func (a *app) runDownload(ctx context.Context, cmd *cli.Command) error {
	id, err := productArg(cmd)
	if err != nil {
		return err
	}

	db, hooksManager, err := a.openState()
	if err != nil {
		return err
	}
	defer closeState(db)
	defer flushHooks(hooksManager)

	creds, err := a.loadCredentials(db, cmd.String("username"), cmd.String("password"))
	if err != nil {
		return err
	}

	client, err := sso.NewClient(
		sso.WithBaseURL(a.cfg.SSOBaseURL),
		sso.WithAdminURL(a.cfg.SSOAdminURL),
		sso.WithLogoutURL(a.cfg.SSOLogoutURL),
		sso.WithCABundle(a.cfg.CABundle),
		sso.WithTimeout(a.cfg.RequestTimeout),
	)
	if err != nil {
		return err
	}

	maxWait := a.cfg.MaxOrderWait
	if cmd.IsSet("max-wait") {
		maxWait = cmd.Duration("max-wait")
	}
	dl := downloader.New(catalog.FromConfig(a.cfg),
		downloader.WithChunkSize(a.cfg.ChunkSize),
		downloader.WithMaxWait(maxWait),
		downloader.WithMaxPolls(a.cfg.MaxOrderPolls),
		downloader.WithHistory(db),
		downloader.WithHooks(hooksManager),
	)

	req := downloader.Request{
		ProductID: id,
		OutputDir: cmd.String("output"),
		Overwrite: cmd.Bool("overwrite"),
	}
	if cmd.Bool("progress") {
		req.Progress = printTransfer
		req.Wait = printWait(id)
	}

	return client.WithSession(ctx, creds.Username, creds.Password, func(ctx context.Context, s *sso.Session) error {
		if every := cmd.Duration("log-progress"); every > 0 {
			reportCtx, stop := context.WithCancel(ctx)
			defer stop()
			go reportProgress(reportCtx, slog.Default(), dl, every)
		}

		res, err := dl.Download(ctx, s, req)
		if cmd.Bool("progress") {
			fmt.Fprintln(os.Stderr)
		}
		if err != nil {
			return err
		}
		fmt.Println(res.Path)
		slog.Debug("Product saved", "productID", id, "checksum", res.Checksum, "polls", res.Polls, "waited", res.Waited)
		return nil
	})
}

// productArg returns the single product identifier argument.
func productArg(cmd *cli.Command) (string, error) {
	if cmd.NArg() != 1 || strings.TrimSpace(cmd.Args().First()) == "" {
		return "", fault.New(fault.CodeInvalidParameter,
			fmt.Sprintf("exactly one product identifier is required, got %d", cmd.NArg()), nil)
	}
	return strings.TrimSpace(cmd.Args().First()), nil
}

type transferLister interface {
	ActiveDownloads() []downloader.DownloadProgress
}

// reportProgress logs every transfer in flight until ctx is done.
func reportProgress(ctx context.Context, log *slog.Logger, src transferLister, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range src.ActiveDownloads() {
				log.Info("Transfer progress", "productID", p.ProductID, "file", p.FileName,
					"written", humanBytes(p.BytesWritten), "total", humanBytes(p.TotalBytes),
					"percent", fmt.Sprintf("%.1f", p.Percent()))
			}
		}
	}
}

// loadCredentials prefers explicit flags and falls back to the vault.
func (a *app) loadCredentials(db *history.DB, username, password string) (credentials.Credentials, error) {
	if username != "" && password != "" {
		return credentials.Credentials{Username: username, Password: password}, nil
	}
	vault, err := credentials.Open(db, a.cfg.Passphrase)
	if err != nil {
		return credentials.Credentials{}, fault.New(fault.CodeAuth,
			"no username and password given and the credential vault is unavailable", err)
	}
	creds, err := vault.Load()
	if err != nil {
		return credentials.Credentials{}, fault.New(fault.CodeAuth, "no stored credentials", err)
	}
	if username != "" {
		creds.Username = username
	}
	return creds, nil
}

func printTransfer(p downloader.DownloadProgress) {
	if p.TotalBytes > 0 {
		fmt.Fprintf(os.Stderr, "\r%s: %s / %s (%.1f%%, ETA %s)", p.FileName,
			humanBytes(p.BytesWritten), humanBytes(p.TotalBytes), p.Percent(), p.ETA().Round(time.Second))
		return
	}
	fmt.Fprintf(os.Stderr, "\r%s: %s", p.FileName, humanBytes(p.BytesWritten))
}

func printWait(productID string) downloader.WaitFunc {
	return func(remaining, total time.Duration) {
		fmt.Fprintf(os.Stderr, "\r%s queued, retrying in %s of %s   ", productID, remaining, total)
	}
}
