package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/MediaRelay/internal/auth"
	"github.com/jaywantadh/MediaRelay/internal/transfer"
	"github.com/jaywantadh/MediaRelay/pkg/env"
	"github.com/jaywantadh/MediaRelay/pkg/httpserver"
	"github.com/jaywantadh/MediaRelay/pkg/logging"
)

func main() {
	env.LoadEnv()

	app := &cli.App{
		Name:  "mediarelay",
		Usage: "Relay media from a source URL to a resumable upload endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config",
				Usage:   "directory holding config.yaml",
				EnvVars: []string{"MEDIARELAY_CONFIG_DIR"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "transfer",
				Aliases:   []string{"t"},
				Usage:     "Transfer one asset and print the id the destination assigned",
				ArgsUsage: "<source-url>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "metadata", Aliases: []string{"m"}, Usage: "destination metadata as JSON, or @file"},
					&cli.StringFlag{Name: "id", Usage: "transfer id (generated when empty)"},
				},
				Action: runTransfer,
			},
			{
				Name:      "resume",
				Usage:     "Resume a checkpointed transfer on its existing upload session",
				ArgsUsage: "<transfer-id>",
				Action:    runResume,
			},
			{
				Name:      "status",
				Usage:     "Show checkpointed transfers",
				ArgsUsage: "[transfer-id]",
				Action:    runStatus,
			},
			{
				Name:   "serve",
				Usage:  "Serve the transfer API",
				Action: runServe,
			},
			{
				Name:  "token",
				Usage: "Manage the stored destination credential",
				Subcommands: []*cli.Command{
					{
						Name:  "set",
						Usage: "Store an access token for the configured account",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "access-token", Required: true, EnvVars: []string{"MEDIARELAY_ACCESS_TOKEN"}},
							&cli.StringFlag{Name: "refresh-token"},
							&cli.DurationFlag{Name: "expires-in", Usage: "token lifetime, 0 for none"},
						},
						Action: runTokenSet,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		if logging.Log == nil {
			logging.InitLogger(false)
		}
		logging.Log.Fatal(err)
	}
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func runTransfer(c *cli.Context) error {
	source := c.Args().First()
	if source == "" {
		return cli.Exit("transfer needs a source URL", 2)
	}
	meta, err := readMetadata(c.String("metadata"))
	if err != nil {
		return err
	}

	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(c)
	defer stop()

	opts := []transfer.TransferOption{transfer.WithProgress(a.printer(ctx))}
	if id := c.String("id"); id != "" {
		opts = append(opts, transfer.WithTransferID(id))
	}
	res, err := a.engine.Transfer(ctx, source, meta, opts...)
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func runResume(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.Exit("resume needs a transfer id", 2)
	}
	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(c)
	defer stop()

	res, err := a.engine.Resume(ctx, id, transfer.WithProgress(a.printer(ctx)))
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func runStatus(c *cli.Context) error {
	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.Close()

	if id := c.Args().First(); id != "" {
		rec, err := a.store.GetTransferRecord(id)
		if err != nil {
			return fmt.Errorf("transfer %s: %w", id, err)
		}
		out, _ := json.MarshalIndent(rec, "", "  ")
		fmt.Println(string(out))
		return nil
	}

	recs, err := a.store.ListTransferRecords()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		fmt.Printf("%s  %-12s  %d/%d  %s\n", rec.ID, rec.Status, rec.Cursor, rec.TotalSize, rec.SourceLocator)
	}
	return nil
}

func runServe(c *cli.Context) error {
	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(c)
	defer stop()

	srv := transfer.NewServer(ctx, a.engine, a.store, a.cfg.MaxConcurrentTransfers)
	err = httpserver.Run(ctx, fmt.Sprintf(":%d", a.cfg.Port), srv.Handler())
	stop()
	srv.Wait()
	return err
}

func runTokenSet(c *cli.Context) error {
	a, err := newApp(c.String("config"))
	if err != nil {
		return err
	}
	defer a.Close()

	tok := auth.Token{
		AccessToken:  c.String("access-token"),
		RefreshToken: c.String("refresh-token"),
		TokenType:    "Bearer",
	}
	if d := c.Duration("expires-in"); d > 0 {
		tok.Expiry = time.Now().Add(d)
	}
	if err := a.credentials.Save(a.cfg.Credentials.Account, tok); err != nil {
		return err
	}
	logging.Log.WithField("account", a.cfg.Credentials.Account).Info("credential stored")
	return nil
}

// readMetadata accepts inline JSON or @path.
func readMetadata(arg string) (json.RawMessage, error) {
	if arg == "" {
		return nil, nil
	}
	raw := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("reading metadata: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("metadata is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func printResult(res *transfer.Result) {
	fmt.Printf("transfer %s complete: asset %s (%d bytes, %d chunks, %s)\n",
		res.TransferID, res.AssetID, res.TotalSize, res.Chunks, res.Elapsed.Round(time.Millisecond))
}
